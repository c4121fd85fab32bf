// Package host defines the host UI contract consumed by the execution core.
//
// The host is the program embedding the engine: a console, a service, a test
// harness. The runspace layer uses it only for echoing lines to the user,
// transcription cleanup during close, and nested-prompt tracking. Host calls
// must never block pipeline state transitions.
package host

import "sync"

// Host is the surface the runspace layer consumes.
type Host interface {
	// Name returns the friendly host name.
	Name() string

	// WriteLine writes a line of text to the user.
	WriteLine(s string)

	// WriteErrorLine writes a line of error text to the user.
	WriteErrorLine(s string)

	// StopAllTranscribing ends any active transcription sessions. Called
	// during runspace close.
	StopAllTranscribing()

	// EnterNestedPrompt records entry into a nested prompt (break/debug).
	EnterNestedPrompt()

	// ExitNestedPrompt records exit from the innermost nested prompt.
	ExitNestedPrompt()

	// NestedPromptLevel returns the current nested prompt depth. Zero means
	// no nested prompt is active.
	NestedPromptLevel() int
}

// NullHost is a Host that discards all output. It is the default host for
// runspaces created without one.
type NullHost struct {
	mu          sync.Mutex
	name        string
	nestedDepth int
}

// NewNullHost creates a NullHost.
func NewNullHost() *NullHost {
	return &NullHost{name: "NullHost"}
}

// Name returns the host name.
func (h *NullHost) Name() string { return h.name }

// WriteLine discards the line.
func (h *NullHost) WriteLine(_ string) {}

// WriteErrorLine discards the line.
func (h *NullHost) WriteErrorLine(_ string) {}

// StopAllTranscribing is a no-op.
func (h *NullHost) StopAllTranscribing() {}

// EnterNestedPrompt increments the nested prompt depth.
func (h *NullHost) EnterNestedPrompt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nestedDepth++
}

// ExitNestedPrompt decrements the nested prompt depth.
func (h *NullHost) ExitNestedPrompt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.nestedDepth > 0 {
		h.nestedDepth--
	}
}

// NestedPromptLevel returns the current nested prompt depth.
func (h *NullHost) NestedPromptLevel() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nestedDepth
}

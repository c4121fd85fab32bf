// Package engine defines the execution-context contract consumed by the
// runspace layer.
//
// The actual script parser, compiler and command interpreter live behind the
// Context interface. The runspace and pipeline machinery only sequences
// executions: it hands a Context a compiled command collection together with
// input/output/error streams and waits for Execute to return. This keeps the
// lifecycle and scheduling core independent of language semantics.
//
// # Usage
//
//	factory := engine.NewEchoFactory()
//	ectx, err := factory.Open(engine.NewSessionState())
//	if err != nil {
//	    return err
//	}
//	defer ectx.NotifyClosing()
package engine

import (
	"context"

	"github.com/google/uuid"
)

// Parameter is a single named or positional command parameter.
// A positional argument has an empty Name.
type Parameter struct {
	Name  string
	Value interface{}
}

// Command is one element of a pipeline's command collection.
// It is opaque to the execution core: only the engine interprets it.
type Command struct {
	Name       string
	IsScript   bool
	Parameters []Parameter
}

// Clone returns a deep copy of the command.
func (c Command) Clone() Command {
	dup := Command{
		Name:     c.Name,
		IsScript: c.IsScript,
	}
	if len(c.Parameters) > 0 {
		dup.Parameters = make([]Parameter, len(c.Parameters))
		copy(dup.Parameters, c.Parameters)
	}
	return dup
}

// ObjectReader is the read side of a pipeline object stream.
type ObjectReader interface {
	// Read blocks until an object is available or the stream is closed and
	// drained. The second return value is false once the stream is exhausted.
	Read() (interface{}, bool)
	// TryRead returns an object without blocking. The second return value is
	// false if no object was immediately available.
	TryRead() (interface{}, bool)
}

// ObjectWriter is the write side of a pipeline object stream.
type ObjectWriter interface {
	// Write appends an object to the stream, blocking if the stream is
	// bounded and full. It returns an error if the stream is closed.
	Write(v interface{}) error
}

// Invocation describes one pipeline execution handed to an engine Context.
type Invocation struct {
	Commands []Command
	Input    ObjectReader
	Output   ObjectWriter
	Error    ObjectWriter
}

// BindInfo identifies the runspace an engine context is bound to.
type BindInfo struct {
	RunspaceID   uuid.UUID
	RunspaceName string
}

// Context is an opened execution context. Implementations interpret commands;
// the execution core only sequences calls into it.
//
// Execute must honour ctx cancellation: a cancelled context is how the
// pipeline layer implements cooperative Stop.
type Context interface {
	// Execute runs the invocation's commands against this context, reading
	// from Input and streaming results to Output/Error. It returns when the
	// invocation completes, fails, or is cancelled.
	Execute(ctx context.Context, inv Invocation) error

	// Bind is the post-open hook: the runspace calls it once after a
	// successful Open so the engine can record its owner. A non-nil error
	// breaks the runspace.
	Bind(info BindInfo) error

	// Variable returns a session variable by name.
	Variable(name string) (interface{}, bool)

	// SetVariable sets a session variable.
	SetVariable(name string, value interface{})

	// LanguageMode returns the current language mode.
	LanguageMode() string

	// SetLanguageMode sets the language mode.
	SetLanguageMode(mode string)

	// Applications lists the applications visible to the session.
	Applications() []string

	// Scripts lists the scripts visible to the session.
	Scripts() []string

	// NotifyClosing tells the context its owning runspace is closing.
	NotifyClosing()
}

// Factory creates execution contexts. Implementations may launch engines
// in-process or broker to an out-of-process host.
type Factory interface {
	// Open constructs a context seeded with the given initial session state.
	Open(initial *SessionState) (Context, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(initial *SessionState) (Context, error)

// Open implements Factory.
func (f FactoryFunc) Open(initial *SessionState) (Context, error) {
	return f(initial)
}

// SessionState is the initial state an execution context is seeded with.
type SessionState struct {
	Variables    map[string]interface{}
	Functions    map[string]string
	Aliases      map[string]string
	Applications []string
	Scripts      []string
	LanguageMode string
}

// NewSessionState returns an empty session state with the default
// language mode.
func NewSessionState() *SessionState {
	return &SessionState{
		Variables:    make(map[string]interface{}),
		Functions:    make(map[string]string),
		Aliases:      make(map[string]string),
		LanguageMode: "FullLanguage",
	}
}

// Clone returns a deep copy of the session state.
func (s *SessionState) Clone() *SessionState {
	dup := NewSessionState()
	dup.LanguageMode = s.LanguageMode
	for k, v := range s.Variables {
		dup.Variables[k] = v
	}
	for k, v := range s.Functions {
		dup.Functions[k] = v
	}
	for k, v := range s.Aliases {
		dup.Aliases[k] = v
	}
	dup.Applications = append([]string(nil), s.Applications...)
	dup.Scripts = append([]string(nil), s.Scripts...)
	return dup
}

package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// EchoContext is a trivial in-process engine used by the demo binary and for
// wiring tests. It does not interpret commands: each command is echoed to the
// output stream as a formatted line, and pipeline input objects are passed
// through unchanged.
type EchoContext struct {
	mu      sync.RWMutex
	vars    map[string]interface{}
	funcs   map[string]string
	aliases map[string]string
	apps    []string
	scripts []string
	mode    string
	bound   BindInfo
	closing bool
}

// NewEchoFactory returns a Factory producing EchoContexts.
func NewEchoFactory() Factory {
	return FactoryFunc(func(initial *SessionState) (Context, error) {
		ec := &EchoContext{
			vars:    make(map[string]interface{}),
			funcs:   make(map[string]string),
			aliases: make(map[string]string),
			mode:    "FullLanguage",
		}
		if initial != nil {
			for k, v := range initial.Variables {
				ec.vars[k] = v
			}
			for k, v := range initial.Functions {
				ec.funcs[k] = v
			}
			for k, v := range initial.Aliases {
				ec.aliases[k] = v
			}
			ec.apps = append(ec.apps, initial.Applications...)
			ec.scripts = append(ec.scripts, initial.Scripts...)
			if initial.LanguageMode != "" {
				ec.mode = initial.LanguageMode
			}
		}
		return ec, nil
	})
}

// Execute echoes each command and passes input objects through to output.
func (e *EchoContext) Execute(ctx context.Context, inv Invocation) error {
	for _, cmd := range inv.Commands {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := inv.Output.Write(formatCommand(cmd)); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}

	if inv.Input == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		obj, ok := inv.Input.Read()
		if !ok {
			return nil
		}
		if err := inv.Output.Write(obj); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
}

func formatCommand(cmd Command) string {
	var b strings.Builder
	b.WriteString(cmd.Name)
	for _, p := range cmd.Parameters {
		if p.Name == "" {
			fmt.Fprintf(&b, " %v", p.Value)
			continue
		}
		fmt.Fprintf(&b, " -%s %v", p.Name, p.Value)
	}
	return b.String()
}

// Bind records the owning runspace.
func (e *EchoContext) Bind(info BindInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bound = info
	return nil
}

// Bound returns the bind info recorded by Bind.
func (e *EchoContext) Bound() BindInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bound
}

// Variable returns a session variable by name.
func (e *EchoContext) Variable(name string) (interface{}, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vars[name]
	return v, ok
}

// SetVariable sets a session variable.
func (e *EchoContext) SetVariable(name string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vars[name] = value
}

// LanguageMode returns the current language mode.
func (e *EchoContext) LanguageMode() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// SetLanguageMode sets the language mode.
func (e *EchoContext) SetLanguageMode(mode string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
}

// Applications lists the applications visible to the session.
func (e *EchoContext) Applications() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.apps...)
}

// Scripts lists the scripts visible to the session.
func (e *EchoContext) Scripts() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.scripts...)
}

// NotifyClosing marks the context as closing.
func (e *EchoContext) NotifyClosing() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closing = true
}

// Closing reports whether NotifyClosing has been called.
func (e *EchoContext) Closing() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closing
}

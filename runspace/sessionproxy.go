package runspace

import (
	"fmt"
)

// SessionStateProxy exposes the execution context's session state to callers
// outside a pipeline. Every call requires the runspace to be Opened with no
// pipeline running and no other proxy call in flight.
type SessionStateProxy struct {
	rs *Runspace
}

// SessionStateProxy returns the runspace's session-state proxy.
func (r *Runspace) SessionStateProxy() *SessionStateProxy {
	return &SessionStateProxy{rs: r}
}

// beginCall gates a proxy call; endCall must follow on success.
func (p *SessionStateProxy) beginCall() error {
	r := p.rs
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	if r.stateInfo.State != StateOpened {
		return fmt.Errorf("%w: state is %s", ErrNotOpen, r.stateInfo.State)
	}
	if len(r.running) > 0 {
		return fmt.Errorf("%w: a pipeline is running", ErrBusy)
	}
	if r.proxyBusy {
		return fmt.Errorf("%w: another session-state call is in flight", ErrBusy)
	}
	r.proxyBusy = true
	return nil
}

func (p *SessionStateProxy) endCall() {
	p.rs.mu.Lock()
	p.rs.proxyBusy = false
	p.rs.mu.Unlock()
}

// GetVariable returns a session variable by name.
func (p *SessionStateProxy) GetVariable(name string) (interface{}, error) {
	if err := p.beginCall(); err != nil {
		return nil, err
	}
	defer p.endCall()
	v, _ := p.rs.engineCtx.Variable(name)
	return v, nil
}

// SetVariable sets a session variable.
func (p *SessionStateProxy) SetVariable(name string, value interface{}) error {
	if err := p.beginCall(); err != nil {
		return err
	}
	defer p.endCall()
	p.rs.engineCtx.SetVariable(name, value)
	return nil
}

// LanguageMode returns the session's language mode.
func (p *SessionStateProxy) LanguageMode() (string, error) {
	if err := p.beginCall(); err != nil {
		return "", err
	}
	defer p.endCall()
	return p.rs.engineCtx.LanguageMode(), nil
}

// SetLanguageMode sets the session's language mode.
func (p *SessionStateProxy) SetLanguageMode(mode string) error {
	if err := p.beginCall(); err != nil {
		return err
	}
	defer p.endCall()
	p.rs.engineCtx.SetLanguageMode(mode)
	return nil
}

// Applications lists the applications visible to the session.
func (p *SessionStateProxy) Applications() ([]string, error) {
	if err := p.beginCall(); err != nil {
		return nil, err
	}
	defer p.endCall()
	return p.rs.engineCtx.Applications(), nil
}

// Scripts lists the scripts visible to the session.
func (p *SessionStateProxy) Scripts() ([]string, error) {
	if err := p.beginCall(); err != nil {
		return nil, err
	}
	defer p.endCall()
	return p.rs.engineCtx.Scripts(), nil
}

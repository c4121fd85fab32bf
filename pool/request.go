package pool

import (
	"sync"

	"github.com/smnsjas/go-pshost/runspace"
)

// Request is the future returned by BeginGetRunspace. It completes when the
// servicing loop assigns a runspace (or the pool fails the request), and can
// be cancelled while still queued.
type Request struct {
	mu     sync.Mutex
	active bool
	done   bool
	rs     *runspace.Runspace
	err    error
	doneCh chan struct{}
}

func newRequest() *Request {
	return &Request{
		active: true,
		doneCh: make(chan struct{}),
	}
}

// Done returns a channel closed when the request completes.
func (r *Request) Done() <-chan struct{} { return r.doneCh }

// IsActive reports whether the request is still eligible for servicing.
func (r *Request) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Cancel marks a queued request inactive. It returns false if the request
// already completed; in that case the caller owns the assigned runspace and
// should release it back to the pool.
func (r *Request) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return false
	}
	r.active = false
	return true
}

// Runspace returns the assigned runspace after Done is closed.
func (r *Request) Runspace() (*runspace.Runspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.done {
		return nil, ErrRequestPending
	}
	return r.rs, r.err
}

// complete finishes the request. Completing is idempotent; the first call
// wins. Completion never blocks: it stores the result and closes a channel.
func (r *Request) complete(rs *runspace.Runspace, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return false
	}
	r.done = true
	r.active = false
	r.rs = rs
	r.err = err
	close(r.doneCh)
	return true
}

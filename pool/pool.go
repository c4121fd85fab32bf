package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"vawter.tech/stopper"

	"github.com/smnsjas/go-pshost/runspace"
)

var (
	// ErrInvalidState is returned when an operation is attempted in an
	// invalid state.
	ErrInvalidState = errors.New("invalid runspace pool state")
	// ErrNotOpen is returned when an operation requires an open pool.
	ErrNotOpen = errors.New("runspace pool not open")
	// ErrClosed is returned when an operation is attempted on a closed pool.
	ErrClosed = errors.New("runspace pool is closed")
	// ErrNotSupported is returned when a remoting operation is attempted on
	// a local pool.
	ErrNotSupported = errors.New("operation not supported")
	// ErrRequestPending is returned when a request's result is read before
	// it completes.
	ErrRequestPending = errors.New("lease request has not completed")
	// ErrBadBounds is returned for size constraints that violate
	// 1 <= min <= max.
	ErrBadBounds = errors.New("invalid runspace pool bounds")
)

// DefaultIdleTimeout is the interval after which idle runspaces beyond the
// minimum are destroyed.
const DefaultIdleTimeout = 15 * time.Minute

// Logger is an optional interface for debug logging.
// If not set, no logging is performed.
type Logger interface {
	// Printf formats and logs a debug message.
	Printf(format string, v ...interface{})
}

// State represents the current state of a Pool.
type State int

const (
	// StateBeforeOpen is the initial state before the pool is opened.
	StateBeforeOpen State = iota
	// StateOpening indicates pool initialization in progress.
	StateOpening
	// StateOpened indicates the pool is ready to service lease requests.
	StateOpened
	// StateClosing indicates the pool is being closed.
	StateClosing
	// StateClosed indicates the pool is closed.
	StateClosed
	// StateBroken indicates an error occurred and the pool is unusable.
	StateBroken
	// StateDisconnecting indicates a remote disconnect in progress.
	StateDisconnecting
	// StateDisconnected indicates a remote pool is disconnected.
	StateDisconnected
	// StateConnecting indicates a remote reconnect in progress.
	StateConnecting
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateBeforeOpen:
		return "BeforeOpen"
	case StateOpening:
		return "Opening"
	case StateOpened:
		return "Opened"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateBroken:
		return "Broken"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Factory creates and opens one runspace for the pool.
type Factory func() (*runspace.Runspace, error)

// Pool manages a bounded collection of runspaces and services asynchronous
// lease requests with a single-flight servicing loop.
//
// Leasing uses two FIFO queues: BeginGetRunspace appends to the inbox; the
// servicing loop drains the inbox into its processing queue and satisfies
// requests from the idle stack (LIFO, warmest first) or by creating new
// runspaces up to the maximum.
type Pool struct {
	mu sync.Mutex

	id    uuid.UUID
	state State

	min, max int
	factory  Factory

	idle    []*runspace.Runspace // LIFO stack, warmest at the end
	all     []*runspace.Runspace // every live runspace created by the pool
	created int                  // reserved creation slots, >= len(all)

	idleTimeout  time.Duration
	cleanupTimer *time.Timer

	// Lease queues, guarded separately from the runspace collections.
	// Lock order: mu before queueMu.
	queueMu    sync.Mutex
	inbox      []*Request
	processing []*Request
	servicing  bool

	sctx   *stopper.Context
	cancel context.CancelFunc

	logger Logger
}

// New creates a pool with the given bounds. Both bounds must be >= 1 with
// min <= max. The pool starts in StateBeforeOpen.
func New(factory Factory, minRunspaces, maxRunspaces int) (*Pool, error) {
	if minRunspaces < 1 || maxRunspaces < 1 || minRunspaces > maxRunspaces {
		return nil, fmt.Errorf("%w: min=%d max=%d", ErrBadBounds, minRunspaces, maxRunspaces)
	}
	return &Pool{
		id:          uuid.New(),
		state:       StateBeforeOpen,
		min:         minRunspaces,
		max:         maxRunspaces,
		factory:     factory,
		idleTimeout: DefaultIdleTimeout,
	}, nil
}

// ID returns the pool's unique identifier.
func (p *Pool) ID() uuid.UUID { return p.id }

// State returns the current pool state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetLogger sets the logger for debug logging. Optional.
func (p *Pool) SetLogger(logger Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger = logger
}

func (p *Pool) logf(format string, v ...interface{}) {
	p.mu.Lock()
	logger := p.logger
	p.mu.Unlock()
	if logger != nil {
		logger.Printf(format, v...)
	}
}

// SetIdleTimeout reconfigures the idle-cleanup interval. Zero disables
// cleanup.
func (p *Pool) SetIdleTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idleTimeout = d
}

// GetMinRunspaces returns the minimum pool size.
func (p *Pool) GetMinRunspaces() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.min
}

// GetMaxRunspaces returns the maximum pool size.
func (p *Pool) GetMaxRunspaces() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max
}

// SetMinRunspaces adjusts the minimum pool size.
func (p *Pool) SetMinRunspaces(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 1 || n > p.max {
		return fmt.Errorf("%w: min=%d max=%d", ErrBadBounds, n, p.max)
	}
	p.min = n
	p.scheduleCleanupLocked()
	return nil
}

// SetMaxRunspaces adjusts the maximum pool size. Growing re-triggers
// request servicing, since new capacity may satisfy queued requests;
// shrinking synchronously destroys excess idle runspaces.
func (p *Pool) SetMaxRunspaces(n int) error {
	p.mu.Lock()
	if n < 1 || n < p.min {
		min := p.min
		p.mu.Unlock()
		return fmt.Errorf("%w: min=%d max=%d", ErrBadBounds, min, n)
	}
	old := p.max
	p.max = n

	var victims []*runspace.Runspace
	for p.created > n && len(p.idle) > 0 {
		rs := p.idle[0]
		p.idle = p.idle[1:]
		p.removeLocked(rs)
		victims = append(victims, rs)
	}
	p.mu.Unlock()

	for _, rs := range victims {
		rs.Dispose()
	}
	if n > old {
		p.kickServicing(false)
	}
	return nil
}

// GetAvailableRunspaces returns the advisory count of unused capacity:
// the maximum minus the checked-out runspaces. Races with concurrent
// checkouts are expected; a negative value from a shrink that raced ahead
// of outstanding checkouts is clamped to zero.
func (p *Pool) GetAvailableRunspaces() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	avail := p.max - (p.created - len(p.idle))
	if avail < 0 {
		avail = 0
	}
	return avail
}

// Open transitions the pool BeforeOpen → Opening → Opened and starts the
// background servicing machinery.
func (p *Pool) Open() error {
	p.mu.Lock()
	if p.state != StateBeforeOpen {
		state := p.state
		p.mu.Unlock()
		if state == StateClosed {
			return ErrClosed
		}
		return fmt.Errorf("%w: cannot open from state %s", ErrInvalidState, state)
	}
	p.state = StateOpening

	ctx, cancel := context.WithCancel(context.Background())
	p.sctx = stopper.WithContext(ctx)
	p.cancel = cancel
	p.state = StateOpened
	p.mu.Unlock()

	p.logf("[pool %s] opened (min=%d max=%d)", p.id, p.min, p.max)
	return nil
}

// Close drains the pool: pending requests fail with ErrClosed, background
// goroutines stop, and every runspace the pool created is disposed.
func (p *Pool) Close() error {
	p.mu.Lock()
	switch p.state {
	case StateClosed, StateClosing:
		p.mu.Unlock()
		return nil
	case StateOpened, StateBroken:
	case StateBeforeOpen:
		p.state = StateClosed
		p.mu.Unlock()
		return nil
	default:
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: cannot close from state %s", ErrInvalidState, state)
	}
	p.state = StateClosing
	if p.cleanupTimer != nil {
		p.cleanupTimer.Stop()
	}
	sctx := p.sctx
	cancel := p.cancel
	p.mu.Unlock()

	// Fail everything still queued.
	p.queueMu.Lock()
	pending := append(append([]*Request(nil), p.inbox...), p.processing...)
	p.inbox = nil
	p.processing = nil
	p.queueMu.Unlock()
	for _, req := range pending {
		req.complete(nil, ErrClosed)
	}

	if sctx != nil {
		sctx.Stop(100 * time.Millisecond)
		_ = sctx.Wait()
	}
	if cancel != nil {
		cancel()
	}

	p.mu.Lock()
	victims := append([]*runspace.Runspace(nil), p.all...)
	p.all = nil
	p.idle = nil
	p.created = 0
	p.state = StateClosed
	p.mu.Unlock()

	for _, rs := range victims {
		rs.Dispose()
	}
	p.logf("[pool %s] closed", p.id)
	return nil
}

// Disconnect is rejected on a local pool.
func (p *Pool) Disconnect(_ context.Context) error {
	return fmt.Errorf("%w: disconnect requires a remote-capable pool", ErrNotSupported)
}

// Connect is rejected on a local pool.
func (p *Pool) Connect(_ context.Context) error {
	return fmt.Errorf("%w: connect requires a remote-capable pool", ErrNotSupported)
}

// BeginGetRunspace enqueues an asynchronous lease request and triggers the
// servicing check. The returned Request completes with a runspace or an
// error; it can be cancelled while still queued.
func (p *Pool) BeginGetRunspace() (*Request, error) {
	return p.beginGetRunspace(false)
}

func (p *Pool) beginGetRunspace(useCallerThread bool) (*Request, error) {
	p.mu.Lock()
	if p.state != StateOpened {
		state := p.state
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: state is %s", ErrNotOpen, state)
	}
	p.mu.Unlock()

	req := newRequest()
	p.queueMu.Lock()
	p.inbox = append(p.inbox, req)
	p.queueMu.Unlock()

	p.kickServicing(useCallerThread)
	return req, nil
}

// GetRunspace blocks until a runspace is leased or ctx is done. The caller
// opted into servicing on its own goroutine, so an uncontended request is
// satisfied inline.
func (p *Pool) GetRunspace(ctx context.Context) (*runspace.Runspace, error) {
	req, err := p.beginGetRunspace(true)
	if err != nil {
		return nil, err
	}
	select {
	case <-req.Done():
		return req.Runspace()
	case <-ctx.Done():
		if !req.Cancel() {
			// Completed while we were cancelling: hand it back.
			if rs, rerr := req.Runspace(); rerr == nil && rs != nil {
				p.ReleaseRunspace(rs)
			}
		}
		return nil, ctx.Err()
	}
}

// ReleaseRunspace returns a leased runspace. It goes back on the idle stack
// unless the maximum shrank while it was checked out, in which case it is
// destroyed; either way the servicing check runs again.
func (p *Pool) ReleaseRunspace(rs *runspace.Runspace) {
	p.mu.Lock()
	if p.state != StateOpened || p.created > p.max {
		p.removeLocked(rs)
		p.mu.Unlock()
		rs.Dispose()
	} else {
		p.idle = append(p.idle, rs)
		p.scheduleCleanupLocked()
		p.mu.Unlock()
	}
	p.kickServicing(false)
}

// removeLocked forgets a runspace the pool created. Caller must hold p.mu.
func (p *Pool) removeLocked(rs *runspace.Runspace) {
	for i, q := range p.all {
		if q == rs {
			p.all = append(p.all[:i], p.all[i+1:]...)
			p.created--
			return
		}
	}
}

// kickServicing starts the service loop when a request is pending, no loop
// is already in flight, and either an idle runspace exists or the pool can
// still grow.
func (p *Pool) kickServicing(useCallerThread bool) {
	p.mu.Lock()
	if p.state != StateOpened {
		p.mu.Unlock()
		return
	}
	hasCapacity := len(p.idle) > 0 || p.created < p.max
	sctx := p.sctx

	p.queueMu.Lock()
	if p.servicing || (len(p.inbox) == 0 && len(p.processing) == 0) || !hasCapacity {
		p.queueMu.Unlock()
		p.mu.Unlock()
		return
	}
	p.servicing = true
	inline := useCallerThread && len(p.processing) == 0
	p.queueMu.Unlock()
	p.mu.Unlock()

	if inline {
		p.serviceRequests()
		return
	}
	sctx.Go(func(_ *stopper.Context) error {
		p.serviceRequests()
		return nil
	})
}

// serviceRequests is the single-flight service loop. It drains the inbox
// into the processing queue and satisfies requests in FIFO order, skipping
// requests cancelled in the meantime. The exit path re-checks the inbox
// under the queue lock before clearing the servicing flag, so a concurrent
// enqueue is never lost.
func (p *Pool) serviceRequests() {
	for {
		req, ok := p.nextRequest()
		if !ok {
			return
		}
		if !req.IsActive() {
			// Cancelled before a runspace was assigned; nothing to return.
			continue
		}

		rs, err := p.acquireRunspace()
		if err != nil {
			req.complete(nil, err)
			continue
		}
		if rs == nil {
			// At capacity: park the request at the front and stand down.
			if p.parkRequest(req) {
				return
			}
			continue
		}

		if !req.IsActive() {
			// Cancelled after allocation: the runspace goes back to the
			// pool for the next requester.
			p.logf("[pool %s] request cancelled, returning runspace %d", p.id, rs.ID())
			p.ReleaseRunspace(rs)
			continue
		}
		if !req.complete(rs, nil) {
			// Lost the race with Close, which failed the request already.
			p.ReleaseRunspace(rs)
		}
	}
}

// nextRequest drains the inbox into the processing queue and pops the next
// request. When both queues are empty it clears the servicing flag in the
// same critical section and reports false.
func (p *Pool) nextRequest() (*Request, bool) {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	p.processing = append(p.processing, p.inbox...)
	p.inbox = nil
	if len(p.processing) == 0 {
		p.servicing = false
		return nil, false
	}
	req := p.processing[0]
	p.processing = p.processing[1:]
	return req, true
}

// parkRequest requeues an unsatisfiable request at the front of the
// processing queue. It returns true when the loop should stand down: the
// servicing flag is cleared so the next release or up-size re-triggers.
// If capacity reappeared during parking, the loop keeps going instead.
func (p *Pool) parkRequest(req *Request) bool {
	p.mu.Lock()
	hasCapacity := len(p.idle) > 0 || p.created < p.max
	p.queueMu.Lock()
	p.processing = append([]*Request{req}, p.processing...)
	if !hasCapacity {
		p.servicing = false
		p.queueMu.Unlock()
		p.mu.Unlock()
		return true
	}
	p.queueMu.Unlock()
	p.mu.Unlock()
	return false
}

// acquireRunspace pops the warmest idle runspace or creates a new one while
// the total stays under the maximum. It returns (nil, nil) when the pool is
// at capacity. Creation happens outside the pool lock with the slot
// reserved first.
func (p *Pool) acquireRunspace() (*runspace.Runspace, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		rs := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return rs, nil
	}
	if p.created >= p.max {
		p.mu.Unlock()
		return nil, nil
	}
	p.created++
	p.mu.Unlock()

	rs, err := p.factory()
	p.mu.Lock()
	if err != nil {
		p.created--
		p.mu.Unlock()
		return nil, fmt.Errorf("create runspace: %w", err)
	}
	p.all = append(p.all, rs)
	p.scheduleCleanupLocked()
	p.mu.Unlock()
	p.logf("[pool %s] created runspace %d (%d/%d)", p.id, rs.ID(), len(p.all), p.max)
	return rs, nil
}

// scheduleCleanupLocked arms the idle-cleanup timer. The timer stays paused
// while no destruction could possibly be pending and is restarted whenever
// a runspace is created or released. Caller must hold p.mu.
func (p *Pool) scheduleCleanupLocked() {
	if p.state != StateOpened || p.idleTimeout <= 0 || p.created <= p.min {
		return
	}
	if p.cleanupTimer == nil {
		p.cleanupTimer = time.AfterFunc(p.idleTimeout, p.runCleanup)
		return
	}
	p.cleanupTimer.Reset(p.idleTimeout)
}

// runCleanup destroys idle runspaces down to the minimum. Destruction
// happens outside the pool lock; the timer re-arms itself only while more
// cleanup could become due.
func (p *Pool) runCleanup() {
	var victims []*runspace.Runspace
	p.mu.Lock()
	for p.created > p.min && len(p.idle) > 0 {
		rs := p.idle[0]
		p.idle = p.idle[1:]
		p.removeLocked(rs)
		victims = append(victims, rs)
	}
	p.scheduleCleanupLocked()
	p.mu.Unlock()

	for _, rs := range victims {
		rs.Dispose()
	}
	if len(victims) > 0 {
		p.logf("[pool %s] idle cleanup destroyed %d runspaces", p.id, len(victims))
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-pshost/engine"
)

var (
	// ErrInvalidState is returned when an operation is attempted in an
	// invalid state.
	ErrInvalidState = errors.New("invalid pipeline state")
	// ErrStopped is returned by a synchronous Invoke whose execution was
	// stopped before completion.
	ErrStopped = errors.New("pipeline execution was stopped")
)

// State represents the current state of a Pipeline.
type State int

const (
	// StateNotStarted indicates the pipeline has not been invoked yet.
	StateNotStarted State = iota
	// StateRunning indicates the pipeline is currently executing.
	StateRunning
	// StateStopping indicates a stop has been requested and is in progress.
	StateStopping
	// StateStopped indicates the pipeline was stopped before completion.
	StateStopped
	// StateCompleted indicates the pipeline completed successfully.
	StateCompleted
	// StateFailed indicates the pipeline failed with a terminal error.
	StateFailed
	// StateDisconnected indicates a remote pipeline lost its session.
	// Local pipelines never enter this state.
	StateDisconnected
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal reports whether the state is one of the terminal states.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateCompleted || s == StateFailed
}

// StateInfo is a state snapshot with the failure reason, if any.
type StateInfo struct {
	State  State
	Reason error
}

// ExecThread identifies the execution context a running pipeline is bound
// to. Nested pipelines must present the parent's ExecThread at invoke time;
// identity is compared by pointer.
type ExecThread struct {
	id int64
}

var execThreadCounter atomic.Int64

// NewExecThread allocates a fresh execution-thread token.
func NewExecThread() *ExecThread {
	return &ExecThread{id: execThreadCounter.Add(1)}
}

// ID returns the token's numeric id, for logging.
func (t *ExecThread) ID() int64 { return t.id }

// Runner is the surface a Pipeline consumes from its owning runspace.
// It is the inversion that keeps this package free of a runspace import:
// admission control, execution and history all route through it.
type Runner interface {
	// PrepareInvoke performs the concurrency and nesting checks and, on
	// success, registers the pipeline on the runspace's running stack. The
	// check and the registration happen under the runspace's own lock.
	PrepareInvoke(p *Pipeline, syncCall bool) error

	// PipelineFinished removes the pipeline from the running stack after it
	// reaches a terminal state and re-derives runspace availability.
	PipelineFinished(p *Pipeline)

	// Execute runs the invocation against the runspace's execution context.
	Execute(ctx context.Context, inv engine.Invocation) error

	// AddHistoryEntry records the start of an invocation and returns the
	// history id, or -1 if the entry could not be recorded.
	AddHistoryEntry(line string, start time.Time) int64

	// UpdateHistoryEntry records the outcome of an invocation.
	UpdateHistoryEntry(entryID int64, status State, end time.Time)
}

// Options configures pipeline construction.
type Options struct {
	// IsNested marks a pipeline invoked from within a running pipeline.
	IsNested bool
	// ParentThread is the parent pipeline's execution thread. Required for
	// nested pipelines.
	ParentThread *ExecThread
	// IsChild marks a non-nested invocation that bypasses the concurrency
	// check. Used by host-internal command invocations.
	IsChild bool
	// IsPulse marks an internal housekeeping pipeline. Pulse pipelines do
	// not appear in history and never block user nested execution.
	IsPulse bool
	// InputBufferSize bounds the input stream; zero means unbounded.
	InputBufferSize int
}

// Pipeline represents one execution of a command collection against a
// runspace. A pipeline may be invoked exactly once.
type Pipeline struct {
	mu sync.Mutex

	id         int64
	instanceID uuid.UUID
	runner     Runner
	commands   *Commands

	isNested     bool
	isChild      bool
	isPulse      bool
	parentThread *ExecThread
	thread       *ExecThread

	state  State
	reason error

	input     *Stream
	output    *Stream
	errStream *Stream

	invoked       bool
	syncInvoke    bool
	stopRequested bool
	cancel        context.CancelFunc

	doneCh   chan struct{}
	doneOnce sync.Once

	historyID      int64 // history entry being replayed, 0 if none
	historyEntryID int64 // entry recorded for this invocation

	// State-change notifications are queued under mu and dispatched with mu
	// released; flushMu keeps concurrent flushes ordered.
	pending   []StateInfo
	observers map[int64]func(StateInfo)
	nextObsID int64
	flushMu   sync.Mutex
}

// New creates a pipeline with the given runspace-scoped id and commands.
func New(runner Runner, id int64, cmds *Commands, opts Options) *Pipeline {
	if cmds == nil {
		cmds = NewCommands()
	}
	return &Pipeline{
		id:           id,
		instanceID:   uuid.New(),
		runner:       runner,
		commands:     cmds,
		isNested:     opts.IsNested,
		isChild:      opts.IsChild,
		isPulse:      opts.IsPulse,
		parentThread: opts.ParentThread,
		state:        StateNotStarted,
		input:        NewBoundedStream(opts.InputBufferSize),
		output:       NewStream(),
		errStream:    NewStream(),
		doneCh:       make(chan struct{}),
		observers:    make(map[int64]func(StateInfo)),
	}
}

// ID returns the runspace-scoped pipeline id.
func (p *Pipeline) ID() int64 { return p.id }

// InstanceID returns the pipeline's unique instance id.
func (p *Pipeline) InstanceID() uuid.UUID { return p.instanceID }

// Commands returns the pipeline's command collection.
func (p *Pipeline) Commands() *Commands { return p.commands }

// IsNested reports whether this is a nested pipeline.
func (p *Pipeline) IsNested() bool { return p.isNested }

// IsChild reports whether this is a child (unchecked) invocation.
func (p *Pipeline) IsChild() bool { return p.isChild }

// IsPulse reports whether this is an internal housekeeping pipeline.
func (p *Pipeline) IsPulse() bool { return p.isPulse }

// ParentThread returns the parent execution thread of a nested pipeline.
func (p *Pipeline) ParentThread() *ExecThread { return p.parentThread }

// Thread returns the execution thread token assigned when the pipeline
// started running, or nil before that.
func (p *Pipeline) Thread() *ExecThread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.thread
}

// State returns the current pipeline state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Info returns the current state together with the failure reason.
func (p *Pipeline) Info() StateInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return StateInfo{State: p.state, Reason: p.reason}
}

// Input returns the pipeline's input stream.
func (p *Pipeline) Input() *Stream { return p.input }

// Output returns the pipeline's output stream.
func (p *Pipeline) Output() *Stream { return p.output }

// ErrorStream returns the pipeline's error stream.
func (p *Pipeline) ErrorStream() *Stream { return p.errStream }

// Done returns a channel closed when the pipeline reaches a terminal state.
func (p *Pipeline) Done() <-chan struct{} { return p.doneCh }

// SetHistoryID tags the pipeline with the history entry it is replaying.
// Invoke-History uses the tag to refuse re-entrant replay.
func (p *Pipeline) SetHistoryID(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.historyID = id
}

// HistoryID returns the replay tag set by SetHistoryID, or 0.
func (p *Pipeline) HistoryID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.historyID
}

// OnStateChanged registers an observer for state-change notifications and
// returns an unsubscribe function. Notifications are delivered in the order
// the transitions occurred, never under a pipeline lock.
func (p *Pipeline) OnStateChanged(fn func(StateInfo)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextObsID
	p.nextObsID++
	p.observers[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.observers, id)
	}
}

// HasStateSubscribers reports whether any state observer is registered.
func (p *Pipeline) HasStateSubscribers() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.observers) > 0
}

// Invoke runs the pipeline synchronously. The supplied input objects are
// written to the input stream, which is then closed. Invoke blocks the
// calling goroutine until the pipeline reaches a terminal state, re-raises
// queued state-change notifications on that goroutine, and returns the
// ordered output collection.
//
// A Failed outcome returns the failure reason; a Stopped outcome returns
// ErrStopped.
func (p *Pipeline) Invoke(input ...interface{}) ([]interface{}, error) {
	if err := p.start(true, input); err != nil {
		return nil, err
	}

	<-p.doneCh
	p.flushEvents()

	out := p.output.Drain()
	info := p.Info()
	switch info.State {
	case StateFailed:
		return out, fmt.Errorf("pipeline failed: %w", info.Reason)
	case StateStopped:
		return out, ErrStopped
	}
	return out, nil
}

// InvokeAsync starts the pipeline without blocking. Results arrive on the
// output stream; completion is observed via Done or Wait. State-change
// notifications are dispatched from the worker goroutine.
//
// The caller owns the input stream: write any input, then close it so the
// execution can drain to completion.
func (p *Pipeline) InvokeAsync() error {
	if err := p.start(false, nil); err != nil {
		return err
	}
	p.flushEvents()
	return nil
}

// Wait blocks until the pipeline reaches a terminal state and returns the
// failure reason for a Failed outcome, ErrStopped for a Stopped one.
func (p *Pipeline) Wait() error {
	<-p.doneCh
	info := p.Info()
	switch info.State {
	case StateFailed:
		return info.Reason
	case StateStopped:
		return ErrStopped
	}
	return nil
}

// start performs the single-invoke check, admission control and worker
// launch shared by Invoke and InvokeAsync.
func (p *Pipeline) start(syncCall bool, input []interface{}) error {
	p.mu.Lock()
	if p.state != StateNotStarted || p.invoked {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: pipeline may only be invoked once (state=%s)", ErrInvalidState, state)
	}
	p.mu.Unlock()

	// Admission: the check and the push onto the running stack happen
	// atomically under the runspace's lock.
	if err := p.runner.PrepareInvoke(p, syncCall); err != nil {
		return err
	}

	p.mu.Lock()
	if p.state != StateNotStarted {
		// Stop raced in between the checks; undo the registration.
		state := p.state
		p.mu.Unlock()
		p.runner.PipelineFinished(p)
		return fmt.Errorf("%w: pipeline may only be invoked once (state=%s)", ErrInvalidState, state)
	}
	p.invoked = true
	p.syncInvoke = syncCall
	p.thread = NewExecThread()
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.setStateLocked(StateRunning, nil)
	p.mu.Unlock()

	start := time.Now()
	if !p.isPulse {
		entryID := p.runner.AddHistoryEntry(p.commands.Line(), start)
		p.mu.Lock()
		p.historyEntryID = entryID
		p.mu.Unlock()
	}

	// The worker must be consuming before the supplied input is written, or
	// a bounded input stream smaller than the input would block forever.
	go p.worker(ctx)

	for _, v := range input {
		if err := p.input.Write(v); err != nil {
			break
		}
	}
	if syncCall {
		// Synchronous Invoke always closes the input stream after writing
		// the supplied input.
		p.input.Close()
	}
	return nil
}

// worker drives the engine execution and performs terminal-state cleanup.
func (p *Pipeline) worker(ctx context.Context) {
	inv := engine.Invocation{
		Commands: p.commands.Slice(),
		Input:    p.input,
		Output:   p.output,
		Error:    p.errStream,
	}
	err := p.runner.Execute(ctx, inv)

	p.mu.Lock()
	var final State
	var reason error
	switch {
	case p.state == StateDisconnected:
		// A remote disconnect already claimed the terminal transition.
		final = StateDisconnected
	case p.stopRequested:
		final = StateStopped
	case err != nil:
		final = StateFailed
		reason = err
	default:
		final = StateCompleted
	}
	if p.state != final {
		p.setStateLocked(final, reason)
	}
	syncCall := p.syncInvoke
	entryID := p.historyEntryID
	p.mu.Unlock()

	p.input.Close()
	p.output.Close()
	p.errStream.Close()

	if entryID > 0 {
		p.runner.UpdateHistoryEntry(entryID, final, time.Now())
	}
	p.runner.PipelineFinished(p)

	p.doneOnce.Do(func() { close(p.doneCh) })
	if !syncCall {
		p.flushEvents()
	}
}

// Stop requests termination and blocks until the pipeline has stopped.
//
// From NotStarted it short-circuits straight to Stopped: no execution ever
// occurred. On a pipeline that already reached a terminal state it is a
// no-op. While another stop is in flight it waits for that stop to finish
// rather than issuing a second one.
func (p *Pipeline) Stop() error { return p.stop(true) }

// StopAsync requests termination without waiting for it to complete.
func (p *Pipeline) StopAsync() error { return p.stop(false) }

func (p *Pipeline) stop(wait bool) error {
	p.mu.Lock()
	switch p.state {
	case StateStopped, StateCompleted, StateFailed, StateDisconnected:
		p.mu.Unlock()
		return nil

	case StateNotStarted:
		p.invoked = true
		p.setStateLocked(StateStopped, nil)
		p.mu.Unlock()
		p.input.Close()
		p.output.Close()
		p.errStream.Close()
		p.doneOnce.Do(func() { close(p.doneCh) })
		p.flushEvents()
		return nil

	case StateStopping:
		p.mu.Unlock()
		if wait {
			<-p.doneCh
		}
		return nil

	case StateRunning:
		p.stopRequested = true
		p.setStateLocked(StateStopping, nil)
		cancel := p.cancel
		syncCall := p.syncInvoke
		p.mu.Unlock()

		// Cooperative: cancel the engine context and let the worker finish.
		cancel()
		// Unblock an engine stuck reading pipeline input.
		p.input.Close()
		if !syncCall {
			p.flushEvents()
		}
		if wait {
			<-p.doneCh
		}
		return nil
	}

	p.mu.Unlock()
	return nil
}

// MarkDisconnected transitions a running remote pipeline to Disconnected.
// It is called by remote-capable runspaces when the session is disconnected;
// local pipelines never enter this state.
func (p *Pipeline) MarkDisconnected() {
	p.mu.Lock()
	if p.state != StateRunning && p.state != StateStopping {
		p.mu.Unlock()
		return
	}
	p.setStateLocked(StateDisconnected, nil)
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.flushEvents()
}

// setStateLocked records a transition and queues its notification.
// Caller must hold p.mu.
func (p *Pipeline) setStateLocked(newState State, reason error) {
	p.state = newState
	p.reason = reason
	if len(p.observers) > 0 {
		// Skip payload construction entirely when nobody listens.
		p.pending = append(p.pending, StateInfo{State: newState, Reason: reason})
	}
}

// flushEvents drains queued notifications and dispatches them outside any
// pipeline lock. flushMu keeps concurrent flushes from interleaving events.
func (p *Pipeline) flushEvents() {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	events := p.pending
	p.pending = nil
	observers := make([]func(StateInfo), 0, len(p.observers))
	for _, fn := range p.observers {
		observers = append(observers, fn)
	}
	p.mu.Unlock()

	for _, ev := range events {
		for _, fn := range observers {
			fn(ev)
		}
	}
}

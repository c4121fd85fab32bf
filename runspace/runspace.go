package runspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-pshost/engine"
	"github.com/smnsjas/go-pshost/history"
	"github.com/smnsjas/go-pshost/host"
	"github.com/smnsjas/go-pshost/pipeline"
)

var (
	// ErrInvalidState is returned when an operation is attempted in an
	// invalid state.
	ErrInvalidState = errors.New("invalid runspace state")
	// ErrNotOpen is returned when an operation requires an open runspace.
	ErrNotOpen = errors.New("runspace not open")
	// ErrClosed is returned when an operation is attempted on a closed
	// runspace.
	ErrClosed = errors.New("runspace is closed")
	// ErrBroken is returned when the runspace is in a broken state.
	ErrBroken = errors.New("runspace is broken")
	// ErrDisposed is returned for any operation on a disposed runspace.
	ErrDisposed = errors.New("runspace has been disposed")
	// ErrNotSupported is returned when a remoting operation is attempted on
	// a local runspace.
	ErrNotSupported = errors.New("operation not supported")
	// ErrConcurrentPipeline is returned when a second non-nested pipeline is
	// invoked while one is already running.
	ErrConcurrentPipeline = errors.New("a pipeline is already running in this runspace")
	// ErrWrongThread is returned when a nested pipeline is invoked off its
	// parent's execution thread.
	ErrWrongThread = errors.New("nested pipeline invoked from the wrong execution thread")
	// ErrBusy is returned when a session-state proxy call races a pipeline
	// or another proxy call.
	ErrBusy = errors.New("runspace is busy")
	// ErrHistoryReplay is returned when a history entry is invoked while it
	// is already being invoked.
	ErrHistoryReplay = errors.New("history entry is already being invoked")
)

// MaximumHistoryCountVariable is the session variable the history buffer
// reads its capacity from.
const MaximumHistoryCountVariable = "MaximumHistoryCount"

// Logger is an optional interface for debug logging.
// If not set, no logging is performed.
type Logger interface {
	// Printf formats and logs a debug message.
	Printf(format string, v ...interface{})
}

// State represents the current lifecycle state of a Runspace.
type State int

const (
	// StateBeforeOpen is the initial state before the runspace is opened.
	StateBeforeOpen State = iota
	// StateOpening indicates execution-context construction in progress.
	StateOpening
	// StateOpened indicates the runspace is ready for pipeline execution.
	StateOpened
	// StateClosing indicates the runspace is being closed.
	StateClosing
	// StateClosed indicates the runspace is closed.
	StateClosed
	// StateBroken indicates an unrecoverable error occurred.
	StateBroken
	// StateDisconnecting indicates a remote disconnect in progress.
	StateDisconnecting
	// StateDisconnected indicates a remote session is disconnected.
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

// StateInfo is a state snapshot with the failure cause, if any.
type StateInfo struct {
	State  State
	Reason error
}

// Connector is the remote-transport capability. A runspace constructed
// without one is local and rejects Disconnect/Connect with ErrNotSupported.
type Connector interface {
	// Disconnect suspends the remote session.
	Disconnect(ctx context.Context) error
	// Connect resumes a disconnected remote session.
	Connect(ctx context.Context) error
	// PendingActivity reports whether a remote command or connect session is
	// still outstanding. It gates the Available availability.
	PendingActivity() bool
}

var runspaceCounter atomic.Int64

// Runspace owns one execution context, the command history, and the stack of
// currently-running pipelines. At most one non-nested pipeline runs at a
// time; nested pipelines must be invoked from their parent's execution
// thread.
type Runspace struct {
	mu sync.Mutex

	id         int64
	instanceID uuid.UUID
	name       string

	stateInfo    StateInfo
	availability Availability

	factory      engine.Factory
	engineCtx    engine.Context
	initialState *engine.SessionState
	hst          host.Host
	connector    Connector

	hist *history.Buffer

	running        []*pipeline.Pipeline // stack, top at the end
	nextPipelineID int64
	pipelinesDone  *sync.Cond // broadcast on every pop

	debuggerActive bool
	disposed       bool
	proxyBusy      bool

	logger Logger

	// Observers. Events are queued under mu and dispatched after release so
	// a subscriber can re-enter the runspace without deadlocking.
	stateObs     map[int64]func(StateInfo)
	availObs     map[int64]func(AvailabilityChange)
	nextObsID    int64
	pendingState []StateInfo
	pendingAvail []AvailabilityChange
	flushMu      sync.Mutex
}

// New creates a local runspace in StateBeforeOpen and registers it in the
// process-wide registry. The host may be nil, in which case a NullHost is
// used.
func New(factory engine.Factory, h host.Host) *Runspace {
	return newRunspace(factory, h, nil)
}

// NewRemote creates a remote-capable runspace whose Disconnect/Connect
// operations route through the given connector.
func NewRemote(factory engine.Factory, h host.Host, conn Connector) *Runspace {
	return newRunspace(factory, h, conn)
}

func newRunspace(factory engine.Factory, h host.Host, conn Connector) *Runspace {
	if h == nil {
		h = host.NewNullHost()
	}
	id := runspaceCounter.Add(1)
	r := &Runspace{
		id:             id,
		instanceID:     uuid.New(),
		name:           fmt.Sprintf("Runspace%d", id),
		stateInfo:      StateInfo{State: StateBeforeOpen},
		availability:   AvailabilityNone,
		factory:        factory,
		initialState:   engine.NewSessionState(),
		hst:            h,
		connector:      conn,
		nextPipelineID: 1,
		stateObs:       make(map[int64]func(StateInfo)),
		availObs:       make(map[int64]func(AvailabilityChange)),
	}
	r.pipelinesDone = sync.NewCond(&r.mu)
	register(r)
	return r
}

// ID returns the process-unique runspace id.
func (r *Runspace) ID() int64 { return r.id }

// InstanceID returns the runspace's GUID instance id.
func (r *Runspace) InstanceID() uuid.UUID { return r.instanceID }

// Name returns the friendly name.
func (r *Runspace) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// SetName sets the friendly name.
func (r *Runspace) SetName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
}

// State returns the current lifecycle state.
func (r *Runspace) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateInfo.State
}

// Info returns the current state together with the failure cause.
func (r *Runspace) Info() StateInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateInfo
}

// Availability returns the current derived availability.
func (r *Runspace) Availability() Availability {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availability
}

// Host returns the runspace's host.
func (r *Runspace) Host() host.Host { return r.hst }

// History returns the history buffer, or nil before the runspace is opened.
func (r *Runspace) History() *history.Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hist
}

// InitialSessionState returns the session state the engine is seeded with.
// Mutations are only observed if made before Open.
func (r *Runspace) InitialSessionState() *engine.SessionState {
	return r.initialState
}

// SetLogger sets the logger for debug logging. Optional.
func (r *Runspace) SetLogger(logger Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// SetSlogLogger routes debug logging to a structured slog logger.
func (r *Runspace) SetSlogLogger(logger *slog.Logger) {
	r.SetLogger(&slogAdapter{
		logger: logger.With("runspace_id", r.id),
	})
}

type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Printf(format string, v ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, v...))
}

func (r *Runspace) logf(format string, v ...interface{}) {
	r.mu.Lock()
	logger := r.logger
	r.mu.Unlock()
	if logger != nil {
		logger.Printf(format, v...)
	}
}

// OnStateChanged registers a state observer and returns an unsubscribe
// function. Notifications are delivered outside runspace locks, in order.
func (r *Runspace) OnStateChanged(fn func(StateInfo)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextObsID
	r.nextObsID++
	r.stateObs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.stateObs, id)
	}
}

// OnAvailabilityChanged registers an availability observer. The event fires
// only when the derived value actually changed.
func (r *Runspace) OnAvailabilityChanged(fn func(AvailabilityChange)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextObsID
	r.nextObsID++
	r.availObs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.availObs, id)
	}
}

// HasAvailabilitySubscribers reports whether any availability observer is
// registered, so callers can skip building event payloads.
func (r *Runspace) HasAvailabilitySubscribers() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.availObs) > 0
}

// Open opens the runspace synchronously: it constructs the execution context
// bound to the initial session state, initializes the history store, and
// transitions BeforeOpen → Opening → Opened. A failure at any step sets
// Broken and returns the error.
func (r *Runspace) Open() error {
	if err := r.beginOpen(); err != nil {
		return err
	}
	return r.doOpen()
}

// OpenAsync opens the runspace on a background goroutine. Failures are
// surfaced only through the state-changed event: callers must inspect the
// emitted StateInfo.Reason.
func (r *Runspace) OpenAsync() error {
	if err := r.beginOpen(); err != nil {
		return err
	}
	go func() {
		_ = r.doOpen()
	}()
	return nil
}

func (r *Runspace) beginOpen() error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}
	if r.stateInfo.State != StateBeforeOpen {
		state := r.stateInfo.State
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot open from state %s", ErrInvalidState, state)
	}
	r.setStateLocked(StateInfo{State: StateOpening})
	r.mu.Unlock()
	r.flushEvents()
	return nil
}

func (r *Runspace) doOpen() error {
	r.logf("[runspace %d] opening", r.id)

	ectx, err := r.factory.Open(r.initialState)
	if err != nil {
		err = fmt.Errorf("open execution context: %w", err)
		r.setBroken(err)
		return err
	}

	// Seed builtin variables the execution core itself depends on.
	if _, ok := ectx.Variable(MaximumHistoryCountVariable); !ok {
		ectx.SetVariable(MaximumHistoryCountVariable, history.DefaultCapacity)
	}

	hist := history.NewWithCapacityFunc(func() int64 {
		return historyCapacityFrom(ectx)
	})

	// Post-open hook for the session-state binder.
	if err := ectx.Bind(engine.BindInfo{RunspaceID: r.instanceID, RunspaceName: r.name}); err != nil {
		err = fmt.Errorf("bind execution context: %w", err)
		r.setBroken(err)
		return err
	}

	r.mu.Lock()
	r.engineCtx = ectx
	r.hist = hist
	r.setStateLocked(StateInfo{State: StateOpened})
	r.mu.Unlock()
	r.flushEvents()
	r.logf("[runspace %d] opened", r.id)
	return nil
}

// historyCapacityFrom reads the recognized size variable, tolerating the
// integer widths a session is likely to store.
func historyCapacityFrom(ectx engine.Context) int64 {
	v, ok := ectx.Variable(MaximumHistoryCountVariable)
	if !ok {
		return history.DefaultCapacity
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	default:
		return history.DefaultCapacity
	}
}

// setBroken degrades the runspace to Broken, carrying the causing error.
func (r *Runspace) setBroken(reason error) {
	r.mu.Lock()
	r.setStateLocked(StateInfo{State: StateBroken, Reason: reason})
	r.mu.Unlock()
	r.flushEvents()
}

// Close closes the runspace synchronously: running pipelines are stopped,
// the execution context is notified, and the runspace transitions through
// Closing to Closed and leaves the process-wide registry.
func (r *Runspace) Close() error {
	done, err := r.beginClose()
	if err != nil || done {
		return err
	}
	r.doClose()
	return nil
}

// CloseAsync closes the runspace on a background goroutine. Failures are
// surfaced only through the state-changed event.
func (r *Runspace) CloseAsync() error {
	done, err := r.beginClose()
	if err != nil || done {
		return err
	}
	go r.doClose()
	return nil
}

// beginClose validates and performs the transition into Closing. The first
// return value is true when the close completed inline (BeforeOpen fast
// path, or already closed).
func (r *Runspace) beginClose() (bool, error) {
	r.mu.Lock()
	switch r.stateInfo.State {
	case StateClosed, StateClosing:
		r.mu.Unlock()
		return true, nil
	case StateBeforeOpen:
		// Never opened: nothing to tear down.
		r.setStateLocked(StateInfo{State: StateClosed})
		r.mu.Unlock()
		r.flushEvents()
		unregister(r)
		return true, nil
	case StateOpened, StateBroken, StateDisconnected:
		// Closing a disconnected runspace releases the local session state
		// without reconnecting.
		r.setStateLocked(StateInfo{State: StateClosing})
		r.mu.Unlock()
		r.flushEvents()
		return false, nil
	default:
		state := r.stateInfo.State
		r.mu.Unlock()
		return true, fmt.Errorf("%w: cannot close from state %s", ErrInvalidState, state)
	}
}

func (r *Runspace) doClose() {
	r.logf("[runspace %d] closing", r.id)

	// Stop pipelines top-down so nested pipelines unwind before parents.
	r.mu.Lock()
	pipelines := append([]*pipeline.Pipeline(nil), r.running...)
	ectx := r.engineCtx
	r.mu.Unlock()
	for i := len(pipelines) - 1; i >= 0; i-- {
		_ = pipelines[i].Stop()
	}

	if ectx != nil {
		ectx.NotifyClosing()
	}
	r.hst.StopAllTranscribing()

	r.mu.Lock()
	r.setStateLocked(StateInfo{State: StateClosed})
	r.mu.Unlock()
	r.flushEvents()
	unregister(r)
	r.logf("[runspace %d] closed", r.id)
}

// Dispose closes the runspace and marks it unusable. It is idempotent; any
// later operation fails with ErrDisposed.
func (r *Runspace) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	_ = r.Close()

	r.mu.Lock()
	r.disposed = true
	r.mu.Unlock()
}

// Disconnect suspends a remote session: Opened → Disconnecting →
// Disconnected. Local runspaces reject it with ErrNotSupported.
func (r *Runspace) Disconnect(ctx context.Context) error {
	if r.connector == nil {
		return fmt.Errorf("%w: disconnect requires a remote-capable runspace", ErrNotSupported)
	}

	r.mu.Lock()
	if r.stateInfo.State != StateOpened {
		state := r.stateInfo.State
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot disconnect from state %s", ErrInvalidState, state)
	}
	r.setStateLocked(StateInfo{State: StateDisconnecting})
	pipelines := append([]*pipeline.Pipeline(nil), r.running...)
	r.mu.Unlock()
	r.flushEvents()

	if err := r.connector.Disconnect(ctx); err != nil {
		err = fmt.Errorf("disconnect: %w", err)
		r.setBroken(err)
		return err
	}

	for _, pl := range pipelines {
		pl.MarkDisconnected()
	}

	r.mu.Lock()
	r.setStateLocked(StateInfo{State: StateDisconnected})
	r.mu.Unlock()
	r.flushEvents()
	return nil
}

// Connect resumes a disconnected remote session: Disconnected → Connecting →
// Opened. Local runspaces reject it with ErrNotSupported.
func (r *Runspace) Connect(ctx context.Context) error {
	if r.connector == nil {
		return fmt.Errorf("%w: connect requires a remote-capable runspace", ErrNotSupported)
	}

	r.mu.Lock()
	if r.stateInfo.State != StateDisconnected {
		state := r.stateInfo.State
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot connect from state %s", ErrInvalidState, state)
	}
	r.setStateLocked(StateInfo{State: StateConnecting})
	r.mu.Unlock()
	r.flushEvents()

	if err := r.connector.Connect(ctx); err != nil {
		err = fmt.Errorf("connect: %w", err)
		r.setBroken(err)
		return err
	}

	r.mu.Lock()
	r.setStateLocked(StateInfo{State: StateOpened})
	r.mu.Unlock()
	r.flushEvents()
	return nil
}

// DisconnectAsync runs Disconnect on a background goroutine; failures are
// surfaced only through the state-changed event.
func (r *Runspace) DisconnectAsync(ctx context.Context) error {
	if r.connector == nil {
		return fmt.Errorf("%w: disconnect requires a remote-capable runspace", ErrNotSupported)
	}
	go func() { _ = r.Disconnect(ctx) }()
	return nil
}

// ConnectAsync runs Connect on a background goroutine; failures are surfaced
// only through the state-changed event.
func (r *Runspace) ConnectAsync(ctx context.Context) error {
	if r.connector == nil {
		return fmt.Errorf("%w: connect requires a remote-capable runspace", ErrNotSupported)
	}
	go func() { _ = r.Connect(ctx) }()
	return nil
}

// setStateLocked records a lifecycle transition, queues the notification,
// and re-derives availability for the runspace-state triggers.
// Caller must hold r.mu.
func (r *Runspace) setStateLocked(info StateInfo) {
	r.stateInfo = info
	if len(r.stateObs) > 0 {
		r.pendingState = append(r.pendingState, info)
	}
	r.deriveAvailabilityLocked(func(cur Availability, env availabilityEnv) Availability {
		return nextForRunspaceState(cur, info.State, env)
	})
}

// deriveAvailabilityLocked applies a derivation step and queues the
// availability event iff the value changed. Caller must hold r.mu.
func (r *Runspace) deriveAvailabilityLocked(step func(Availability, availabilityEnv) Availability) {
	env := availabilityEnv{
		inNestedPrompt:     r.hst.NestedPromptLevel() > 0,
		debuggerActive:     r.debuggerActive,
		pipelinesRemaining: len(r.running),
	}
	if r.connector != nil {
		env.pendingRemoteActivity = r.connector.PendingActivity()
	}
	next := step(r.availability, env)
	if next == r.availability {
		return
	}
	old := r.availability
	r.availability = next
	if len(r.availObs) > 0 {
		r.pendingAvail = append(r.pendingAvail, AvailabilityChange{Old: old, New: next})
	}
}

// flushEvents dispatches queued state and availability notifications outside
// any runspace lock. flushMu keeps concurrent flushes ordered.
func (r *Runspace) flushEvents() {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	stateEvents := r.pendingState
	availEvents := r.pendingAvail
	r.pendingState = nil
	r.pendingAvail = nil
	stateObs := make([]func(StateInfo), 0, len(r.stateObs))
	for _, fn := range r.stateObs {
		stateObs = append(stateObs, fn)
	}
	availObs := make([]func(AvailabilityChange), 0, len(r.availObs))
	for _, fn := range r.availObs {
		availObs = append(availObs, fn)
	}
	r.mu.Unlock()

	for _, ev := range stateEvents {
		for _, fn := range stateObs {
			fn(ev)
		}
	}
	for _, ev := range availEvents {
		for _, fn := range availObs {
			fn(ev)
		}
	}
}

// SetDebuggerActive records whether a local debugger is stopped
// mid-breakpoint; the flag feeds the availability derivation.
func (r *Runspace) SetDebuggerActive(active bool) {
	r.mu.Lock()
	r.debuggerActive = active
	r.mu.Unlock()
}

// EnterNestedPrompt records entry into a nested prompt and re-derives
// availability: a suspended pipeline becomes available for nested commands.
func (r *Runspace) EnterNestedPrompt() {
	r.hst.EnterNestedPrompt()
	r.mu.Lock()
	if r.availability == Busy {
		r.deriveAvailabilityLocked(func(cur Availability, _ availabilityEnv) Availability {
			_ = cur
			return AvailableForNestedCommand
		})
	}
	r.mu.Unlock()
	r.flushEvents()
}

// ExitNestedPrompt records exit from the innermost nested prompt and
// re-derives availability.
func (r *Runspace) ExitNestedPrompt() {
	r.hst.ExitNestedPrompt()
	r.mu.Lock()
	if r.availability == AvailableForNestedCommand && r.hst.NestedPromptLevel() == 0 {
		r.deriveAvailabilityLocked(func(_ Availability, env availabilityEnv) Availability {
			if env.pipelinesRemaining > 0 {
				return Busy
			}
			return gateAvailable(env)
		})
	}
	r.mu.Unlock()
	r.flushEvents()
}

// CreatePipeline creates a pipeline for the given script text. An empty
// script produces an empty pipeline to be populated via Commands().
func (r *Runspace) CreatePipeline(script string) (*pipeline.Pipeline, error) {
	cmds := pipeline.NewCommands()
	if script != "" {
		cmds.AddScript(script)
	}
	return r.CreatePipelineFromCommands(cmds, pipeline.Options{})
}

// CreateNestedPipeline creates a nested pipeline bound to the execution
// thread of the currently running pipeline.
func (r *Runspace) CreateNestedPipeline(script string) (*pipeline.Pipeline, error) {
	r.mu.Lock()
	var parent *pipeline.ExecThread
	if n := len(r.running); n > 0 {
		parent = r.running[n-1].Thread()
	}
	r.mu.Unlock()

	cmds := pipeline.NewCommands()
	if script != "" {
		cmds.AddScript(script)
	}
	return r.CreatePipelineFromCommands(cmds, pipeline.Options{
		IsNested:     true,
		ParentThread: parent,
	})
}

// CreatePulsePipeline creates an internal housekeeping pipeline. Pulse
// pipelines are excluded from history and yield to user execution.
func (r *Runspace) CreatePulsePipeline(script string) (*pipeline.Pipeline, error) {
	cmds := pipeline.NewCommands()
	if script != "" {
		cmds.AddScript(script)
	}
	return r.CreatePipelineFromCommands(cmds, pipeline.Options{IsPulse: true})
}

// CreatePipelineFromCommands creates a pipeline from an explicit command
// collection and options. The runspace must be Opened.
func (r *Runspace) CreatePipelineFromCommands(cmds *pipeline.Commands, opts pipeline.Options) (*pipeline.Pipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil, ErrDisposed
	}
	if r.stateInfo.State != StateOpened {
		return nil, fmt.Errorf("%w: state is %s", ErrNotOpen, r.stateInfo.State)
	}
	id := r.nextPipelineID
	r.nextPipelineID++
	return pipeline.New(r, id, cmds, opts), nil
}

// RunningPipelines returns a snapshot of the running-pipeline stack, oldest
// first.
func (r *Runspace) RunningPipelines() []*pipeline.Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*pipeline.Pipeline(nil), r.running...)
}

// ExecutionThread returns the execution thread of the currently running
// pipeline, or nil.
func (r *Runspace) ExecutionThread() *pipeline.ExecThread {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.running); n > 0 {
		return r.running[n-1].Thread()
	}
	return nil
}

// PrepareInvoke implements pipeline.Runner. The concurrency check and the
// push onto the running stack happen atomically under the runspace lock.
func (r *Runspace) PrepareInvoke(p *pipeline.Pipeline, syncCall bool) error {
	_ = syncCall

	r.mu.Lock()
	for {
		if r.disposed {
			r.mu.Unlock()
			return ErrDisposed
		}
		if r.stateInfo.State != StateOpened {
			state := r.stateInfo.State
			r.mu.Unlock()
			return fmt.Errorf("%w: state is %s", ErrNotOpen, state)
		}

		if p.IsNested() {
			n := len(r.running)
			if n == 0 {
				r.mu.Unlock()
				return fmt.Errorf("%w: nested pipeline requires a running parent pipeline", ErrInvalidState)
			}
			top := r.running[n-1]
			if top.IsPulse() {
				// A housekeeping pipeline holds the runspace; it must not
				// block user nested execution. Wait for it and re-evaluate.
				r.pipelinesDone.Wait()
				continue
			}
			if p.ParentThread() == nil || p.ParentThread() != top.Thread() {
				r.mu.Unlock()
				return fmt.Errorf("%w: expected thread of pipeline %d", ErrWrongThread, top.ID())
			}
			break
		}

		if p.IsChild() {
			break
		}

		conflict := false
		pulseOnly := true
		for _, q := range r.running {
			if q.IsNested() {
				continue
			}
			conflict = true
			if !q.IsPulse() {
				pulseOnly = false
			}
		}
		if !conflict {
			break
		}
		if pulseOnly {
			// Only a pulse is in the way; wait for it rather than failing
			// the user invocation.
			r.pipelinesDone.Wait()
			continue
		}
		r.mu.Unlock()
		return fmt.Errorf("%w: pipeline %d", ErrConcurrentPipeline, r.running[len(r.running)-1].ID())
	}

	r.running = append(r.running, p)
	r.deriveAvailabilityLocked(func(cur Availability, env availabilityEnv) Availability {
		return nextForPipelineState(cur, pipeline.StateRunning, env)
	})
	r.mu.Unlock()
	r.flushEvents()
	return nil
}

// PipelineFinished implements pipeline.Runner: pop the pipeline from the
// running stack and re-derive availability from its terminal state.
func (r *Runspace) PipelineFinished(p *pipeline.Pipeline) {
	final := p.State()

	r.mu.Lock()
	for i := len(r.running) - 1; i >= 0; i-- {
		if r.running[i] == p {
			r.running = append(r.running[:i], r.running[i+1:]...)
			break
		}
	}
	r.deriveAvailabilityLocked(func(cur Availability, env availabilityEnv) Availability {
		return nextForPipelineState(cur, final, env)
	})
	r.pipelinesDone.Broadcast()
	r.mu.Unlock()
	r.flushEvents()
}

// Execute implements pipeline.Runner by delegating to the execution context.
func (r *Runspace) Execute(ctx context.Context, inv engine.Invocation) error {
	r.mu.Lock()
	ectx := r.engineCtx
	r.mu.Unlock()
	if ectx == nil {
		return ErrNotOpen
	}
	return ectx.Execute(ctx, inv)
}

// AddHistoryEntry implements pipeline.Runner.
func (r *Runspace) AddHistoryEntry(line string, start time.Time) int64 {
	hist := r.History()
	if hist == nil {
		return -1
	}
	return hist.Add(line, pipeline.StateRunning, start, start, false)
}

// UpdateHistoryEntry implements pipeline.Runner. The completion callback
// runs re-entrantly with history readers, so it must not block on the
// history mutex.
func (r *Runspace) UpdateHistoryEntry(entryID int64, status pipeline.State, end time.Time) {
	hist := r.History()
	if hist == nil {
		return
	}
	hist.Update(entryID, status, end, true)
}

// InvokeHistory re-executes the history entry with the given id, echoing the
// command line to the host first. It refuses to invoke an entry that is
// already being invoked, transitively, to break replay loops.
func (r *Runspace) InvokeHistory(id int64) ([]interface{}, error) {
	hist := r.History()
	if hist == nil {
		return nil, ErrNotOpen
	}
	entry, err := hist.Entry(id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("no history entry with id %d", id)
	}

	r.mu.Lock()
	for _, q := range r.running {
		if q.HistoryID() == id {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: id %d", ErrHistoryReplay, id)
		}
	}
	r.mu.Unlock()

	pl, err := r.CreatePipeline(entry.CommandLine)
	if err != nil {
		return nil, err
	}
	pl.SetHistoryID(id)
	r.hst.WriteLine(entry.CommandLine)
	return pl.Invoke()
}

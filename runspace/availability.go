package runspace

import (
	"fmt"

	"github.com/smnsjas/go-pshost/pipeline"
)

// Availability indicates whether a runspace can accept a new command.
// It is derived from the runspace state, the states of running pipelines and
// the nesting depth; it is never set directly outside the three documented
// triggers (pipeline state change, runspace state change, nested-prompt
// enter/exit).
type Availability int

const (
	// AvailabilityNone indicates the runspace is not in a usable state.
	AvailabilityNone Availability = iota
	// Available indicates the runspace can accept a new command.
	Available
	// AvailableForNestedCommand indicates only a nested command may run,
	// because a nested prompt or debugger stop is active.
	AvailableForNestedCommand
	// Busy indicates a pipeline is currently running.
	Busy
	// RemoteDebug indicates a remote runspace stopped in the debugger.
	// It is sticky: pipeline transitions do not leave it.
	RemoteDebug
)

// String returns a string representation of the availability.
func (a Availability) String() string {
	switch a {
	case AvailabilityNone:
		return "None"
	case Available:
		return "Available"
	case AvailableForNestedCommand:
		return "AvailableForNestedCommand"
	case Busy:
		return "Busy"
	case RemoteDebug:
		return "RemoteDebug"
	default:
		return fmt.Sprintf("Unknown(%d)", a)
	}
}

// AvailabilityChange is the payload of an availability notification.
// It is only constructed (and the event only fires) when the derived value
// actually differs from the prior one.
type AvailabilityChange struct {
	Old Availability
	New Availability
}

// availabilityEnv carries the runspace facts the derivation consults beyond
// the triggering transition itself.
type availabilityEnv struct {
	// inNestedPrompt is true while the host is inside a nested prompt.
	inNestedPrompt bool
	// debuggerActive is true while a local debugger is stopped mid-breakpoint.
	debuggerActive bool
	// pipelinesRemaining counts pipelines still on the running stack after
	// the transition is applied.
	pipelinesRemaining int
	// pendingRemoteActivity is true while a remote command or connect
	// session is still outstanding; it gates the Available result.
	pendingRemoteActivity bool
}

// nextForPipelineState derives the availability following a pipeline state
// transition. This is a pure function of (current availability, new pipeline
// state, environment).
func nextForPipelineState(cur Availability, ps pipeline.State, env availabilityEnv) Availability {
	switch cur {
	case AvailabilityNone:
		if ps == pipeline.StateRunning {
			return Busy
		}
		return cur

	case Available:
		switch ps {
		case pipeline.StateRunning:
			return Busy
		case pipeline.StateDisconnected:
			return AvailabilityNone
		}
		return cur

	case AvailableForNestedCommand:
		switch ps {
		case pipeline.StateRunning:
			return Busy
		case pipeline.StateCompleted:
			// A nested pipeline exiting: stay nested-only while the prompt
			// is open or an outer pipeline remains suspended underneath.
			if env.inNestedPrompt || env.pipelinesRemaining > 1 {
				return AvailableForNestedCommand
			}
			return gateAvailable(env)
		}
		return cur

	case Busy:
		switch ps {
		case pipeline.StateCompleted, pipeline.StateStopped, pipeline.StateFailed:
			if env.inNestedPrompt || env.debuggerActive {
				return AvailableForNestedCommand
			}
			if env.pipelinesRemaining == 0 {
				return gateAvailable(env)
			}
			return Busy
		case pipeline.StateDisconnected:
			return AvailabilityNone
		}
		return cur

	case RemoteDebug:
		// Sticky until the debugger releases the runspace.
		return cur
	}
	return cur
}

// nextForRunspaceState derives the availability following a runspace state
// transition.
func nextForRunspaceState(cur Availability, rs State, env availabilityEnv) Availability {
	switch rs {
	case StateOpened:
		if env.pipelinesRemaining > 0 {
			return Busy
		}
		return gateAvailable(env)
	case StateClosing, StateClosed, StateBroken, StateDisconnected:
		return AvailabilityNone
	}
	return cur
}

// gateAvailable applies the remote gate: a runspace with an outstanding
// remote command or connect session is not yet Available.
func gateAvailable(env availabilityEnv) Availability {
	if env.pendingRemoteActivity {
		return Busy
	}
	return Available
}

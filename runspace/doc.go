// Package runspace implements the runspace lifecycle state machine.
//
// A Runspace is an isolated script-execution context: it owns one execution
// engine context, the command history, and the stack of currently-running
// pipelines. Availability is derived from the runspace state and the
// pipeline states, never set directly.
//
// # State Machine
//
// The Runspace follows a strict state machine:
//
//	BeforeOpen → Opening → Opened → Closing → Closed
//	                ↓         ↓         ↓
//	                └────→ Broken ←─────┘
//
// Remote-capable runspaces additionally support
//
//	Opened → Disconnecting → Disconnected → Connecting → Opened
//
// Local runspaces reject Disconnect/Connect with ErrNotSupported.
//
// # Concurrency
//
// At most one non-nested pipeline runs per runspace at a time. Nested
// pipelines must be invoked from the parent pipeline's execution thread,
// identified by an ExecThread token captured at invoke time. The check and
// the registration on the running stack happen under one lock.
//
// # Usage
//
//	rs := runspace.New(factory, host.NewNullHost())
//	if err := rs.Open(); err != nil {
//	    return err
//	}
//	defer rs.Close()
//
//	pl, err := rs.CreatePipeline("Get-Process")
//	if err != nil {
//	    return err
//	}
//	out, err := pl.Invoke()
package runspace

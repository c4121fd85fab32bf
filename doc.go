// Package pshost implements the host-side execution core of a command-shell
// scripting engine: runspaces, pipelines, command history, and runspace
// pooling.
//
// The engine itself is pluggable - consumers provide an engine.Factory that
// produces execution contexts, and the library manages everything around
// them: lifecycle state machines, pipeline admission and thread affinity,
// availability derivation, and history bookkeeping.
//
// # Architecture
//
// The library is organized into layers:
//
//   - runspace: runspace lifecycle, availability, pipeline admission
//   - pipeline: pipeline state machine, object streams, command builder
//   - history: circular-buffer command history with wildcard search
//   - pool: bounded runspace pool with asynchronous FIFO leasing
//   - engine: the execution-engine contract and a trivial echo engine
//   - host: user-interaction callbacks (nested prompts, output lines)
//   - config: YAML host configuration
//
// # Basic Usage
//
//	rs := runspace.New(engine.NewEchoFactory(), host.NewNullHost())
//	if err := rs.Open(); err != nil {
//	    return err
//	}
//	defer rs.Close()
//
//	pl, err := rs.CreatePipeline("Get-Date")
//	if err != nil {
//	    return err
//	}
//	out, err := pl.Invoke()
//
// For concurrent workloads, pool.New manages a bounded set of runspaces
// with FIFO leasing:
//
//	p, _ := pool.New(factory, 1, 4)
//	_ = p.Open()
//	defer p.Close()
//	rs, err := p.GetRunspace(ctx)
//	defer p.ReleaseRunspace(rs)
package pshost

// Package pipeline implements the pipeline execution state machine.
//
// A Pipeline represents one execution of a command collection against a
// runspace. It owns its input/output/error object streams and manages the
// lifecycle of the execution.
//
// # State Machine
//
// The Pipeline follows this state transition:
//
//	NotStarted → Running → Completed
//	     |          |    ↘ Failed
//	     |       Stopping → Stopped
//	     └──────────────────→ Stopped   (Stop before Invoke)
//
// Stopped, Completed and Failed are terminal. Disconnected is reachable
// only for remote pipelines.
//
// # Concurrency
//
// At most one non-nested pipeline may run per runspace; the owning runspace
// enforces this when the pipeline registers at invoke time. Nested pipelines
// must present their parent's ExecThread token. A pipeline may be invoked
// exactly once.
//
// # Usage
//
//	pl, err := rs.CreatePipeline("Get-Process")
//	if err != nil {
//	    return err
//	}
//
//	// Synchronous: returns the ordered output collection.
//	out, err := pl.Invoke()
//
//	// Or asynchronous: results arrive via the output stream.
//	if err := pl.InvokeAsync(); err != nil {
//	    return err
//	}
//	for {
//	    obj, ok := pl.Output().Read()
//	    if !ok {
//	        break
//	    }
//	    fmt.Println(obj)
//	}
//	err = pl.Wait()
package pipeline

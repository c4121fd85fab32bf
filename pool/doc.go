// Package pool implements a bounded runspace pool with asynchronous leasing.
//
// A Pool owns between min and max runspaces produced by a Factory. Callers
// lease runspaces with GetRunspace (blocking) or BeginGetRunspace (a
// cancellable future) and return them with ReleaseRunspace. Requests are
// satisfied strictly in FIFO order by a single-flight servicing loop that
// prefers the most recently returned runspace (LIFO idle stack) and creates
// new ones only while the total stays under the maximum.
//
// # State Machine
//
//	BeforeOpen → Opening → Opened → Closing → Closed
//	                          ↓
//	                        Broken
//
// Closing the pool fails all queued requests with ErrClosed and disposes
// every runspace the pool created.
//
// Idle runspaces beyond the minimum are destroyed after an idle timeout.
package pool

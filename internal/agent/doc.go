// Package agent implements the single-flight generation engine that sits
// between a session and the inference backend.
//
// # Single-flight invariant
//
// Each Engine allows at most one in-flight generation. A Stream call while
// busy is rejected with ErrorBusy and makes no state change. Callers that
// need to reject a conflicting request before spawning the background task
// reserve the slot with TryAcquire; the next Stream call consumes the
// reservation. The busy flag and cancellation token are cleared
// unconditionally on every exit path.
//
// # Cancellation
//
// Cancellation is cooperative: Abort sets a requested flag on the active
// token and cancels the backend call's context. The flag is checked at each
// chunk boundary in the streaming consumer — the only place a generation
// may be interrupted. An aborted run removes its user turn from history so
// it leaves no trace, and invokes neither OnDone nor OnError.
//
// # History
//
// The engine's turn history is distinct from the session's display log and
// is capped with oldest-first eviction. A failed run rolls the user turn
// back at this layer even though the display log keeps it.
package agent

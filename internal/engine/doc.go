// Package engine provides the single-worker process scheduler. One loop
// goroutine drains the high, medium and low queues in strict priority
// order and runs one process at a time.
//
// Cancellation is not preemptive. A cancelled process still finishes its
// Run and is then undone. When the request races the loop and arrives after
// the process was already retired to History, the loop halts and
// CancelCurrentProcess compensates from History before restarting it.
package engine

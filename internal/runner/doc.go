// Package runner executes a single claimed task and persists its outcome.
//
// A [TaskRunner] is created for every task returned by a claim. The pool
// first calls [TaskRunner.MarkAsRunning] to move the claim into the running
// state, then [TaskRunner.Run] on a worker goroutine. Run never returns an
// error: failures are recorded on the task (retry, failed or rescheduled)
// and reported through the OnResult hook.
package runner

// Package poller decides when the claim loop runs.
//
// A [Poller] invokes its work function once on start, then on every tick of
// a fixed interval, and additionally whenever [Poller.Trigger] is called
// (for example when a task is scheduled to run now, or a peer announces new
// work). Passes are strictly sequential and each one emits a [Result].
//
// Users of the taskpool library should not need to interact with this
// package directly. Configuration is done through the main taskpool package.
package poller

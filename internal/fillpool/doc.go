// Package fillpool implements the claim loop that keeps the task pool busy.
//
// A single [FillPool] invocation repeatedly claims a batch of work from a
// source, converts every item into an executable unit and hands the whole
// batch to a capacity-bounded runner. It stops as soon as the source returns
// an empty batch, the runner reports that it ran out of capacity, the context
// is cancelled, or any collaborator fails.
//
// The loop owns no state between invocations. Deciding when to call it again
// (a ticker, a work-available signal) is the caller's job; see the poller
// package.
package fillpool

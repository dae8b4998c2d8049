package fillpool

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownRunResult is returned when a runner reports a value other than
// [RanOutOfCapacity] or [RanAllClaimedTasks].
var ErrUnknownRunResult = errors.New("unknown run result")

// RunResult is what a runner reports after accepting a batch.
//
// There are exactly two outcomes. The loop's only decision point is this
// value, so adding a third requires revisiting [FillPool].
type RunResult int

const (
	// RanOutOfCapacity means the runner has no free slots left for another batch.
	RanOutOfCapacity RunResult = iota + 1

	// RanAllClaimedTasks means every item in the batch was dispatched and the
	// runner still has room for more.
	RanAllClaimedTasks
)

// String returns the string representation of the run result.
func (r RunResult) String() string {
	switch r {
	case RanOutOfCapacity:
		return "ran_out_of_capacity"
	case RanAllClaimedTasks:
		return "ran_all_claimed_tasks"
	default:
		return "unknown"
	}
}

// StopReason describes why a [FillPool] invocation returned.
type StopReason string

const (
	// NoTasksClaimed means the source returned an empty batch.
	NoTasksClaimed StopReason = "no_tasks_claimed"

	// PoolFull means the runner reported [RanOutOfCapacity].
	PoolFull StopReason = "ran_out_of_capacity"

	// Cancelled means the context was done before the next claim.
	Cancelled StopReason = "cancelled"

	// Failed means a collaborator returned an error.
	Failed StopReason = "failed"
)

// FetchFunc claims the next batch of work. An empty batch means there is
// nothing to do right now.
type FetchFunc[T any] func(ctx context.Context) ([]T, error)

// ConvertFunc turns a claimed item into something the runner can execute.
type ConvertFunc[T, U any] func(item T) (U, error)

// RunFunc dispatches a converted batch and reports remaining capacity.
type RunFunc[U any] func(ctx context.Context, batch []U) (RunResult, error)

// FillPool claims and dispatches batches until the source is drained or the
// runner is saturated.
//
// Fetches and runs strictly alternate: fetch N+1 is never issued before run N
// has returned. Items reach run in the order fetch returned them. Errors from
// fetch, convert and run are returned unchanged and end the invocation; a
// batch whose conversion fails is abandoned without calling run. A run
// result outside the two defined values ends the invocation with
// [ErrUnknownRunResult].
func FillPool[T, U any](ctx context.Context, fetch FetchFunc[T], convert ConvertFunc[T, U], run RunFunc[U]) (StopReason, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Cancelled, err
		}

		items, err := fetch(ctx)
		if err != nil {
			return Failed, err
		}
		if len(items) == 0 {
			return NoTasksClaimed, nil
		}

		batch := make([]U, 0, len(items))
		for _, item := range items {
			converted, err := convert(item)
			if err != nil {
				return Failed, err
			}
			batch = append(batch, converted)
		}

		result, err := run(ctx, batch)
		if err != nil {
			return Failed, err
		}
		switch result {
		case RanAllClaimedTasks:
		case RanOutOfCapacity:
			return PoolFull, nil
		default:
			return Failed, fmt.Errorf("%w: %d", ErrUnknownRunResult, int(result))
		}
	}
}

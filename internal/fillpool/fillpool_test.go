package fillpool

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// batchSource returns the given batches in order, then empty batches.
type batchSource struct {
	batches [][]int
	calls   int
}

func (s *batchSource) fetch(_ context.Context) ([]int, error) {
	idx := s.calls
	s.calls++
	if idx < len(s.batches) {
		return s.batches[idx], nil
	}
	return nil, nil
}

// recordingRunner returns results in order and records every batch it receives.
type recordingRunner[U any] struct {
	results []RunResult
	batches [][]U
}

func (r *recordingRunner[U]) run(_ context.Context, batch []U) (RunResult, error) {
	r.batches = append(r.batches, batch)
	idx := len(r.batches) - 1
	if idx < len(r.results) {
		return r.results[idx], nil
	}
	return r.results[len(r.results)-1], nil
}

func identity(x int) (int, error) { return x, nil }

func TestFillPool_ContinuesUntilRunnerRunsOutOfCapacity(t *testing.T) {
	src := &batchSource{batches: [][]int{{1, 2, 3}, {4, 5}}}
	runner := &recordingRunner[int]{results: []RunResult{RanAllClaimedTasks, RanOutOfCapacity}}

	reason, err := FillPool(context.Background(), src.fetch, identity, runner.run)

	require.NoError(t, err)
	assert.Equal(t, PoolFull, reason)
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5}}, runner.batches)
	assert.Equal(t, 2, src.calls, "no third fetch after the pool is full")
}

func TestFillPool_StopsWhenPoolHasNoMoreCapacity(t *testing.T) {
	src := &batchSource{batches: [][]int{{1, 2, 3}, {4, 5}}}
	runner := &recordingRunner[int]{results: []RunResult{RanOutOfCapacity}}

	reason, err := FillPool(context.Background(), src.fetch, identity, runner.run)

	require.NoError(t, err)
	assert.Equal(t, PoolFull, reason)
	assert.Equal(t, [][]int{{1, 2, 3}}, runner.batches)
	assert.Equal(t, 1, src.calls)
}

func TestFillPool_StopsOnEmptyBatch(t *testing.T) {
	src := &batchSource{batches: [][]int{{1, 2, 3}, {4, 5}}}
	runner := &recordingRunner[int]{results: []RunResult{RanAllClaimedTasks}}

	reason, err := FillPool(context.Background(), src.fetch, identity, runner.run)

	require.NoError(t, err)
	assert.Equal(t, NoTasksClaimed, reason)
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5}}, runner.batches)
	assert.Equal(t, 3, src.calls)
}

func TestFillPool_EmptyFirstBatchNeverRuns(t *testing.T) {
	src := &batchSource{}
	runner := &recordingRunner[int]{results: []RunResult{RanAllClaimedTasks}}

	reason, err := FillPool(context.Background(), src.fetch, identity, runner.run)

	require.NoError(t, err)
	assert.Equal(t, NoTasksClaimed, reason)
	assert.Empty(t, runner.batches)
	assert.Equal(t, 1, src.calls)
}

func TestFillPool_ConvertsRecordsBeforeRunning(t *testing.T) {
	src := &batchSource{batches: [][]int{{1, 2, 3}, {4, 5}}}
	runner := &recordingRunner[string]{results: []RunResult{RanOutOfCapacity}}
	toString := func(x int) (string, error) { return strconv.Itoa(x), nil }

	_, err := FillPool(context.Background(), src.fetch, toString, runner.run)

	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1", "2", "3"}}, runner.batches)
}

func TestFillPool_PreservesOrder(t *testing.T) {
	src := &batchSource{batches: [][]int{{9, 3, 7, 1}}}
	runner := &recordingRunner[int]{results: []RunResult{RanAllClaimedTasks}}

	_, err := FillPool(context.Background(), src.fetch, identity, runner.run)

	require.NoError(t, err)
	assert.Equal(t, [][]int{{9, 3, 7, 1}}, runner.batches)
}

func TestFillPool_FetchAndRunNeverOverlap(t *testing.T) {
	var log []string
	idx := 0
	batches := [][]int{{1}, {2}, {3}}

	fetch := func(_ context.Context) ([]int, error) {
		log = append(log, "fetch")
		if idx < len(batches) {
			idx++
			return batches[idx-1], nil
		}
		return nil, nil
	}
	run := func(_ context.Context, batch []int) (RunResult, error) {
		log = append(log, "run")
		return RanAllClaimedTasks, nil
	}

	_, err := FillPool(context.Background(), fetch, identity, run)

	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "run", "fetch", "run", "fetch", "run", "fetch"}, log)
}

func TestFillPool_ErrorHandling(t *testing.T) {
	errFetch := errors.New("fetch is not working")
	errConvert := errors.New("can not convert 1")
	errRun := errors.New("run is not working")

	t.Run("fetch error is returned and run is never called", func(t *testing.T) {
		runner := &recordingRunner[string]{results: []RunResult{RanOutOfCapacity}}
		fetch := func(_ context.Context) ([]int, error) { return nil, errFetch }
		toString := func(x int) (string, error) { return strconv.Itoa(x), nil }

		reason, err := FillPool(context.Background(), fetch, toString, runner.run)

		assert.ErrorIs(t, err, errFetch)
		assert.Equal(t, Failed, reason)
		assert.Empty(t, runner.batches)
	})

	t.Run("run error is returned and no further fetch happens", func(t *testing.T) {
		src := &batchSource{batches: [][]int{{1, 2, 3}, {4, 5}}}
		calls := 0
		run := func(_ context.Context, _ []int) (RunResult, error) {
			calls++
			return 0, errRun
		}

		reason, err := FillPool(context.Background(), src.fetch, identity, run)

		assert.ErrorIs(t, err, errRun)
		assert.Equal(t, Failed, reason)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, src.calls)
	})

	t.Run("convert error is returned and run is never called", func(t *testing.T) {
		src := &batchSource{batches: [][]int{{1, 2, 3}, {4, 5}}}
		runner := &recordingRunner[string]{results: []RunResult{RanOutOfCapacity}}
		converted := 0
		convert := func(x int) (string, error) {
			if x == 2 {
				return "", errConvert
			}
			converted++
			return strconv.Itoa(x), nil
		}

		reason, err := FillPool(context.Background(), src.fetch, convert, runner.run)

		assert.ErrorIs(t, err, errConvert)
		assert.Equal(t, Failed, reason)
		assert.Equal(t, 1, converted)
		assert.Empty(t, runner.batches)
		assert.Equal(t, 1, src.calls)
	})

	t.Run("unknown run result is an error, not a full pool", func(t *testing.T) {
		src := &batchSource{batches: [][]int{{1}, {2}}}
		runner := &recordingRunner[int]{results: []RunResult{RunResult(0)}}

		reason, err := FillPool(context.Background(), src.fetch, identity, runner.run)

		assert.ErrorIs(t, err, ErrUnknownRunResult)
		assert.Equal(t, Failed, reason)
		assert.Equal(t, 1, src.calls)
	})
}

func TestFillPool_Cancellation(t *testing.T) {
	t.Run("already cancelled context never fetches", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		src := &batchSource{batches: [][]int{{1}}}
		runner := &recordingRunner[int]{results: []RunResult{RanAllClaimedTasks}}

		reason, err := FillPool(ctx, src.fetch, identity, runner.run)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, Cancelled, reason)
		assert.Equal(t, 0, src.calls)
	})

	t.Run("cancellation is checked before each fetch", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		src := &batchSource{batches: [][]int{{1}, {2}, {3}}}
		run := func(_ context.Context, _ []int) (RunResult, error) {
			cancel()
			return RanAllClaimedTasks, nil
		}

		reason, err := FillPool(ctx, src.fetch, identity, run)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, Cancelled, reason)
		assert.Equal(t, 1, src.calls)
	})
}

func TestRunResult_String(t *testing.T) {
	tests := []struct {
		result RunResult
		want   string
	}{
		{RanOutOfCapacity, "ran_out_of_capacity"},
		{RanAllClaimedTasks, "ran_all_claimed_tasks"},
		{RunResult(0), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.result.String())
	}
}

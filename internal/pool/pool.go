// Package pool runs claimed tasks on a bounded number of workers.
package pool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jpalmerr/taskpool/internal/fillpool"
)

// Runner is a claimed task ready to be executed.
type Runner interface {
	ID() string
	TaskType() string

	// MarkAsRunning reports whether the task should run.
	MarkAsRunning(ctx context.Context) (bool, error)

	// Run executes the task. It is called at most once, on its own goroutine.
	Run(ctx context.Context)
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	MaxWorkers       int           `json:"max_workers"`
	OccupiedWorkers  int           `json:"occupied_workers"`
	AvailableWorkers int           `json:"available_workers"`
	Running          []RunningTask `json:"running"`
}

// RunningTask identifies a task holding a worker.
type RunningTask struct {
	ID       string `json:"id"`
	TaskType string `json:"task_type"`
}

// Pool runs tasks with at most MaxWorkers in flight.
//
// Run is meant to be called by one claim loop at a time; worker slots are
// released concurrently as tasks finish. Started tasks run under the pool's
// own context, which only [Pool.CancelRunning] cancels.
type Pool struct {
	max      int
	sem      *semaphore.Weighted
	occupied atomic.Int64
	logger   *slog.Logger
	wg       sync.WaitGroup

	mu        sync.Mutex
	running   map[string]string
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// New creates a pool with maxWorkers slots. Values below 1 are raised to 1.
func New(maxWorkers int, logger *slog.Logger) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	runCtx, cancelRun := context.WithCancel(context.Background())
	return &Pool{
		max:       maxWorkers,
		sem:       semaphore.NewWeighted(int64(maxWorkers)),
		logger:    logger,
		running:   make(map[string]string),
		runCtx:    runCtx,
		cancelRun: cancelRun,
	}
}

// MaxWorkers returns the pool capacity.
func (p *Pool) MaxWorkers() int {
	return p.max
}

// OccupiedWorkers returns the number of slots currently held.
func (p *Pool) OccupiedWorkers() int {
	return int(p.occupied.Load())
}

// AvailableWorkers returns the number of free slots.
func (p *Pool) AvailableWorkers() int {
	return p.max - p.OccupiedWorkers()
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	running := make([]RunningTask, 0, len(p.running))
	for id, typ := range p.running {
		running = append(running, RunningTask{ID: id, TaskType: typ})
	}
	p.mu.Unlock()
	sort.Slice(running, func(i, j int) bool { return running[i].ID < running[j].ID })

	occupied := p.OccupiedWorkers()
	return Stats{
		MaxWorkers:       p.max,
		OccupiedWorkers:  occupied,
		AvailableWorkers: p.max - occupied,
		Running:          running,
	}
}

// Run starts as many runners as there are free workers.
//
// Every started runner is first marked as running under ctx; Run returns
// once all marks have completed, while the runs themselves continue in the
// background under the pool's context, so cancelling ctx afterwards does
// not abort them. Runners that did not fit are retried if workers freed up in
// the meantime and otherwise dropped, leaving their claims to expire.
// The result tells the claim loop whether to fetch again.
func (p *Pool) Run(ctx context.Context, runners []Runner) (fillpool.RunResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var (
		toRun    []Runner
		leftOver []Runner
	)
	for i, r := range runners {
		if !p.acquire() {
			leftOver = runners[i:]
			break
		}
		toRun = append(toRun, r)
	}

	if len(toRun) > 0 {
		var g errgroup.Group
		for _, r := range toRun {
			g.Go(func() error {
				p.start(ctx, r)
				return nil
			})
		}
		_ = g.Wait()
	}

	if len(leftOver) > 0 {
		if p.AvailableWorkers() > 0 {
			return p.Run(ctx, leftOver)
		}
		p.logger.Debug("pool out of capacity", "left_over", len(leftOver))
		return fillpool.RanOutOfCapacity, nil
	}
	if p.AvailableWorkers() == 0 {
		return fillpool.RanOutOfCapacity, nil
	}
	return fillpool.RanAllClaimedTasks, nil
}

// Wait blocks until every started run has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// CancelRunning cancels the context of every run in flight. Runs started
// afterwards get a fresh context.
func (p *Pool) CancelRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelRun()
	p.runCtx, p.cancelRun = context.WithCancel(context.Background())
}

// start marks r as running and launches it. The caller holds a slot for r.
func (p *Pool) start(ctx context.Context, r Runner) {
	ok, err := r.MarkAsRunning(ctx)
	if err != nil {
		p.logger.Warn("failed to mark task as running",
			"task_id", r.ID(),
			"task_type", r.TaskType(),
			"error", err,
		)
	}
	if !ok {
		p.release()
		return
	}

	p.mu.Lock()
	p.running[r.ID()] = r.TaskType()
	runCtx := p.runCtx
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.running, r.ID())
			p.mu.Unlock()
			p.release()
		}()
		r.Run(runCtx)
	}()
}

func (p *Pool) acquire() bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.occupied.Add(1)
	return true
}

func (p *Pool) release() {
	p.occupied.Add(-1)
	p.sem.Release(1)
}

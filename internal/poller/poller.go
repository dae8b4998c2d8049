package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jpalmerr/taskpool/internal/fillpool"
)

const resultsBuffer = 16

// WorkFunc is one pass of work, typically a claim loop invocation.
type WorkFunc func(ctx context.Context) (fillpool.StopReason, error)

// Result holds the outcome of a single pass.
type Result struct {
	// StopReason is why the pass ended.
	StopReason fillpool.StopReason

	// Err is the error that ended the pass, if any.
	Err error

	// Duration is how long the pass took.
	Duration time.Duration

	// At is when the pass started.
	At time.Time

	// Triggered reports whether the pass was requested through Trigger
	// rather than by the interval ticker.
	Triggered bool
}

// Poller invokes a [WorkFunc] on a fixed interval and on demand.
//
// The poller runs a pass immediately on start, then once per interval.
// [Poller.Trigger] requests an extra pass; requests made while a pass is
// running or already pending are coalesced into one. Passes never overlap.
//
// All lifecycle methods (Start, Stop) are safe for concurrent use.
type Poller struct {
	interval time.Duration
	work     WorkFunc
	results  chan Result
	trigger  chan struct{}
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	closeOnce sync.Once
}

// New creates a [Poller].
//
// Parameters:
//   - interval: Time between passes
//   - work: Function invoked on every pass
//   - logger: Logger for pass failures
//
// The poller must be started with [Poller.Start] and stopped with
// [Poller.Stop]. Results are available via [Poller.Results] and must be
// drained by the caller.
func New(interval time.Duration, work WorkFunc, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		interval: interval,
		work:     work,
		results:  make(chan Result, resultsBuffer),
		trigger:  make(chan struct{}, 1),
		logger:   logger,
	}
}

// Results returns a receive-only channel that emits one [Result] per pass.
//
// The channel is closed when the poller stops.
func (p *Poller) Results() <-chan Result {
	return p.results
}

// Trigger requests a pass as soon as the current one (if any) finishes.
// It never blocks.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
		// a pass is already pending
	}
}

// Start begins the polling loop in a background goroutine.
//
// Start is non-blocking and returns immediately. If ctx is nil,
// context.Background() is used as the parent context. Start is idempotent;
// subsequent calls after the first are no-ops. If Stop was called before
// Start, Start is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true

	if ctx == nil {
		ctx = context.Background()
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	pollCtx := p.ctx // capture under lock to avoid race
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.closeOnce.Do(func() { close(p.results) })

		p.pass(pollCtx, false)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				p.pass(pollCtx, false)
			case <-p.trigger:
				p.pass(pollCtx, true)
			}
		}
	}()
}

// Stop halts the poller and waits for the running pass to return.
//
// Stop is idempotent and safe to call multiple times. Calling Stop before
// Start is a safe no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		if p.cancel != nil {
			p.cancel()
		}
	}
	p.mu.Unlock()

	p.wg.Wait()

	// ensure channel is closed even if Start() was never called
	p.closeOnce.Do(func() { close(p.results) })
}

func (p *Poller) pass(ctx context.Context, triggered bool) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	reason, err := p.work(ctx)
	result := Result{
		StopReason: reason,
		Err:        err,
		Duration:   time.Since(start),
		At:         start,
		Triggered:  triggered,
	}

	if err != nil && reason != fillpool.Cancelled {
		p.logger.Warn("poll pass failed", "stop_reason", reason, "error", err)
	}

	select {
	case p.results <- result:
	case <-ctx.Done():
	}
}

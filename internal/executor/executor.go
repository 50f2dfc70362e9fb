// Package executor implements the Bounded Executor: a worker pool with
// additive-increase/multiplicative-decrease adaptive concurrency,
// per-task timeouts, and a FIFO bounded queue that surfaces
// backpressure to callers instead of blocking indefinitely.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/deepresearch/orchestrator/internal/errs"
)

// Config tunes the executor's adaptive concurrency and queueing.
type Config struct {
	MaxConcurrency   int
	MinConcurrency   int
	QueueCapacity    int
	TaskTimeout      time.Duration
	SuccessesPerStep int // successes needed before an additive +1 step
}

// Task is a unit of work submitted to the executor. It must honor ctx
// cancellation and the per-task timeout is already applied to ctx by
// the time Task runs.
type Task func(ctx context.Context) (any, error)

// Executor is the Bounded Executor.
type Executor struct {
	cfg Config

	mu            sync.Mutex
	currentLimit  int
	successRun    int
	pendingShrink int // permits to drop the next time they're released, when none were free to reclaim immediately

	permits chan struct{} // available permits; acquire receives, release sends
	queue   chan struct{} // bounds how many callers may be waiting for a permit at once
}

// New constructs an Executor. MaxConcurrency is the hard ceiling;
// concurrency starts at MinConcurrency (default 1) and adapts upward on
// sustained success, downward on failure or rate-limit signal.
func New(cfg Config) *Executor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.MinConcurrency <= 0 {
		cfg.MinConcurrency = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = cfg.MaxConcurrency * 4
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 60 * time.Second
	}
	if cfg.SuccessesPerStep <= 0 {
		cfg.SuccessesPerStep = 5
	}

	e := &Executor{
		cfg:          cfg,
		currentLimit: cfg.MinConcurrency,
		permits:      make(chan struct{}, cfg.MaxConcurrency),
		queue:        make(chan struct{}, cfg.QueueCapacity),
	}
	for i := 0; i < cfg.MinConcurrency; i++ {
		e.permits <- struct{}{}
	}
	return e
}

// Result pairs a task's index with its outcome, for callers that
// fan out a batch and want to reassemble results in submission order.
type Result struct {
	Index int
	Value any
	Err   error
}

// RunAll submits every task, waits for all to complete (or ctx
// cancellation), and returns results in submission order. Per-task
// failures do not abort sibling tasks — the caller inspects Result.Err
// per entry.
func (e *Executor) RunAll(ctx context.Context, tasks []Task) ([]Result, error) {
	results := make([]Result, len(tasks))
	var wg sync.WaitGroup
	wg.Add(len(tasks))

	for i, task := range tasks {
		i, task := i, task
		select {
		case e.queue <- struct{}{}:
		default:
			results[i] = Result{Index: i, Err: errs.New(errs.KindInternal, "executor queue full, backpressure")}
			wg.Done()
			continue
		}

		go func() {
			defer wg.Done()
			defer func() { <-e.queue }()

			if err := e.acquire(ctx); err != nil {
				results[i] = Result{Index: i, Err: err}
				return
			}
			defer e.release()

			taskCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
			defer cancel()

			val, err := task(taskCtx)
			results[i] = Result{Index: i, Value: val, Err: err}
			e.recordOutcome(err)
		}()
	}

	wg.Wait()

	select {
	case <-ctx.Done():
		return results, ctx.Err()
	default:
	}
	return results, nil
}

// acquire blocks for a free permit under the current adaptive limit, or
// returns ctx.Err() if cancelled first.
func (e *Executor) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-e.permits:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release returns a permit to the pool, unless a pending shrink
// consumes it instead — that's how a ×0.5 decrease takes effect even
// when every permit was checked out at the moment it was ordered.
func (e *Executor) release() {
	e.mu.Lock()
	if e.pendingShrink > 0 {
		e.pendingShrink--
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.permits <- struct{}{}
}

// recordOutcome applies AIMD: additive +1 to the concurrency ceiling
// every SuccessesPerStep consecutive successes, multiplicative ×0.5 on
// any failure, floor MinConcurrency, ceiling MaxConcurrency.
func (e *Executor) recordOutcome(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err == nil {
		e.successRun++
		if e.successRun >= e.cfg.SuccessesPerStep && e.currentLimit < e.cfg.MaxConcurrency {
			e.growLocked()
			e.successRun = 0
		}
		return
	}

	e.successRun = 0
	e.shrinkLocked()
}

func (e *Executor) growLocked() {
	if e.currentLimit >= e.cfg.MaxConcurrency {
		return
	}
	e.currentLimit++
	// If a shrink is still owed, cancel one unit of it instead of
	// minting a new permit, so grow/shrink bookkeeping stays consistent.
	if e.pendingShrink > 0 {
		e.pendingShrink--
		return
	}
	e.permits <- struct{}{}
}

func (e *Executor) shrinkLocked() {
	newLimit := e.currentLimit / 2
	if newLimit < e.cfg.MinConcurrency {
		newLimit = e.cfg.MinConcurrency
	}
	toDrop := e.currentLimit - newLimit
	e.currentLimit = newLimit
	for toDrop > 0 {
		select {
		case <-e.permits:
		default:
			e.pendingShrink += toDrop
			return
		}
		toDrop--
	}
}

// CurrentLimit returns the current adaptive concurrency ceiling, for
// observability.
func (e *Executor) CurrentLimit() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentLimit
}

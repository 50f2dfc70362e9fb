// Package worker drives the lease -> heartbeat -> orchestrate ->
// complete/fail loop against the Job Manager, polling for claimable
// jobs and running them to completion.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/deepresearch/orchestrator/internal/errs"
	"github.com/deepresearch/orchestrator/internal/jobmanager"
	"github.com/deepresearch/orchestrator/internal/logging"
	"github.com/deepresearch/orchestrator/internal/models"
	"github.com/deepresearch/orchestrator/internal/orchestrator"
	"github.com/deepresearch/orchestrator/internal/schema"
	"github.com/oklog/ulid/v2"
)

// Config tunes the worker's polling behavior.
type Config struct {
	PollInterval time.Duration
	Concurrency  int
}

// Worker polls the Job Manager for claimable research jobs and runs
// them through the Orchestrator.
type Worker struct {
	jm     *jobmanager.Manager
	orch   *orchestrator.Orchestrator
	cfg    Config
	id     string
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Worker with a unique worker id.
func New(jm *jobmanager.Manager, orch *orchestrator.Orchestrator, cfg Config, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := "worker-" + ulid.Make().String()
	return &Worker{
		jm:     jm,
		orch:   orch,
		cfg:    cfg,
		id:     id,
		logger: logger.With("component", "worker", "worker_id", id),
	}
}

// Start launches cfg.Concurrency polling goroutines, returning
// immediately. Call Stop to shut down gracefully.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	var active int
	finished := make(chan struct{}, w.cfg.Concurrency)
	for i := 0; i < w.cfg.Concurrency; i++ {
		active++
		go w.pollLoop(ctx, finished)
	}

	go func() {
		for i := 0; i < active; i++ {
			<-finished
		}
		close(w.done)
	}()
}

// Stop cancels all polling goroutines and waits for them to exit.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
}

func (w *Worker) pollLoop(ctx context.Context, finished chan<- struct{}) {
	defer func() { finished <- struct{}{} }()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := w.jm.Lease(ctx, []models.JobType{models.JobTypeResearch}, w.id)
			if err != nil {
				w.logger.Warn("lease attempt failed", "error", err)
				continue
			}
			if job == nil {
				continue
			}
			w.run(ctx, job)
		}
	}
}

func (w *Worker) run(ctx context.Context, job *models.Job) {
	jobCtx := logging.WithJobID(ctx, job.ID)
	logger := logging.FromContext(jobCtx, w.logger)

	lost := w.jm.HeartbeatLoop(jobCtx, job.ID, w.id)
	runCtx, runCancel := context.WithCancel(jobCtx)
	defer runCancel()

	go func() {
		select {
		case err := <-lost:
			logger.Warn("lease lost mid-run, aborting", "error", err)
			runCancel()
		case <-runCtx.Done():
		}
	}()

	var raw map[string]any
	if err := unmarshalParams(job.Params, &raw); err != nil {
		w.jm.Fail(jobCtx, job.ID, errs.Wrap(errs.KindValidation, "stored job params did not parse", err))
		return
	}
	params, err := schema.NormalizeResearchParams(raw)
	if err != nil {
		w.jm.Fail(jobCtx, job.ID, err)
		return
	}

	reportID, err := w.orch.Run(runCtx, job.ID, params)
	if err != nil {
		if errs.Is(err, errs.KindCancelled) {
			logger.Info("job cancelled")
			if err := w.jm.FinishCancelled(jobCtx, job.ID, ""); err != nil {
				logger.Error("failed to finalize cancelled job", "error", err)
			}
			return
		}
		logger.Warn("orchestrator run failed", "error", err)
		w.jm.Fail(jobCtx, job.ID, err)
		return
	}

	resultJSON, _ := json.Marshal(map[string]string{"reportId": reportID})
	if err := w.jm.Complete(jobCtx, job.ID, w.id, string(resultJSON)); err != nil {
		logger.Error("failed to mark job complete", "error", err)
	}
}

func unmarshalParams(raw string, out *map[string]any) error {
	return json.Unmarshal([]byte(raw), out)
}

// Package jobmanager implements the durable async job queue: submission
// with idempotency, leasing, heartbeats, cancellation, the append-only
// event log, and requeue of retryable failures under an attempt limit.
package jobmanager

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/deepresearch/orchestrator/internal/errs"
	"github.com/deepresearch/orchestrator/internal/models"
	"github.com/deepresearch/orchestrator/internal/repository"
)

var idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Config holds job-manager tunables.
type Config struct {
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	IdempotencyTTL    time.Duration
	JobTTL            time.Duration
	MaxAttempts       int
}

// Manager is the Job Manager.
type Manager struct {
	jobs    repository.JobRepository
	events  repository.JobEventRepository
	cfg     Config
	logger  *slog.Logger
	subsMu  sync.Mutex
	subs    map[string][]chan *models.JobEvent
}

// New constructs a Manager.
func New(jobs repository.JobRepository, events repository.JobEventRepository, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		jobs:   jobs,
		events: events,
		cfg:    cfg,
		logger: logger.With("component", "jobmanager"),
		subs:   make(map[string][]chan *models.JobEvent),
	}
}

// SubmitResult is the result of Submit.
type SubmitResult struct {
	JobID        string
	AlreadyExisted bool
	ReusedResult string
	Status       models.JobStatus
}

// Submit writes a queued job row, honoring idempotency-key reuse rules.
func (m *Manager) Submit(ctx context.Context, jobType models.JobType, params string, idempotencyKey string, forceNew bool) (*SubmitResult, error) {
	now := time.Now().UTC()

	key := idempotencyKey
	if key != "" && !idempotencyKeyPattern.MatchString(key) {
		return nil, errs.Validationf("idempotencyKey must match [A-Za-z0-9_-]{1,64}")
	}

	if !forceNew && key != "" {
		existing, err := m.jobs.GetByIdempotencyKey(ctx, key, now)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			switch existing.Status {
			case models.JobStatusSucceeded:
				return &SubmitResult{JobID: existing.ID, AlreadyExisted: true, ReusedResult: existing.Result, Status: existing.Status}, nil
			case models.JobStatusQueued, models.JobStatusRunning, models.JobStatusInputRequired:
				return &SubmitResult{JobID: existing.ID, AlreadyExisted: true, Status: existing.Status}, nil
			case models.JobStatusFailed, models.JobStatusCancelled:
				// Allowed to retry: fall through and create a new job row.
				// No count of earlier submissions under this key is kept,
				// so resubmission is not limited here.
			}
		}
	}

	id := ulid.Make().String()
	job := &models.Job{
		ID:        id,
		Type:      jobType,
		Params:    params,
		Status:    models.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if key != "" {
		job.IdempotencyKey = key
		expiry := now.Add(m.cfg.IdempotencyTTL)
		job.IdempotencyExpiresAt = &expiry
	}

	if err := m.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := m.appendEvent(ctx, id, "phase_started:queued", map[string]any{}); err != nil {
		m.logger.Warn("failed to append submit event", "job_id", id, "error", err)
	}

	return &SubmitResult{JobID: id, Status: models.JobStatusQueued}, nil
}

// Get fetches a job by id.
func (m *Manager) Get(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := m.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errs.NotFoundf("job %s not found", jobID)
	}
	return job, nil
}

// Events replays the event log since sinceSeq.
func (m *Manager) Events(ctx context.Context, jobID string, sinceSeq int64, limit int) ([]*models.JobEvent, error) {
	return m.events.List(ctx, jobID, sinceSeq, limit)
}

// Subscribe returns a channel of live events for jobID until the job
// reaches a terminal state or the caller cancels ctx. Slow subscribers
// are dropped rather than allowed to block emission.
func (m *Manager) Subscribe(ctx context.Context, jobID string) <-chan *models.JobEvent {
	ch := make(chan *models.JobEvent, 64)
	m.subsMu.Lock()
	m.subs[jobID] = append(m.subs[jobID], ch)
	m.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		m.unsubscribe(jobID, ch)
	}()

	return ch
}

func (m *Manager) unsubscribe(jobID string, ch chan *models.JobEvent) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	subs := m.subs[jobID]
	for i, c := range subs {
		if c == ch {
			m.subs[jobID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *Manager) broadcast(jobID string, event *models.JobEvent) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs[jobID] {
		select {
		case ch <- event:
		default:
			// subscriber too slow; drop the event for it, it can replay
			// via Events(jobID, sinceSeq).
		}
	}
}

func (m *Manager) closeSubscribers(jobID string) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs[jobID] {
		close(ch)
	}
	delete(m.subs, jobID)
}

// CancelResult is the result of Cancel.
type CancelResult struct {
	Cancelled      bool
	PreviousStatus models.JobStatus
}

// Cancel sets cancel_requested, transitioning queued jobs to cancelled
// immediately; running jobs unwind cooperatively.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*CancelResult, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	prev := job.Status
	if job.Status.Terminal() {
		return &CancelResult{Cancelled: false, PreviousStatus: prev}, nil
	}

	job.CancelRequested = true
	job.UpdatedAt = time.Now().UTC()
	if job.Status == models.JobStatusQueued {
		job.Status = models.JobStatusCancelled
		now := time.Now().UTC()
		job.FinishedAt = &now
	}
	if err := m.jobs.Update(ctx, job); err != nil {
		return nil, err
	}

	if job.Status == models.JobStatusCancelled {
		m.emitTerminal(ctx, jobID, models.EventJobCancelled, map[string]any{})
	}

	return &CancelResult{Cancelled: true, PreviousStatus: prev}, nil
}

// Progress appends a progress event and forwards it to live subscribers.
func (m *Manager) Progress(ctx context.Context, jobID string, percent int, message string) error {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if percent > job.Progress {
		job.Progress = percent
		job.UpdatedAt = time.Now().UTC()
		if err := m.jobs.Update(ctx, job); err != nil {
			return err
		}
	}
	return m.appendEvent(ctx, jobID, models.EventProgress, map[string]any{"percent": percent, "message": message})
}

// Emit appends an arbitrary event and forwards it to subscribers — the
// Orchestrator's sole channel for phase/agent/synthesis notifications.
func (m *Manager) Emit(ctx context.Context, jobID string, eventType string, payload map[string]any) error {
	return m.appendEvent(ctx, jobID, eventType, payload)
}

func (m *Manager) appendEvent(ctx context.Context, jobID string, eventType string, payload map[string]any) error {
	seq, err := m.events.NextSeq(ctx, jobID)
	if err != nil {
		return err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "marshal event payload", err)
	}
	event := &models.JobEvent{
		JobID:   jobID,
		Seq:     seq,
		Type:    eventType,
		Payload: string(payloadJSON),
		TS:      time.Now().UTC(),
	}
	if err := m.events.Append(ctx, event); err != nil {
		return err
	}
	m.broadcast(jobID, event)
	return nil
}

func (m *Manager) emitTerminal(ctx context.Context, jobID string, eventType string, payload map[string]any) {
	if err := m.appendEvent(ctx, jobID, eventType, payload); err != nil {
		m.logger.Warn("failed to append terminal event", "job_id", jobID, "error", err)
	}
	m.closeSubscribers(jobID)
}

// Lease atomically claims the oldest eligible job of one of the given
// types.
func (m *Manager) Lease(ctx context.Context, types []models.JobType, workerID string) (*models.Job, error) {
	duration := m.cfg.LeaseDuration
	if duration <= 0 {
		duration = 30 * time.Second
	}
	return m.jobs.ClaimNext(ctx, types, workerID, duration, time.Now().UTC())
}

// Heartbeat extends a lease. Callers must abort the job if this
// returns an error — it means the lease was lost.
func (m *Manager) Heartbeat(ctx context.Context, jobID, workerID string) error {
	duration := m.cfg.LeaseDuration
	if duration <= 0 {
		duration = 30 * time.Second
	}
	ok, err := m.jobs.ExtendLease(ctx, jobID, workerID, time.Now().UTC().Add(duration))
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.KindInternal, "lease lost or job terminal")
	}
	return nil
}

// HeartbeatLoop runs Heartbeat on cfg.HeartbeatInterval until ctx is
// done, reporting lease loss on the returned channel exactly once.
func (m *Manager) HeartbeatLoop(ctx context.Context, jobID, workerID string) <-chan error {
	lost := make(chan error, 1)
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Heartbeat(ctx, jobID, workerID); err != nil {
					select {
					case lost <- err:
					default:
					}
					return
				}
			}
		}
	}()
	return lost
}

// Complete transitions a job to succeeded.
func (m *Manager) Complete(ctx context.Context, jobID, workerID, result string) error {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.Status = models.JobStatusSucceeded
	job.Result = result
	job.FinishedAt = &now
	job.UpdatedAt = now
	job.Progress = 100
	if err := m.jobs.Update(ctx, job); err != nil {
		return err
	}
	m.emitTerminal(ctx, jobID, models.EventJobComplete, map[string]any{"result": result})
	return nil
}

// Fail transitions a job to failed, or back to queued for a bounded
// retry when the error is retryable and the attempt budget is not
// exhausted. A requeued job is claimable at once: the backoff computed
// for the attempt is logged, not waited out.
func (m *Manager) Fail(ctx context.Context, jobID string, failErr error) error {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	retryable := errs.IsRetryable(failErr)
	maxAttempts := m.cfg.MaxAttempts

	if retryable && job.Attempts < maxAttempts {
		job.Status = models.JobStatusQueued
		job.LeaseOwner = ""
		job.LeaseExpiresAt = nil
		job.HeartbeatAt = nil
		job.UpdatedAt = now
		if err := m.jobs.Update(ctx, job); err != nil {
			return err
		}
		backoff := backoffWithJitter(job.Attempts)
		m.logger.Info("job failed retryably, requeued", "job_id", jobID, "attempts", job.Attempts, "backoff", backoff)
		return m.appendEvent(ctx, jobID, "job_retry", map[string]any{"attempt": job.Attempts, "error": failErr.Error()})
	}

	job.Status = models.JobStatusFailed
	errJSON, _ := json.Marshal(map[string]any{
		"code":      string(errs.KindOf(failErr)),
		"message":   failErr.Error(),
		"retryable": retryable,
	})
	job.Error = string(errJSON)
	job.FinishedAt = &now
	job.UpdatedAt = now
	if err := m.jobs.Update(ctx, job); err != nil {
		return err
	}
	m.emitTerminal(ctx, jobID, models.EventJobError, map[string]any{
		"code":      string(errs.KindOf(failErr)),
		"message":   failErr.Error(),
		"retryable": retryable,
	})
	return nil
}

// FinishCancelled transitions a running job to cancelled once the
// orchestrator has cooperatively unwound after observing
// cancel_requested. partialResult, if non-empty, is
// stored as the job's result.
func (m *Manager) FinishCancelled(ctx context.Context, jobID string, partialResult string) error {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	job.Status = models.JobStatusCancelled
	job.Result = partialResult
	job.FinishedAt = &now
	job.UpdatedAt = now
	if err := m.jobs.Update(ctx, job); err != nil {
		return err
	}
	m.emitTerminal(ctx, jobID, models.EventJobCancelled, map[string]any{"partialResult": partialResult != ""})
	return nil
}

// RequireInput transitions running → input_required, used when the
// orchestrator needs caller-supplied clarification before continuing.
func (m *Manager) RequireInput(ctx context.Context, jobID string) error {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusRunning {
		return errs.New(errs.KindInternal, "input_required transition only valid from running")
	}
	job.Status = models.JobStatusInputRequired
	job.UpdatedAt = time.Now().UTC()
	return m.jobs.Update(ctx, job)
}

// ResumeFromInput transitions input_required → running.
func (m *Manager) ResumeFromInput(ctx context.Context, jobID string) error {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusInputRequired {
		return errs.New(errs.KindInternal, "resume only valid from input_required")
	}
	job.Status = models.JobStatusRunning
	job.UpdatedAt = time.Now().UTC()
	return m.jobs.Update(ctx, job)
}

// ReapExpired sweeps terminal jobs older than JobTTL, together with
// their event logs.
func (m *Manager) ReapExpired(ctx context.Context) (int, error) {
	ttl := m.cfg.JobTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	ids, err := m.jobs.DeleteOlderThan(ctx, time.Now().UTC().Add(-ttl))
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		if err := m.events.DeleteByJobIDs(ctx, ids); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func backoffWithJitter(attempt int) time.Duration {
	base := 500 * time.Millisecond
	max := 30 * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}


package repository

import (
	"context"
	"testing"
	"time"

	"github.com/deepresearch/orchestrator/internal/models"
	"github.com/oklog/ulid/v2"
)

func newTestJob() *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		ID:        ulid.Make().String(),
		Type:      models.JobTypeResearch,
		Params:    `{"query":"test"}`,
		Status:    models.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestJobRepository_CreateAndGetByID(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	job := newTestJob()
	if err := repos.Job.Create(ctx, job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repos.Job.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetByID() returned nil for a job that was just created")
	}
	if got.ID != job.ID {
		t.Errorf("ID = %s, want %s", got.ID, job.ID)
	}
	if got.Status != models.JobStatusQueued {
		t.Errorf("Status = %s, want %s", got.Status, models.JobStatusQueued)
	}
	if got.Params != job.Params {
		t.Errorf("Params = %s, want %s", got.Params, job.Params)
	}
}

func TestJobRepository_GetByID_NotFound(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	got, err := repos.Job.GetByID(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent job")
	}
}

func TestJobRepository_GetByIdempotencyKey(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	job := newTestJob()
	expiry := time.Now().UTC().Add(time.Hour)
	job.IdempotencyKey = "idem-123"
	job.IdempotencyExpiresAt = &expiry
	if err := repos.Job.Create(ctx, job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repos.Job.GetByIdempotencyKey(ctx, "idem-123", time.Now().UTC())
	if err != nil {
		t.Fatalf("GetByIdempotencyKey() error = %v", err)
	}
	if got == nil || got.ID != job.ID {
		t.Fatalf("GetByIdempotencyKey() = %v, want job %s", got, job.ID)
	}

	expired, err := repos.Job.GetByIdempotencyKey(ctx, "idem-123", expiry.Add(time.Minute))
	if err != nil {
		t.Fatalf("GetByIdempotencyKey() after expiry error = %v", err)
	}
	if expired != nil {
		t.Error("expected nil for an expired idempotency key")
	}
}

func TestJobRepository_Update(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	job := newTestJob()
	if err := repos.Job.Create(ctx, job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	job.Status = models.JobStatusSucceeded
	job.Progress = 100
	job.Result = `{"reportId":"r1"}`
	now := time.Now().UTC()
	job.FinishedAt = &now
	job.UpdatedAt = now

	if err := repos.Job.Update(ctx, job); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := repos.Job.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != models.JobStatusSucceeded {
		t.Errorf("Status = %s, want %s", got.Status, models.JobStatusSucceeded)
	}
	if got.Progress != 100 {
		t.Errorf("Progress = %d, want 100", got.Progress)
	}
	if got.Result != job.Result {
		t.Errorf("Result = %s, want %s", got.Result, job.Result)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil, want non-nil")
	}
}

func TestJobRepository_ClaimNext(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	job := newTestJob()
	if err := repos.Job.Create(ctx, job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	now := time.Now().UTC()
	claimed, err := repos.Job.ClaimNext(ctx, []models.JobType{models.JobTypeResearch}, "worker-1", time.Minute, now)
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if claimed == nil {
		t.Fatal("ClaimNext() returned nil, want the queued job")
	}
	if claimed.ID != job.ID {
		t.Errorf("claimed ID = %s, want %s", claimed.ID, job.ID)
	}
	if claimed.Status != models.JobStatusRunning {
		t.Errorf("claimed Status = %s, want %s", claimed.Status, models.JobStatusRunning)
	}
	if claimed.LeaseOwner != "worker-1" {
		t.Errorf("claimed LeaseOwner = %s, want worker-1", claimed.LeaseOwner)
	}

	// A second claim attempt should find nothing: the job is now running
	// with an unexpired lease.
	again, err := repos.Job.ClaimNext(ctx, []models.JobType{models.JobTypeResearch}, "worker-2", time.Minute, now)
	if err != nil {
		t.Fatalf("second ClaimNext() error = %v", err)
	}
	if again != nil {
		t.Errorf("second ClaimNext() = %v, want nil (lease not yet expired)", again)
	}
}

func TestJobRepository_ClaimNext_ReclaimsExpiredLease(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	job := newTestJob()
	if err := repos.Job.Create(ctx, job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	past := time.Now().UTC().Add(-time.Hour)
	if _, err := repos.Job.ClaimNext(ctx, []models.JobType{models.JobTypeResearch}, "worker-1", time.Minute, past); err != nil {
		t.Fatalf("first ClaimNext() error = %v", err)
	}

	// The lease expired an hour ago relative to "now"; a new claim should
	// reclaim it for a different worker.
	reclaimed, err := repos.Job.ClaimNext(ctx, []models.JobType{models.JobTypeResearch}, "worker-2", time.Minute, time.Now().UTC())
	if err != nil {
		t.Fatalf("reclaim ClaimNext() error = %v", err)
	}
	if reclaimed == nil {
		t.Fatal("expected the expired-lease job to be reclaimed")
	}
	if reclaimed.LeaseOwner != "worker-2" {
		t.Errorf("reclaimed LeaseOwner = %s, want worker-2", reclaimed.LeaseOwner)
	}
}

func TestJobRepository_ExtendLease(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	job := newTestJob()
	if err := repos.Job.Create(ctx, job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	now := time.Now().UTC()
	if _, err := repos.Job.ClaimNext(ctx, []models.JobType{models.JobTypeResearch}, "worker-1", time.Minute, now); err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}

	ok, err := repos.Job.ExtendLease(ctx, job.ID, "worker-1", now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ExtendLease() error = %v", err)
	}
	if !ok {
		t.Error("ExtendLease() = false, want true for the current lease owner")
	}

	ok, err = repos.Job.ExtendLease(ctx, job.ID, "worker-2", now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ExtendLease() for wrong owner error = %v", err)
	}
	if ok {
		t.Error("ExtendLease() = true, want false for a worker that does not hold the lease")
	}
}

func TestJobRepository_ReleaseLease(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	job := newTestJob()
	if err := repos.Job.Create(ctx, job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	now := time.Now().UTC()
	if _, err := repos.Job.ClaimNext(ctx, []models.JobType{models.JobTypeResearch}, "worker-1", time.Minute, now); err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}

	if err := repos.Job.ReleaseLease(ctx, job.ID, "worker-1"); err != nil {
		t.Fatalf("ReleaseLease() error = %v", err)
	}

	got, err := repos.Job.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != models.JobStatusQueued {
		t.Errorf("Status after release = %s, want %s", got.Status, models.JobStatusQueued)
	}
	if got.LeaseOwner != "" {
		t.Errorf("LeaseOwner after release = %q, want empty", got.LeaseOwner)
	}
}

func TestJobRepository_DeleteOlderThan(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	old := newTestJob()
	old.Status = models.JobStatusSucceeded
	oldFinish := time.Now().UTC().Add(-48 * time.Hour)
	old.FinishedAt = &oldFinish
	if err := repos.Job.Create(ctx, old); err != nil {
		t.Fatalf("Create(old) error = %v", err)
	}
	if err := repos.Job.Update(ctx, old); err != nil {
		t.Fatalf("Update(old) error = %v", err)
	}

	recent := newTestJob()
	recent.Status = models.JobStatusSucceeded
	recentFinish := time.Now().UTC()
	recent.FinishedAt = &recentFinish
	if err := repos.Job.Create(ctx, recent); err != nil {
		t.Fatalf("Create(recent) error = %v", err)
	}
	if err := repos.Job.Update(ctx, recent); err != nil {
		t.Fatalf("Update(recent) error = %v", err)
	}

	deleted, err := repos.Job.DeleteOlderThan(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if len(deleted) != 1 || deleted[0] != old.ID {
		t.Errorf("DeleteOlderThan() = %v, want [%s]", deleted, old.ID)
	}

	got, err := repos.Job.GetByID(ctx, recent.ID)
	if err != nil {
		t.Fatalf("GetByID(recent) error = %v", err)
	}
	if got == nil {
		t.Error("recent job was deleted, want it to remain")
	}
}

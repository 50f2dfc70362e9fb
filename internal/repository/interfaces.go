// Package repository provides SQL-backed data access for jobs, job
// events, reports, the hybrid doc index, and the semantic cache.
package repository

import (
	"context"
	"time"

	"github.com/deepresearch/orchestrator/internal/models"
)

// JobRepository defines methods for job data access.
type JobRepository interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	GetByIdempotencyKey(ctx context.Context, key string, now time.Time) (*models.Job, error)
	Update(ctx context.Context, job *models.Job) error

	// ClaimNext atomically selects the oldest queued job (or running job
	// with an expired lease) of one of the given types, and assigns it to
	// workerID for duration. Returns nil, nil if nothing is claimable.
	ClaimNext(ctx context.Context, types []models.JobType, workerID string, duration time.Duration, now time.Time) (*models.Job, error)

	// ExtendLease extends a job's lease if and only if it is still owned
	// by workerID. Returns false if the lease could not be extended
	// (owned by someone else, expired and reclaimed, or job terminal).
	ExtendLease(ctx context.Context, jobID, workerID string, newExpiry time.Time) (bool, error)

	// ReleaseLease clears lease ownership, used when a worker voluntarily
	// gives up a job (e.g. on graceful shutdown) without completing it.
	ReleaseLease(ctx context.Context, jobID, workerID string) error

	DeleteOlderThan(ctx context.Context, before time.Time) ([]string, error)
}

// JobEventRepository defines append-only access to a job's event log.
type JobEventRepository interface {
	Append(ctx context.Context, event *models.JobEvent) error
	// NextSeq returns the seq to use for the next event appended to jobID.
	NextSeq(ctx context.Context, jobID string) (int64, error)
	List(ctx context.Context, jobID string, sinceSeq int64, limit int) ([]*models.JobEvent, error)
	DeleteByJobIDs(ctx context.Context, jobIDs []string) error
}

// ReportRepository defines access to research reports and their doc-index
// projection.
type ReportRepository interface {
	// SaveReport inserts a report and its doc_index entry in one
	// transaction.
	SaveReport(ctx context.Context, report *models.Report, embedding []float32) error
	GetByID(ctx context.Context, id string) (*models.Report, error)
	FindBySimilarity(ctx context.Context, queryEmbedding []float32, k int, minSim float64) ([]models.SearchHit, error)
	ListRecent(ctx context.Context, limit int) ([]*models.Report, error)
	AddFeedback(ctx context.Context, reportID string, rating int, comment string) error
	// SearchHybrid combines BM25 full-text search with vector cosine
	// similarity using fixed fusion weights.
	SearchHybrid(ctx context.Context, queryText string, queryEmbedding []float32, k int) ([]models.SearchHit, error)
}

// CacheRepository defines durable storage for semantic-cache entries,
// backing the in-process LRU across restarts.
type CacheRepository interface {
	Get(ctx context.Context, key string) (*models.CacheEntry, error)
	FindNearest(ctx context.Context, queryEmbedding []float32, minSim float64) (*models.CacheEntry, float64, error)
	Put(ctx context.Context, entry *models.CacheEntry) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Repositories bundles the concrete repository implementations behind
// their capability interfaces, constructed once at startup and passed
// downward.
type Repositories struct {
	Job       JobRepository
	JobEvent  JobEventRepository
	Report    ReportRepository
	Cache     CacheRepository
}

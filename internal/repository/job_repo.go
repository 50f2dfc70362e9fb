package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/deepresearch/orchestrator/internal/errs"
	"github.com/deepresearch/orchestrator/internal/models"
)

// SQLiteJobRepository is a libsql/SQLite-backed JobRepository.
type SQLiteJobRepository struct {
	db *sql.DB
}

// NewJobRepository constructs a SQLiteJobRepository.
func NewJobRepository(db *sql.DB) *SQLiteJobRepository {
	return &SQLiteJobRepository{db: db}
}

func (r *SQLiteJobRepository) Create(ctx context.Context, job *models.Job) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, type, params, status, progress, created_at, updated_at,
			attempts, idempotency_key, idempotency_expires_at, cancel_requested
		) VALUES (?, ?, ?, ?, 0, ?, ?, 0, ?, ?, 0)
	`,
		job.ID, string(job.Type), job.Params, string(job.Status),
		fmtTime(job.CreatedAt), fmtTime(job.UpdatedAt),
		nullString(job.IdempotencyKey), nullTime(job.IdempotencyExpiresAt),
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageTransient, "create job", err)
	}
	return nil
}

func (r *SQLiteJobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, jobSelectColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageTransient, "get job", err)
	}
	return job, nil
}

func (r *SQLiteJobRepository) GetByIdempotencyKey(ctx context.Context, key string, now time.Time) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx,
		jobSelectColumns+` FROM jobs WHERE idempotency_key = ? AND idempotency_expires_at IS NOT NULL AND idempotency_expires_at > ?
		ORDER BY created_at DESC LIMIT 1`,
		key, fmtTime(now),
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageTransient, "get job by idempotency key", err)
	}
	return job, nil
}

func (r *SQLiteJobRepository) Update(ctx context.Context, job *models.Job) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?, progress = ?, updated_at = ?, started_at = ?, finished_at = ?,
			lease_owner = ?, lease_expires_at = ?, heartbeat_at = ?, attempts = ?,
			result = ?, error = ?, idempotency_key = ?, idempotency_expires_at = ?,
			cancel_requested = ?
		WHERE id = ?
	`,
		string(job.Status), job.Progress, fmtTime(job.UpdatedAt), nullTime(job.StartedAt), nullTime(job.FinishedAt),
		nullString(job.LeaseOwner), nullTime(job.LeaseExpiresAt), nullTime(job.HeartbeatAt), job.Attempts,
		nullString(job.Result), nullString(job.Error), nullString(job.IdempotencyKey), nullTime(job.IdempotencyExpiresAt),
		boolToInt(job.CancelRequested),
		job.ID,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageTransient, "update job", err)
	}
	return nil
}

// ClaimNext atomically selects the oldest eligible job and assigns it to
// workerID, using an UPDATE...WHERE id = (SELECT ...) single-statement
// conditional update that also reclaims jobs whose lease has expired.
func (r *SQLiteJobRepository) ClaimNext(ctx context.Context, types []models.JobType, workerID string, duration time.Duration, now time.Time) (*models.Job, error) {
	if len(types) == 0 {
		return nil, errs.Validationf("ClaimNext requires at least one job type")
	}

	placeholders := make([]string, len(types))
	for i := range types {
		placeholders[i] = "?"
	}
	typeList := strings.Join(placeholders, ", ")

	leaseExpiry := now.Add(duration)

	query := fmt.Sprintf(`
		UPDATE jobs
		SET status = 'running',
		    lease_owner = ?,
		    lease_expires_at = ?,
		    heartbeat_at = ?,
		    started_at = COALESCE(started_at, ?),
		    attempts = attempts + 1,
		    updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE type IN (%s)
			  AND cancel_requested = 0
			  AND (
			    status = 'queued'
			    OR (status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)
			  )
			ORDER BY created_at ASC
			LIMIT 1
		)
		RETURNING id
	`, typeList)

	// Re-order args to match placeholder order: lease_owner, lease_expires_at,
	// heartbeat_at, started_at-coalesce, updated_at, [type...], now-for-subquery.
	finalArgs := []any{workerID, fmtTime(leaseExpiry), fmtTime(now), fmtTime(now), fmtTime(now)}
	for _, t := range types {
		finalArgs = append(finalArgs, string(t))
	}
	finalArgs = append(finalArgs, fmtTime(now))

	var id string
	err := r.db.QueryRowContext(ctx, query, finalArgs...).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageTransient, "claim next job", err)
	}

	return r.GetByID(ctx, id)
}

func (r *SQLiteJobRepository) ExtendLease(ctx context.Context, jobID, workerID string, newExpiry time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status = 'running'
	`, fmtTime(newExpiry), fmtTime(time.Now().UTC()), fmtTime(time.Now().UTC()), jobID, workerID)
	if err != nil {
		return false, errs.Wrap(errs.KindStorageTransient, "extend lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Wrap(errs.KindStorageTransient, "extend lease rows affected", err)
	}
	return n == 1, nil
}

func (r *SQLiteJobRepository) ReleaseLease(ctx context.Context, jobID, workerID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'queued', lease_owner = NULL, lease_expires_at = NULL, heartbeat_at = NULL, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status = 'running'
	`, fmtTime(time.Now().UTC()), jobID, workerID)
	if err != nil {
		return errs.Wrap(errs.KindStorageTransient, "release lease", err)
	}
	return nil
}

func (r *SQLiteJobRepository) DeleteOlderThan(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE status IN ('succeeded', 'failed', 'cancelled') AND finished_at IS NOT NULL AND finished_at < ?
	`, fmtTime(before))
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageTransient, "select jobs older than", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errs.Wrap(errs.KindStorageTransient, "scan job id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorageTransient, "iterate job ids", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err = r.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM jobs WHERE id IN (%s)", strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageTransient, "delete jobs", err)
	}
	return ids, nil
}

const jobSelectColumns = `SELECT
	id, type, params, status, progress, created_at, updated_at, started_at, finished_at,
	lease_owner, lease_expires_at, heartbeat_at, attempts, result, error,
	idempotency_key, idempotency_expires_at, cancel_requested`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var jobType, status string
	var createdAt, updatedAt string
	var startedAt, finishedAt, leaseExpiresAt, heartbeatAt, idempotencyExpiresAt sql.NullString
	var leaseOwner, result, errStr, idempotencyKey sql.NullString
	var cancelRequested int

	if err := row.Scan(
		&j.ID, &jobType, &j.Params, &status, &j.Progress, &createdAt, &updatedAt, &startedAt, &finishedAt,
		&leaseOwner, &leaseExpiresAt, &heartbeatAt, &j.Attempts, &result, &errStr,
		&idempotencyKey, &idempotencyExpiresAt, &cancelRequested,
	); err != nil {
		return nil, err
	}

	j.Type = models.JobType(jobType)
	j.Status = models.JobStatus(status)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	j.StartedAt = parseTimePtr(startedAt)
	j.FinishedAt = parseTimePtr(finishedAt)
	j.LeaseOwner = leaseOwner.String
	j.LeaseExpiresAt = parseTimePtr(leaseExpiresAt)
	j.HeartbeatAt = parseTimePtr(heartbeatAt)
	j.Result = result.String
	j.Error = errStr.String
	j.IdempotencyKey = idempotencyKey.String
	j.IdempotencyExpiresAt = parseTimePtr(idempotencyExpiresAt)
	j.CancelRequested = cancelRequested != 0

	return &j, nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalJSON is a small helper kept here (rather than pulled in from
// encoding/json at every call site) so repository callers can pass Go
// values directly where the schema stores JSON text.
func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}

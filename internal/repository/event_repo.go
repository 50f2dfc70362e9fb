package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/deepresearch/orchestrator/internal/errs"
	"github.com/deepresearch/orchestrator/internal/models"
)

// SQLiteJobEventRepository is a libsql/SQLite-backed JobEventRepository.
type SQLiteJobEventRepository struct {
	db *sql.DB
}

// NewJobEventRepository constructs a SQLiteJobEventRepository.
func NewJobEventRepository(db *sql.DB) *SQLiteJobEventRepository {
	return &SQLiteJobEventRepository{db: db}
}

func (r *SQLiteJobEventRepository) Append(ctx context.Context, event *models.JobEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO job_events (job_id, seq, type, payload, ts) VALUES (?, ?, ?, ?, ?)
	`, event.JobID, event.Seq, event.Type, event.Payload, fmtTime(event.TS))
	if err != nil {
		return errs.Wrap(errs.KindStorageTransient, "append job event", err)
	}
	return nil
}

// NextSeq returns one past the highest seq recorded for jobID. Callers
// append under the job's own serialization point (the job runner owns
// one job at a time), so no additional locking is needed here.
func (r *SQLiteJobEventRepository) NextSeq(ctx context.Context, jobID string) (int64, error) {
	var max sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		"SELECT MAX(seq) FROM job_events WHERE job_id = ?", jobID,
	).Scan(&max)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorageTransient, "get next seq", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

func (r *SQLiteJobEventRepository) List(ctx context.Context, jobID string, sinceSeq int64, limit int) ([]*models.JobEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT job_id, seq, type, payload, ts FROM job_events
		WHERE job_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, jobID, sinceSeq, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageTransient, "list job events", err)
	}
	defer rows.Close()

	var events []*models.JobEvent
	for rows.Next() {
		var e models.JobEvent
		var ts string
		if err := rows.Scan(&e.JobID, &e.Seq, &e.Type, &e.Payload, &ts); err != nil {
			return nil, errs.Wrap(errs.KindStorageTransient, "scan job event", err)
		}
		e.TS = parseTime(ts)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorageTransient, "iterate job events", err)
	}
	return events, nil
}

func (r *SQLiteJobEventRepository) DeleteByJobIDs(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(jobIDs))
	args := make([]any, len(jobIDs))
	for i, id := range jobIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM job_events WHERE job_id IN ("+strings.Join(placeholders, ", ")+")", args...)
	if err != nil {
		return errs.Wrap(errs.KindStorageTransient, "delete job events", err)
	}
	return nil
}

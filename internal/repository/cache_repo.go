package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deepresearch/orchestrator/internal/errs"
	"github.com/deepresearch/orchestrator/internal/models"
)

// SQLiteCacheRepository is a libsql/SQLite-backed CacheRepository. It
// backs the durable L1 tier of the semantic cache; the
// in-process LRU in internal/cache is authoritative for hot lookups and
// treats this as a warm-restart source, not a source of truth for TTL
// enforcement under concurrent writers.
type SQLiteCacheRepository struct {
	db *sql.DB
}

// NewCacheRepository constructs a SQLiteCacheRepository.
func NewCacheRepository(db *sql.DB) *SQLiteCacheRepository {
	return &SQLiteCacheRepository{db: db}
}

func (r *SQLiteCacheRepository) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT key, value, inserted_at, ttl_seconds FROM cache_entries WHERE key = ?
	`, key)

	var e models.CacheEntry
	var insertedAt string
	var ttlSeconds int64
	if err := row.Scan(&e.Key, &e.Value, &insertedAt, &ttlSeconds); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindStorageTransient, "get cache entry", err)
	}
	e.InsertedAt = parseTime(insertedAt)
	e.TTL = time.Duration(ttlSeconds) * time.Second
	return &e, nil
}

// FindNearest runs an ANN probe over the cache's embedding index and
// returns the closest entry whose cosine similarity clears minSim.
func (r *SQLiteCacheRepository) FindNearest(ctx context.Context, queryEmbedding []float32, minSim float64) (*models.CacheEntry, float64, error) {
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT c.key, c.value, c.inserted_at, c.ttl_seconds,
		       1.0 - vector_distance_cos(c.embedding, %s) AS sim
		FROM vector_top_k('libsql_vector_idx_cache', %s, 1) AS v
		JOIN cache_entries c ON c.rowid = v.id
	`, vectorLiteral(queryEmbedding), vectorLiteral(queryEmbedding)))

	var e models.CacheEntry
	var insertedAt string
	var ttlSeconds int64
	var sim float64
	if err := row.Scan(&e.Key, &e.Value, &insertedAt, &ttlSeconds, &sim); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, nil
		}
		return nil, 0, errs.Wrap(errs.KindStorageTransient, "find nearest cache entry", err)
	}
	if sim < minSim {
		return nil, sim, nil
	}
	e.InsertedAt = parseTime(insertedAt)
	e.TTL = time.Duration(ttlSeconds) * time.Second
	return &e, sim, nil
}

func (r *SQLiteCacheRepository) Put(ctx context.Context, entry *models.CacheEntry) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO cache_entries (key, value, inserted_at, ttl_seconds, embedding)
		VALUES (?, ?, ?, ?, %s)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, inserted_at = excluded.inserted_at, ttl_seconds = excluded.ttl_seconds, embedding = excluded.embedding
	`, vectorLiteral(entry.QueryEmbedding)),
		entry.Key, entry.Value, fmtTime(entry.InsertedAt), int64(entry.TTL/time.Second),
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageTransient, "put cache entry", err)
	}
	return nil
}

func (r *SQLiteCacheRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM cache_entries
		WHERE ttl_seconds > 0
		  AND datetime(inserted_at, '+' || ttl_seconds || ' seconds') < ?
	`, fmtTime(now))
	if err != nil {
		return 0, errs.Wrap(errs.KindStorageTransient, "delete expired cache entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Wrap(errs.KindStorageTransient, "delete expired cache entries rows affected", err)
	}
	return int(n), nil
}

package migrations

func init() {
	Register(Migration{
		Timestamp:   "20260201-000000",
		Description: "Initial schema: jobs, job_events, research_reports, doc_index, cache_entries",
		Up: []string{
			// Jobs.
			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				params TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'queued',
				progress INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				started_at TEXT,
				finished_at TEXT,
				lease_owner TEXT,
				lease_expires_at TEXT,
				heartbeat_at TEXT,
				attempts INTEGER NOT NULL DEFAULT 0,
				result TEXT,
				error TEXT,
				idempotency_key TEXT,
				idempotency_expires_at TEXT,
				cancel_requested INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_status_type ON jobs(status, type)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_lease_expires_at ON jobs(lease_expires_at)`,
			// At most one *live* idempotency key at a time:
			// enforced in application code since SQLite partial-unique
			// indexes can't reference the current time, only a stored
			// expiry column compared at query time.
			`CREATE INDEX IF NOT EXISTS idx_jobs_idempotency_key ON jobs(idempotency_key)`,

			// Job events: append-only, seq strictly
			// increasing per job.
			`CREATE TABLE IF NOT EXISTS job_events (
				job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
				seq INTEGER NOT NULL,
				type TEXT NOT NULL,
				payload TEXT NOT NULL,
				ts TEXT NOT NULL,
				PRIMARY KEY (job_id, seq)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_job_events_job_id_seq ON job_events(job_id, seq)`,

			// Research reports. embedding is the
			// report-level vector used by FindReportsBySimilarity; vector
			// dimension is fixed at VECTOR_DIM=384.
			`CREATE TABLE IF NOT EXISTS research_reports (
				id TEXT PRIMARY KEY,
				query TEXT NOT NULL,
				parameters TEXT NOT NULL,
				content TEXT NOT NULL,
				created_at TEXT NOT NULL,
				metadata TEXT,
				rating INTEGER,
				rating_comment TEXT,
				based_on_report_ids TEXT,
				embedding F32_BLOB(384)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_research_reports_created_at ON research_reports(created_at)`,
			`CREATE INDEX IF NOT EXISTS libsql_vector_idx_reports ON research_reports(libsql_vector_idx(embedding))`,

			// Doc index: BM25 side lives in
			// the FTS5 shadow table below; the base table carries the
			// vector column and owns referential integrity back to its
			// source (orphan entries are forbidden at the repository
			// layer: every report insert carries exactly one doc_index
			// insert in the same transaction).
			`CREATE TABLE IF NOT EXISTS doc_index (
				id TEXT PRIMARY KEY,
				source_type TEXT NOT NULL,
				source_id TEXT NOT NULL,
				title TEXT NOT NULL,
				content TEXT NOT NULL,
				tokens INTEGER NOT NULL DEFAULT 0,
				embedding F32_BLOB(384)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_doc_index_source ON doc_index(source_type, source_id)`,
			`CREATE INDEX IF NOT EXISTS libsql_vector_idx_docs ON doc_index(libsql_vector_idx(embedding))`,

			// FTS5 virtual table backing the BM25 half of SearchHybrid
			// (Okapi BM25, k1≈1.2, b≈0.75 — FTS5's built-in bm25() ranking
			// function uses these by default).
			`CREATE VIRTUAL TABLE IF NOT EXISTS doc_index_fts USING fts5(
				id UNINDEXED,
				title,
				content,
				content='doc_index',
				content_rowid='rowid'
			)`,
			`CREATE TRIGGER IF NOT EXISTS doc_index_ai AFTER INSERT ON doc_index BEGIN
				INSERT INTO doc_index_fts(rowid, id, title, content)
				VALUES (new.rowid, new.id, new.title, new.content);
			END`,
			`CREATE TRIGGER IF NOT EXISTS doc_index_ad AFTER DELETE ON doc_index BEGIN
				INSERT INTO doc_index_fts(doc_index_fts, rowid, id, title, content)
				VALUES ('delete', old.rowid, old.id, old.title, old.content);
			END`,
			`CREATE TRIGGER IF NOT EXISTS doc_index_au AFTER UPDATE ON doc_index BEGIN
				INSERT INTO doc_index_fts(doc_index_fts, rowid, id, title, content)
				VALUES ('delete', old.rowid, old.id, old.title, old.content);
				INSERT INTO doc_index_fts(rowid, id, title, content)
				VALUES (new.rowid, new.id, new.title, new.content);
			END`,

			// Semantic cache entries. The
			// in-process LRU is authoritative; this table lets the cache
			// survive restarts and lets FindReportsBySimilarity-style
			// nearest-neighbor cache probes use the same vector index
			// machinery as reports.
			`CREATE TABLE IF NOT EXISTS cache_entries (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				inserted_at TEXT NOT NULL,
				ttl_seconds INTEGER NOT NULL DEFAULT 0,
				embedding F32_BLOB(384)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_cache_entries_inserted_at ON cache_entries(inserted_at)`,
			`CREATE INDEX IF NOT EXISTS libsql_vector_idx_cache ON cache_entries(libsql_vector_idx(embedding))`,
		},
	})
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/deepresearch/orchestrator/internal/errs"
	"github.com/deepresearch/orchestrator/internal/models"
)

// bm25Weight and vectorWeight are the fixed fusion weights for
// SearchHybrid.
const (
	bm25Weight   = 0.7
	vectorWeight = 0.3
)

// SQLiteReportRepository is a libsql/SQLite-backed ReportRepository.
type SQLiteReportRepository struct {
	db *sql.DB
}

// NewReportRepository constructs a SQLiteReportRepository.
func NewReportRepository(db *sql.DB) *SQLiteReportRepository {
	return &SQLiteReportRepository{db: db}
}

// SaveReport writes a report and its doc_index projection in a single
// transaction, so a report can never exist without being searchable.
func (r *SQLiteReportRepository) SaveReport(ctx context.Context, report *models.Report, embedding []float32) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindStorageTransient, "begin save report tx", err)
	}
	defer tx.Rollback()

	basedOn, err := marshalJSON(report.BasedOnReportIDs)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "marshal based_on_report_ids", err)
	}
	meta, err := marshalJSON(report.Metadata)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "marshal report metadata", err)
	}

	vecLiteral := vectorLiteral(embedding)

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO research_reports (id, query, parameters, content, created_at, metadata, based_on_report_ids, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, %s)
	`, vecLiteral),
		report.ID, report.Query, report.Parameters, report.Content, fmtTime(report.CreatedAt), meta, basedOn,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageTransient, "insert research report", err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO doc_index (id, source_type, source_id, title, content, tokens, embedding)
		VALUES (?, 'report', ?, ?, ?, ?, %s)
	`, vecLiteral),
		report.ID+":doc", report.ID, report.Query, report.Content, approxTokenCount(report.Content),
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageTransient, "insert doc_index entry for report", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindStorageTransient, "commit save report tx", err)
	}
	return nil
}

func (r *SQLiteReportRepository) GetByID(ctx context.Context, id string) (*models.Report, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, query, parameters, content, created_at, metadata, rating, rating_comment, based_on_report_ids
		FROM research_reports WHERE id = ?
	`, id)

	var rep models.Report
	var createdAt string
	var metadata, basedOn sql.NullString
	var rating sql.NullInt64
	var ratingComment sql.NullString

	err := row.Scan(&rep.ID, &rep.Query, &rep.Parameters, &rep.Content, &createdAt, &metadata, &rating, &ratingComment, &basedOn)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageTransient, "get report", err)
	}

	rep.CreatedAt = parseTime(createdAt)
	rep.RatingComment = ratingComment.String
	if rating.Valid {
		v := int(rating.Int64)
		rep.Rating = &v
	}
	if metadata.Valid && metadata.String != "" {
		_ = unmarshalJSON(metadata.String, &rep.Metadata)
	}
	if basedOn.Valid && basedOn.String != "" {
		_ = unmarshalJSON(basedOn.String, &rep.BasedOnReportIDs)
	}

	return &rep, nil
}

// FindBySimilarity runs an ANN probe over the report embedding index
// using libsql's vector_top_k table-valued function, then filters by
// minimum cosine similarity.
func (r *SQLiteReportRepository) FindBySimilarity(ctx context.Context, queryEmbedding []float32, k int, minSim float64) ([]models.SearchHit, error) {
	if k <= 0 {
		k = 5
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT rr.id, rr.query,
		       1.0 - vector_distance_cos(rr.embedding, %s) AS sim
		FROM vector_top_k('libsql_vector_idx_reports', %s, ?) AS v
		JOIN research_reports rr ON rr.rowid = v.id
		ORDER BY sim DESC
	`, vectorLiteral(queryEmbedding), vectorLiteral(queryEmbedding)), k)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageTransient, "find reports by similarity", err)
	}
	defer rows.Close()

	var hits []models.SearchHit
	for rows.Next() {
		var h models.SearchHit
		if err := rows.Scan(&h.ReportID, &h.Title, &h.VectorSim); err != nil {
			return nil, errs.Wrap(errs.KindStorageTransient, "scan similarity hit", err)
		}
		h.Score = h.VectorSim
		if h.VectorSim >= minSim {
			hits = append(hits, h)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorageTransient, "iterate similarity hits", err)
	}
	return hits, nil
}

func (r *SQLiteReportRepository) ListRecent(ctx context.Context, limit int) ([]*models.Report, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, query, parameters, content, created_at, metadata, rating, rating_comment, based_on_report_ids
		FROM research_reports ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageTransient, "list recent reports", err)
	}
	defer rows.Close()

	var reports []*models.Report
	for rows.Next() {
		var rep models.Report
		var createdAt string
		var metadata, basedOn sql.NullString
		var rating sql.NullInt64
		var ratingComment sql.NullString

		if err := rows.Scan(&rep.ID, &rep.Query, &rep.Parameters, &rep.Content, &createdAt, &metadata, &rating, &ratingComment, &basedOn); err != nil {
			return nil, errs.Wrap(errs.KindStorageTransient, "scan recent report", err)
		}
		rep.CreatedAt = parseTime(createdAt)
		rep.RatingComment = ratingComment.String
		if rating.Valid {
			v := int(rating.Int64)
			rep.Rating = &v
		}
		if metadata.Valid && metadata.String != "" {
			_ = unmarshalJSON(metadata.String, &rep.Metadata)
		}
		if basedOn.Valid && basedOn.String != "" {
			_ = unmarshalJSON(basedOn.String, &rep.BasedOnReportIDs)
		}
		reports = append(reports, &rep)
	}
	return reports, rows.Err()
}

// AddFeedback records a rating and optional comment. Out-of-range
// ratings are rejected by the caller (internal/knowledgebase) before
// this is reached; this layer only persists.
func (r *SQLiteReportRepository) AddFeedback(ctx context.Context, reportID string, rating int, comment string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE research_reports SET rating = ?, rating_comment = ? WHERE id = ?
	`, rating, nullString(comment), reportID)
	if err != nil {
		return errs.Wrap(errs.KindStorageTransient, "add report feedback", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindStorageTransient, "add report feedback rows affected", err)
	}
	if n == 0 {
		return errs.NotFoundf("report %s not found", reportID)
	}
	return nil
}

// SearchHybrid fuses FTS5 bm25() full-text ranking with vector cosine
// similarity at fixed weights. BM25 scores from SQLite are negative
// (lower magnitude is better); they are normalized to [0,1] before
// fusing against vector similarity which is already in [0,1].
func (r *SQLiteReportRepository) SearchHybrid(ctx context.Context, queryText string, queryEmbedding []float32, k int) ([]models.SearchHit, error) {
	if k <= 0 {
		k = 10
	}
	ftsQuery := sanitizeFTSQuery(queryText)

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		WITH fts AS (
			SELECT d.id, d.title, snippet(doc_index_fts, 2, '', '', '...', 12) AS snip,
			       bm25(doc_index_fts) AS raw_bm25
			FROM doc_index_fts
			JOIN doc_index d ON d.rowid = doc_index_fts.rowid
			WHERE doc_index_fts MATCH ?
			ORDER BY raw_bm25
			LIMIT 50
		),
		vec AS (
			SELECT d.id, 1.0 - vector_distance_cos(d.embedding, %s) AS sim
			FROM vector_top_k('libsql_vector_idx_docs', %s, 50) AS v
			JOIN doc_index d ON d.rowid = v.id
		)
		SELECT fts.id, fts.title, fts.snip,
		       COALESCE(fts.raw_bm25, 0.0) AS bm25_raw,
		       COALESCE(vec.sim, 0.0) AS vector_sim
		FROM fts
		LEFT JOIN vec ON vec.id = fts.id
		UNION
		SELECT vec.id, d.title, substr(d.content, 1, 240), 0.0, vec.sim
		FROM vec
		JOIN doc_index d ON d.id = vec.id
		WHERE vec.id NOT IN (SELECT id FROM fts)
	`, vectorLiteral(queryEmbedding), vectorLiteral(queryEmbedding)), ftsQuery)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageTransient, "search hybrid", err)
	}
	defer rows.Close()

	var hits []models.SearchHit
	var minBM25, maxBM25 float64
	first := true
	for rows.Next() {
		var h models.SearchHit
		var bm25Raw float64
		if err := rows.Scan(&h.ReportID, &h.Title, &h.Snippet, &bm25Raw, &h.VectorSim); err != nil {
			return nil, errs.Wrap(errs.KindStorageTransient, "scan hybrid hit", err)
		}
		h.BM25Score = bm25Raw
		if first || bm25Raw < minBM25 {
			minBM25 = bm25Raw
		}
		if first || bm25Raw > maxBM25 {
			maxBM25 = bm25Raw
		}
		first = false
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorageTransient, "iterate hybrid hits", err)
	}

	for i := range hits {
		hits[i].Score = bm25Weight*normalizeBM25(hits[i].BM25Score, minBM25, maxBM25) + vectorWeight*hits[i].VectorSim
	}
	sortHitsByScoreDesc(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// normalizeBM25 maps SQLite's bm25() output (0 or more negative, lower
// is a better match) onto [0,1] where 1 is the best match in this
// result set.
func normalizeBM25(raw, min, max float64) float64 {
	if max == min {
		if raw == 0 {
			return 0
		}
		return 1
	}
	// raw is most negative for the best match, so invert the ratio.
	return (max - raw) / (max - min)
}

func sortHitsByScoreDesc(hits []models.SearchHit) {
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Score > hits[j-1].Score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}

// sanitizeFTSQuery guards against FTS5 query-syntax errors from raw
// user text by quoting each term, turning the input into an implicit
// AND of phrase matches rather than a MATCH-syntax expression.
func sanitizeFTSQuery(q string) string {
	fields := strings.Fields(q)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " ")
}

// vectorLiteral renders an embedding as a libsql vector32() literal
// usable directly in SQL text. Embeddings never come from untrusted
// input at the SQL-construction boundary (they are produced by the
// provider gateway's embedding calls), so formatting into the query
// string rather than binding as a parameter is safe here and is the
// form libsql's vector functions expect for table-valued function
// arguments.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteString("vector32('[")
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteString("]')")
	return b.String()
}

func approxTokenCount(s string) int {
	return len(strings.Fields(s))
}

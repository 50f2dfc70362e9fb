// Package knowledgebase implements the Knowledge Base: the durable store
// of past research reports and the hybrid BM25+vector search over them,
// plus writing new reports and their doc-index projection.
package knowledgebase

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/deepresearch/orchestrator/internal/errs"
	"github.com/deepresearch/orchestrator/internal/gateway"
	"github.com/deepresearch/orchestrator/internal/models"
	"github.com/deepresearch/orchestrator/internal/repository"
)

// Embedder computes an embedding vector for a text. Satisfied by
// gateway.Gateway.Embed, narrowed for testability.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

var _ Embedder = (*gateway.Gateway)(nil)

// KnowledgeBase wraps the Report/DocIndex repository layer with
// embedding orchestration and the past-report similarity floor used by
// FindSimilarPastReport.
type KnowledgeBase struct {
	repo     repository.ReportRepository
	embedder Embedder

	pastReportSimFloor float64
}

// Config tunes a KnowledgeBase.
type Config struct {
	PastReportSimFloor float64
}

// New constructs a KnowledgeBase.
func New(cfg Config, repo repository.ReportRepository, embedder Embedder) *KnowledgeBase {
	return &KnowledgeBase{repo: repo, embedder: embedder, pastReportSimFloor: cfg.PastReportSimFloor}
}

// SaveReport embeds the report's content and persists both the report
// row and its doc_index projection in one transaction.
func (kb *KnowledgeBase) SaveReport(ctx context.Context, report *models.Report) error {
	if report.ID == "" {
		report.ID = ulid.Make().String()
	}
	embeddings, err := kb.embedder.Embed(ctx, []string{report.Content})
	if err != nil {
		return errs.Wrap(errs.KindProviderUnavail, "embed report content", err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return errs.New(errs.KindProviderPermanent, "embedder returned no vector for report")
	}
	return kb.repo.SaveReport(ctx, report, embeddings[0])
}

// FindSimilarPastReport returns the closest prior report whose
// similarity to query clears the configured floor. Returns ok=false if
// nothing clears the floor.
func (kb *KnowledgeBase) FindSimilarPastReport(ctx context.Context, query string) (*models.SearchHit, bool, error) {
	hits, err := kb.FindPastReports(ctx, query, 1, kb.pastReportSimFloor)
	if err != nil {
		return nil, false, err
	}
	if len(hits) == 0 {
		return nil, false, nil
	}
	return &hits[0], true, nil
}

// FindPastReports vector-searches for up to k prior reports with
// similarity >= minSim, used as advisory planning context.
func (kb *KnowledgeBase) FindPastReports(ctx context.Context, query string, k int, minSim float64) ([]models.SearchHit, error) {
	embeddings, err := kb.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, errs.Wrap(errs.KindProviderUnavail, "embed query", err)
	}
	if len(embeddings) == 0 {
		return nil, errs.New(errs.KindProviderPermanent, "embedder returned no vector for query")
	}
	return kb.repo.FindBySimilarity(ctx, embeddings[0], k, minSim)
}

// Search runs the hybrid BM25+vector search over the knowledge base for
// a free-text query.
func (kb *KnowledgeBase) Search(ctx context.Context, queryText string, k int) ([]models.SearchHit, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, errs.Validationf("search query must not be empty")
	}
	if k <= 0 {
		k = 10
	}

	embeddings, err := kb.embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, errs.Wrap(errs.KindProviderUnavail, "embed search query", err)
	}
	if len(embeddings) == 0 {
		return nil, errs.New(errs.KindProviderPermanent, "embedder returned no vector for search query")
	}

	hits, err := kb.repo.SearchHybrid(ctx, queryText, embeddings[0], k)
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// GetReport fetches a single report by id.
func (kb *KnowledgeBase) GetReport(ctx context.Context, id string) (*models.Report, error) {
	return kb.repo.GetByID(ctx, id)
}

// ListRecent returns the most recently created reports.
func (kb *KnowledgeBase) ListRecent(ctx context.Context, limit int) ([]*models.Report, error) {
	if limit <= 0 {
		limit = 20
	}
	return kb.repo.ListRecent(ctx, limit)
}

// RateReport records user feedback on a report. Ratings are validated, never clamped, so a caller
// error surfaces instead of silently rewriting intent.
func (kb *KnowledgeBase) RateReport(ctx context.Context, reportID string, rating int, comment string) error {
	if rating < 1 || rating > 5 {
		return errs.Validationf("rating must be between 1 and 5, got %d", rating)
	}
	return kb.repo.AddFeedback(ctx, reportID, rating, comment)
}

// FormatCitations renders a set of search hits as a numbered citation
// block suitable for appending to synthesis context.
func FormatCitations(hits []models.SearchHit) string {
	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "[%d] %s (report %s, score %.3f)\n%s\n\n", i+1, h.Title, h.ReportID, h.Score, h.Snippet)
	}
	return b.String()
}

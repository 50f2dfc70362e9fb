package repository

import (
	"context"
	"testing"
	"time"

	"github.com/deepresearch/orchestrator/internal/models"
	"github.com/oklog/ulid/v2"
)

func newTestReport(query string) *models.Report {
	return &models.Report{
		ID:               ulid.Make().String(),
		Query:            query,
		Parameters:       `{"query":"` + query + `"}`,
		Content:          "synthesized findings about " + query,
		CreatedAt:        time.Now().UTC(),
		Metadata:         `{"durationMs":1000}`,
		BasedOnReportIDs: nil,
	}
}

func TestReportRepository_SaveAndGetByID(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	report := newTestReport("quantum computing")
	if err := repos.Report.SaveReport(ctx, report, embeddingFixture(0.9)); err != nil {
		t.Fatalf("SaveReport() error = %v", err)
	}

	got, err := repos.Report.GetByID(ctx, report.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetByID() returned nil for a report that was just saved")
	}
	if got.Query != report.Query {
		t.Errorf("Query = %s, want %s", got.Query, report.Query)
	}
	if got.Content != report.Content {
		t.Errorf("Content = %s, want %s", got.Content, report.Content)
	}
	if got.Rating != nil {
		t.Errorf("Rating = %v, want nil before feedback", got.Rating)
	}
}

func TestReportRepository_GetByID_NotFound(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	got, err := repos.Report.GetByID(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent report")
	}
}

func TestReportRepository_AddFeedback(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	report := newTestReport("fusion reactors")
	if err := repos.Report.SaveReport(ctx, report, embeddingFixture(0.4)); err != nil {
		t.Fatalf("SaveReport() error = %v", err)
	}

	if err := repos.Report.AddFeedback(ctx, report.ID, 4, "mostly useful"); err != nil {
		t.Fatalf("AddFeedback() error = %v", err)
	}

	got, err := repos.Report.GetByID(ctx, report.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Rating == nil || *got.Rating != 4 {
		t.Errorf("Rating = %v, want 4", got.Rating)
	}
	if got.RatingComment != "mostly useful" {
		t.Errorf("RatingComment = %s, want %q", got.RatingComment, "mostly useful")
	}
}

func TestReportRepository_AddFeedback_NotFound(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	err := repos.Report.AddFeedback(ctx, "nonexistent", 5, "")
	if err == nil {
		t.Fatal("AddFeedback() on a nonexistent report should error")
	}
}

func TestReportRepository_ListRecent(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r := newTestReport("topic")
		r.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := repos.Report.SaveReport(ctx, r, embeddingFixture(float32(i))); err != nil {
			t.Fatalf("SaveReport() error = %v", err)
		}
	}

	reports, err := repos.Report.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("ListRecent() returned %d reports, want 2", len(reports))
	}
}

func TestReportRepository_FindBySimilarity(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	report := newTestReport("neural networks")
	embedding := embeddingFixture(0.95)
	if err := repos.Report.SaveReport(ctx, report, embedding); err != nil {
		t.Fatalf("SaveReport() error = %v", err)
	}

	hits, err := repos.Report.FindBySimilarity(ctx, embedding, 5, 0.5)
	if err != nil {
		t.Fatalf("FindBySimilarity() error = %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("FindBySimilarity() returned no hits for an exact embedding match")
	}
	if hits[0].ReportID != report.ID {
		t.Errorf("top hit ReportID = %s, want %s", hits[0].ReportID, report.ID)
	}
	if hits[0].VectorSim < 0.99 {
		t.Errorf("top hit VectorSim = %f, want close to 1.0 for an identical embedding", hits[0].VectorSim)
	}
}

func TestReportRepository_SearchHybrid(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	report := newTestReport("deep research orchestration")
	embedding := embeddingFixture(0.7)
	if err := repos.Report.SaveReport(ctx, report, embedding); err != nil {
		t.Fatalf("SaveReport() error = %v", err)
	}

	hits, err := repos.Report.SearchHybrid(ctx, "deep research orchestration", embedding, 10)
	if err != nil {
		t.Fatalf("SearchHybrid() error = %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("SearchHybrid() returned no hits for a report matching both the text and the embedding")
	}
	found := false
	for _, h := range hits {
		if h.ReportID == report.ID {
			found = true
			if h.Score <= 0 {
				t.Errorf("hit Score = %f, want > 0", h.Score)
			}
		}
	}
	if !found {
		t.Errorf("SearchHybrid() did not return the saved report among hits: %v", hits)
	}
}

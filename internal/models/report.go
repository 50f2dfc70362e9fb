package models

import "time"

// Report is an immutable (except for rating) synthesized research report.
type Report struct {
	ID               string
	Query            string
	Parameters       string // canonical JSON of the research params that produced this report
	Content          string
	CreatedAt        time.Time
	Metadata         string // JSON: duration, iteration count, sub-query count, attachment summaries
	Rating           *int
	RatingComment    string
	BasedOnReportIDs []string
}

// DocIndexEntry is a searchable projection of a Report (or other source)
// into the hybrid BM25+vector index. Every
// Report produces at least one DocIndexEntry; orphan entries are forbidden.
type DocIndexEntry struct {
	ID         string
	SourceType string // "report"
	SourceID   string // Report.ID
	Title      string
	Content    string
	Embedding  []float32
	Tokens     int
}

// CacheEntry is a semantic-cache row.
type CacheEntry struct {
	Key            string
	QueryEmbedding []float32
	Value          string // serialized final-report text
	InsertedAt     time.Time
	TTL            time.Duration
}

// Expired reports whether the entry's TTL has elapsed as of now.
func (c *CacheEntry) Expired(now time.Time) bool {
	if c.TTL <= 0 {
		return false
	}
	return now.After(c.InsertedAt.Add(c.TTL))
}

// SearchHit is one ranked result from SearchHybrid, carrying both the
// fused score and its BM25/vector components for callers that want to
// explain ranking.
type SearchHit struct {
	ReportID   string
	Title      string
	Snippet    string
	Score      float64
	BM25Score  float64
	VectorSim  float64
}

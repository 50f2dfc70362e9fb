// Package schema normalizes the untyped tool-call argument maps into
// typed parameter structs, filling defaults and rejecting missing
// required fields or out-of-range enums.
package schema

import (
	"strings"

	"github.com/deepresearch/orchestrator/internal/errs"
)

// CostPreference and enums used across tool params.
const (
	CostHigh = "high"
	CostLow  = "low"

	AudienceBeginner     = "beginner"
	AudienceIntermediate = "intermediate"
	AudienceExpert       = "expert"

	OutputReport       = "report"
	OutputBriefing     = "briefing"
	OutputBulletPoints = "bullet_points"

	SearchScopeBoth    = "both"
	SearchScopeReports = "reports"
	SearchScopeDocs    = "docs"

	ReportModeFull      = "full"
	ReportModeSummary   = "summary"
	ReportModeTruncate  = "truncate"

	JobFormatSummary = "summary"
	JobFormatFull    = "full"
	JobFormatEvents  = "events"
)

// ImageRef is a submitted image attachment.
type ImageRef struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// TextDocument is a submitted inline text attachment.
type TextDocument struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// StructuredData is a submitted CSV/JSON attachment.
type StructuredData struct {
	Name    string `json:"name"`
	Type    string `json:"type"` // csv | json
	Content string `json:"content"`
}

// ResearchParams is the typed form of submit_research's arguments. JSON
// tags match the tool surface's raw argument keys exactly, so a
// ResearchParams marshaled into a job's Params column round-trips
// through NormalizeResearchParams unchanged when a worker reloads it.
type ResearchParams struct {
	Query          string           `json:"query"`
	CostPreference string           `json:"costPreference"`
	AudienceLevel  string           `json:"audienceLevel"`
	OutputFormat   string           `json:"outputFormat"`
	IncludeSources bool             `json:"includeSources"`
	MaxLength      int              `json:"maxLength,omitempty"`
	Images         []ImageRef       `json:"images,omitempty"`
	TextDocuments  []TextDocument   `json:"textDocuments,omitempty"`
	StructuredData []StructuredData `json:"structuredData,omitempty"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
	ForceNew       bool             `json:"forceNew,omitempty"`
}

// defaultMaxInlineAttachmentBytes is the default cap used when the caller
// does not supply one explicitly via NormalizeResearchParamsWithCap;
// oversized attachments are a ValidationError here — spillover to
// object storage happens one layer up, in the transport adapter, before
// normalization ever sees the raw bytes.
const defaultMaxInlineAttachmentBytes = 256 * 1024

// NormalizeResearchParams validates and fills defaults for raw
// submit_research arguments.
func NormalizeResearchParams(raw map[string]any) (*ResearchParams, error) {
	return NormalizeResearchParamsWithCap(raw, defaultMaxInlineAttachmentBytes)
}

// NormalizeResearchParamsWithCap is NormalizeResearchParams with an
// explicit inline-attachment size cap. The HTTP adapter and the worker
// both call NormalizeResearchParams, so they get the default cap.
func NormalizeResearchParamsWithCap(raw map[string]any, maxInlineBytes int) (*ResearchParams, error) {
	query, _ := raw["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, errs.Validationf("query is required")
	}

	p := &ResearchParams{
		Query:          query,
		CostPreference: stringDefault(raw, "costPreference", CostLow),
		AudienceLevel:  stringDefault(raw, "audienceLevel", AudienceIntermediate),
		OutputFormat:   stringDefault(raw, "outputFormat", OutputReport),
		IncludeSources: boolDefault(raw, "includeSources", true),
		MaxLength:      intDefault(raw, "maxLength", 0),
		IdempotencyKey: stringDefault(raw, "idempotencyKey", ""),
		ForceNew:       boolDefault(raw, "forceNew", false),
	}

	if p.CostPreference != CostHigh && p.CostPreference != CostLow {
		return nil, errs.Validationf("costPreference must be %q or %q, got %q", CostHigh, CostLow, p.CostPreference)
	}
	if p.AudienceLevel != AudienceBeginner && p.AudienceLevel != AudienceIntermediate && p.AudienceLevel != AudienceExpert {
		return nil, errs.Validationf("audienceLevel must be beginner, intermediate, or expert, got %q", p.AudienceLevel)
	}
	if p.OutputFormat != OutputReport && p.OutputFormat != OutputBriefing && p.OutputFormat != OutputBulletPoints {
		return nil, errs.Validationf("outputFormat must be report, briefing, or bullet_points, got %q", p.OutputFormat)
	}

	if images, ok := raw["images"].([]any); ok {
		for _, item := range images {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			url, _ := m["url"].(string)
			if url == "" {
				return nil, errs.Validationf("image entries require a url")
			}
			detail, _ := m["detail"].(string)
			p.Images = append(p.Images, ImageRef{URL: url, Detail: detail})
		}
	}

	if docs, ok := raw["textDocuments"].([]any); ok {
		for _, item := range docs {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["name"].(string)
			content, _ := m["content"].(string)
			if name == "" || content == "" {
				return nil, errs.Validationf("textDocument entries require name and content")
			}
			if len(content) > maxInlineBytes {
				return nil, errs.Validationf("textDocument %q exceeds inline attachment cap of %d bytes", name, maxInlineBytes)
			}
			p.TextDocuments = append(p.TextDocuments, TextDocument{Name: name, Content: content})
		}
	}

	if sds, ok := raw["structuredData"].([]any); ok {
		for _, item := range sds {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["name"].(string)
			dataType, _ := m["type"].(string)
			content, _ := m["content"].(string)
			if name == "" || content == "" {
				return nil, errs.Validationf("structuredData entries require name and content")
			}
			if dataType != "csv" && dataType != "json" {
				return nil, errs.Validationf("structuredData type must be csv or json, got %q", dataType)
			}
			if len(content) > maxInlineBytes {
				return nil, errs.Validationf("structuredData %q exceeds inline attachment cap of %d bytes", name, maxInlineBytes)
			}
			p.StructuredData = append(p.StructuredData, StructuredData{Name: name, Type: dataType, Content: content})
		}
	}

	if p.IdempotencyKey != "" && !idempotencyKeyCharset(p.IdempotencyKey) {
		return nil, errs.Validationf("idempotencyKey must match [A-Za-z0-9_-]{1,64}")
	}

	return p, nil
}

// JobStatusParams is the typed form of job_status's arguments.
type JobStatusParams struct {
	JobID     string
	Format    string
	MaxEvents int
	SinceSeq  int64
}

// NormalizeJobStatusParams validates job_status arguments.
func NormalizeJobStatusParams(raw map[string]any) (*JobStatusParams, error) {
	jobID, _ := raw["jobId"].(string)
	if jobID == "" {
		return nil, errs.Validationf("jobId is required")
	}
	format := stringDefault(raw, "format", JobFormatSummary)
	if format != JobFormatSummary && format != JobFormatFull && format != JobFormatEvents {
		return nil, errs.Validationf("format must be summary, full, or events, got %q", format)
	}
	return &JobStatusParams{
		JobID:     jobID,
		Format:    format,
		MaxEvents: intDefault(raw, "maxEvents", 50),
		SinceSeq:  int64(intDefault(raw, "sinceSeq", 0)),
	}, nil
}

// SearchParams is the typed form of search's arguments.
type SearchParams struct {
	Query string
	Limit int
	Scope string
}

// NormalizeSearchParams validates search arguments.
func NormalizeSearchParams(raw map[string]any) (*SearchParams, error) {
	query, _ := raw["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, errs.Validationf("query is required")
	}
	scope := stringDefault(raw, "scope", SearchScopeBoth)
	if scope != SearchScopeBoth && scope != SearchScopeReports && scope != SearchScopeDocs {
		return nil, errs.Validationf("scope must be both, reports, or docs, got %q", scope)
	}
	return &SearchParams{
		Query: query,
		Limit: intDefault(raw, "limit", 10),
		Scope: scope,
	}, nil
}

// RateReportParams is the typed form of rate_report's arguments.
type RateReportParams struct {
	ReportID string
	Rating   int
	Comment  string
}

// NormalizeRateReportParams validates rate_report arguments.
func NormalizeRateReportParams(raw map[string]any) (*RateReportParams, error) {
	reportID, _ := raw["reportId"].(string)
	if reportID == "" {
		return nil, errs.Validationf("reportId is required")
	}
	ratingF, ok := raw["rating"].(float64)
	if !ok {
		return nil, errs.Validationf("rating is required")
	}
	rating := int(ratingF)
	if rating < 1 || rating > 5 {
		return nil, errs.Validationf("rating must be between 1 and 5, got %d", rating)
	}
	comment, _ := raw["comment"].(string)
	return &RateReportParams{ReportID: reportID, Rating: rating, Comment: comment}, nil
}

func stringDefault(raw map[string]any, key, def string) string {
	if v, ok := raw[key].(string); ok && v != "" {
		return v
	}
	return def
}

func boolDefault(raw map[string]any, key string, def bool) bool {
	if v, ok := raw[key].(bool); ok {
		return v
	}
	return def
}

func intDefault(raw map[string]any, key string, def int) int {
	switch v := raw[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func idempotencyKeyCharset(s string) bool {
	if len(s) == 0 || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return false
		}
	}
	return true
}

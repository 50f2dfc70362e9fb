// Package httpapi is the streamable-HTTP sketch of the tool-call surface:
// submit_research, job_status, cancel_job, search, and rate_report, plus
// an SSE endpoint that replays and then live-tails a job's event log.
// The tool-call protocol itself (JSON-RPC over stdio, MCP framing, ...)
// is an external adapter; this package only carries the HTTP rendition,
// built on chi routing, huma for request validation and OpenAPI
// generation, and cors + httprate middleware.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/deepresearch/orchestrator/internal/errs"
	"github.com/deepresearch/orchestrator/internal/jobmanager"
	"github.com/deepresearch/orchestrator/internal/knowledgebase"
	"github.com/deepresearch/orchestrator/internal/models"
	"github.com/deepresearch/orchestrator/internal/progresstoken"
	"github.com/deepresearch/orchestrator/internal/schema"
	"github.com/deepresearch/orchestrator/internal/storage"
	"github.com/deepresearch/orchestrator/internal/webhook"
)

// Config tunes the HTTP surface.
type Config struct {
	BaseURL         string
	CORSOrigins     []string
	SubmitRateLimit int // requests per minute per IP
}

// Server wires the Job Manager and Knowledge Base behind the public
// tool-call-shaped HTTP surface.
type Server struct {
	jm     *jobmanager.Manager
	kb     *knowledgebase.KnowledgeBase
	tokens *progresstoken.Issuer
	store  *storage.Store
	hooks  *webhook.Deliverer
	logger *slog.Logger
	cfg    Config
}

// New constructs a Server.
func New(jm *jobmanager.Manager, kb *knowledgebase.KnowledgeBase, tokens *progresstoken.Issuer, store *storage.Store, hooks *webhook.Deliverer, logger *slog.Logger, cfg Config) *Server {
	if cfg.SubmitRateLimit <= 0 {
		cfg.SubmitRateLimit = 20
	}
	return &Server{jm: jm, kb: kb, tokens: tokens, store: store, hooks: hooks, logger: logger, cfg: cfg}
}

// Handler builds the full chi router with every tool-call route mounted.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestSize(4 * 1024 * 1024))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	humaConfig := huma.DefaultConfig("Deep Research Orchestrator", "1.0.0")
	humaConfig.Info.Description = "Tool-call surface for the deep-research orchestration server."
	humaConfig.Servers = []*huma.Server{{URL: s.cfg.BaseURL, Description: "API server"}}
	api := humachi.New(router, humaConfig)

	huma.Get(api, "/healthz", s.health)

	router.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.cfg.SubmitRateLimit, time.Minute))
		limited := humachi.New(r, humaConfig)
		huma.Post(limited, "/api/v1/research", s.submitResearch)
	})

	huma.Get(api, "/api/v1/jobs/{jobId}", s.jobStatus)
	huma.Post(api, "/api/v1/jobs/{jobId}/cancel", s.cancelJob)
	huma.Get(api, "/api/v1/search", s.search)
	huma.Post(api, "/api/v1/reports/{reportId}/rating", s.rateReport)

	sse.Register(api, huma.Operation{
		OperationID: "stream-job",
		Method:      http.MethodGet,
		Path:        "/api/v1/jobs/{jobId}/stream",
		Summary:     "Replay and live-tail a job's event log",
	}, map[string]any{
		string(models.EventProgress):       ProgressEvent{},
		string(models.EventAgentProgress):  AgentProgressEvent{},
		string(models.EventSynthesisChunk): SynthesisChunkEvent{},
		string(models.EventCacheHit):       CacheHitEvent{},
		string(models.EventJobComplete):    JobTerminalEvent{},
		string(models.EventJobError):       JobTerminalEvent{},
		string(models.EventJobCancelled):   JobTerminalEvent{},
		"phase":                            PhaseEvent{},
	}, s.streamJob)

	return router
}

func (s *Server) health(ctx context.Context, _ *struct{}) (*healthOutput, error) {
	return &healthOutput{Body: healthBody{Status: "ok"}}, nil
}

type healthBody struct {
	Status string `json:"status"`
}
type healthOutput struct {
	Body healthBody
}

// --- submit_research ---

type submitResearchInput struct {
	Body map[string]any
}

type submitResearchBody struct {
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
	SSEURL   string `json:"sseUrl"`
	Token    string `json:"progressToken"`
	Reused   bool   `json:"reused,omitempty"`
}

type submitResearchOutput struct {
	Body submitResearchBody
}

func (s *Server) submitResearch(ctx context.Context, input *submitResearchInput) (*submitResearchOutput, error) {
	raw := input.Body

	// Spill oversized inline attachments to object storage before the
	// normalizer ever sees them, leaving only a content-addressed key.
	if s.store != nil && s.store.IsEnabled() {
		spillAttachments(ctx, s.store, raw)
	}

	params, err := schema.NormalizeResearchParams(raw)
	if err != nil {
		return nil, toHumaError(err)
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, huma.Error500InternalServerError("encode normalized params", err)
	}

	result, err := s.jm.Submit(ctx, models.JobTypeResearch, string(paramsJSON), params.IdempotencyKey, params.ForceNew)
	if err != nil {
		return nil, toHumaError(err)
	}

	if url, ok := raw["webhookUrl"].(string); ok && url != "" && s.hooks != nil {
		go s.watchForWebhook(result.JobID, url)
	}

	token, err := s.tokens.Issue(result.JobID)
	if err != nil {
		return nil, huma.Error500InternalServerError("issue progress token", err)
	}

	return &submitResearchOutput{Body: submitResearchBody{
		JobID:  result.JobID,
		Status: string(result.Status),
		SSEURL: "/api/v1/jobs/" + result.JobID + "/stream",
		Token:  token,
		Reused: result.AlreadyExisted,
	}}, nil
}

// watchForWebhook subscribes to a job's terminal events and delivers a
// webhook on completion or failure, independent of the in-process SSE
// subscription a caller may also be holding.
func (s *Server) watchForWebhook(jobID, url string) {
	ctx := context.Background()
	ch := s.jm.Subscribe(ctx, jobID)
	for ev := range ch {
		switch ev.Type {
		case models.EventJobComplete, models.EventJobError, models.EventJobCancelled:
			var payload map[string]any
			_ = json.Unmarshal([]byte(ev.Payload), &payload)
			if err := s.hooks.Deliver(ctx, url, ev.Type, payload); err != nil {
				s.logger.Warn("webhook delivery failed", "jobId", jobID, "error", err)
			}
			return
		}
	}
}

// --- job_status ---

type jobStatusInput struct {
	JobID     string `path:"jobId"`
	Format    string `query:"format"`
	MaxEvents int    `query:"maxEvents"`
	SinceSeq  int64  `query:"sinceSeq"`
}

type jobStatusBody struct {
	JobID     string            `json:"jobId"`
	Status    string            `json:"status"`
	Progress  int               `json:"progress"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Error     json.RawMessage   `json:"error,omitempty"`
	Events    []jobEventPayload `json:"events,omitempty"`
}

type jobEventPayload struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	TS      time.Time       `json:"ts"`
}

type jobStatusOutput struct {
	Body jobStatusBody
}

func (s *Server) jobStatus(ctx context.Context, input *jobStatusInput) (*jobStatusOutput, error) {
	params, err := schema.NormalizeJobStatusParams(map[string]any{
		"jobId":     input.JobID,
		"format":    input.Format,
		"maxEvents": input.MaxEvents,
		"sinceSeq":  input.SinceSeq,
	})
	if err != nil {
		return nil, toHumaError(err)
	}

	job, err := s.jm.Get(ctx, params.JobID)
	if err != nil {
		return nil, toHumaError(err)
	}

	body := jobStatusBody{JobID: job.ID, Status: string(job.Status), Progress: job.Progress}
	if job.Result != "" {
		body.Result = json.RawMessage(job.Result)
	}
	if job.Error != "" {
		body.Error = json.RawMessage(job.Error)
	}

	if params.Format == schema.JobFormatFull || params.Format == schema.JobFormatEvents {
		events, err := s.jm.Events(ctx, params.JobID, params.SinceSeq, params.MaxEvents)
		if err != nil {
			return nil, toHumaError(err)
		}
		for _, e := range events {
			body.Events = append(body.Events, jobEventPayload{Seq: e.Seq, Type: e.Type, Payload: json.RawMessage(e.Payload), TS: e.TS})
		}
	}

	return &jobStatusOutput{Body: body}, nil
}

// --- cancel_job ---

type cancelJobInput struct {
	JobID string `path:"jobId"`
}
type cancelJobBody struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}
type cancelJobOutput struct {
	Body cancelJobBody
}

func (s *Server) cancelJob(ctx context.Context, input *cancelJobInput) (*cancelJobOutput, error) {
	if _, err := s.jm.Cancel(ctx, input.JobID); err != nil {
		return nil, toHumaError(err)
	}
	job, err := s.jm.Get(ctx, input.JobID)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &cancelJobOutput{Body: cancelJobBody{JobID: input.JobID, Status: string(job.Status)}}, nil
}

// --- search ---

type searchInput struct {
	Query string `query:"query"`
	Limit int    `query:"limit"`
	Scope string `query:"scope"`
}
type searchHitBody struct {
	ReportID string  `json:"reportId"`
	Title    string  `json:"title"`
	Snippet  string  `json:"snippet"`
	Score    float64 `json:"score"`
}
type searchOutput struct {
	Body struct {
		Hits []searchHitBody `json:"hits"`
	}
}

func (s *Server) search(ctx context.Context, input *searchInput) (*searchOutput, error) {
	params, err := schema.NormalizeSearchParams(map[string]any{
		"query": input.Query,
		"limit": input.Limit,
		"scope": input.Scope,
	})
	if err != nil {
		return nil, toHumaError(err)
	}

	hits, err := s.kb.Search(ctx, params.Query, params.Limit)
	if err != nil {
		return nil, toHumaError(err)
	}

	out := &searchOutput{}
	for _, h := range hits {
		out.Body.Hits = append(out.Body.Hits, searchHitBody{ReportID: h.ReportID, Title: h.Title, Snippet: h.Snippet, Score: h.Score})
	}
	return out, nil
}

// --- rate_report ---

type rateReportInput struct {
	ReportID string `path:"reportId"`
	Body     struct {
		Rating  int    `json:"rating"`
		Comment string `json:"comment,omitempty"`
	}
}
type rateReportOutput struct {
	Body struct {
		OK bool `json:"ok"`
	}
}

func (s *Server) rateReport(ctx context.Context, input *rateReportInput) (*rateReportOutput, error) {
	params, err := schema.NormalizeRateReportParams(map[string]any{
		"reportId": input.ReportID,
		"rating":   float64(input.Body.Rating),
		"comment":  input.Body.Comment,
	})
	if err != nil {
		return nil, toHumaError(err)
	}
	if err := s.kb.RateReport(ctx, params.ReportID, params.Rating, params.Comment); err != nil {
		return nil, toHumaError(err)
	}
	out := &rateReportOutput{}
	out.Body.OK = true
	return out, nil
}

// --- SSE stream ---

// ProgressEvent mirrors an EventProgress payload.
type ProgressEvent struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// AgentProgressEvent mirrors an EventAgentProgress payload.
type AgentProgressEvent struct {
	AgentID string `json:"agentId"`
	OK      bool   `json:"ok"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
}

// SynthesisChunkEvent mirrors an EventSynthesisChunk payload.
type SynthesisChunkEvent struct {
	Content         string `json:"content"`
	TokensGenerated int    `json:"tokensGenerated"`
}

// CacheHitEvent mirrors an EventCacheHit payload.
type CacheHitEvent struct {
	ReportID   string  `json:"reportId"`
	Similarity float64 `json:"similarity,omitempty"`
}

// JobTerminalEvent mirrors a job_complete/job_error/job_cancelled payload.
type JobTerminalEvent struct {
	ReportID      string `json:"reportId,omitempty"`
	DurationMs    int64  `json:"durationMs,omitempty"`
	Message       string `json:"message,omitempty"`
	PartialResult bool   `json:"partialResult,omitempty"`
}

// PhaseEvent mirrors a phase_started:<phase>/phase_complete:<phase> payload.
type PhaseEvent struct {
	Phase string `json:"phase"`
}

type streamJobInput struct {
	JobID         string `path:"jobId"`
	Token         string `query:"token"`
	SinceSeq      int64  `query:"sinceSeq"`
}

func (s *Server) streamJob(ctx context.Context, input *streamJobInput, send sse.Sender) {
	tokenJobID, err := s.tokens.Verify(input.Token)
	if err != nil {
		send.Data(JobTerminalEvent{Message: "invalid progress token"})
		return
	}
	if tokenJobID != input.JobID {
		send.Data(JobTerminalEvent{Message: "progress token does not authorize this job"})
		return
	}

	// Replay the durable log first so a reconnecting client never misses
	// an event that happened while it was disconnected.
	backlog, err := s.jm.Events(ctx, input.JobID, input.SinceSeq, 1000)
	if err == nil {
		for _, e := range backlog {
			s.emitReplayed(send, e)
		}
	}

	sub := s.jm.Subscribe(ctx, input.JobID)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.emitReplayed(send, ev)
			switch ev.Type {
			case models.EventJobComplete, models.EventJobError, models.EventJobCancelled:
				return
			}
		}
	}
}

func (s *Server) emitReplayed(send sse.Sender, ev *models.JobEvent) {
	var raw map[string]any
	_ = json.Unmarshal([]byte(ev.Payload), &raw)

	switch ev.Type {
	case models.EventProgress:
		send.Data(ProgressEvent{Percent: asInt(raw["percent"]), Message: asString(raw["message"])})
	case models.EventAgentProgress:
		send.Data(AgentProgressEvent{AgentID: asString(raw["agentId"]), OK: asBool(raw["ok"]), Current: asInt(raw["current"]), Total: asInt(raw["total"])})
	case models.EventSynthesisChunk:
		send.Data(SynthesisChunkEvent{Content: asString(raw["content"]), TokensGenerated: asInt(raw["tokensGenerated"])})
	case models.EventCacheHit:
		send.Data(CacheHitEvent{ReportID: asString(raw["reportId"]), Similarity: asFloat(raw["similarity"])})
	case models.EventJobComplete, models.EventJobError, models.EventJobCancelled:
		send.Data(JobTerminalEvent{ReportID: asString(raw["reportId"]), DurationMs: int64(asInt(raw["durationMs"])), PartialResult: asBool(raw["partialResult"])})
	default:
		send.Data(PhaseEvent{Phase: asString(raw["phase"])})
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func toHumaError(err error) error {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return huma.Error422UnprocessableEntity(err.Error())
	case errs.KindNotFound:
		return huma.Error404NotFound(err.Error())
	case errs.KindCancelled:
		return huma.Error409Conflict(err.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}

func spillAttachments(ctx context.Context, store *storage.Store, raw map[string]any) {
	spillList := func(key, nameField, contentField string) {
		items, ok := raw[key].([]any)
		if !ok {
			return
		}
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			content, _ := m[contentField].(string)
			if len(content) <= 256*1024 {
				continue
			}
			name, _ := m[nameField].(string)
			objectKey, err := store.Put(ctx, name, []byte(content))
			if err != nil {
				continue // falls through to the normalizer's inline cap, which will reject it
			}
			m[contentField] = "s3://" + objectKey
		}
	}
	spillList("textDocuments", "name", "content")
	spillList("structuredData", "name", "content")
}

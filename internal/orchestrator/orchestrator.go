// Package orchestrator composes the Planning -> Research -> Synthesis
// pipeline, emitting phase/progress events through the Job Manager and
// reading/writing the Knowledge Base and Semantic Cache.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/deepresearch/orchestrator/internal/agents"
	"github.com/deepresearch/orchestrator/internal/cache"
	"github.com/deepresearch/orchestrator/internal/errs"
	"github.com/deepresearch/orchestrator/internal/gateway"
	"github.com/deepresearch/orchestrator/internal/jobmanager"
	"github.com/deepresearch/orchestrator/internal/knowledgebase"
	"github.com/deepresearch/orchestrator/internal/models"
	"github.com/deepresearch/orchestrator/internal/schema"
)

// Config tunes the orchestrator's iteration and similarity knobs.
type Config struct {
	MaxIterations      int
	CacheSimThreshold  float64
	PastReportTopK     int
	PastReportSimFloor float64
}

// Orchestrator is the Research Orchestrator.
type Orchestrator struct {
	jm          *jobmanager.Manager
	kb          *knowledgebase.KnowledgeBase
	cache       *cache.Cache
	gw          *gateway.Gateway
	planner     *agents.PlanningAgent
	researcher  *agents.ResearchAgent
	synthesizer *agents.SynthesisAgent
	cfg         Config
}

// New constructs an Orchestrator.
func New(jm *jobmanager.Manager, kb *knowledgebase.KnowledgeBase, c *cache.Cache, gw *gateway.Gateway, planner *agents.PlanningAgent, researcher *agents.ResearchAgent, synthesizer *agents.SynthesisAgent, cfg Config) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 2
	}
	if cfg.CacheSimThreshold <= 0 {
		cfg.CacheSimThreshold = 0.85
	}
	if cfg.PastReportTopK <= 0 {
		cfg.PastReportTopK = 3
	}
	if cfg.PastReportSimFloor <= 0 {
		cfg.PastReportSimFloor = 0.70
	}
	return &Orchestrator{jm: jm, kb: kb, cache: c, gw: gw, planner: planner, researcher: researcher, synthesizer: synthesizer, cfg: cfg}
}

// cachedReport is the JSON shape stored as a CacheEntry's Value: it
// carries the report id alongside its content so a cache_hit event can
// report reportId without a KB round trip.
type cachedReport struct {
	ReportID string `json:"reportId"`
	Content  string `json:"content"`
}

// Run executes the full pipeline for one job and returns the resulting
// report id. Events and progress for jobID are written through the Job
// Manager (o.jm.Emit / o.jm.Progress).
func (o *Orchestrator) Run(ctx context.Context, jobID string, params *schema.ResearchParams) (string, error) {
	start := time.Now()

	fingerprint := fingerprintResearchParams(params)

	if entry, ok := o.cache.GetExact(ctx, fingerprint); ok {
		var cached cachedReport
		if err := json.Unmarshal([]byte(entry.Value), &cached); err == nil && cached.ReportID != "" {
			o.jm.Emit(ctx, jobID, models.EventCacheHit, map[string]any{"reportId": cached.ReportID})
			return cached.ReportID, nil
		}
	}

	queryEmbedding, err := o.gw.Embed(ctx, []string{params.Query})
	if err == nil && len(queryEmbedding) > 0 {
		if entry, sim, ok := o.cache.FindNearest(ctx, queryEmbedding[0]); ok && sim >= o.cfg.CacheSimThreshold {
			var cached cachedReport
			if err := json.Unmarshal([]byte(entry.Value), &cached); err == nil && cached.ReportID != "" {
				o.jm.Emit(ctx, jobID, models.EventCacheHit, map[string]any{"reportId": cached.ReportID, "similarity": sim})
				return cached.ReportID, nil
			}
		}
	}

	if err := o.checkCancelled(ctx, jobID); err != nil {
		return "", err
	}

	pastHits, err := o.kb.FindPastReports(ctx, params.Query, o.cfg.PastReportTopK, o.cfg.PastReportSimFloor)
	if err != nil {
		pastHits = nil // advisory only; a KB error here must not fail the job
	}
	var pastContext []agents.PastReportContext
	var basedOnIDs []string
	for _, h := range pastHits {
		pastContext = append(pastContext, agents.PastReportContext{ReportID: h.ReportID, Title: h.Title, Summary: h.Snippet})
		basedOnIDs = append(basedOnIDs, h.ReportID)
	}

	attachments := attachmentsFromParams(params)

	var ensemble []models.AgentResult
	subQueryCount := 0
	var stopReason string
	iterationsRun := 0

	for iteration := 1; iteration <= o.cfg.MaxIterations; iteration++ {
		if err := o.checkCancelled(ctx, jobID); err != nil {
			return "", err
		}

		o.emitPhase(ctx, jobID, models.EventPhaseStarted, models.PhasePlanning, map[string]any{"iteration": iteration})

		plan, err := o.planner.Plan(ctx, params.Query, iteration, ensemble, pastContext)
		if err != nil {
			if iteration == 1 {
				return "", errs.Wrap(errs.KindPlanParse, "planning failed on first iteration", err)
			}
			stopReason = "plan_parse_error"
			o.emitPhase(ctx, jobID, models.EventPhaseComplete, models.PhasePlanning, map[string]any{"reason": stopReason})
			break
		}

		if len(plan.SubQueries) == 0 {
			if iteration == 1 {
				return "", errs.New(errs.KindPlanParse, "planner produced an empty plan on the first iteration")
			}
			stopReason = "empty_plan"
			o.emitPhase(ctx, jobID, models.EventPhaseComplete, models.PhasePlanning, map[string]any{"reason": stopReason})
			break
		}

		o.emitPhase(ctx, jobID, models.EventPhaseComplete, models.PhasePlanning, map[string]any{"reason": "planned", "subQueryCount": len(plan.SubQueries)})

		if err := o.checkCancelled(ctx, jobID); err != nil {
			return "", err
		}

		o.emitPhase(ctx, jobID, models.EventPhaseStarted, models.PhaseResearching, map[string]any{"iteration": iteration})

		iterationEnsemble := o.researcher.Run(ctx, iteration, plan.SubQueries, attachments, params.CostPreference, func(agentID string, ok bool, current, total int) {
			o.jm.Emit(ctx, jobID, models.EventAgentProgress, map[string]any{"agentId": agentID, "ok": ok, "current": current, "total": total})
			percent := progressForResearch(iteration, o.cfg.MaxIterations, current, total)
			o.jm.Progress(ctx, jobID, percent, fmt.Sprintf("researching (%d/%d)", current, total))
		})

		subQueryCount += len(iterationEnsemble.Results)
		iterationsRun = iteration
		ensemble = append(ensemble, iterationEnsemble.Results...)

		o.emitPhase(ctx, jobID, models.EventPhaseComplete, models.PhaseResearching, map[string]any{"iteration": iteration})

		if plan.Terminal {
			stopReason = "terminal_marker"
			break
		}
		if iteration == o.cfg.MaxIterations {
			stopReason = "max_iterations"
		}
	}

	successCount := 0
	for _, r := range ensemble {
		if r.Error == "" {
			successCount++
		}
	}
	if successCount == 0 {
		return "", errs.New(errs.KindNoResults, "all sub-queries failed across every iteration")
	}

	if err := o.checkCancelled(ctx, jobID); err != nil {
		return "", err
	}

	o.emitPhase(ctx, jobID, models.EventPhaseStarted, models.PhaseSynthesizing, nil)

	directives := agents.Directives{
		AudienceLevel:  params.AudienceLevel,
		OutputFormat:   params.OutputFormat,
		IncludeSources: params.IncludeSources,
		MaxLength:      params.MaxLength,
	}

	content, err := o.synthesizer.Synthesize(ctx, params.Query, ensemble, directives, func(delta string, tokens int) {
		o.jm.Emit(ctx, jobID, models.EventSynthesisChunk, map[string]any{"content": delta, "tokensGenerated": tokens})
	})
	if err != nil {
		return "", err
	}

	o.emitPhase(ctx, jobID, models.EventPhaseComplete, models.PhaseSynthesizing, nil)

	reportID := ulid.Make().String()
	duration := time.Since(start)
	meta, _ := json.Marshal(map[string]any{
		"durationMs":    duration.Milliseconds(),
		"iterationCount": iterationsRun,
		"subQueryCount": subQueryCount,
		"stopReason":    stopReason,
	})

	paramsJSON, _ := json.Marshal(params)

	report := &models.Report{
		ID:               reportID,
		Query:            params.Query,
		Parameters:       string(paramsJSON),
		Content:          content,
		CreatedAt:        time.Now().UTC(),
		Metadata:         string(meta),
		BasedOnReportIDs: basedOnIDs,
	}

	if err := o.kb.SaveReport(ctx, report); err != nil {
		return "", err
	}

	if len(queryEmbedding) == 0 {
		if emb, embErr := o.gw.Embed(ctx, []string{params.Query}); embErr == nil {
			queryEmbedding = emb
		}
	}
	if len(queryEmbedding) > 0 {
		cachedValue, _ := json.Marshal(cachedReport{ReportID: reportID, Content: content})
		o.cache.Put(ctx, fingerprint, queryEmbedding[0], string(cachedValue), 24*time.Hour)
	}

	o.jm.Emit(ctx, jobID, models.EventJobComplete, map[string]any{"reportId": reportID, "durationMs": duration.Milliseconds()})

	return reportID, nil
}

// emitPhase emits a phase_started:<phase> or phase_complete:<phase>
// event, merging phase into the payload for convenience.
func (o *Orchestrator) emitPhase(ctx context.Context, jobID, eventKind, phase string, extra map[string]any) {
	payload := map[string]any{"phase": phase}
	for k, v := range extra {
		payload[k] = v
	}
	o.jm.Emit(ctx, jobID, eventKind+":"+phase, payload)
}

func (o *Orchestrator) checkCancelled(ctx context.Context, jobID string) error {
	if ctx.Err() != nil {
		return errs.Wrap(errs.KindCancelled, "context cancelled", ctx.Err())
	}
	job, err := o.jm.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.CancelRequested {
		return errs.New(errs.KindCancelled, "cancellation requested")
	}
	return nil
}

func progressForResearch(iteration, maxIterations, current, total int) int {
	if total == 0 {
		return 0
	}
	iterationShare := 80 / maxIterations
	base := 10 + (iteration-1)*iterationShare
	within := int(float64(current) / float64(total) * float64(iterationShare))
	return base + within
}

func attachmentsFromParams(params *schema.ResearchParams) []agents.Attachment {
	var out []agents.Attachment
	for _, img := range params.Images {
		out = append(out, agents.Attachment{Kind: "image", Name: img.URL, Content: img.URL, Detail: img.Detail})
	}
	for _, doc := range params.TextDocuments {
		out = append(out, agents.Attachment{Kind: "text", Name: doc.Name, Content: doc.Content})
	}
	for _, sd := range params.StructuredData {
		out = append(out, agents.Attachment{Kind: "structured", Name: sd.Name, Content: sd.Content})
	}
	return out
}

// fingerprintResearchParams hashes the normalized research parameters
// relevant to result reuse: query text, cost/audience/format/sources
// flags, and content hashes of any attachments.
// Non-deterministic fields (idempotencyKey, forceNew) are excluded.
func fingerprintResearchParams(p *schema.ResearchParams) string {
	h := sha256.New()
	fmt.Fprintf(h, "query:%s\n", p.Query)
	fmt.Fprintf(h, "cost:%s\n", p.CostPreference)
	fmt.Fprintf(h, "audience:%s\n", p.AudienceLevel)
	fmt.Fprintf(h, "format:%s\n", p.OutputFormat)
	fmt.Fprintf(h, "sources:%t\n", p.IncludeSources)
	fmt.Fprintf(h, "maxlen:%d\n", p.MaxLength)

	names := make([]string, 0, len(p.Images)+len(p.TextDocuments)+len(p.StructuredData))
	contentHash := func(label, key, content string) {
		c := sha256.Sum256([]byte(content))
		names = append(names, fmt.Sprintf("%s:%s:%s", label, key, hex.EncodeToString(c[:8])))
	}
	for _, img := range p.Images {
		contentHash("image", img.URL, img.URL+img.Detail)
	}
	for _, doc := range p.TextDocuments {
		contentHash("doc", doc.Name, doc.Content)
	}
	for _, sd := range p.StructuredData {
		contentHash("sd", sd.Name, sd.Content)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(h, "attach:%s\n", n)
	}

	return hex.EncodeToString(h.Sum(nil))
}

package agents

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/deepresearch/orchestrator/internal/executor"
	"github.com/deepresearch/orchestrator/internal/gateway"
	"github.com/deepresearch/orchestrator/internal/models"
)

// ResearchAgent runs sub-queries in parallel under the Bounded Executor.
type ResearchAgent struct {
	gw  *gateway.Gateway
	exe *executor.Executor
}

// NewResearchAgent constructs a ResearchAgent.
func NewResearchAgent(gw *gateway.Gateway, exe *executor.Executor) *ResearchAgent {
	return &ResearchAgent{gw: gw, exe: exe}
}

// Attachment is a document or image available to sub-queries whose role
// accepts it (images only to vision-capable roles).
type Attachment struct {
	Kind    string // "image", "text", "structured"
	Name    string
	Content string // text content, or image URL when Kind == "image"
	Detail  string // image detail hint, only meaningful for Kind == "image"
}

// OnAgentProgress is called once per sub-query (success or failure),
// for emitting agent_progress events. Run invokes it after the whole
// batch has finished, in sub-query order.
type OnAgentProgress func(agentID string, ok bool, current, total int)

// Run executes every SubQuery in plan, attaching any attachments whose
// role accepts them, and returns the full Ensemble. Per-sub-query
// failures are captured as AgentResult.Error, never aborting the batch.
// costPreference (schema.CostLow/schema.CostHigh) selects which tier in
// the research role's fallback list is tried first; a SubQuery.Model
// hint from the planner replaces the model name on every tier tried for
// that one call, leaving the tier order unchanged.
func (r *ResearchAgent) Run(ctx context.Context, iteration int, subQueries []models.SubQuery, attachments []Attachment, costPreference string, onProgress OnAgentProgress) models.Ensemble {
	tasks := make([]executor.Task, len(subQueries))
	total := len(subQueries)

	for i, sq := range subQueries {
		sq := sq
		tasks[i] = func(taskCtx context.Context) (any, error) {
			return r.runOne(taskCtx, sq, attachments, costPreference)
		}
	}

	results, _ := r.exe.RunAll(ctx, tasks)

	ensemble := models.Ensemble{Iteration: iteration, Results: make([]models.AgentResult, len(results))}
	for i, res := range results {
		var ar models.AgentResult
		if res.Err != nil {
			ar = models.AgentResult{AgentID: subQueries[i].AgentID, Query: subQueries[i].Query, Error: res.Err.Error()}
		} else {
			ar = res.Value.(models.AgentResult)
		}
		ensemble.Results[i] = ar
		if onProgress != nil {
			onProgress(ar.AgentID, ar.Error == "", i+1, total)
		}
	}
	return ensemble
}

func (r *ResearchAgent) runOne(ctx context.Context, sq models.SubQuery, attachments []Attachment, costPreference string) (models.AgentResult, error) {
	messages := []gateway.Message{
		{Role: "system", Content: researchSystemPrompt(sq.Role)},
		{Role: "user", Content: buildResearchMessage(sq, attachments)},
	}

	result, err := r.gw.Complete(ctx, gateway.ChatRequest{
		Role:           gateway.RoleResearch,
		Messages:       messages,
		Temperature:    0.3,
		MaxTokens:      2048,
		CostPreference: costPreference,
		ModelOverride:  sq.Model,
	})
	if err != nil {
		return models.AgentResult{}, fmt.Errorf("sub-query %s: %w", sq.AgentID, err)
	}

	return models.AgentResult{
		AgentID: sq.AgentID,
		Query:   sq.Query,
		Model:   result.Model,
		Result:  result.Content,
		Sources: extractCitations(result.Content),
	}, nil
}

func researchSystemPrompt(role string) string {
	base := "You are a research sub-agent. Answer the assigned question directly and cite sources inline as [Source: URL] wherever you draw on a specific reference."
	switch role {
	case "technical":
		return base + " Favor technical precision and primary sources."
	case "critique":
		return base + " Specifically look for counterarguments, caveats, and contradicting evidence."
	default:
		return base
	}
}

func buildResearchMessage(sq models.SubQuery, attachments []Attachment) string {
	var b strings.Builder
	b.WriteString(sq.Query)
	for _, a := range attachments {
		if a.Kind == "image" {
			continue // attached separately as vision content by the caller's message builder
		}
		fmt.Fprintf(&b, "\n\n--- attachment: %s ---\n%s", a.Name, a.Content)
	}
	return b.String()
}

var citationPattern = regexp.MustCompile(`\[Source:\s*([^\]]+)\]`)

// extractCitations pulls every distinct [Source: URL] marker out of
// text, preserving first-seen order.
func extractCitations(text string) []string {
	matches := citationPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		url := strings.TrimSpace(m[1])
		if !seen[url] {
			seen[url] = true
			out = append(out, url)
		}
	}
	return out
}

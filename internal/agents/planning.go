// Package agents implements the Planning, Research, and Synthesis
// agents as plain values and pure-ish functions over the Provider
// Gateway, rather than stateful agent classes.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deepresearch/orchestrator/internal/errs"
	"github.com/deepresearch/orchestrator/internal/gateway"
	"github.com/deepresearch/orchestrator/internal/models"
)

// PlanningAgent turns a query plus context into a structured sub-query
// plan.
type PlanningAgent struct {
	gw *gateway.Gateway
}

// NewPlanningAgent constructs a PlanningAgent.
func NewPlanningAgent(gw *gateway.Gateway) *PlanningAgent {
	return &PlanningAgent{gw: gw}
}

// PastReportContext is an advisory summary attached to planning input.
type PastReportContext struct {
	ReportID string
	Title    string
	Summary  string
}

// planPayload is the structured-output shape requested from the model.
type planPayload struct {
	SubQueries []struct {
		AgentID string `json:"agentId"`
		Query   string `json:"query"`
		Role    string `json:"role"`
		Model   string `json:"model,omitempty"`
	} `json:"subQueries"`
	Terminal bool `json:"terminal"`
}

// Plan asks the planner for one iteration's sub-query list. previous
// carries the prior iteration's AgentResults, if any; iteration is
// 1-indexed for prompting only. Parse failure triggers exactly one
// retry with a stricter prompt before becoming fatal for the iteration.
func (p *PlanningAgent) Plan(ctx context.Context, query string, iteration int, previous []models.AgentResult, pastReports []PastReportContext) (*models.Plan, error) {
	prompt := buildPlanningPrompt(query, iteration, previous, pastReports, false)

	payload, err := p.requestPlan(ctx, prompt)
	if err != nil {
		retryPrompt := buildPlanningPrompt(query, iteration, previous, pastReports, true)
		payload, err = p.requestPlan(ctx, retryPrompt)
		if err != nil {
			return nil, errs.Wrap(errs.KindPlanParse, "planner output did not parse after retry", err)
		}
	}

	plan := &models.Plan{Terminal: payload.Terminal}
	for _, sq := range payload.SubQueries {
		if sq.AgentID == "" || sq.Query == "" {
			continue
		}
		plan.SubQueries = append(plan.SubQueries, models.SubQuery{
			AgentID: sq.AgentID,
			Query:   sq.Query,
			Role:    sq.Role,
			Model:   sq.Model,
		})
	}
	return plan, nil
}

func (p *PlanningAgent) requestPlan(ctx context.Context, prompt string) (*planPayload, error) {
	result, err := p.gw.Complete(ctx, gateway.ChatRequest{
		Role: gateway.RolePlanning,
		Messages: []gateway.Message{
			{Role: "system", Content: planningSystemPrompt},
			{Role: "user", Content: prompt},
		},
		JSONMode:    true,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, err
	}

	var payload planPayload
	if err := json.Unmarshal([]byte(extractJSON(result.Content)), &payload); err != nil {
		return nil, errs.Wrap(errs.KindPlanParse, "invalid planner JSON", err)
	}
	return &payload, nil
}

const planningSystemPrompt = `You are the planning stage of a research pipeline. Given a query and any prior research results, produce a JSON object:
{"subQueries": [{"agentId": "a1", "query": "...", "role": "general|technical|critique", "model": "optional hint"}], "terminal": false}
Set "terminal": true when no further sub-queries would add coverage. Respond with JSON only, no prose.`

func buildPlanningPrompt(query string, iteration int, previous []models.AgentResult, pastReports []PastReportContext, strict bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query: %s\nIteration: %d\n", query, iteration)

	if len(pastReports) > 0 {
		b.WriteString("\nPast reports that may be relevant (advisory only, do not treat as authoritative):\n")
		for _, r := range pastReports {
			fmt.Fprintf(&b, "- %s: %s\n", r.Title, r.Summary)
		}
	}

	if len(previous) > 0 {
		b.WriteString("\nPrior iteration results:\n")
		for _, r := range previous {
			if r.Error != "" {
				fmt.Fprintf(&b, "- [%s] %s -> ERROR: %s\n", r.AgentID, r.Query, r.Error)
				continue
			}
			fmt.Fprintf(&b, "- [%s] %s -> %s\n", r.AgentID, r.Query, truncateForPrompt(r.Result, 500))
		}
	}

	if strict {
		b.WriteString("\nYour previous response failed to parse as JSON. Respond with ONLY a single valid JSON object matching the schema, no markdown fences, no commentary.\n")
	}

	return b.String()
}

func truncateForPrompt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// extractJSON strips markdown code fences a model may add despite
// JSONMode being requested, returning the inner object text.
func extractJSON(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	return trimmed
}

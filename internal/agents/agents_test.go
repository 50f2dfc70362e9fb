package agents

import (
	"context"
	"testing"
	"time"

	"github.com/deepresearch/orchestrator/internal/executor"
	"github.com/deepresearch/orchestrator/internal/gateway"
	"github.com/deepresearch/orchestrator/internal/models"
)

// scriptedProvider is a gateway.Provider stand-in whose Complete/Stream
// responses are supplied by the test, letting each agent test drive a
// specific model response without a real LLM call.
type scriptedProvider struct {
	completeFn func(ctx context.Context, model string, req gateway.ChatRequest) (*gateway.ChatResult, error)
	streamFn   func(ctx context.Context, model string, req gateway.ChatRequest) (<-chan gateway.StreamChunk, error)
}

func (s *scriptedProvider) Complete(ctx context.Context, model string, req gateway.ChatRequest) (*gateway.ChatResult, error) {
	return s.completeFn(ctx, model, req)
}

func (s *scriptedProvider) Stream(ctx context.Context, model string, req gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	return s.streamFn(ctx, model, req)
}

func (s *scriptedProvider) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	return [][]float32{{0.1}}, nil
}

func gatewayWithProvider(role gateway.Role, p gateway.Provider) *gateway.Gateway {
	return gateway.New(gateway.Config{
		Tiers: map[gateway.Role][]gateway.Tier{role: {{Name: "tier-a", Provider: p, Model: "model-a"}}},
		Retry: gateway.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
}

func TestPlanningAgent_Plan_ParsesValidJSON(t *testing.T) {
	provider := &scriptedProvider{completeFn: func(ctx context.Context, model string, req gateway.ChatRequest) (*gateway.ChatResult, error) {
		return &gateway.ChatResult{Content: `{"subQueries":[{"agentId":"a1","query":"sub one","role":"general"}],"terminal":false}`}, nil
	}}
	agent := NewPlanningAgent(gatewayWithProvider(gateway.RolePlanning, provider))

	plan, err := agent.Plan(context.Background(), "original query", 1, nil, nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(plan.SubQueries) != 1 || plan.SubQueries[0].AgentID != "a1" {
		t.Errorf("SubQueries = %+v", plan.SubQueries)
	}
	if plan.Terminal {
		t.Error("Terminal = true, want false")
	}
}

func TestPlanningAgent_Plan_StripsMarkdownFence(t *testing.T) {
	provider := &scriptedProvider{completeFn: func(ctx context.Context, model string, req gateway.ChatRequest) (*gateway.ChatResult, error) {
		return &gateway.ChatResult{Content: "```json\n{\"subQueries\":[{\"agentId\":\"a1\",\"query\":\"q\"}],\"terminal\":true}\n```"}, nil
	}}
	agent := NewPlanningAgent(gatewayWithProvider(gateway.RolePlanning, provider))

	plan, err := agent.Plan(context.Background(), "q", 1, nil, nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if !plan.Terminal {
		t.Error("Terminal = false, want true")
	}
}

func TestPlanningAgent_Plan_RetriesOnceThenFails(t *testing.T) {
	calls := 0
	provider := &scriptedProvider{completeFn: func(ctx context.Context, model string, req gateway.ChatRequest) (*gateway.ChatResult, error) {
		calls++
		return &gateway.ChatResult{Content: "not json"}, nil
	}}
	agent := NewPlanningAgent(gatewayWithProvider(gateway.RolePlanning, provider))

	_, err := agent.Plan(context.Background(), "q", 1, nil, nil)
	if err == nil {
		t.Fatal("Plan() should fail when the model never returns parseable JSON")
	}
	if calls != 2 {
		t.Errorf("Complete() called %d times, want exactly 2 (original + one retry)", calls)
	}
}

func TestPlanningAgent_Plan_SkipsIncompleteSubQueries(t *testing.T) {
	provider := &scriptedProvider{completeFn: func(ctx context.Context, model string, req gateway.ChatRequest) (*gateway.ChatResult, error) {
		return &gateway.ChatResult{Content: `{"subQueries":[{"agentId":"","query":"missing id"},{"agentId":"a2","query":"ok"}]}`}, nil
	}}
	agent := NewPlanningAgent(gatewayWithProvider(gateway.RolePlanning, provider))

	plan, err := agent.Plan(context.Background(), "q", 1, nil, nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(plan.SubQueries) != 1 || plan.SubQueries[0].AgentID != "a2" {
		t.Errorf("SubQueries = %+v, want only the complete entry", plan.SubQueries)
	}
}

func TestResearchAgent_Run_CollectsAllResultsAndCitations(t *testing.T) {
	provider := &scriptedProvider{completeFn: func(ctx context.Context, model string, req gateway.ChatRequest) (*gateway.ChatResult, error) {
		return &gateway.ChatResult{Model: "model-a", Content: "finding text [Source: https://a.example] and more [Source: https://a.example]"}, nil
	}}
	exe := executor.New(executor.Config{MaxConcurrency: 2, MinConcurrency: 2})
	agent := NewResearchAgent(gatewayWithProvider(gateway.RoleResearch, provider), exe)

	subQueries := []models.SubQuery{
		{AgentID: "a1", Query: "q1", Role: "general"},
		{AgentID: "a2", Query: "q2", Role: "technical"},
	}

	var progressCalls int
	ensemble := agent.Run(context.Background(), 1, subQueries, nil, "", func(agentID string, ok bool, current, total int) {
		progressCalls++
		if !ok {
			t.Errorf("onProgress reported failure for %s", agentID)
		}
	})

	if len(ensemble.Results) != 2 {
		t.Fatalf("len(Results) = %d, want 2", len(ensemble.Results))
	}
	if progressCalls != 2 {
		t.Errorf("onProgress called %d times, want 2", progressCalls)
	}
	for _, r := range ensemble.Results {
		if len(r.Sources) != 1 || r.Sources[0] != "https://a.example" {
			t.Errorf("Sources = %v, want deduplicated [https://a.example]", r.Sources)
		}
	}
}

func TestResearchAgent_Run_ThreadsCostPreferenceAndModelOverride(t *testing.T) {
	var gotCostPreference, gotModelOverride string
	provider := &scriptedProvider{completeFn: func(ctx context.Context, model string, req gateway.ChatRequest) (*gateway.ChatResult, error) {
		gotCostPreference = req.CostPreference
		gotModelOverride = req.ModelOverride
		return &gateway.ChatResult{Content: "ok"}, nil
	}}
	exe := executor.New(executor.Config{MaxConcurrency: 1, MinConcurrency: 1})
	agent := NewResearchAgent(gatewayWithProvider(gateway.RoleResearch, provider), exe)

	subQueries := []models.SubQuery{{AgentID: "a1", Query: "q1", Model: "planner-picked-model"}}
	agent.Run(context.Background(), 1, subQueries, nil, "high", nil)

	if gotCostPreference != "high" {
		t.Errorf("CostPreference reaching the gateway = %q, want %q", gotCostPreference, "high")
	}
	if gotModelOverride != "planner-picked-model" {
		t.Errorf("ModelOverride reaching the gateway = %q, want %q", gotModelOverride, "planner-picked-model")
	}
}

func TestResearchAgent_Run_PerSubQueryFailureCaptured(t *testing.T) {
	provider := &scriptedProvider{completeFn: func(ctx context.Context, model string, req gateway.ChatRequest) (*gateway.ChatResult, error) {
		return nil, context.DeadlineExceeded
	}}
	exe := executor.New(executor.Config{MaxConcurrency: 1, MinConcurrency: 1})
	agent := NewResearchAgent(gatewayWithProvider(gateway.RoleResearch, provider), exe)

	ensemble := agent.Run(context.Background(), 1, []models.SubQuery{{AgentID: "a1", Query: "q1"}}, nil, "", nil)
	if len(ensemble.Results) != 1 {
		t.Fatalf("len(Results) = %d, want 1", len(ensemble.Results))
	}
	if ensemble.Results[0].Error == "" {
		t.Error("Error left empty for a failed sub-query")
	}
}

func TestSynthesisAgent_Synthesize_StreamsAndDedupesCitations(t *testing.T) {
	provider := &scriptedProvider{streamFn: func(ctx context.Context, model string, req gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
		ch := make(chan gateway.StreamChunk, 4)
		ch <- gateway.StreamChunk{TextDelta: "Finding one "}
		ch <- gateway.StreamChunk{TextDelta: "[Source: https://x.example] "}
		ch <- gateway.StreamChunk{TextDelta: "repeated [Source: https://x.example]"}
		ch <- gateway.StreamChunk{Done: true}
		close(ch)
		return ch, nil
	}}
	agent := NewSynthesisAgent(gatewayWithProvider(gateway.RoleSynthesis, provider))

	var chunks int
	content, err := agent.Synthesize(context.Background(), "q", []models.AgentResult{{AgentID: "a1", Query: "q1", Result: "r1"}}, Directives{IncludeSources: true}, func(delta string, tokens int) {
		chunks++
	})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if chunks != 3 {
		t.Errorf("onChunk called %d times, want 3", chunks)
	}
	first := "https://x.example"
	count := 0
	idx := 0
	for {
		at := indexFrom(content, first, idx)
		if at < 0 {
			break
		}
		count++
		idx = at + 1
	}
	if count != 1 {
		t.Errorf("citation %q appears %d times in output, want 1 (deduplicated)", first, count)
	}
}

func indexFrom(s, substr string, from int) int {
	if from > len(s) {
		return -1
	}
	rel := -1
	for i := from; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			rel = i
			break
		}
	}
	return rel
}

func TestSynthesisAgent_Synthesize_EmptyStreamErrors(t *testing.T) {
	provider := &scriptedProvider{streamFn: func(ctx context.Context, model string, req gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
		ch := make(chan gateway.StreamChunk)
		close(ch)
		return ch, nil
	}}
	agent := NewSynthesisAgent(gatewayWithProvider(gateway.RoleSynthesis, provider))

	_, err := agent.Synthesize(context.Background(), "q", nil, Directives{}, nil)
	if err == nil {
		t.Error("Synthesize() should error when the stream yields no content")
	}
}

func TestExtractCitations_PreservesFirstSeenOrder(t *testing.T) {
	text := "a [Source: url2] b [Source: url1] c [Source: url2]"
	got := extractCitations(text)
	if len(got) != 2 || got[0] != "url2" || got[1] != "url1" {
		t.Errorf("extractCitations() = %v, want [url2 url1]", got)
	}
}

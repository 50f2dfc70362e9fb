package gateway

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepresearch/orchestrator/internal/errs"
)

// fakeProvider is a scriptable Provider stand-in: each method call
// consumes a canned response in order, so a test can drive a tier
// through a specific failure-then-success sequence.
type fakeProvider struct {
	completeResults []completeCall
	completeIdx     int32
	streamFn        func(ctx context.Context, model string, req ChatRequest) (<-chan StreamChunk, error)
	embedFn         func(ctx context.Context, model string, texts []string) ([][]float32, error)
}

type completeCall struct {
	result *ChatResult
	err    error
}

func (f *fakeProvider) Complete(ctx context.Context, model string, req ChatRequest) (*ChatResult, error) {
	idx := atomic.AddInt32(&f.completeIdx, 1) - 1
	if int(idx) >= len(f.completeResults) {
		idx = int32(len(f.completeResults) - 1)
	}
	c := f.completeResults[idx]
	return c.result, c.err
}

func (f *fakeProvider) Stream(ctx context.Context, model string, req ChatRequest) (<-chan StreamChunk, error) {
	if f.streamFn != nil {
		return f.streamFn(ctx, model, req)
	}
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if f.embedFn != nil {
		return f.embedFn(ctx, model, texts)
	}
	return [][]float32{{0.1, 0.2}}, nil
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestGateway_Complete_SucceedsOnFirstTier(t *testing.T) {
	provider := &fakeProvider{completeResults: []completeCall{{result: &ChatResult{Content: "ok"}}}}
	gw := New(Config{
		Tiers: map[Role][]Tier{RolePlanning: {{Name: "tier-a", Provider: provider, Model: "m"}}},
		Retry: fastRetry(),
	})

	res, err := gw.Complete(context.Background(), ChatRequest{Role: RolePlanning})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.Content != "ok" {
		t.Errorf("Content = %s, want ok", res.Content)
	}
	if res.Tier != "tier-a" {
		t.Errorf("Tier = %s, want tier-a", res.Tier)
	}
}

func TestGateway_Complete_FallsForwardToNextTier(t *testing.T) {
	failing := &fakeProvider{completeResults: []completeCall{
		{err: errs.New(errs.KindProviderPermanent, "tier-a is down")},
	}}
	succeeding := &fakeProvider{completeResults: []completeCall{{result: &ChatResult{Content: "from-b"}}}}

	gw := New(Config{
		Tiers: map[Role][]Tier{RolePlanning: {
			{Name: "tier-a", Provider: failing, Model: "m1"},
			{Name: "tier-b", Provider: succeeding, Model: "m2"},
		}},
		Retry: fastRetry(),
	})

	res, err := gw.Complete(context.Background(), ChatRequest{Role: RolePlanning})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.Content != "from-b" {
		t.Errorf("Content = %s, want from-b", res.Content)
	}
}

func TestGateway_Complete_RetriesRetryableWithinTier(t *testing.T) {
	provider := &fakeProvider{completeResults: []completeCall{
		{err: errs.New(errs.KindTimeout, "slow")},
		{result: &ChatResult{Content: "recovered"}},
	}}
	gw := New(Config{
		Tiers: map[Role][]Tier{RolePlanning: {{Name: "tier-a", Provider: provider, Model: "m"}}},
		Retry: fastRetry(),
	})

	res, err := gw.Complete(context.Background(), ChatRequest{Role: RolePlanning})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.Content != "recovered" {
		t.Errorf("Content = %s, want recovered", res.Content)
	}
}

func TestGateway_Complete_AllTiersExhausted(t *testing.T) {
	provider := &fakeProvider{completeResults: []completeCall{
		{err: errs.New(errs.KindTimeout, "down")},
		{err: errs.New(errs.KindTimeout, "still down")},
	}}
	gw := New(Config{
		Tiers: map[Role][]Tier{RolePlanning: {{Name: "tier-a", Provider: provider, Model: "m"}}},
		Retry: fastRetry(),
	})

	_, err := gw.Complete(context.Background(), ChatRequest{Role: RolePlanning})
	if err == nil {
		t.Fatal("Complete() should error when every tier is exhausted")
	}
	if errs.KindOf(err) != errs.KindProviderUnavail {
		t.Errorf("KindOf(err) = %v, want %v", errs.KindOf(err), errs.KindProviderUnavail)
	}
}

func TestGateway_Complete_NoTiersConfigured(t *testing.T) {
	gw := New(Config{})
	_, err := gw.Complete(context.Background(), ChatRequest{Role: RolePlanning})
	if err == nil {
		t.Fatal("Complete() with no tiers configured should error")
	}
}

func TestGateway_Embed_UsesEmbeddingRole(t *testing.T) {
	provider := &fakeProvider{embedFn: func(ctx context.Context, model string, texts []string) ([][]float32, error) {
		return [][]float32{{1, 2, 3}}, nil
	}}
	gw := New(Config{
		Tiers: map[Role][]Tier{RoleEmbedding: {{Name: "embed-tier", Provider: provider, Model: "embed-model"}}},
		Retry: fastRetry(),
	})

	got, err := gw.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(got) != 1 || len(got[0]) != 3 {
		t.Errorf("Embed() = %v", got)
	}
}

func TestGateway_Embed_NoTierConfigured(t *testing.T) {
	gw := New(Config{})
	if _, err := gw.Embed(context.Background(), []string{"x"}); err == nil {
		t.Error("Embed() with no embedding tier should error")
	}
}

func TestGateway_Complete_CostPreferenceSelectsTierFirst(t *testing.T) {
	makeProvider := func(name string) *fakeProvider {
		return &fakeProvider{completeResults: []completeCall{{result: &ChatResult{Content: "from-" + name}}}}
	}
	low := makeProvider("low")
	high := makeProvider("high")
	gw := New(Config{
		Tiers: map[Role][]Tier{RoleResearch: {
			{Name: "low", Provider: low, Model: "low-model"},
			{Name: "high", Provider: high, Model: "high-model"},
		}},
		Retry: fastRetry(),
	})

	res, err := gw.Complete(context.Background(), ChatRequest{Role: RoleResearch, CostPreference: "high"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.Content != "from-high" {
		t.Errorf("Content = %s, want from-high when CostPreference is high", res.Content)
	}
	if res.Tier != "high" {
		t.Errorf("Tier = %s, want high", res.Tier)
	}
}

func TestGateway_Complete_NoCostPreferenceKeepsConfiguredOrder(t *testing.T) {
	first := &fakeProvider{completeResults: []completeCall{{result: &ChatResult{Content: "from-first"}}}}
	second := &fakeProvider{completeResults: []completeCall{{result: &ChatResult{Content: "from-second"}}}}
	gw := New(Config{
		Tiers: map[Role][]Tier{RoleResearch: {
			{Name: "low", Provider: first, Model: "low-model"},
			{Name: "high", Provider: second, Model: "high-model"},
		}},
		Retry: fastRetry(),
	})

	res, err := gw.Complete(context.Background(), ChatRequest{Role: RoleResearch})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.Content != "from-first" {
		t.Errorf("Content = %s, want from-first when no CostPreference is set", res.Content)
	}
}

func TestGateway_Complete_ModelOverrideReplacesTierModel(t *testing.T) {
	var calledModel string
	provider := &fakeProvider{completeResults: []completeCall{{result: &ChatResult{Content: "ok"}}}}
	gw := New(Config{
		Tiers: map[Role][]Tier{RoleResearch: {{Name: "low", Provider: &capturingProvider{inner: provider, captured: &calledModel}, Model: "low-model"}}},
		Retry: fastRetry(),
	})

	_, err := gw.Complete(context.Background(), ChatRequest{Role: RoleResearch, ModelOverride: "planner-picked-model"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if calledModel != "planner-picked-model" {
		t.Errorf("Complete() called provider with model %q, want the override", calledModel)
	}
}

// capturingProvider wraps another Provider and records the model string
// each Complete call was made with.
type capturingProvider struct {
	inner    Provider
	captured *string
}

func (c *capturingProvider) Complete(ctx context.Context, model string, req ChatRequest) (*ChatResult, error) {
	*c.captured = model
	return c.inner.Complete(ctx, model, req)
}

func (c *capturingProvider) Stream(ctx context.Context, model string, req ChatRequest) (<-chan StreamChunk, error) {
	return c.inner.Stream(ctx, model, req)
}

func (c *capturingProvider) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	return c.inner.Embed(ctx, model, texts)
}

func TestGateway_Stream_UsesFirstTierOnly(t *testing.T) {
	calledModel := ""
	provider := &fakeProvider{streamFn: func(ctx context.Context, model string, req ChatRequest) (<-chan StreamChunk, error) {
		calledModel = model
		ch := make(chan StreamChunk, 1)
		ch <- StreamChunk{TextDelta: "hi", Done: true}
		close(ch)
		return ch, nil
	}}
	gw := New(Config{
		Tiers: map[Role][]Tier{RoleSynthesis: {
			{Name: "tier-a", Provider: provider, Model: "primary"},
			{Name: "tier-b", Provider: provider, Model: "fallback"},
		}},
		Retry: fastRetry(),
	})

	ch, err := gw.Stream(context.Background(), ChatRequest{Role: RoleSynthesis})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	chunk := <-ch
	if chunk.TextDelta != "hi" {
		t.Errorf("TextDelta = %s, want hi", chunk.TextDelta)
	}
	if calledModel != "primary" {
		t.Errorf("Stream() used model %s, want the first tier's model", calledModel)
	}
}

// Package gateway implements the Provider Gateway: a uniform surface
// over external chat and embedding providers with tier lists per role,
// streaming token decode, retryable-failure backoff, and per-tier
// circuit breaking. It carries no business logic — it knows nothing of
// jobs, plans, or reports.
package gateway

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"

	"github.com/deepresearch/orchestrator/internal/errs"
)

// Role identifies which pipeline stage a call is made on behalf of,
// selecting which tier list to use.
type Role string

const (
	RolePlanning   Role = "planning"
	RoleResearch   Role = "research"
	RoleSynthesis  Role = "synthesis"
	RoleEmbedding  Role = "embedding"
)

// Message is one turn in a chat request.
type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
	Images  []ImageRef // vision content; only sent to vision-capable models
}

// ImageRef is an image attachment carried in a Message.
type ImageRef struct {
	URL    string
	Detail string
}

// ChatRequest is a single chat completion request.
type ChatRequest struct {
	Role        Role
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Seed        *int64 // deterministic seed pass-through when supplied
	JSONMode    bool

	// CostPreference reorders req.Role's tier list so the tier named by
	// this value (schema.CostLow/schema.CostHigh) is tried first, falling
	// back to the remaining tiers in their configured order. Empty means
	// use the configured order as-is.
	CostPreference string

	// ModelOverride, when non-empty, replaces the selected tier's Model
	// for this call — e.g. a planner-assigned per-sub-query model hint.
	ModelOverride string
}

// ChatResult is the outcome of a non-streaming chat call.
type ChatResult struct {
	Content      string
	Model        string
	Tier         string
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// StreamChunk is one incremental piece of a streaming chat response.
type StreamChunk struct {
	TextDelta     string
	ToolCallDelta string
	Done          bool
	Final         *ChatResult // set only on the terminal chunk
}

// Tier is one entry in a role's fallback list: a named model reachable
// through a Provider.
type Tier struct {
	Name     string
	Provider Provider
	Model    string
}

// Provider is a single backend (Anthropic, an OpenAI-compatible HTTP
// endpoint, ...). The gateway is provider-agnostic above this line.
type Provider interface {
	Complete(ctx context.Context, model string, req ChatRequest) (*ChatResult, error)
	Stream(ctx context.Context, model string, req ChatRequest) (<-chan StreamChunk, error)
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// RetryPolicy configures exponential backoff with jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Gateway is the Provider Gateway.
type Gateway struct {
	tiers    map[Role][]Tier
	breakers map[string]*gobreaker.CircuitBreaker
	retry    RetryPolicy
	timeout  time.Duration
}

// Config configures a Gateway.
type Config struct {
	Tiers       map[Role][]Tier
	Retry       RetryPolicy
	CallTimeout time.Duration
}

// New constructs a Gateway with one circuit breaker per tier name.
func New(cfg Config) *Gateway {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = 250 * time.Millisecond
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}

	g := &Gateway{
		tiers:    cfg.Tiers,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		retry:    cfg.Retry,
		timeout:  cfg.CallTimeout,
	}
	for _, tiers := range cfg.Tiers {
		for _, t := range tiers {
			if _, ok := g.breakers[t.Name]; ok {
				continue
			}
			g.breakers[t.Name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        t.Name,
				MaxRequests: 1,
				Interval:    30 * time.Second,
				Timeout:     15 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
				},
			})
		}
	}
	return g
}

// Complete runs a non-streaming chat call through the tier list for
// req.Role, falling forward to the next tier on non-retryable-at-tier
// exhaustion.
func (g *Gateway) Complete(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	tiers := reorderByCost(g.tiers[req.Role], req.CostPreference)
	if len(tiers) == 0 {
		return nil, errs.New(errs.KindInternal, "no tiers configured for role "+string(req.Role))
	}

	var lastErr error
	for _, tier := range tiers {
		result, err := g.callTierWithRetry(ctx, tier, req)
		if err == nil {
			result.Tier = tier.Name
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errs.IsRetryable(err) {
			// A non-retryable failure at one tier still tries the next
			// tier (different provider/model may not share the fault),
			// but does not retry within this tier again.
			continue
		}
	}
	return nil, errs.Wrap(errs.KindProviderUnavail, "all tiers exhausted", lastErr)
}

// Stream runs a streaming chat call against only the first tier for
// req.Role. The only streaming caller uses a single higher-capability
// model, not a fallback chain, so a mid-stream failure surfaces rather
// than silently restarting output.
func (g *Gateway) Stream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	tiers := g.tiers[req.Role]
	if len(tiers) == 0 {
		return nil, errs.New(errs.KindInternal, "no tiers configured for role "+string(req.Role))
	}
	tier := tiers[0]

	breaker := g.breakers[tier.Name]
	result, err := breaker.Execute(func() (any, error) {
		return tier.Provider.Stream(ctx, tier.Model, req)
	})
	if err != nil {
		return nil, classifyProviderError(err)
	}
	return result.(<-chan StreamChunk), nil
}

// Embed computes embeddings using the embedding role's first tier.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	tiers := g.tiers[RoleEmbedding]
	if len(tiers) == 0 {
		return nil, errs.New(errs.KindInternal, "no embedding tier configured")
	}
	tier := tiers[0]
	breaker := g.breakers[tier.Name]

	result, err := breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return tier.Provider.Embed(ctx, tier.Model, texts)
	})
	if err != nil {
		return nil, classifyProviderError(err)
	}
	return result.([][]float32), nil
}

func (g *Gateway) callTierWithRetry(ctx context.Context, tier Tier, req ChatRequest) (*ChatResult, error) {
	breaker := g.breakers[tier.Name]
	model := tier.Model
	if req.ModelOverride != "" {
		model = req.ModelOverride
	}

	var lastErr error
	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffWithJitter(attempt, g.retry.BaseDelay, g.retry.MaxDelay)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		result, err := breaker.Execute(func() (any, error) {
			return tier.Provider.Complete(callCtx, model, req)
		})
		cancel()

		if err == nil {
			return result.(*ChatResult), nil
		}
		lastErr = classifyProviderError(err)
		if !errs.IsRetryable(lastErr) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// reorderByCost moves the tier named preference to the front of tiers,
// preserving the relative order of the rest, so a caller's cost
// preference picks which tier is tried first without discarding the
// fallback chain. An empty preference or no matching tier name leaves
// the configured order untouched.
func reorderByCost(tiers []Tier, preference string) []Tier {
	if preference == "" {
		return tiers
	}
	out := make([]Tier, 0, len(tiers))
	var preferred *Tier
	for i, t := range tiers {
		if t.Name == preference && preferred == nil {
			preferred = &tiers[i]
			continue
		}
		out = append(out, t)
	}
	if preferred == nil {
		return tiers
	}
	return append([]Tier{*preferred}, out...)
}

func classifyProviderError(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errs.Wrap(errs.KindProviderUnavail, "circuit open", err)
	}
	if perr, ok := err.(*errs.Error); ok {
		return perr
	}
	return errs.Wrap(errs.KindProviderUnavail, "provider call failed", err)
}

func backoffWithJitter(attempt int, base, max time.Duration) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}

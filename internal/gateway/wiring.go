package gateway

import (
	"time"

	"github.com/deepresearch/orchestrator/internal/config"
)

// Models are plain defaults; real deployments override per role via
// environment rather than requiring full configuration up front.
const (
	defaultHighModel = "claude-sonnet-4-5"
	defaultLowModel  = "openai/gpt-4o-mini"
	defaultEmbedModel = "openai/text-embedding-3-small"
)

// BuildFromConfig wires a Gateway from application config: Anthropic
// backs the high tier for planning/synthesis, the OpenAI-compatible
// client (OpenRouter by default) backs the low-cost research tier and
// the embedding role.
func BuildFromConfig(cfg *config.Config) *Gateway {
	anthropic := NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL)
	openrouter := NewOpenAICompatibleProvider(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL, map[string]string{
		"HTTP-Referer": cfg.BaseURL,
		"X-Title":      "deep-research-orchestrator",
	})

	highTier := Tier{Name: "high", Provider: anthropic, Model: defaultHighModel}
	lowTier := Tier{Name: "low", Provider: openrouter, Model: defaultLowModel}
	embedTier := Tier{Name: "embed", Provider: openrouter, Model: defaultEmbedModel}

	return New(Config{
		Tiers: map[Role][]Tier{
			RolePlanning:  {highTier, lowTier},
			RoleResearch:  {lowTier, highTier},
			RoleSynthesis: {highTier, lowTier},
			RoleEmbedding: {embedTier},
		},
		Retry: RetryPolicy{
			MaxAttempts: cfg.ProviderMaxAttempts,
			BaseDelay:   250 * time.Millisecond,
			MaxDelay:    10 * time.Second,
		},
		CallTimeout: cfg.ProviderCallTimeout,
	})
}

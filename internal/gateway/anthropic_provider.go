package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/deepresearch/orchestrator/internal/errs"
)

// AnthropicProvider backs the high-capability tier (planning and
// synthesis by default) using the official SDK.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider constructs a provider bound to apiKey, optionally
// against a custom base URL (self-hosted gateway / proxy).
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}
}

func (p *AnthropicProvider) Complete(ctx context.Context, model string, req ChatRequest) (*ChatResult, error) {
	params := p.buildParams(model, req)

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}
	if len(resp.Content) == 0 {
		return nil, errs.New(errs.KindProviderPermanent, "empty response from anthropic")
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &ChatResult{
		Content:      text,
		Model:        model,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		FinishReason: normalizeStopReason(string(resp.StopReason)),
	}, nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, model string, req ChatRequest) (<-chan StreamChunk, error) {
	params := p.buildParams(model, req)
	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		var full string
		var inputTokens, outputTokens int
		var stopReason string

		for stream.Next() {
			event := stream.Current()
			switch delta := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if textDelta, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok {
					full += textDelta.Text
					select {
					case out <- StreamChunk{TextDelta: textDelta.Text}:
					case <-ctx.Done():
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				stopReason = string(delta.Delta.StopReason)
				outputTokens = int(delta.Usage.OutputTokens)
			case anthropic.MessageStartEvent:
				inputTokens = int(delta.Message.Usage.InputTokens)
			}
		}
		if err := stream.Err(); err != nil {
			return
		}

		out <- StreamChunk{
			Done: true,
			Final: &ChatResult{
				Content:      full,
				Model:        model,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				FinishReason: normalizeStopReason(stopReason),
			},
		}
	}()
	return out, nil
}

// Embed is not offered by Anthropic; the embedding tier is always
// backed by the OpenAI-compatible provider.
func (p *AnthropicProvider) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	return nil, errs.New(errs.KindInternal, "anthropic provider does not support embeddings")
}

func (p *AnthropicProvider) buildParams(model string, req ChatRequest) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	var system []anthropic.TextBlockParam

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
			continue
		}
		blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)}
		for _, img := range m.Images {
			blocks = append(blocks, anthropic.NewImageBlockBase64("", img.URL))
		}
		if m.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		} else {
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
		System:    system,
	}
	return params
}

func normalizeStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence":
		return "stop"
	default:
		return reason
	}
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return errs.Wrap(errs.KindProviderRateLimit, "anthropic rate limited", err)
		case apiErr.StatusCode >= 500:
			return errs.Wrap(errs.KindProviderUnavail, "anthropic server error", err)
		case apiErr.StatusCode >= 400:
			return errs.Wrap(errs.KindProviderPermanent, "anthropic request rejected", err)
		}
	}
	return errs.Wrap(errs.KindProviderUnavail, fmt.Sprintf("anthropic call failed: %v", err), err)
}

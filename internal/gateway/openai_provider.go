package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/deepresearch/orchestrator/internal/errs"
)

// OpenAICompatibleProvider is a generic client for any OpenAI-compatible
// chat/embeddings endpoint (OpenRouter by default for the low-cost
// research tier), reduced to the single API shape this gateway needs.
type OpenAICompatibleProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	extraHeaders map[string]string
}

// NewOpenAICompatibleProvider constructs a provider against baseURL
// (e.g. "https://openrouter.ai/api/v1").
func NewOpenAICompatibleProvider(apiKey, baseURL string, extraHeaders map[string]string) *OpenAICompatibleProvider {
	return &OpenAICompatibleProvider{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{},
		extraHeaders: extraHeaders,
	}
}

type chatCompletionRequest struct {
	Model          string                  `json:"model"`
	Messages       []chatMessage           `json:"messages"`
	Temperature    float64                 `json:"temperature,omitempty"`
	MaxTokens      int                     `json:"max_tokens,omitempty"`
	Stream         bool                    `json:"stream,omitempty"`
	Seed           *int64                  `json:"seed,omitempty"`
	ResponseFormat *responseFormat         `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type chatCompletionStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *OpenAICompatibleProvider) buildRequest(model string, req ChatRequest, stream bool) chatCompletionRequest {
	messages := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	body := chatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
		Seed:        req.Seed,
	}
	if req.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return body
}

func (p *OpenAICompatibleProvider) newHTTPRequest(ctx context.Context, path string, payload any) (*http.Request, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "marshal request body", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "build http request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	for k, v := range p.extraHeaders {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (p *OpenAICompatibleProvider) Complete(ctx context.Context, model string, req ChatRequest) (*ChatResult, error) {
	httpReq, err := p.newHTTPRequest(ctx, "/chat/completions", p.buildRequest(model, req, false))
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindProviderUnavail, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindProviderUnavail, "read response failed", err)
	}
	if err := statusToKind(resp.StatusCode, body); err != nil {
		return nil, err
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errs.Wrap(errs.KindProviderPermanent, "parse response failed", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, errs.New(errs.KindProviderPermanent, "empty response")
	}

	return &ChatResult{
		Content:      parsed.Choices[0].Message.Content,
		Model:        model,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		FinishReason: parsed.Choices[0].FinishReason,
	}, nil
}

// Stream performs an SSE-framed streaming completion (text/event-stream,
// "data: {json}\n\n" per OpenAI-compatible convention, terminated by
// "data: [DONE]").
func (p *OpenAICompatibleProvider) Stream(ctx context.Context, model string, req ChatRequest) (<-chan StreamChunk, error) {
	httpReq, err := p.newHTTPRequest(ctx, "/chat/completions", p.buildRequest(model, req, true))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindProviderUnavail, "stream request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, statusToKind(resp.StatusCode, body)
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var full string
		var inputTokens, outputTokens int
		var finishReason string

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break
			}
			var chunk chatCompletionStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) > 0 {
				delta := chunk.Choices[0].Delta.Content
				if delta != "" {
					full += delta
					select {
					case out <- StreamChunk{TextDelta: delta}:
					case <-ctx.Done():
						return
					}
				}
				if chunk.Choices[0].FinishReason != nil {
					finishReason = *chunk.Choices[0].FinishReason
				}
			}
			if chunk.Usage != nil {
				inputTokens = chunk.Usage.PromptTokens
				outputTokens = chunk.Usage.CompletionTokens
			}
		}

		out <- StreamChunk{
			Done: true,
			Final: &ChatResult{
				Content:      full,
				Model:        model,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				FinishReason: finishReason,
			},
		}
	}()
	return out, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (p *OpenAICompatibleProvider) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	httpReq, err := p.newHTTPRequest(ctx, "/embeddings", embeddingRequest{Model: model, Input: texts})
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindProviderUnavail, "embed request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindProviderUnavail, "read embed response failed", err)
	}
	if err := statusToKind(resp.StatusCode, body); err != nil {
		return nil, err
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errs.Wrap(errs.KindProviderPermanent, "parse embed response failed", err)
	}

	out := make([][]float32, len(parsed.Data))
	for _, d := range parsed.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}

func statusToKind(status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return errs.New(errs.KindProviderRateLimit, fmt.Sprintf("rate limited: %s", truncate(body, 200)))
	case status >= 500:
		return errs.New(errs.KindProviderUnavail, fmt.Sprintf("server error %d: %s", status, truncate(body, 200)))
	case status >= 400:
		return errs.New(errs.KindProviderPermanent, fmt.Sprintf("request rejected %d: %s", status, truncate(body, 200)))
	default:
		return nil
	}
}

func truncate(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n]) + "..."
}

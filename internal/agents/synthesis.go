package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepresearch/orchestrator/internal/errs"
	"github.com/deepresearch/orchestrator/internal/gateway"
	"github.com/deepresearch/orchestrator/internal/models"
)

// SynthesisAgent streams a single synthesized report from the ensemble
// of agent results.
type SynthesisAgent struct {
	gw *gateway.Gateway
}

// NewSynthesisAgent constructs a SynthesisAgent.
func NewSynthesisAgent(gw *gateway.Gateway) *SynthesisAgent {
	return &SynthesisAgent{gw: gw}
}

// Directives are the formatting controls a caller passed at submission.
type Directives struct {
	AudienceLevel  string // beginner | intermediate | expert
	OutputFormat   string // report | briefing | bullet_points
	IncludeSources bool
	MaxLength      int // 0 = unbounded
}

// OnChunk is called once per streamed text delta, carrying the number
// of deltas streamed so far, which stands in for the token count.
type OnChunk func(textDelta string, tokensGenerated int)

// Synthesize streams the final report. Citations that appear verbatim
// in sub-query results are preserved; identical citation URLs repeated
// across sub-queries are deduplicated in the final text.
func (s *SynthesisAgent) Synthesize(ctx context.Context, query string, ensemble []models.AgentResult, directives Directives, onChunk OnChunk) (string, error) {
	messages := []gateway.Message{
		{Role: "system", Content: synthesisSystemPrompt(directives)},
		{Role: "user", Content: buildSynthesisPrompt(query, ensemble, directives)},
	}

	stream, err := s.gw.Stream(ctx, gateway.ChatRequest{
		Role:        gateway.RoleSynthesis,
		Messages:    messages,
		Temperature: 0.4,
		MaxTokens:   synthesisMaxTokens(directives),
	})
	if err != nil {
		return "", errs.Wrap(errs.KindProviderUnavail, "synthesis stream failed to start", err)
	}

	var full strings.Builder
	tokens := 0
	for chunk := range stream {
		select {
		case <-ctx.Done():
			return full.String(), ctx.Err()
		default:
		}
		if chunk.TextDelta != "" {
			full.WriteString(chunk.TextDelta)
			tokens++
			if onChunk != nil {
				onChunk(chunk.TextDelta, tokens)
			}
		}
	}

	if full.Len() == 0 {
		return "", errs.New(errs.KindProviderPermanent, "synthesis stream produced no content")
	}
	return dedupeCitations(full.String()), nil
}

func synthesisSystemPrompt(d Directives) string {
	var b strings.Builder
	b.WriteString("You are the synthesis stage of a research pipeline. Combine the provided sub-agent results into one coherent, non-redundant answer, reconciling any contradictions explicitly rather than silently picking one side.")
	switch d.OutputFormat {
	case "briefing":
		b.WriteString(" Format the output as a short executive briefing.")
	case "bullet_points":
		b.WriteString(" Format the output as bullet points grouped by theme.")
	default:
		b.WriteString(" Format the output as a structured report with section headings.")
	}
	switch d.AudienceLevel {
	case "beginner":
		b.WriteString(" Write for a reader with no background in the subject; define jargon on first use.")
	case "expert":
		b.WriteString(" Write for a domain expert; do not over-explain basics.")
	}
	if d.IncludeSources {
		b.WriteString(" Preserve every [Source: URL] citation from the sub-agent results verbatim wherever you draw on that material.")
	} else {
		b.WriteString(" Do not include inline citation markers in the output.")
	}
	return b.String()
}

func buildSynthesisPrompt(query string, ensemble []models.AgentResult, d Directives) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query: %s\n\nSub-agent results:\n", query)
	for _, r := range ensemble {
		if r.Error != "" {
			fmt.Fprintf(&b, "\n[%s] %s\n(failed: %s)\n", r.AgentID, r.Query, r.Error)
			continue
		}
		fmt.Fprintf(&b, "\n[%s] %s\n%s\n", r.AgentID, r.Query, r.Result)
	}
	if d.MaxLength > 0 {
		fmt.Fprintf(&b, "\nTarget length: approximately %d words.\n", d.MaxLength)
	}
	return b.String()
}

func synthesisMaxTokens(d Directives) int {
	if d.MaxLength <= 0 {
		return 4096
	}
	// rough words-to-tokens heuristic, generous enough not to truncate
	return d.MaxLength * 2
}

var citationReplacer = citationPattern

func dedupeCitations(text string) string {
	seen := make(map[string]bool)
	return citationReplacer.ReplaceAllStringFunc(text, func(match string) string {
		sub := citationReplacer.FindStringSubmatch(match)
		url := strings.TrimSpace(sub[1])
		if seen[url] {
			return ""
		}
		seen[url] = true
		return match
	})
}

// Package titlegen backfills Session.Title via a cheap LLM call over a
// session's prompt and early activity transcript, for sessions the server
// never assigned a title to.
package titlegen

import (
	"context"
	"log/slog"
	"strings"

	"github.com/maruel/genai"
	"github.com/maruel/genai/providers"

	"github.com/maruel/jules/internal/model"
)

const systemPrompt = "Summarize this coding task conversation in 3-8 words as a short title. Reply with ONLY the title, no quotes."

const maxInputChars = 2000

// Generator produces short titles from a session's prompt and transcript
// using a configured LLM provider. A zero-value Generator (no provider) is a
// no-op, so callers can construct one unconditionally and skip the nil check.
type Generator struct {
	provider genai.Provider
}

// New builds a Generator from provider/model config strings. Returns a
// no-op Generator if providerName is empty or initialization fails; title
// backfill is best-effort and must never block a sync.
func New(ctx context.Context, providerName, model string) *Generator {
	if providerName == "" {
		return &Generator{}
	}
	cfg, ok := providers.All[providerName]
	if !ok || cfg.Factory == nil {
		slog.Warn("unknown LLM provider for title generation", "provider", providerName)
		return &Generator{}
	}
	var opts []genai.ProviderOption
	if model != "" {
		opts = append(opts, genai.ProviderOptionModel(model))
	} else {
		opts = append(opts, genai.ModelCheap)
	}
	p, err := cfg.Factory(ctx, opts...)
	if err != nil {
		slog.Warn("failed to create LLM provider for title generation", "provider", providerName, "err", err)
		return &Generator{}
	}
	slog.Info("title generation enabled", "provider", providerName, "model", p.ModelID())
	return &Generator{provider: p}
}

// Enabled reports whether g has a configured provider.
func (g *Generator) Enabled() bool { return g != nil && g.provider != nil }

// Generate asks the LLM for a short title summarizing prompt and the
// user/agent messages in activities. Returns "" if g is disabled or the
// call fails; callers should leave Session.Title untouched in that case.
func (g *Generator) Generate(ctx context.Context, prompt string, activities []model.Activity) string {
	if !g.Enabled() {
		return ""
	}
	var b strings.Builder
	for _, a := range activities {
		switch a.Type {
		case model.ActivityUserMessaged:
			if a.UserMessage == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString("User: ")
			b.WriteString(a.UserMessage)
		case model.ActivityAgentMessaged:
			if a.AgentMessage == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString("Agent: ")
			b.WriteString(a.AgentMessage)
		}
	}

	input := "Prompt: " + prompt
	if b.Len() > 0 {
		input += "\n" + b.String()
	}
	if len(input) > maxInputChars {
		input = input[:maxInputChars]
	}

	res, err := g.provider.GenSync(ctx,
		genai.Messages{genai.NewTextMessage(input)},
		&genai.GenOptionText{
			SystemPrompt: systemPrompt,
			MaxTokens:    64,
			Temperature:  0.3,
		},
	)
	if err != nil {
		slog.Warn("title generation LLM call failed", "err", err)
		return ""
	}
	title := strings.TrimSpace(res.String())
	title = strings.Trim(title, "\"'`")
	return title
}

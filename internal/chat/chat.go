// Package chat answers conversational queries straight from the language model.
package chat

import (
	"context"
	"strings"
	"time"

	errs "tagrouter/cli/internal/errors"
	"tagrouter/cli/internal/llm"
	"tagrouter/cli/internal/model"
	"tagrouter/cli/internal/prompt"
)

const system = `You are a friendly assistant for a company's data and documentation.
Answer conversationally and briefly. You cannot see the database or the documents
in this mode, so do not invent figures or policy details; suggest asking a
specific question about the data or the documentation instead.`

// Options configures a Handler.
type Options struct {
	HistoryTurns int
	Timeout      time.Duration
	MaxTokens    int
}

// Handler has no state beyond its options.
type Handler struct {
	gen  llm.Generator
	opts Options
}

// New returns a Handler backed by gen.
func New(gen llm.Generator, opts Options) *Handler {
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 300
	}
	return &Handler{gen: gen, opts: opts}
}

// Handle replies to text. The only failure is UpstreamUnavailable.
func (h *Handler) Handle(ctx context.Context, text string, cc model.ConversationContext) (model.Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	out, err := h.gen.Generate(ctx, prompt.WithHistory(text, cc, h.opts.HistoryTurns), llm.Constraints{
		System:      system,
		Temperature: 0.7,
		MaxTokens:   h.opts.MaxTokens,
	})
	if err != nil {
		return model.Answer{}, errs.Wrap(errs.UpstreamUnavailable, "the language model is unavailable", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return model.Answer{}, errs.New(errs.UpstreamUnavailable, "the language model returned an empty reply")
	}
	return model.Answer{Text: out, SourceKind: model.GeneralChat}, nil
}

package knowledge

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	errs "tagrouter/cli/internal/errors"
	"tagrouter/cli/internal/llm"
	"tagrouter/cli/internal/logging"
	"tagrouter/cli/internal/model"
	"tagrouter/cli/internal/prompt"
)

// NoKnowledgeAnswer is returned when no passage clears the relevance threshold.
const NoKnowledgeAnswer = "I couldn't find any relevant information in the knowledge base for that question."

const answerSystem = `You answer questions using ONLY the numbered passages provided.
Cite the passages you used with their numbers in square brackets, for example [1] or [2].
If the passages do not contain the answer, say that the knowledge base does not cover it.
Do not use outside knowledge.`

var citeRe = regexp.MustCompile(`\[(\d+)\]`)

// AgentOptions configures an Agent.
type AgentOptions struct {
	TopK int
	// Threshold is the minimum passage score.
	Threshold     float64
	HistoryTurns  int
	SearchTimeout time.Duration
	LLMTimeout    time.Duration
}

// Agent answers from a Searcher. Safe for concurrent use.
type Agent struct {
	search Searcher
	gen    llm.Generator
	opts   AgentOptions
}

// NewAgent returns an Agent over s.
func NewAgent(s Searcher, gen llm.Generator, opts AgentOptions) *Agent {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 4
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 5 * time.Second
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 30 * time.Second
	}
	return &Agent{search: s, gen: gen, opts: opts}
}

// Handle retrieves passages for text and synthesizes a cited answer.
// Citations only ever point at retrieved passages.
func (a *Agent) Handle(ctx context.Context, text string, cc model.ConversationContext) (model.Answer, error) {
	sctx, cancel := context.WithTimeout(ctx, a.opts.SearchTimeout)
	found, err := a.search.Search(sctx, text, a.opts.TopK)
	cancel()
	if err != nil {
		return model.Answer{}, errs.Wrap(errs.UpstreamUnavailable, "the knowledge index is unavailable", err)
	}

	var passages []Passage
	for _, p := range found {
		if p.Score >= a.opts.Threshold {
			passages = append(passages, p)
		}
	}
	if len(passages) > a.opts.TopK {
		passages = passages[:a.opts.TopK]
	}
	log.Debug().Int("retrieved", len(found)).Int("relevant", len(passages)).Msg("knowledge search")
	if len(passages) == 0 {
		return model.Answer{Text: NoKnowledgeAnswer, SourceKind: model.KnowledgeRetrieval}, nil
	}

	var b strings.Builder
	b.WriteString("Passages:\n")
	for i, p := range passages {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, p.Title, p.Text)
	}
	b.WriteString("Question: ")
	b.WriteString(prompt.WithHistory(text, cc, a.opts.HistoryTurns))

	gctx, cancel := context.WithTimeout(ctx, a.opts.LLMTimeout)
	defer cancel()
	out, err := a.gen.Generate(gctx, b.String(), llm.Constraints{System: answerSystem, Temperature: 0, MaxTokens: 400})
	if err != nil {
		if errs.KindOf(err) == errs.InternalError {
			err = errs.Wrap(errs.UpstreamUnavailable, "the language model is unavailable", err)
		}
		return model.Answer{}, err
	}

	return model.Answer{
		Text:       strings.TrimSpace(out),
		SourceKind: model.KnowledgeRetrieval,
		Citations:  cite(out, passages),
	}, nil
}

// cite returns the passages the answer refers to by number. When it refers
// to none (or only to numbers that do not exist), every passage shown to the
// model is cited.
func cite(answer string, passages []Passage) []model.Citation {
	used := map[int]bool{}
	for _, m := range citeRe.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= 1 && n <= len(passages) {
			used[n-1] = true
		}
	}
	var out []model.Citation
	for i, p := range passages {
		if len(used) > 0 && !used[i] {
			continue
		}
		out = append(out, model.Citation{
			DocID:   p.DocID,
			Title:   p.Title,
			Snippet: logging.Truncate(p.Text, 160),
			Score:   p.Score,
		})
	}
	return out
}

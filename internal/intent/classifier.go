// Package intent decides which handler answers a query.
//
// The classifier asks the language model for a JSON verdict with a
// confidence score. Anything it cannot trust (an error, an unknown label, a
// confidence below the floor) becomes GENERAL_CHAT, so an ambiguous question
// never reaches the database.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"tagrouter/cli/internal/llm"
	"tagrouter/cli/internal/model"
	"tagrouter/cli/internal/prompt"
)

// bareLabelConfidence is assigned when the model answers with a bare label
// instead of the JSON object.
const bareLabelConfidence = 0.75

const systemPrompt = `You route questions for a data assistant. Classify the user's latest question into exactly one intent:

STRUCTURED_QUERY: answerable by reading rows from the relational database (counts, sums, lists, lookups, trends over business records such as orders, customers, products, invoices).
KNOWLEDGE_RETRIEVAL: answerable from documentation or policy text (how-to, rules, policies, definitions, procedures).
GENERAL_CHAT: greetings, thanks, small talk, questions about the assistant, or anything else.

Requests to change data (add, delete, update) are never STRUCTURED_QUERY; classify them as GENERAL_CHAT.
Set use_context to true only if the latest question cannot be understood without the earlier turns (for example "and last week?" or "what about them").

Reply with one JSON object and nothing else:
{"intent": "STRUCTURED_QUERY|KNOWLEDGE_RETRIEVAL|GENERAL_CHAT", "confidence": 0.0-1.0, "use_context": true|false, "reason": "<short>"}`

// Options configures a Classifier.
type Options struct {
	// MinConfidence is the floor below which the verdict becomes GENERAL_CHAT.
	MinConfidence float64
	// HistoryTurns is how many prior turns the model sees.
	HistoryTurns int
	Timeout      time.Duration
}

// Classifier is safe for concurrent use.
type Classifier struct {
	gen  llm.Generator
	opts Options
}

// New returns a classifier backed by gen.
func New(gen llm.Generator, opts Options) *Classifier {
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Classifier{gen: gen, opts: opts}
}

type verdict struct {
	Intent     string   `json:"intent"`
	Confidence *float64 `json:"confidence"`
	UseContext bool     `json:"use_context"`
	Reason     string   `json:"reason"`
}

// Classify never fails; see the package doc for the fallback rules.
func (c *Classifier) Classify(ctx context.Context, text string, cc model.ConversationContext) model.IntentLabel {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var b strings.Builder
	if h := prompt.History(cc, c.opts.HistoryTurns); h != "" {
		b.WriteString("Earlier turns:\n")
		b.WriteString(h)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Latest question: %s", text)

	out, err := c.gen.Generate(ctx, b.String(), llm.Constraints{
		System:      systemPrompt,
		Temperature: 0,
		MaxTokens:   120,
		JSON:        true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("classifier call failed, defaulting to GENERAL_CHAT")
		return fallback("classifier unavailable")
	}

	label := c.parse(out)
	if len(cc.Turns) == 0 {
		label.UseContext = false
	}
	log.Debug().
		Str("intent", string(label.Intent)).
		Float64("confidence", label.Confidence).
		Bool("use_context", label.UseContext).
		Msg("classified")
	return label
}

func (c *Classifier) parse(out string) model.IntentLabel {
	if raw := llm.ExtractJSON(out); raw != "" {
		var v verdict
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			it, ok := model.ParseIntent(v.Intent)
			if !ok {
				return fallback("unknown label " + v.Intent)
			}
			conf := bareLabelConfidence
			if v.Confidence != nil {
				conf = clamp(*v.Confidence)
			}
			return c.gate(model.IntentLabel{Intent: it, Confidence: conf, UseContext: v.UseContext, Reason: v.Reason})
		}
	}

	word := strings.Trim(strings.TrimSpace(out), `".`)
	if it, ok := model.ParseIntent(word); ok {
		return c.gate(model.IntentLabel{Intent: it, Confidence: bareLabelConfidence})
	}
	return fallback("unparseable verdict")
}

// gate applies the confidence floor.
func (c *Classifier) gate(l model.IntentLabel) model.IntentLabel {
	if l.Intent != model.GeneralChat && l.Confidence < c.opts.MinConfidence {
		return model.IntentLabel{
			Intent:     model.GeneralChat,
			Confidence: l.Confidence,
			UseContext: l.UseContext,
			Reason:     fmt.Sprintf("low confidence %.2f for %s", l.Confidence, l.Intent),
		}
	}
	return l
}

func fallback(reason string) model.IntentLabel {
	return model.IntentLabel{Intent: model.GeneralChat, Confidence: 0, Reason: reason}
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

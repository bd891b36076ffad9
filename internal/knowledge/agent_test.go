package knowledge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "tagrouter/cli/internal/errors"
	"tagrouter/cli/internal/llm/llmtest"
	"tagrouter/cli/internal/model"
)

type fakeSearcher struct {
	passages []Passage
	err      error
	queries  []string
}

func (f *fakeSearcher) Search(_ context.Context, query string, k int) ([]Passage, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.passages) > k {
		return f.passages[:k], nil
	}
	return f.passages, nil
}

func refundPassages() []Passage {
	return []Passage{
		{DocID: "refund-policy", Title: "Refund Policy", Text: "Customers may request a refund within 30 days of delivery.", Score: 0.82},
		{DocID: "shipping", Title: "Shipping Information", Text: "Shipping fees are refunded only for damaged items.", Score: 0.41},
		{DocID: "support-hours", Title: "Support Hours", Text: "Support is closed on Sundays.", Score: 0.12},
	}
}

func TestAgent_Handle(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		wantDocs  []string
		wantInAns string
	}{
		{
			name:      "cites only referenced passages",
			reply:     "You can request a refund within 30 days of delivery [1].",
			wantDocs:  []string{"refund-policy"},
			wantInAns: "30 days",
		},
		{
			name:     "no markers cites every relevant passage",
			reply:    "Refunds are possible within 30 days.",
			wantDocs: []string{"refund-policy", "shipping"},
		},
		{
			name:     "out of range marker is ignored",
			reply:    "See [7] and [2].",
			wantDocs: []string{"shipping"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := llmtest.NewGenerator(llmtest.Rule{Contains: "Question:", Reply: tt.reply})
			a := NewAgent(&fakeSearcher{passages: refundPassages()}, gen, AgentOptions{TopK: 3, Threshold: 0.35})

			got, err := a.Handle(context.Background(), "what is our refund policy", model.ConversationContext{})
			require.NoError(t, err)
			assert.Equal(t, model.KnowledgeRetrieval, got.SourceKind)
			assert.Contains(t, got.Text, tt.wantInAns)

			var docs []string
			for _, c := range got.Citations {
				docs = append(docs, c.DocID)
			}
			assert.Equal(t, tt.wantDocs, docs)

			// The passage below the threshold never reaches the model.
			calls := gen.Calls()
			require.Len(t, calls, 1)
			assert.NotContains(t, calls[0].Prompt, "closed on Sundays")
		})
	}
}

func TestAgent_NothingRelevant(t *testing.T) {
	gen := llmtest.NewGenerator()
	s := &fakeSearcher{passages: []Passage{{DocID: "support-hours", Title: "Support Hours", Text: "Closed on Sundays.", Score: 0.1}}}
	a := NewAgent(s, gen, AgentOptions{Threshold: 0.35})

	got, err := a.Handle(context.Background(), "what is the weather on mars", model.ConversationContext{})
	require.NoError(t, err)
	assert.Equal(t, NoKnowledgeAnswer, got.Text)
	assert.Equal(t, model.KnowledgeRetrieval, got.SourceKind)
	assert.Empty(t, got.Citations)
	assert.Empty(t, gen.Calls())
}

func TestAgent_Failures(t *testing.T) {
	t.Run("search error", func(t *testing.T) {
		a := NewAgent(&fakeSearcher{err: errors.New("database is locked")}, llmtest.NewGenerator(), AgentOptions{})
		_, err := a.Handle(context.Background(), "refund policy", model.ConversationContext{})
		assert.True(t, errs.Is(err, errs.UpstreamUnavailable))
	})

	t.Run("model error", func(t *testing.T) {
		gen := llmtest.NewGenerator()
		gen.Fail = errors.New("connection reset")
		a := NewAgent(&fakeSearcher{passages: refundPassages()}, gen, AgentOptions{Threshold: 0.35})
		_, err := a.Handle(context.Background(), "refund policy", model.ConversationContext{})
		assert.True(t, errs.Is(err, errs.UpstreamUnavailable))
	})
}

func TestAgent_History(t *testing.T) {
	gen := llmtest.NewGenerator(llmtest.Rule{Contains: "Question:", Reply: "Yes [1]."})
	a := NewAgent(&fakeSearcher{passages: refundPassages()}, gen, AgentOptions{Threshold: 0.35})

	cc := model.ConversationContext{Turns: []model.Turn{{Query: "what is our refund policy", Answer: "30 days."}}}
	_, err := a.Handle(context.Background(), "does that include gift cards", cc)
	require.NoError(t, err)

	prompt := gen.Calls()[0].Prompt
	assert.True(t, strings.Contains(prompt, "User: what is our refund policy"))
	assert.True(t, strings.Contains(prompt, "Current question: does that include gift cards"))
}

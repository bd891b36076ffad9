package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "tagrouter/cli/internal/errors"
	"tagrouter/cli/internal/llm/llmtest"
	"tagrouter/cli/internal/model"
)

func TestHandle(t *testing.T) {
	gen := llmtest.NewGenerator(llmtest.Rule{Contains: "hi there", Reply: "  Hello! How can I help?  "})
	h := New(gen, Options{})

	got, err := h.Handle(context.Background(), "hi there", model.ConversationContext{})
	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help?", got.Text)
	assert.Equal(t, model.GeneralChat, got.SourceKind)
	assert.Empty(t, got.Citations)
	assert.Nil(t, got.SQL)
}

func TestHandle_UsesHistory(t *testing.T) {
	gen := llmtest.NewGenerator()
	gen.Fallback = "Sure."
	h := New(gen, Options{HistoryTurns: 1})

	cc := model.ConversationContext{Turns: []model.Turn{
		{Query: "first", Answer: "one"},
		{Query: "second", Answer: "two"},
	}}
	_, err := h.Handle(context.Background(), "and then?", cc)
	require.NoError(t, err)

	p := gen.Calls()[0].Prompt
	assert.Contains(t, p, "User: second")
	assert.NotContains(t, p, "User: first")
}

func TestHandle_Failures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(g *llmtest.Generator)
	}{
		{name: "upstream error", setup: func(g *llmtest.Generator) { g.Fail = errors.New("503 service unavailable") }},
		{name: "empty reply", setup: func(g *llmtest.Generator) { g.On("", "   ") }},
		{name: "timeout", setup: func(g *llmtest.Generator) { g.Delay = time.Second; g.Fallback = "late" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := llmtest.NewGenerator()
			tt.setup(gen)
			h := New(gen, Options{Timeout: 20 * time.Millisecond})

			_, err := h.Handle(context.Background(), "hello", model.ConversationContext{})
			require.Error(t, err)
			assert.Equal(t, errs.UpstreamUnavailable, errs.KindOf(err))
		})
	}
}

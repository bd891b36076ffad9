package render

import (
	"os"
	"testing"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"

	"tagrouter/cli/internal/model"
	"tagrouter/cli/internal/orchestrator"
)

func TestMain(m *testing.M) {
	pterm.DisableStyling()
	os.Exit(m.Run())
}

func TestAnswer(t *testing.T) {
	sqlAnswer := model.Answer{
		Text:       "The answer is 42.",
		SourceKind: model.StructuredQuery,
		SQL: &model.SQLTrace{
			Ran:         true,
			Query:       "SELECT count(*) FROM orders",
			RowCount:    1,
			Columns:     []string{"count"},
			RowsPreview: [][]any{{int64(42)}},
		},
		LatencyMs: 37,
	}

	tests := []struct {
		name    string
		answer  model.Answer
		opts    Options
		want    []string
		notWant []string
	}{
		{
			name:    "sql hidden by default",
			answer:  sqlAnswer,
			want:    []string{"The answer is 42.", "STRUCTURED_QUERY", "37ms", "1 rows"},
			notWant: []string{"SELECT count(*)"},
		},
		{
			name:   "sql and rows shown on request",
			answer: sqlAnswer,
			opts:   Options{ShowSQL: true, ShowRows: true},
			want:   []string{"SELECT count(*) FROM orders", "count", "42"},
		},
		{
			name: "citations listed",
			answer: model.Answer{
				Text:       "Refunds take 14 days [1].",
				SourceKind: model.KnowledgeRetrieval,
				Citations:  []model.Citation{{DocID: "refund-policy", Title: "Refund policy", Score: 0.82}},
			},
			want: []string{"Sources", "refund-policy", "Refund policy", "0.82"},
		},
		{
			name: "cache metadata",
			answer: model.Answer{
				Text:       "Hello!",
				SourceKind: model.GeneralChat,
				Cached:     true,
				HitCount:   3,
			},
			want:    []string{"cached, hit 3"},
			notWant: []string{"Sources"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Answer(tt.answer, tt.opts)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
			for _, w := range tt.notWant {
				assert.NotContains(t, out, w)
			}
		})
	}
}

func TestFooter_Truncated(t *testing.T) {
	out := Footer(model.Answer{SourceKind: model.StructuredQuery, SQL: &model.SQLTrace{Ran: true, RowCount: 100, Truncated: true}})
	assert.Contains(t, out, "more than 100 rows")
}

func TestTables(t *testing.T) {
	out := Tables(model.SchemaSnapshot{Tables: []model.Table{
		{Schema: "public", Name: "orders", Columns: []model.Column{{Name: "id"}, {Name: "customer_id"}}, PrimaryKey: []string{"id"},
			ForeignKeys: []model.ForeignKey{{Column: "customer_id", RefTable: "customers", RefColumn: "id"}}},
		{Schema: "sales", Name: "regions", Columns: []model.Column{{Name: "code"}}},
	}})
	assert.Contains(t, out, "orders")
	assert.Contains(t, out, "customers")
	assert.Contains(t, out, "sales.regions")
}

func TestStateText(t *testing.T) {
	assert.Equal(t, "querying the database", StateText(orchestrator.Dispatched, model.StructuredQuery))
	assert.Equal(t, "searching the knowledge base", StateText(orchestrator.Classified, model.KnowledgeRetrieval))
	assert.Equal(t, "understanding the question", StateText(orchestrator.CacheChecked, ""))
	assert.Empty(t, StateText(orchestrator.Done, ""))
	assert.Empty(t, StateText(orchestrator.Failed, ""))
}

func TestProgress_NilSafe(t *testing.T) {
	var p *Progress
	p.Observe(orchestrator.Event{State: orchestrator.Sanitized})
	p.Stop()
}

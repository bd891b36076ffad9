package sqlagent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tagrouter/cli/internal/model"
)

func TestSelectTables(t *testing.T) {
	snap := shopSchema()
	snap.Tables = append(snap.Tables, model.Table{
		Schema: "sales", Name: "categories",
		Columns: []model.Column{{Name: "id"}, {Name: "label"}},
	})

	tests := []struct {
		name     string
		question string
		want     []string
	}{
		{
			name:     "plural table name pulls its foreign keys",
			question: "how many orders were placed last month",
			want:     []string{"customers", "orders"},
		},
		{
			name:     "singular mention",
			question: "which customer has the most spend",
			want:     []string{"customers"},
		},
		{
			name:     "snake case part",
			question: "what stock is left",
			want:     []string{"warehouse_stock"},
		},
		{
			name:     "ies plural",
			question: "list every category",
			want:     []string{"sales.categories"},
		},
		{
			name:     "column match",
			question: "quantity on hand",
			want:     []string{"warehouse_stock"},
		},
		{
			name:     "nothing matches",
			question: "hello",
			want:     []string{"customers", "orders", "warehouse_stock", "sales.categories"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectTables(tt.question, snap))
		})
	}
}

func TestSingular(t *testing.T) {
	tests := map[string]string{
		"orders":     "order",
		"categories": "category",
		"boxes":      "box",
		"batches":    "batch",
		"address":    "address",
		"bus":        "bus",
	}
	for in, want := range tests {
		assert.Equal(t, want, singular(in), in)
	}
}

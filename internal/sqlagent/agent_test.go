package sqlagent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "tagrouter/cli/internal/errors"
	"tagrouter/cli/internal/llm/llmtest"
	"tagrouter/cli/internal/model"
	"tagrouter/cli/internal/sqlexec"
)

const lastMonthSQL = `SELECT count(*) FROM orders WHERE created_at >= date_trunc('month', now()) - interval '1 month' AND created_at < date_trunc('month', now())`

func shopSchema() model.SchemaSnapshot {
	return model.SchemaSnapshot{Tables: []model.Table{
		{
			Schema: "public", Name: "customers",
			Columns: []model.Column{{Name: "id", Type: "bigint"}, {Name: "name", Type: "text"}, {Name: "email", Type: "text"}},
		},
		{
			Schema: "public", Name: "orders",
			Columns: []model.Column{
				{Name: "id", Type: "bigint"},
				{Name: "customer_id", Type: "bigint"},
				{Name: "total", Type: "numeric"},
				{Name: "created_at", Type: "timestamp with time zone"},
			},
			ForeignKeys: []model.ForeignKey{{Column: "customer_id", RefTable: "customers", RefColumn: "id"}},
		},
		{
			Schema: "public", Name: "warehouse_stock",
			Columns: []model.Column{{Name: "sku", Type: "text"}, {Name: "quantity", Type: "integer"}},
		},
	}}
}

type fakeRunner struct {
	mu      sync.Mutex
	res     *sqlexec.Result
	err     error
	queries []string
}

func (f *fakeRunner) Query(_ context.Context, sql string) (*sqlexec.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sql)
	return f.res, f.err
}

func (f *fakeRunner) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func sqlReply(sql string) string {
	return `{"type":"sql","content":` + quote(sql) + `}`
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

func TestHandle_CountLastMonth(t *testing.T) {
	gen := llmtest.NewGenerator().OnSystem("PostgreSQL", "Question:", sqlReply(lastMonthSQL))
	runner := &fakeRunner{res: &sqlexec.Result{Columns: []string{"count"}, Rows: [][]any{{int64(42)}}}}
	a := New(gen, runner, Options{})

	ans, err := a.Handle(context.Background(), "how many orders were placed last month", shopSchema(), model.ConversationContext{})
	require.NoError(t, err)

	assert.Equal(t, "The answer is 42.", ans.Text)
	assert.Equal(t, model.StructuredQuery, ans.SourceKind)
	require.NotNil(t, ans.SQL)
	assert.True(t, ans.SQL.Ran)
	assert.Equal(t, lastMonthSQL, ans.SQL.Query)
	assert.Equal(t, lastMonthSQL, ans.SQLUsed())
	assert.Equal(t, 1, ans.SQL.RowCount)
	assert.False(t, ans.SQL.Regenerated)
	assert.Equal(t, []string{lastMonthSQL}, runner.ran())

	// Only the orders table and its foreign-key neighbour reach the prompt.
	calls := gen.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "TABLE orders")
	assert.Contains(t, calls[0].Prompt, "TABLE customers")
	assert.NotContains(t, calls[0].Prompt, "warehouse_stock")
	assert.True(t, calls[0].Constraints.JSON)
}

func TestHandle_ForbiddenNeverExecutes(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{name: "delete", reply: sqlReply("DELETE FROM orders")},
		{name: "stacked", reply: sqlReply("SELECT 1; DROP TABLE orders")},
		{name: "bare update", reply: "UPDATE orders SET total = 0"},
		{name: "cte write", reply: sqlReply("WITH x AS (DELETE FROM orders RETURNING id) SELECT count(*) FROM x")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := llmtest.NewGenerator()
			gen.Fallback = tt.reply
			runner := &fakeRunner{}
			a := New(gen, runner, Options{})

			_, err := a.Handle(context.Background(), "remove all orders", shopSchema(), model.ConversationContext{})
			require.Error(t, err)
			assert.Equal(t, errs.ForbiddenOperation, errs.KindOf(err))
			assert.Empty(t, runner.ran())
			assert.Len(t, gen.Calls(), 1, "forbidden statements are not regenerated")
		})
	}
}

func TestHandle_RegeneratesOnceOnMismatch(t *testing.T) {
	gen := llmtest.NewGenerator().
		OnSystem("PostgreSQL", "failed validation", sqlReply("SELECT sum(total) FROM orders")).
		OnSystem("PostgreSQL", "Question:", sqlReply("SELECT sum(amount) FROM orders"))
	runner := &fakeRunner{res: &sqlexec.Result{Columns: []string{"sum"}, Rows: [][]any{{19.5}}}}
	a := New(gen, runner, Options{})

	ans, err := a.Handle(context.Background(), "total order revenue", shopSchema(), model.ConversationContext{})
	require.NoError(t, err)
	assert.Equal(t, "The answer is 19.5.", ans.Text)
	assert.True(t, ans.SQL.Regenerated)
	assert.Equal(t, 2, gen.CallCount("PostgreSQL"))

	calls := gen.Calls()
	assert.Contains(t, calls[1].Prompt, "unknown column amount")
	assert.Equal(t, []string{"SELECT sum(total) FROM orders"}, runner.ran())
}

func TestHandle_MismatchTwiceFails(t *testing.T) {
	gen := llmtest.NewGenerator()
	gen.Fallback = sqlReply("SELECT discount FROM orders")
	runner := &fakeRunner{}
	a := New(gen, runner, Options{})

	_, err := a.Handle(context.Background(), "average order discount", shopSchema(), model.ConversationContext{})
	require.Error(t, err)
	assert.Equal(t, errs.SchemaMismatch, errs.KindOf(err))
	assert.Len(t, gen.Calls(), 2)
	assert.Empty(t, runner.ran())
}

func TestHandle_ModelDeclines(t *testing.T) {
	gen := llmtest.NewGenerator()
	gen.Fallback = `{"type":"text","content":"There is no shipping table in this database."}`
	runner := &fakeRunner{}
	a := New(gen, runner, Options{})

	ans, err := a.Handle(context.Background(), "average shipping delay", shopSchema(), model.ConversationContext{})
	require.NoError(t, err)
	assert.Equal(t, "There is no shipping table in this database.", ans.Text)
	assert.Nil(t, ans.SQL)
	assert.Empty(t, runner.ran())
}

func TestHandle_ExecutionFailure(t *testing.T) {
	gen := llmtest.NewGenerator()
	gen.Fallback = sqlReply("SELECT count(*) FROM orders")

	tests := []struct {
		name string
		err  error
	}{
		{name: "typed", err: errs.New(errs.ExecutionFailed, "the query took too long and was cancelled")},
		{name: "untyped", err: errors.New("conn closed")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(gen, &fakeRunner{err: tt.err}, Options{})
			_, err := a.Handle(context.Background(), "how many orders", shopSchema(), model.ConversationContext{})
			require.Error(t, err)
			assert.Equal(t, errs.ExecutionFailed, errs.KindOf(err))
		})
	}
}

func TestHandle_Summaries(t *testing.T) {
	res := &sqlexec.Result{
		Columns: []string{"name", "total"},
		Rows:    [][]any{{"Ada", int64(120)}, {"Linus", nil}},
	}

	t.Run("model summary", func(t *testing.T) {
		gen := llmtest.NewGenerator().
			OnSystem("explain query results", "", "Ada spent the most.").
			OnSystem("PostgreSQL", "", sqlReply("SELECT c.name, sum(o.total) AS total FROM orders o JOIN customers c ON c.id = o.customer_id GROUP BY c.name"))
		a := New(gen, &fakeRunner{res: res}, Options{})

		ans, err := a.Handle(context.Background(), "revenue per customer", shopSchema(), model.ConversationContext{})
		require.NoError(t, err)
		assert.Equal(t, "Ada spent the most.", ans.Text)
		assert.Equal(t, []string{"name", "total"}, ans.SQL.Columns)
		assert.Len(t, ans.SQL.RowsPreview, 2)
	})

	t.Run("tabular fallback", func(t *testing.T) {
		gen := llmtest.NewGenerator(
			llmtest.Rule{System: "explain query results", Err: errors.New("503")},
			llmtest.Rule{System: "PostgreSQL", Reply: sqlReply("SELECT name FROM customers")},
		)
		a := New(gen, &fakeRunner{res: res}, Options{})

		ans, err := a.Handle(context.Background(), "list customers", shopSchema(), model.ConversationContext{})
		require.NoError(t, err)
		assert.Equal(t, "Found 2 rows.\nname | total\nAda | 120\nLinus | NULL", ans.Text)
	})

	t.Run("empty result", func(t *testing.T) {
		gen := llmtest.NewGenerator()
		gen.Fallback = sqlReply("SELECT name FROM customers WHERE email = 'none'")
		a := New(gen, &fakeRunner{res: &sqlexec.Result{Columns: []string{"name"}}}, Options{})

		ans, err := a.Handle(context.Background(), "customers without email", shopSchema(), model.ConversationContext{})
		require.NoError(t, err)
		assert.Equal(t, "The query returned no matching rows.", ans.Text)
		assert.Equal(t, 0, ans.SQL.RowCount)
	})
}

func TestHandle_PreviewBoundAndTruncation(t *testing.T) {
	rows := make([][]any, 20)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	gen := llmtest.NewGenerator(llmtest.Rule{System: "explain query results", Err: errors.New("down")})
	gen.Fallback = sqlReply("SELECT id FROM orders")
	a := New(gen, &fakeRunner{res: &sqlexec.Result{Columns: []string{"id"}, Rows: rows, Truncated: true}}, Options{PreviewRows: 5})

	ans, err := a.Handle(context.Background(), "list order ids", shopSchema(), model.ConversationContext{})
	require.NoError(t, err)
	assert.Len(t, ans.SQL.RowsPreview, 5)
	assert.Equal(t, 20, ans.SQL.RowCount)
	assert.True(t, ans.SQL.Truncated)
	assert.True(t, strings.HasPrefix(ans.Text, "Found more than 20 rows."))
	assert.Contains(t, ans.Text, "... 10 more")
}

func TestHandle_UpstreamFailure(t *testing.T) {
	gen := llmtest.NewGenerator()
	gen.Fail = errors.New("connection reset")
	a := New(gen, &fakeRunner{}, Options{})

	_, err := a.Handle(context.Background(), "how many orders", shopSchema(), model.ConversationContext{})
	assert.Equal(t, errs.UpstreamUnavailable, errs.KindOf(err))
}

func TestHandle_EmptySchema(t *testing.T) {
	a := New(llmtest.NewGenerator(), &fakeRunner{}, Options{})
	_, err := a.Handle(context.Background(), "how many orders", model.SchemaSnapshot{}, model.ConversationContext{})
	assert.Equal(t, errs.SchemaUnavailable, errs.KindOf(err))
}

func TestHandle_UsesHistoryAndMarksStale(t *testing.T) {
	gen := llmtest.NewGenerator()
	gen.Fallback = sqlReply("SELECT count(*) FROM orders")
	a := New(gen, &fakeRunner{res: &sqlexec.Result{Columns: []string{"count"}, Rows: [][]any{{int64(7)}}}}, Options{})

	snap := shopSchema()
	snap.Stale = true
	cc := model.ConversationContext{Turns: []model.Turn{{Query: "how many orders last month", Answer: "The answer is 42."}}}

	ans, err := a.Handle(context.Background(), "and the month before?", snap, cc)
	require.NoError(t, err)
	assert.True(t, ans.SQL.StaleSchema)
	assert.Contains(t, gen.Calls()[0].Prompt, "how many orders last month")
}

func TestParseCandidate(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want candidate
	}{
		{name: "json sql", out: `{"type":"sql","content":"SELECT 1"}`, want: candidate{SQL: "SELECT 1"}},
		{name: "json text", out: `{"type":"text","content":"Need a date range."}`, want: candidate{Text: "Need a date range."}},
		{name: "fenced json", out: "```json\n{\"type\":\"sql\",\"content\":\"SELECT 2\"}\n```", want: candidate{SQL: "SELECT 2"}},
		{name: "fenced sql", out: "```sql\nSELECT 3\n```", want: candidate{SQL: "SELECT 3"}},
		{name: "bare with", out: "WITH x AS (SELECT 1) SELECT * FROM x", want: candidate{SQL: "WITH x AS (SELECT 1) SELECT * FROM x"}},
		{name: "bare delete still guarded", out: "delete from orders", want: candidate{SQL: "delete from orders"}},
		{name: "prose", out: "I am not sure what you mean.", want: candidate{Text: "I am not sure what you mean."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCandidate(tt.out))
		})
	}
}

func TestHandleQuery_FlaggedQuestion(t *testing.T) {
	const unionSQL = `SELECT name FROM customers UNION SELECT email FROM customers`
	runner := &fakeRunner{res: &sqlexec.Result{Columns: []string{"name"}, Rows: [][]any{{"Ada"}}}}

	gen := llmtest.NewGenerator().
		OnSystem("PostgreSQL", "Question:", sqlReply(unionSQL)).
		OnSystem("explain query results", "", "Ada is a customer.")
	a := New(gen, runner, Options{})

	q := model.Query{SanitizedText: "customer names OR 1=1 union select email", InjectionSuspected: true}
	_, err := a.HandleQuery(context.Background(), q, shopSchema(), model.ConversationContext{})
	require.Error(t, err)
	assert.Equal(t, errs.ForbiddenOperation, errs.KindOf(err))
	assert.Empty(t, runner.ran())

	calls := gen.Calls()
	require.NotEmpty(t, calls)
	assert.Contains(t, calls[0].Prompt, untrustedNote)

	q.InjectionSuspected = false
	_, err = a.HandleQuery(context.Background(), q, shopSchema(), model.ConversationContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{unionSQL}, runner.ran())

	var prompts []string
	for _, c := range gen.Calls() {
		if strings.Contains(c.Constraints.System, "PostgreSQL") {
			prompts = append(prompts, c.Prompt)
		}
	}
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[1], untrustedNote)
}

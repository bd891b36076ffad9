// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package sqlexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "tagrouter/cli/internal/errors"
	"tagrouter/cli/internal/model"
)

func shopSchema() model.SchemaSnapshot {
	return model.SchemaSnapshot{Tables: []model.Table{
		{
			Schema: "public",
			Name:   "orders",
			Columns: []model.Column{
				{Name: "id", Type: "bigint"},
				{Name: "customer_id", Type: "bigint"},
				{Name: "total", Type: "numeric"},
				{Name: "status", Type: "text", Enum: []string{"paid", "shipped", "refunded"}},
				{Name: "created_at", Type: "timestamp with time zone"},
			},
			PrimaryKey: []string{"id"},
			ForeignKeys: []model.ForeignKey{
				{Column: "customer_id", RefTable: "customers", RefColumn: "id"},
			},
		},
		{
			Schema: "public",
			Name:   "customers",
			Columns: []model.Column{
				{Name: "id", Type: "bigint"},
				{Name: "name", Type: "text"},
				{Name: "email", Type: "text"},
				{Name: "created_at", Type: "timestamp with time zone"},
			},
			PrimaryKey: []string{"id"},
		},
	}}
}

func TestAnalyze_Forbidden(t *testing.T) {
	tests := []struct {
		name string
		sql  string
	}{
		{name: "empty", sql: "   "},
		{name: "only semicolons", sql: ";;"},
		{name: "delete", sql: "DELETE FROM orders"},
		{name: "update", sql: "update orders set total = 0"},
		{name: "stacked drop", sql: "SELECT 1; DROP TABLE orders"},
		{name: "data-modifying cte", sql: "WITH gone AS (DELETE FROM orders RETURNING *) SELECT * FROM gone"},
		{name: "select into", sql: "SELECT * INTO backup FROM orders"},
		{name: "row lock", sql: "SELECT * FROM orders FOR UPDATE"},
		{name: "share lock", sql: "SELECT * FROM orders FOR KEY SHARE"},
		{name: "sequence bump", sql: "SELECT nextval('orders_id_seq')"},
		{name: "sleep", sql: "SELECT pg_sleep(10)"},
		{name: "file read", sql: "select PG_READ_FILE('/etc/passwd')"},
		{name: "unterminated string", sql: "SELECT 'open"},
		{name: "unterminated comment", sql: "SELECT 1 /* never closed"},
		{name: "backslash does not hide a statement", sql: `SELECT E'abc\' ; DELETE FROM orders --'`},
		{name: "comment hides keyword start", sql: "/* SELECT */ TRUNCATE orders"},
		{name: "explain", sql: "EXPLAIN ANALYZE DELETE FROM orders"},
		{name: "quoted dblink_exec", sql: `SELECT "dblink_exec"('dbname=x', 'DROP TABLE y')`},
		{name: "quoted terminate backend", sql: `SELECT "pg_terminate_backend"(o.id) FROM orders o`},
		{name: "quoted sleep", sql: `SELECT "pg_sleep"(3600)`},
		{name: "schema qualified sleep", sql: "SELECT pg_catalog.pg_sleep(1)"},
		{name: "side effect in subquery", sql: "SELECT id FROM orders WHERE id IN (SELECT pg_cancel_backend(1))"},
		{name: "side effect in cte", sql: "WITH t AS (SELECT setval('orders_id_seq', 1)) SELECT * FROM t"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Analyze(tt.sql)
			require.Error(t, err)
			assert.Equal(t, errs.ForbiddenOperation, errs.KindOf(err))
		})
	}
}

func TestAnalyze_ReadOnlyAllowed(t *testing.T) {
	tests := []struct {
		name string
		sql  string
	}{
		{name: "plain count", sql: "SELECT count(*) FROM orders"},
		{name: "trailing semicolon", sql: "SELECT id FROM orders WHERE status = 'shipped';"},
		{name: "keyword inside string", sql: "SELECT id FROM orders WHERE status = 'delete me; drop table x'"},
		{name: "keyword inside quoted identifier", sql: `SELECT "update" FROM orders`},
		{name: "dollar quoted", sql: "SELECT $x$ ; DELETE $x$ AS s"},
		{name: "leading comment", sql: "-- monthly\nSELECT 1"},
		{name: "parenthesized", sql: "(SELECT 1) UNION (SELECT 2)"},
		{name: "substring with for", sql: "SELECT substring(name FROM 1 FOR 3) FROM customers"},
		{name: "cte", sql: "WITH recent AS (SELECT * FROM orders) SELECT count(*) FROM recent"},
		{name: "quoted column named like a function", sql: `SELECT "pg_sleep" FROM orders`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Analyze(tt.sql)
			assert.NoError(t, err)
		})
	}
}

func TestAnalyze_CollectsTables(t *testing.T) {
	st, err := Analyze(`SELECT c.name, sum(o.total) AS revenue
		FROM orders o JOIN public.customers AS c ON c.id = o.customer_id
		GROUP BY c.name ORDER BY revenue DESC LIMIT 5`)
	require.NoError(t, err)

	assert.Equal(t, []TableRef{
		{Name: "orders", Alias: "o"},
		{Schema: "public", Name: "customers", Alias: "c"},
	}, st.Tables)
	assert.Contains(t, st.Columns, ColumnRef{Qualifier: "o", Name: "total"})
	assert.Contains(t, st.Columns, ColumnRef{Qualifier: "c", Name: "id"})
}

func TestStatement_Validate(t *testing.T) {
	snap := shopSchema()

	tests := []struct {
		name    string
		sql     string
		wantErr string
	}{
		{
			name: "orders last month",
			sql: `SELECT count(*) FROM orders
				WHERE created_at >= date_trunc('month', now()) - interval '1 month'
				  AND created_at < date_trunc('month', now())`,
		},
		{
			name: "join with aliases",
			sql: `SELECT c.name, sum(o.total) AS revenue FROM orders o
				JOIN customers c ON c.id = o.customer_id
				GROUP BY c.name ORDER BY revenue DESC`,
		},
		{
			name: "implicit alias and cast",
			sql:  "SELECT total::numeric(10,2) amount, created_at::date AS day FROM orders ORDER BY day",
		},
		{
			name: "extract from",
			sql:  "SELECT extract(year FROM created_at) AS y, count(*) FROM orders GROUP BY y",
		},
		{
			name: "derived table",
			sql: `SELECT t.customer_id FROM
				(SELECT customer_id, count(*) AS n FROM orders GROUP BY customer_id) t
				WHERE t.n > 3`,
		},
		{
			name: "case expression alias",
			sql:  "SELECT CASE WHEN total > 100 THEN 'big' ELSE 'small' END size FROM orders",
		},
		{
			name:    "unknown column",
			sql:     "SELECT cost FROM orders",
			wantErr: "unknown column cost",
		},
		{
			name:    "unknown table",
			sql:     "SELECT * FROM invoices",
			wantErr: "unknown table invoices",
		},
		{
			name:    "unknown qualified column",
			sql:     "SELECT o.discount FROM orders o",
			wantErr: "column o.discount",
		},
		{
			name:    "column from the wrong table",
			sql:     "SELECT email FROM orders",
			wantErr: "column email",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := Analyze(tt.sql)
			require.NoError(t, err)

			err = st.Validate(snap)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, errs.SchemaMismatch, errs.KindOf(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAnalyze_SubqueryAndUsing(t *testing.T) {
	st, err := Analyze(`SELECT c.name FROM customers c
		WHERE c.id IN (SELECT customer_id FROM orders WHERE status = 'refunded')`)
	require.NoError(t, err)
	assert.ElementsMatch(t, []TableRef{
		{Name: "customers", Alias: "c"},
		{Name: "orders"},
	}, st.Tables)
	assert.Contains(t, st.Columns, ColumnRef{Name: "customer_id"})
	assert.Contains(t, st.Columns, ColumnRef{Name: "status"})
	assert.NoError(t, st.Validate(shopSchema()))

	st, err = Analyze("SELECT o.total FROM orders o JOIN customers c USING (id)")
	require.NoError(t, err)
	assert.Contains(t, st.Columns, ColumnRef{Name: "id"})
	assert.NoError(t, st.Validate(shopSchema()))
}

func TestAnalyze_GrammarGapStillGuarded(t *testing.T) {
	// Grouping sets are valid PostgreSQL; whichever path collects the
	// references, the tables must come out and writes must stay blocked.
	st, err := Analyze("SELECT status, count(*) FROM orders GROUP BY ROLLUP (status)")
	require.NoError(t, err)
	assert.Equal(t, []TableRef{{Name: "orders"}}, st.Tables)

	_, err = Analyze(`SELECT status FROM orders GROUP BY ROLLUP (status), "pg_sleep"(5)`)
	assert.Equal(t, errs.ForbiddenOperation, errs.KindOf(err))
}

// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package sqlexec

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "tagrouter/cli/internal/errors"
)

func TestExtractEnumValues(t *testing.T) {
	tests := []struct {
		name   string
		clause string
		want   []string
	}{
		{
			name:   "in list",
			clause: "status IN ('queued','running','done','failed')",
			want:   []string{"queued", "running", "done", "failed"},
		},
		{
			name:   "any array with casts",
			clause: "CHECK ((status = ANY (ARRAY['paid'::text, 'shipped'::text, 'refunded'::text])))",
			want:   []string{"paid", "shipped", "refunded"},
		},
		{
			name:   "varchar casts",
			clause: "CHECK (((kind)::text = ANY ((ARRAY['a'::character varying, 'b'::character varying])::text[])))",
			want:   []string{"a", "b"},
		},
		{
			name:   "range check",
			clause: "CHECK ((total >= (0)::numeric))",
			want:   nil,
		},
		{
			name:   "column list is not an enum",
			clause: "CHECK ((a IN (b, c)))",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractEnumValues(tt.clause))
		})
	}
}

func TestDescribe(t *testing.T) {
	out := Describe(shopSchema(), nil)
	assert.Contains(t, out, "TABLE orders (")
	assert.Contains(t, out, "status text NOT NULL, -- one of: 'paid', 'shipped', 'refunded'")
	assert.Contains(t, out, "PRIMARY KEY (id)")
	assert.Contains(t, out, "-- orders.customer_id references customers.id")
	assert.Contains(t, out, "TABLE customers (")

	only := Describe(shopSchema(), []string{"customers"})
	assert.NotContains(t, only, "TABLE orders")
	assert.Contains(t, only, "email text")
}

func TestNormalize(t *testing.T) {
	id := [16]byte{0x12, 0x3e, 0x45, 0x67, 0xe8, 0x9b, 0x12, 0xd3, 0xa4, 0x56, 0x42, 0x66, 0x14, 0x17, 0x40, 0x00}
	date := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	ts := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)

	var whole, frac pgtype.Numeric
	require.NoError(t, whole.Scan("42"))
	require.NoError(t, frac.Scan("19.5"))

	tests := []struct {
		name string
		in   any
		want any
	}{
		{name: "nil", in: nil, want: nil},
		{name: "uuid array", in: id, want: "123e4567-e89b-12d3-a456-426614174000"},
		{name: "uuid bytes", in: id[:], want: "123e4567-e89b-12d3-a456-426614174000"},
		{name: "bytea", in: []byte{0xde, 0xad}, want: `\xdead`},
		{name: "int32", in: int32(7), want: int64(7)},
		{name: "whole numeric", in: whole, want: int64(42)},
		{name: "fractional numeric", in: frac, want: 19.5},
		{name: "invalid numeric", in: pgtype.Numeric{}, want: nil},
		{name: "date", in: date, want: "2025-03-01"},
		{name: "timestamp", in: ts, want: "2025-03-01T10:30:00Z"},
		{name: "interval", in: pgtype.Interval{Days: 3, Valid: true}, want: "3 days"},
		{name: "string", in: "x", want: "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

// TestExecutor_Postgres runs against a live database when TAGROUTER_TEST_DSN is set.
func TestExecutor_Postgres(t *testing.T) {
	dsn := os.Getenv("TAGROUTER_TEST_DSN")
	if dsn == "" {
		t.Skip("TAGROUTER_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := OpenPool(ctx, dsn, 2)
	require.NoError(t, err)
	defer pool.Close()

	ex := New(pool, 3, 2*time.Second)

	res, err := ex.Query(ctx, "SELECT g AS n FROM generate_series(1, 10) g ORDER BY g")
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, res.Columns)
	assert.Len(t, res.Rows, 3)
	assert.True(t, res.Truncated)
	assert.Equal(t, int64(1), res.Rows[0][0])

	_, err = ex.Query(ctx, "SELECT pg_sleep(5)")
	assert.Equal(t, errs.ForbiddenOperation, errs.KindOf(err))

	_, err = ex.Query(ctx, "SELECT count(*) FROM generate_series(1, 100000000)")
	assert.Equal(t, errs.ExecutionFailed, errs.KindOf(err))

	snap, err := NewSchemaInspector(pool, []string{"pg_catalog"}).FetchSchema(ctx)
	require.NoError(t, err)
	_, ok := snap.Table("pg_class")
	assert.True(t, ok)
}

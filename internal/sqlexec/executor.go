// Package sqlexec runs guarded, read-only SQL over a pgx connection pool.
//
// Every statement goes through Analyze before it reaches the database and is
// then executed inside a READ ONLY transaction with a statement timeout, so a
// statement that slips past the guard is still rejected by PostgreSQL itself.
// The package also inspects information_schema to build schema snapshots and
// caches them behind a SchemaProvider.
package sqlexec

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	errs "tagrouter/cli/internal/errors"
	"tagrouter/cli/internal/logging"
)

// Result is a normalized query result. Values in Rows are plain Go values
// (string, int64, float64, bool, nil) safe to marshal as JSON.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	// Truncated is set when the statement produced more than the row limit.
	Truncated bool `json:"truncated,omitempty"`
}

// RowCount returns the number of rows kept.
func (r *Result) RowCount() int { return len(r.Rows) }

// Runner executes a single read-only statement.
type Runner interface {
	Query(ctx context.Context, sql string) (*Result, error)
}

// Executor executes read-only statements using a connection pool.
type Executor struct {
	// Pool is the PostgreSQL connection pool
	Pool *pgxpool.Pool

	maxRows     int
	stmtTimeout time.Duration
}

// New creates an Executor from an existing pgx pool.
func New(pool *pgxpool.Pool, maxRows int, stmtTimeout time.Duration) *Executor {
	if maxRows <= 0 {
		maxRows = 100
	}
	return &Executor{Pool: pool, maxRows: maxRows, stmtTimeout: stmtTimeout}
}

// OpenPool parses dsn, caps the pool size and verifies connectivity.
func OpenPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errs.Wrap(errs.ExecutionFailed, "invalid database DSN", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "tagrouter"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.Wrap(errs.ExecutionFailed, "could not create connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.ExecutionFailed, "could not connect to the database", err)
	}
	return pool, nil
}

// Query guards sql, runs it in a read-only transaction and returns at most
// maxRows rows. Failures are ExecutionFailed unless the guard rejects the
// statement (ForbiddenOperation).
func (e *Executor) Query(ctx context.Context, sql string) (*Result, error) {
	if _, err := Analyze(sql); err != nil {
		return nil, err
	}
	body := strings.TrimRight(strings.TrimSpace(sql), "; \t\n")

	conn, err := e.Pool.Acquire(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.ExecutionFailed, "could not reach the database", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, errs.Wrap(errs.ExecutionFailed, "could not start a read-only transaction", err)
	}
	// Nothing is ever committed.
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if e.stmtTimeout > 0 {
		ms := e.stmtTimeout.Milliseconds()
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", ms)); err != nil {
			return nil, errs.Wrap(errs.ExecutionFailed, "could not set statement timeout", err)
		}
	}

	start := time.Now()
	rows, err := tx.Query(ctx, fmt.Sprintf("SELECT * FROM (%s) AS _q LIMIT $1", body), e.maxRows+1)
	if err != nil {
		return nil, execError(err)
	}
	defer rows.Close()

	res := &Result{Columns: []string{}, Rows: [][]any{}}
	for _, fd := range rows.FieldDescriptions() {
		res.Columns = append(res.Columns, fd.Name)
	}
	for rows.Next() {
		if len(res.Rows) == e.maxRows {
			res.Truncated = true
			break
		}
		vals, err := rows.Values()
		if err != nil {
			return nil, execError(err)
		}
		row := make([]any, len(vals))
		for i, v := range vals {
			row[i] = Normalize(v)
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, execError(err)
	}

	log.Debug().
		Str("sql", logging.Truncate(body, 200)).
		Int("rows", len(res.Rows)).
		Bool("truncated", res.Truncated).
		Dur("took", time.Since(start)).
		Msg("query executed")
	return res, nil
}

// Ping verifies that the pool can reach the database.
func (e *Executor) Ping(ctx context.Context) error {
	if err := e.Pool.Ping(ctx); err != nil {
		return errs.Wrap(errs.ExecutionFailed, "could not connect to the database", err)
	}
	return nil
}

// ServerVersion returns the server_version setting.
func (e *Executor) ServerVersion(ctx context.Context) (string, error) {
	var v string
	if err := e.Pool.QueryRow(ctx, "SHOW server_version").Scan(&v); err != nil {
		return "", errs.Wrap(errs.ExecutionFailed, "could not read server version", err)
	}
	return v, nil
}

func execError(err error) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57014":
			return errs.Wrap(errs.ExecutionFailed, "the query took too long and was cancelled", err)
		case "25006":
			return errs.Wrap(errs.ForbiddenOperation, "the database refused a write in a read-only transaction", err)
		}
		return errs.Wrap(errs.ExecutionFailed, "the database rejected the query: "+pgErr.Message, err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.ExecutionFailed, "the query took too long and was cancelled", err)
	}
	return errs.Wrap(errs.ExecutionFailed, "the query could not be executed", err)
}

// Normalize converts pgx values into JSON- and prompt-friendly scalars.
func Normalize(val any) any {
	switch v := val.(type) {
	case nil:
		return nil
	case [16]byte:
		return uuid.UUID(v).String()
	case []byte:
		if len(v) == 16 {
			if id, err := uuid.FromBytes(v); err == nil {
				return id.String()
			}
		}
		return fmt.Sprintf("\\x%x", v)
	case pgtype.Numeric:
		if !v.Valid {
			return nil
		}
		if v.NaN {
			return "NaN"
		}
		f, err := v.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		if f.Float64 == math.Trunc(f.Float64) && math.Abs(f.Float64) < 1<<53 {
			return int64(f.Float64)
		}
		return f.Float64
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case float32:
		return float64(v)
	case time.Time:
		if v.Hour() == 0 && v.Minute() == 0 && v.Second() == 0 && v.Nanosecond() == 0 && v.Location() == time.UTC {
			return v.Format("2006-01-02")
		}
		return v.Format(time.RFC3339)
	case pgtype.Interval:
		if !v.Valid {
			return nil
		}
		return formatInterval(v)
	case string, int64, float64, bool:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return val
}

func formatInterval(v pgtype.Interval) string {
	var parts []string
	if v.Months != 0 {
		parts = append(parts, fmt.Sprintf("%d mons", v.Months))
	}
	if v.Days != 0 {
		parts = append(parts, fmt.Sprintf("%d days", v.Days))
	}
	if v.Microseconds != 0 || len(parts) == 0 {
		parts = append(parts, (time.Duration(v.Microseconds) * time.Microsecond).String())
	}
	return strings.Join(parts, " ")
}

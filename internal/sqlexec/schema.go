// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package sqlexec

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	errs "tagrouter/cli/internal/errors"
	"tagrouter/cli/internal/model"
)

var (
	inListRegex   = regexp.MustCompile(`(?i)\bIN\s*\(\s*([^)]+)\)`)
	anyArrayRegex = regexp.MustCompile(`(?i)=\s*ANY\s*\(\s*\(?\s*ARRAY\s*\[([^\]]+)\]`)
)

// SchemaInspector reads table metadata from information_schema and pg_catalog.
type SchemaInspector struct {
	// pool is the connection pool for executing schema queries
	pool *pgxpool.Pool
	// schemas limits inspection to these namespaces
	schemas []string
}

// NewSchemaInspector creates a new SchemaInspector over the given schemas.
// An empty list inspects "public".
func NewSchemaInspector(pool *pgxpool.Pool, schemas []string) *SchemaInspector {
	if len(schemas) == 0 {
		schemas = []string{"public"}
	}
	return &SchemaInspector{pool: pool, schemas: schemas}
}

// tableSet accumulates tables keyed by schema.name while loading.
type tableSet struct {
	order  []string
	tables map[string]*model.Table
}

func (s *tableSet) get(schema, name string) *model.Table {
	return s.tables[schema+"."+name]
}

// FetchSchema loads every table and view of the configured schemas with
// columns, primary keys, foreign keys and enumerated values.
func (si *SchemaInspector) FetchSchema(ctx context.Context) (model.SchemaSnapshot, error) {
	conn, err := si.pool.Acquire(ctx)
	if err != nil {
		return model.SchemaSnapshot{}, errs.Wrap(errs.SchemaUnavailable, "could not reach the database", err)
	}
	defer conn.Release()

	set := &tableSet{tables: map[string]*model.Table{}}
	if err := si.loadColumns(ctx, conn, set); err != nil {
		return model.SchemaSnapshot{}, errs.Wrap(errs.SchemaUnavailable, "could not read table metadata", err)
	}
	if err := si.loadPrimaryKeys(ctx, conn, set); err != nil {
		return model.SchemaSnapshot{}, errs.Wrap(errs.SchemaUnavailable, "could not read primary keys", err)
	}
	// The rest is enrichment; a failure leaves the snapshot usable.
	if err := si.loadForeignKeys(ctx, conn, set); err != nil {
		log.Debug().Err(err).Msg("foreign keys unavailable")
	}
	if err := si.loadCheckConstraints(ctx, conn, set); err != nil {
		log.Debug().Err(err).Msg("check constraints unavailable")
	}
	if err := si.loadEnumTypes(ctx, conn, set); err != nil {
		log.Debug().Err(err).Msg("enum types unavailable")
	}

	snap := model.SchemaSnapshot{FetchedAt: time.Now()}
	for _, key := range set.order {
		snap.Tables = append(snap.Tables, *set.tables[key])
	}
	return snap, nil
}

func (si *SchemaInspector) loadColumns(ctx context.Context, conn *pgxpool.Conn, set *tableSet) error {
	const q = `
		SELECT c.table_schema, c.table_name, c.column_name, c.data_type, c.is_nullable = 'YES'
		FROM information_schema.columns c
		JOIN information_schema.tables t
		  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
		WHERE c.table_schema = ANY($1) AND t.table_type IN ('BASE TABLE', 'VIEW')
		ORDER BY c.table_schema, c.table_name, c.ordinal_position`

	rows, err := conn.Query(ctx, q, si.schemas)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, col, typ string
		var nullable bool
		if err := rows.Scan(&schema, &table, &col, &typ, &nullable); err != nil {
			return err
		}
		t := set.get(schema, table)
		if t == nil {
			t = &model.Table{Schema: schema, Name: table}
			set.tables[schema+"."+table] = t
			set.order = append(set.order, schema+"."+table)
		}
		t.Columns = append(t.Columns, model.Column{Name: col, Type: typ, Nullable: nullable})
	}
	return rows.Err()
}

// loadPrimaryKeys queries and populates primary key information.
func (si *SchemaInspector) loadPrimaryKeys(ctx context.Context, conn *pgxpool.Conn, set *tableSet) error {
	const q = `
		SELECT kc.table_schema, kc.table_name, kc.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kc
		  ON tc.constraint_name = kc.constraint_name
		 AND tc.table_schema = kc.table_schema
		 AND tc.table_name = kc.table_name
		WHERE tc.table_schema = ANY($1) AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kc.table_schema, kc.table_name, kc.ordinal_position`

	rows, err := conn.Query(ctx, q, si.schemas)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, col string
		if err := rows.Scan(&schema, &table, &col); err != nil {
			return err
		}
		if t := set.get(schema, table); t != nil {
			t.PrimaryKey = append(t.PrimaryKey, col)
		}
	}
	return rows.Err()
}

func (si *SchemaInspector) loadForeignKeys(ctx context.Context, conn *pgxpool.Conn, set *tableSet) error {
	const q = `
		SELECT kcu.table_schema, kcu.table_name, kcu.column_name, ccu.table_schema, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON ccu.constraint_name = tc.constraint_name AND ccu.constraint_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = ANY($1)
		ORDER BY kcu.table_schema, kcu.table_name, kcu.ordinal_position`

	rows, err := conn.Query(ctx, q, si.schemas)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, col, refSchema, refTable, refCol string
		if err := rows.Scan(&schema, &table, &col, &refSchema, &refTable, &refCol); err != nil {
			return err
		}
		t := set.get(schema, table)
		if t == nil {
			continue
		}
		ref := refTable
		if refSchema != schema {
			ref = refSchema + "." + refTable
		}
		t.ForeignKeys = append(t.ForeignKeys, model.ForeignKey{Column: col, RefTable: ref, RefColumn: refCol})
	}
	return rows.Err()
}

// loadCheckConstraints reads single-column check constraints and keeps the
// enum-like ones.
func (si *SchemaInspector) loadCheckConstraints(ctx context.Context, conn *pgxpool.Conn, set *tableSet) error {
	const q = `
		SELECT n.nspname, rel.relname, a.attname, pg_get_constraintdef(con.oid)
		FROM pg_constraint con
		JOIN pg_class rel ON rel.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = rel.relnamespace
		JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = con.conkey[1]
		WHERE con.contype = 'c' AND array_length(con.conkey, 1) = 1 AND n.nspname = ANY($1)`

	rows, err := conn.Query(ctx, q, si.schemas)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, col, clause string
		if err := rows.Scan(&schema, &table, &col, &clause); err != nil {
			return err
		}
		if values := extractEnumValues(clause); len(values) > 0 {
			setEnum(set.get(schema, table), col, values)
		}
	}
	return rows.Err()
}

func (si *SchemaInspector) loadEnumTypes(ctx context.Context, conn *pgxpool.Conn, set *tableSet) error {
	const q = `
		SELECT c.table_schema, c.table_name, c.column_name, e.enumlabel
		FROM information_schema.columns c
		JOIN pg_type t ON t.typname = c.udt_name
		JOIN pg_namespace tn ON tn.oid = t.typnamespace AND tn.nspname = c.udt_schema
		JOIN pg_enum e ON e.enumtypid = t.oid
		WHERE c.table_schema = ANY($1) AND c.data_type = 'USER-DEFINED'
		ORDER BY c.table_schema, c.table_name, c.column_name, e.enumsortorder`

	rows, err := conn.Query(ctx, q, si.schemas)
	if err != nil {
		return err
	}
	defer rows.Close()

	values := map[[3]string][]string{}
	var keys [][3]string
	for rows.Next() {
		var schema, table, col, label string
		if err := rows.Scan(&schema, &table, &col, &label); err != nil {
			return err
		}
		k := [3]string{schema, table, col}
		if _, ok := values[k]; !ok {
			keys = append(keys, k)
		}
		values[k] = append(values[k], label)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, k := range keys {
		setEnum(set.get(k[0], k[1]), k[2], values[k])
	}
	return nil
}

func setEnum(t *model.Table, col string, values []string) {
	if t == nil {
		return
	}
	for i := range t.Columns {
		if t.Columns[i].Name == col {
			t.Columns[i].Enum = values
			return
		}
	}
}

// extractEnumValues extracts enum values from a check constraint clause.
// It supports patterns like:
//   - "status IN ('queued','running','done','failed')"
//   - "status = ANY (ARRAY['queued'::text, 'running'::text, ...])"
func extractEnumValues(checkClause string) []string {
	if match := anyArrayRegex.FindStringSubmatch(checkClause); len(match) > 1 {
		return parseEnumValueList(match[1])
	}
	if match := inListRegex.FindStringSubmatch(checkClause); len(match) > 1 {
		return parseEnumValueList(match[1])
	}
	return nil
}

// parseEnumValueList parses a comma-separated list of quoted values.
// Type casts are removed before the quotes.
func parseEnumValueList(valueList string) []string {
	var result []string
	for _, val := range strings.Split(valueList, ",") {
		val = strings.TrimSpace(val)
		if idx := strings.Index(val, "::"); idx >= 0 {
			val = val[:idx]
		}
		val = strings.TrimSpace(strings.Trim(strings.TrimSpace(val), "()"))
		if !strings.HasPrefix(val, "'") && !strings.HasPrefix(val, `"`) {
			// Not a literal list (e.g. "x IN (a, b)" over columns).
			return nil
		}
		val = strings.Trim(val, "'\"")
		if val != "" {
			result = append(result, val)
		}
	}
	return result
}

// Describe renders a snapshot as compact DDL-like text for prompts.
// Only the named tables are included when filter is non-empty.
func Describe(snap model.SchemaSnapshot, filter []string) string {
	keep := map[string]bool{}
	for _, f := range filter {
		keep[strings.ToLower(f)] = true
	}

	var b strings.Builder
	for _, t := range snap.Tables {
		if len(keep) > 0 && !keep[strings.ToLower(t.QualifiedName())] && !keep[strings.ToLower(t.Name)] {
			continue
		}
		b.WriteString("TABLE ")
		b.WriteString(t.QualifiedName())
		b.WriteString(" (\n")
		for i, c := range t.Columns {
			b.WriteString("  ")
			b.WriteString(c.Name)
			b.WriteString(" ")
			b.WriteString(c.Type)
			if !c.Nullable {
				b.WriteString(" NOT NULL")
			}
			if i < len(t.Columns)-1 || len(t.PrimaryKey) > 0 {
				b.WriteString(",")
			}
			if len(c.Enum) > 0 {
				b.WriteString(" -- one of: '")
				b.WriteString(strings.Join(c.Enum, "', '"))
				b.WriteString("'")
			}
			b.WriteString("\n")
		}
		if len(t.PrimaryKey) > 0 {
			b.WriteString("  PRIMARY KEY (")
			b.WriteString(strings.Join(t.PrimaryKey, ", "))
			b.WriteString(")\n")
		}
		b.WriteString(")\n")
		fks := append([]model.ForeignKey(nil), t.ForeignKeys...)
		sort.Slice(fks, func(i, j int) bool { return fks[i].Column < fks[j].Column })
		for _, fk := range fks {
			b.WriteString("-- ")
			b.WriteString(t.Name + "." + fk.Column)
			b.WriteString(" references ")
			b.WriteString(fk.RefTable + "." + fk.RefColumn)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

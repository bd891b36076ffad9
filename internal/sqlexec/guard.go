// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package sqlexec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/auxten/postgresql-parser/pkg/sql/parser"
	"github.com/rs/zerolog/log"

	errs "tagrouter/cli/internal/errors"
	"tagrouter/cli/internal/model"
)

// mutating keywords may not appear anywhere outside strings and quoted identifiers.
var mutating = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true,
	"DROP": true, "CREATE": true, "ALTER": true, "TRUNCATE": true,
	"GRANT": true, "REVOKE": true, "VACUUM": true, "COPY": true,
}

// typeWords continue a multi-word type name after a cast.
var typeWords = toSet(`PRECISION VARYING WITH WITHOUT TIME ZONE`)

// sideEffectFuncs mutate state or reach outside the database when called.
var sideEffectFuncs = map[string]bool{
	"NEXTVAL": true, "SETVAL": true, "SET_CONFIG": true, "PG_SLEEP": true,
	"PG_SLEEP_FOR": true, "PG_SLEEP_UNTIL": true,
	"PG_TERMINATE_BACKEND": true, "PG_CANCEL_BACKEND": true, "PG_RELOAD_CONF": true,
	"PG_ROTATE_LOGFILE": true, "PG_ADVISORY_LOCK": true, "PG_ADVISORY_XACT_LOCK": true,
	"LO_IMPORT": true, "LO_EXPORT": true, "LO_UNLINK": true, "LO_CREATE": true,
	"PG_READ_FILE": true, "PG_READ_BINARY_FILE": true, "PG_LS_DIR": true, "PG_STAT_FILE": true,
	"DBLINK": true, "DBLINK_EXEC": true, "DBLINK_CONNECT": true,
	"PG_NOTIFY": true, "TXID_CURRENT": true, "PG_CURRENT_XACT_ID": true,
}

// fromInside lists functions whose argument syntax uses FROM.
var fromInside = map[string]bool{
	"EXTRACT": true, "SUBSTRING": true, "TRIM": true, "OVERLAY": true, "POSITION": true,
}

// reserved is the vocabulary that is never a column reference.
var reserved = toSet(`SELECT FROM WHERE GROUP BY ORDER HAVING LIMIT OFFSET AS ON JOIN INNER LEFT
RIGHT FULL OUTER CROSS NATURAL USING AND OR NOT IN IS NULL LIKE ILIKE SIMILAR TO ESCAPE BETWEEN
SYMMETRIC CASE WHEN THEN ELSE END DISTINCT ALL ANY SOME EXISTS UNION INTERSECT EXCEPT ASC DESC
NULLS FIRST LAST TRUE FALSE UNKNOWN INTERVAL DATE TIME TIMESTAMP TIMESTAMPTZ WITH WITHOUT ZONE AT
RECURSIVE OVER PARTITION WINDOW ROWS RANGE GROUPS PRECEDING FOLLOWING UNBOUNDED CURRENT ROW
FILTER WITHIN LATERAL ONLY FETCH NEXT ROWS TIES CAST EXTRACT EPOCH CENTURY DECADE YEAR YEARS
MONTH MONTHS DAY DAYS HOUR HOURS MINUTE MINUTES SECOND SECONDS WEEK WEEKS QUARTER DOW DOY ISODOW
ISOYEAR MILLISECONDS MICROSECONDS CURRENT_DATE CURRENT_TIME CURRENT_TIMESTAMP LOCALTIME
LOCALTIMESTAMP CURRENT_USER SESSION_USER USER COLLATE VALUES DEFAULT TABLESAMPLE ROLLUP CUBE
GROUPING SETS ARRAY ROW ORDINALITY BOTH LEADING TRAILING FOR PLACING VARYING PRECISION
INTEGER INT BIGINT SMALLINT NUMERIC DECIMAL REAL FLOAT DOUBLE TEXT VARCHAR CHAR CHARACTER BOOLEAN
BOOL JSON JSONB UUID BYTEA MONEY`)

func toSet(words string) map[string]bool {
	m := map[string]bool{}
	for _, w := range strings.Fields(words) {
		m[w] = true
	}
	return m
}

// TableRef is a relation named in a FROM or JOIN clause.
type TableRef struct {
	Schema string
	Name   string
	Alias  string
}

func (t TableRef) qualified() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// ColumnRef is an identifier that must resolve to a column. Qualifier is the
// table name or alias before the dot, empty for bare names.
type ColumnRef struct {
	Qualifier string
	Name      string
}

// Statement is a guarded, analyzed read-only query.
type Statement struct {
	SQL     string
	Tables  []TableRef
	Columns []ColumnRef

	// SetOperation is set when the statement combines queries with UNION,
	// INTERSECT or EXCEPT.
	SetOperation bool

	ctes    map[string]bool
	aliases map[string]string // alias -> qualified table ("" for derived sources)
	outputs map[string]bool   // select-list aliases
	// opaque is set when a source has columns the snapshot cannot describe
	// (CTEs, subqueries, set-returning functions).
	opaque bool
}

// Analyze rejects anything that is not a single read-only SELECT and collects
// the tables and columns the statement references. Rejections are
// ForbiddenOperation.
//
// A token scan rejects write keywords, locking clauses and side-effect calls
// first. The statement is then parsed with the PostgreSQL grammar and its
// tree supplies the references.
func Analyze(sql string) (*Statement, error) {
	text := strings.TrimSpace(sql)
	toks, ok := lex(text)
	if !ok {
		return nil, errs.New(errs.ForbiddenOperation, "the generated statement could not be parsed safely")
	}
	for len(toks) > 0 && toks[len(toks)-1].is(tokPunct, ";") {
		toks = toks[:len(toks)-1]
	}
	if len(toks) == 0 {
		return nil, errs.New(errs.ForbiddenOperation, "the generated statement is empty")
	}

	first := 0
	for first < len(toks) && toks[first].is(tokPunct, "(") {
		first++
	}
	if first >= len(toks) || !(toks[first].keyword("SELECT") || toks[first].keyword("WITH")) {
		return nil, forbidden("only SELECT statements are allowed, got %s", describe(toks[first:]))
	}

	for i, t := range toks {
		switch {
		case t.is(tokPunct, ";"):
			return nil, forbidden("multiple statements are not allowed")
		case t.kind == tokQuotedIdent:
			// "pg_sleep"(1) resolves to the same function as pg_sleep(1).
			if sideEffectFuncs[strings.ToUpper(t.text)] && i+1 < len(toks) && toks[i+1].is(tokPunct, "(") {
				return nil, forbidden("function %s has side effects", strings.ToLower(t.text))
			}
			continue
		case t.kind != tokIdent:
			continue
		case mutating[t.upper]:
			return nil, forbidden("%s is not a read-only operation", t.upper)
		case t.upper == "INTO":
			return nil, forbidden("SELECT INTO creates a table")
		case t.upper == "FOR" && i+1 < len(toks) && isLockClause(toks[i+1:]):
			return nil, forbidden("row locking clauses are not allowed")
		case sideEffectFuncs[t.upper] && i+1 < len(toks) && toks[i+1].is(tokPunct, "("):
			return nil, forbidden("function %s has side effects", strings.ToLower(t.text))
		}
	}

	stmts, perr := parser.Parse(text)
	if perr == nil {
		return fromTree(text, stmts)
	}
	// The grammar lacks a few PostgreSQL forms; the token scan above has
	// already ruled out writes, so only reference collection falls back.
	log.Debug().Err(perr).Msg("sql grammar rejected statement, collecting references from tokens")
	st := newStatement(text)
	st.collect(toks)
	return st, nil
}

func newStatement(text string) *Statement {
	return &Statement{
		SQL:     text,
		ctes:    map[string]bool{},
		aliases: map[string]string{},
		outputs: map[string]bool{},
	}
}

// addTable records a FROM/JOIN relation. A bare name that matches a CTE is
// not a table.
func (st *Statement) addTable(ref TableRef) {
	if !st.ctes[ref.Name] || ref.Schema != "" {
		st.Tables = append(st.Tables, ref)
		if ref.Alias != "" {
			st.aliases[ref.Alias] = ref.qualified()
		}
		return
	}
	if ref.Alias != "" {
		st.aliases[ref.Alias] = ""
	}
}

// addDerived records a source whose columns the snapshot cannot describe.
func (st *Statement) addDerived(alias string) {
	st.opaque = true
	if alias != "" {
		st.aliases[alias] = ""
	}
}

func forbidden(format string, args ...any) error {
	return errs.New(errs.ForbiddenOperation, fmt.Sprintf(format, args...))
}

func describe(toks []token) string {
	if len(toks) == 0 {
		return "nothing"
	}
	if toks[0].kind == tokIdent {
		return toks[0].upper
	}
	return fmt.Sprintf("%q", toks[0].text)
}

func isLockClause(rest []token) bool {
	if len(rest) == 0 {
		return false
	}
	if rest[0].keyword("UPDATE") || rest[0].keyword("SHARE") {
		return true
	}
	return rest[0].keyword("NO") || rest[0].keyword("KEY")
}

type parenKind int

const (
	parenPlain parenKind = iota
	parenFromArgs
)

// collect walks the token stream once, recording table references from
// FROM/JOIN clauses, CTE names, aliases and column identifiers.
func (st *Statement) collect(toks []token) {
	var parens []parenKind
	inFromArgs := func() bool { return len(parens) > 0 && parens[len(parens)-1] == parenFromArgs }

	st.collectCTEs(toks)

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.is(tokPunct, "("):
			kind := parenPlain
			if i > 0 && toks[i-1].kind == tokIdent && fromInside[toks[i-1].upper] {
				kind = parenFromArgs
			}
			parens = append(parens, kind)

		case t.is(tokPunct, ")"):
			if len(parens) > 0 {
				parens = parens[:len(parens)-1]
			}
			// ") alias" or ") AS alias" after a derived table.
			if j, alias := aliasAfter(toks, i+1); alias != "" && isDerivedClose(toks, i) {
				st.addDerived(alias)
				i = j - 1
			}

		case (t.keyword("FROM") && !inFromArgs()) || t.keyword("JOIN"):
			i = st.tableList(toks, i+1, t.keyword("FROM")) - 1

		case t.is(tokOp, "::"):
			// Skip the cast type, including modifiers like numeric(10,2) or text[].
			i = skipType(toks, i+1) - 1

		case t.keyword("UNION") || t.keyword("INTERSECT") || t.keyword("EXCEPT"):
			st.SetOperation = true

		case t.keyword("AS"):
			if i+1 < len(toks) && toks[i+1].isIdent() {
				st.outputs[toks[i+1].identName()] = true
				i++
			}

		case t.isIdent():
			i = st.identifier(toks, i)
		}
	}
}

// collectCTEs records WITH names and their column lists.
func (st *Statement) collectCTEs(toks []token) {
	for i := 0; i < len(toks); i++ {
		if !toks[i].keyword("WITH") || (i > 0 && !toks[i-1].is(tokPunct, "(")) {
			continue
		}
		j := i + 1
		if j < len(toks) && toks[j].keyword("RECURSIVE") {
			j++
		}
		for j < len(toks) && toks[j].isIdent() {
			st.ctes[toks[j].identName()] = true
			st.opaque = true
			j++
			if j < len(toks) && toks[j].is(tokPunct, "(") {
				// Column list: name(a, b)
				for j < len(toks) && !toks[j].is(tokPunct, ")") {
					if toks[j].isIdent() {
						st.outputs[toks[j].identName()] = true
					}
					j++
				}
				j++
			}
			if j < len(toks) && toks[j].keyword("AS") {
				j++
			}
			if j < len(toks) && (toks[j].keyword("MATERIALIZED") || toks[j].keyword("NOT")) {
				for j < len(toks) && !toks[j].is(tokPunct, "(") {
					j++
				}
			}
			j = skipBalanced(toks, j)
			if j < len(toks) && toks[j].is(tokPunct, ",") {
				j++
				continue
			}
			break
		}
	}
}

// tableList parses "ref [alias] {, ref [alias]}" starting at i and returns
// the index of the first token it did not consume.
func (st *Statement) tableList(toks []token, i int, commaList bool) int {
	for i < len(toks) {
		for i < len(toks) && (toks[i].keyword("ONLY") || toks[i].keyword("LATERAL")) {
			i++
		}
		if i >= len(toks) {
			return i
		}
		if toks[i].is(tokPunct, "(") {
			// Derived table; its body is walked by the caller.
			return i
		}
		if !toks[i].isIdent() || reserved[toks[i].upper] && toks[i].kind == tokIdent {
			return i
		}

		ref := TableRef{Name: toks[i].identName()}
		i++
		if i+1 < len(toks) && toks[i].is(tokPunct, ".") && toks[i+1].isIdent() {
			ref.Schema, ref.Name = ref.Name, toks[i+1].identName()
			i += 2
		}
		if i < len(toks) && toks[i].is(tokPunct, "(") {
			// Set-returning function such as generate_series(...).
			i = skipBalanced(toks, i)
			j, alias := aliasAfter(toks, i)
			st.addDerived(alias)
			i = j
		} else {
			if j, alias := aliasAfter(toks, i); alias != "" {
				ref.Alias = alias
				i = j
			}
			st.addTable(ref)
		}

		if commaList && i < len(toks) && toks[i].is(tokPunct, ",") {
			i++
			continue
		}
		return i
	}
	return i
}

// aliasAfter reads "[AS] alias [(col, ...)]" at i.
func aliasAfter(toks []token, i int) (int, string) {
	j := i
	if j < len(toks) && toks[j].keyword("AS") {
		j++
	}
	if j >= len(toks) || !toks[j].isIdent() {
		return i, ""
	}
	if toks[j].kind == tokIdent && (reserved[toks[j].upper] || mutating[toks[j].upper]) {
		return i, ""
	}
	alias := toks[j].identName()
	j++
	if j < len(toks) && toks[j].is(tokPunct, "(") {
		j = skipBalanced(toks, j)
	}
	return j, alias
}

// isDerivedClose reports whether the ")" at i closes a parenthesis that
// directly followed FROM, JOIN, LATERAL or a comma in a FROM list.
func isDerivedClose(toks []token, i int) bool {
	depth := 0
	for k := i; k >= 0; k-- {
		switch {
		case toks[k].is(tokPunct, ")"):
			depth++
		case toks[k].is(tokPunct, "("):
			depth--
			if depth == 0 {
				if k == 0 {
					return false
				}
				p := toks[k-1]
				return p.keyword("FROM") || p.keyword("JOIN") || p.keyword("LATERAL") || p.is(tokPunct, ",")
			}
		}
	}
	return false
}

func skipBalanced(toks []token, i int) int {
	if i >= len(toks) || !toks[i].is(tokPunct, "(") {
		return i
	}
	depth := 0
	for ; i < len(toks); i++ {
		switch {
		case toks[i].is(tokPunct, "("):
			depth++
		case toks[i].is(tokPunct, ")"):
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return i
}

func skipType(toks []token, i int) int {
	if i < len(toks) && toks[i].isIdent() {
		i++
		if i+1 < len(toks) && toks[i].is(tokPunct, ".") && toks[i+1].isIdent() {
			i += 2
		}
	}
	i = skipBalanced(toks, i)
	// double precision, timestamp with time zone, character varying
	for i < len(toks) && toks[i].kind == tokIdent && typeWords[toks[i].upper] {
		i++
	}
	for i+1 < len(toks) && toks[i].is(tokPunct, "[") && toks[i+1].is(tokPunct, "]") {
		i += 2
	}
	return i
}

// identifier classifies the identifier at i and returns the index of its last token.
func (st *Statement) identifier(toks []token, i int) int {
	t := toks[i]
	if t.kind == tokIdent && (reserved[t.upper] || t.upper == "RECURSIVE" || t.upper == "MATERIALIZED") {
		return i
	}
	// Function call.
	if i+1 < len(toks) && toks[i+1].is(tokPunct, "(") {
		return i
	}
	// Qualified reference: a.b or s.t.c
	if i+2 < len(toks) && toks[i+1].is(tokPunct, ".") {
		next := toks[i+2]
		if next.is(tokOp, "*") {
			st.Columns = append(st.Columns, ColumnRef{Qualifier: t.identName(), Name: "*"})
			return i + 2
		}
		if next.isIdent() {
			if i+4 < len(toks) && toks[i+3].is(tokPunct, ".") && toks[i+4].isIdent() {
				st.Columns = append(st.Columns, ColumnRef{
					Qualifier: t.identName() + "." + next.identName(),
					Name:      toks[i+4].identName(),
				})
				return i + 4
			}
			st.Columns = append(st.Columns, ColumnRef{Qualifier: t.identName(), Name: next.identName()})
			return i + 2
		}
	}
	// An identifier directly after a value is an alias without AS.
	if i > 0 && followsValue(toks[i-1]) {
		st.outputs[t.identName()] = true
		return i
	}
	st.Columns = append(st.Columns, ColumnRef{Name: t.identName()})
	return i
}

func followsValue(prev token) bool {
	switch prev.kind {
	case tokQuotedIdent, tokNumber, tokString:
		return true
	case tokIdent:
		return !reserved[prev.upper] || prev.upper == "END"
	case tokPunct:
		return prev.text == ")"
	}
	return false
}

// Validate checks every referenced table and column against snap.
// Unknown references are reported together as SchemaMismatch.
func (st *Statement) Validate(snap model.SchemaSnapshot) error {
	var unknown []string
	inScope := map[string]model.Table{}

	for _, ref := range st.Tables {
		tbl, ok := snap.Table(ref.qualified())
		if !ok {
			unknown = append(unknown, "table "+ref.qualified())
			continue
		}
		inScope[strings.ToLower(tbl.Name)] = tbl
		inScope[strings.ToLower(tbl.Schema+"."+tbl.Name)] = tbl
		if ref.Alias != "" {
			inScope[ref.Alias] = tbl
		}
	}

	for _, c := range st.Columns {
		if c.Qualifier != "" {
			if tbl, ok := inScope[strings.ToLower(c.Qualifier)]; ok {
				if c.Name != "*" && !tbl.HasColumn(c.Name) {
					unknown = append(unknown, fmt.Sprintf("column %s.%s", c.Qualifier, c.Name))
				}
				continue
			}
			if target, ok := st.aliases[c.Qualifier]; ok && target == "" {
				continue
			}
			if st.ctes[c.Qualifier] {
				continue
			}
			unknown = append(unknown, "table or alias "+c.Qualifier)
			continue
		}

		if st.outputs[c.Name] || st.ctes[c.Name] {
			continue
		}
		if _, ok := st.aliases[c.Name]; ok {
			continue
		}
		found := false
		for _, tbl := range inScope {
			if tbl.HasColumn(c.Name) {
				found = true
				break
			}
		}
		if !found && !st.opaque {
			unknown = append(unknown, "column "+c.Name)
		}
	}

	if len(unknown) == 0 {
		return nil
	}
	unknown = dedupe(unknown)
	return errs.New(errs.SchemaMismatch, "unknown "+strings.Join(unknown, ", "))
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// CheckReadOnly is Analyze without the reference collection result.
func CheckReadOnly(sql string) error {
	_, err := Analyze(sql)
	return err
}

// Package model holds the value types that flow through the routing pipeline.
package model

import (
	"strings"
	"sync/atomic"
	"time"
)

// Intent is the coarse handling category of a query.
type Intent string

const (
	StructuredQuery    Intent = "STRUCTURED_QUERY"
	KnowledgeRetrieval Intent = "KNOWLEDGE_RETRIEVAL"
	GeneralChat        Intent = "GENERAL_CHAT"
)

// ParseIntent maps loose labels onto an Intent. Unknown labels report ok=false.
func ParseIntent(s string) (Intent, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STRUCTURED_QUERY", "SQL", "STRUCTURED":
		return StructuredQuery, true
	case "KNOWLEDGE_RETRIEVAL", "VECTOR", "KNOWLEDGE", "RETRIEVAL":
		return KnowledgeRetrieval, true
	case "GENERAL_CHAT", "CHAT", "GENERAL":
		return GeneralChat, true
	}
	return "", false
}

// Query is one inbound request. It is not modified after sanitization.
type Query struct {
	RawText       string
	SanitizedText string
	SessionID     string
	TurnIndex     int
	Timestamp     time.Time
	// InjectionSuspected is set by the sanitizer when it neutralized
	// query-language metacharacters.
	InjectionSuspected bool
}

// Turn is one completed (query, answer) exchange.
type Turn struct {
	Query  string    `json:"query"`
	Answer string    `json:"answer"`
	Kind   Intent    `json:"kind"`
	At     time.Time `json:"at"`
}

// ConversationContext is the ordered history of a session, oldest first.
type ConversationContext struct {
	SessionID string
	Turns     []Turn
}

// Last returns at most n most recent turns.
func (c ConversationContext) Last(n int) []Turn {
	if n <= 0 || len(c.Turns) == 0 {
		return nil
	}
	if len(c.Turns) <= n {
		return c.Turns
	}
	return c.Turns[len(c.Turns)-n:]
}

// IntentLabel is the classifier verdict.
type IntentLabel struct {
	Intent     Intent
	Confidence float64
	// UseContext tells the dispatched handler to fold prior turns into its prompt.
	UseContext bool
	Reason     string
}

// Citation points at a retrieved passage that an answer relied on.
type Citation struct {
	DocID   string  `json:"doc_id"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// SQLTrace describes the statement an answer was computed from.
type SQLTrace struct {
	Ran         bool     `json:"ran"`
	Query       string   `json:"query"`
	RowCount    int      `json:"row_count"`
	Truncated   bool     `json:"truncated,omitempty"`
	Columns     []string `json:"columns,omitempty"`
	RowsPreview [][]any  `json:"rows_preview,omitempty"`
	Regenerated bool     `json:"regenerated,omitempty"`
	StaleSchema bool     `json:"stale_schema,omitempty"`
}

// Answer is the terminal result of a query.
type Answer struct {
	Text       string     `json:"text"`
	SourceKind Intent     `json:"source_kind"`
	Citations  []Citation `json:"citations,omitempty"`
	SQL        *SQLTrace  `json:"sql,omitempty"`
	LatencyMs  int64      `json:"latency_ms"`
	Cached     bool       `json:"cached,omitempty"`
	HitCount   int64      `json:"hit_count,omitempty"`
}

// SQLUsed returns the literal statement behind the answer, if any.
func (a Answer) SQLUsed() string {
	if a.SQL == nil {
		return ""
	}
	return a.SQL.Query
}

// CacheEntry is a stored answer keyed by the meaning of its query.
// Everything except the hit counter and expiry is fixed at creation.
type CacheEntry struct {
	Fingerprint uint64
	Embedding   []float32
	Query       string
	Answer      Answer
	CreatedAt   time.Time
	ExpiresAt   time.Time

	hits atomic.Int64
}

// NewCacheEntry builds an entry with a zero hit count.
func NewCacheEntry(fp uint64, emb []float32, query string, a Answer, now time.Time, ttl time.Duration) *CacheEntry {
	e := &CacheEntry{
		Fingerprint: fp,
		Embedding:   emb,
		Query:       query,
		Answer:      a,
		CreatedAt:   now,
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	return e
}

// Hit increments the counter and returns the new value.
func (e *CacheEntry) Hit() int64 { return e.hits.Add(1) }

// HitCount returns the current counter.
func (e *CacheEntry) HitCount() int64 { return e.hits.Load() }

// RestoreHits seeds the counter when an entry is loaded from a backend.
// The counter only moves forward.
func (e *CacheEntry) RestoreHits(n int64) {
	for {
		cur := e.hits.Load()
		if n <= cur || e.hits.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Expired reports whether the entry is past its TTL.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Column is one column of a table in a schema snapshot.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	// Enum lists allowed values when a check constraint restricts the column.
	Enum []string `json:"enum,omitempty"`
}

// ForeignKey links a column to a column of another table.
type ForeignKey struct {
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
}

// Table is one relation in a schema snapshot.
type Table struct {
	Schema      string       `json:"schema"`
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	PrimaryKey  []string     `json:"primary_key,omitempty"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

// QualifiedName returns schema.name, or name alone for the public schema.
func (t Table) QualifiedName() string {
	if t.Schema == "" || t.Schema == "public" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// HasColumn reports whether the table declares the column (case-insensitive).
func (t Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// SchemaSnapshot is a point-in-time copy of structured-store metadata.
type SchemaSnapshot struct {
	Tables    []Table   `json:"tables"`
	FetchedAt time.Time `json:"fetched_at"`
	// Stale is set when the snapshot is served after a failed refresh.
	Stale bool `json:"stale"`
}

// Table looks a table up by bare or schema-qualified name.
func (s SchemaSnapshot) Table(name string) (Table, bool) {
	name = strings.ToLower(strings.Trim(name, `"`))
	for _, t := range s.Tables {
		if strings.EqualFold(t.Name, name) || strings.EqualFold(t.Schema+"."+t.Name, name) {
			return t, true
		}
	}
	return Table{}, false
}

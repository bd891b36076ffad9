package semcache

import (
	"context"
	"time"

	"tagrouter/cli/internal/model"
)

// Record is the persisted form of a cache entry.
type Record struct {
	Fingerprint uint64       `json:"fp"`
	Query       string       `json:"query"`
	Embedding   []float32    `json:"embedding"`
	Answer      model.Answer `json:"answer"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at,omitempty"`
	Hits        int64        `json:"hits"`
}

// Backend is the external key-value store behind the in-process index.
// Keys are fingerprints. Set must apply ttl as the key's expiry.
type Backend interface {
	Set(ctx context.Context, rec Record, ttl time.Duration) error
	Get(ctx context.Context, fp uint64) (Record, bool, error)
	Delete(ctx context.Context, fp uint64) error
	// IncrHits atomically adds one to the stored hit count.
	IncrHits(ctx context.Context, fp uint64) error
	// Scan visits every live record.
	Scan(ctx context.Context, fn func(Record) error) error
}

func toRecord(e *model.CacheEntry) Record {
	return Record{
		Fingerprint: e.Fingerprint,
		Query:       e.Query,
		Embedding:   e.Embedding,
		Answer:      e.Answer,
		CreatedAt:   e.CreatedAt,
		ExpiresAt:   e.ExpiresAt,
		Hits:        e.HitCount(),
	}
}

func fromRecord(r Record) *model.CacheEntry {
	e := &model.CacheEntry{
		Fingerprint: r.Fingerprint,
		Embedding:   r.Embedding,
		Query:       r.Query,
		Answer:      r.Answer,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
	e.RestoreHits(r.Hits)
	return e
}

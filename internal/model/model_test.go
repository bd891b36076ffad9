package model

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntent(t *testing.T) {
	tests := []struct {
		in   string
		want Intent
		ok   bool
	}{
		{"SQL", StructuredQuery, true},
		{" structured_query ", StructuredQuery, true},
		{"vector", KnowledgeRetrieval, true},
		{"CHAT", GeneralChat, true},
		{"DELETE", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseIntent(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCacheEntryHitsAreAtomicAndMonotonic(t *testing.T) {
	e := NewCacheEntry(1, nil, "q", Answer{Text: "a"}, time.Now(), time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Hit()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), e.HitCount())

	e.RestoreHits(10)
	assert.Equal(t, int64(100), e.HitCount(), "restore must not move the counter backwards")
	e.RestoreHits(150)
	assert.Equal(t, int64(150), e.HitCount())
}

func TestCacheEntryExpiry(t *testing.T) {
	now := time.Now()
	e := NewCacheEntry(1, nil, "q", Answer{}, now, time.Second)
	assert.False(t, e.Expired(now))
	assert.True(t, e.Expired(now.Add(time.Second)))

	forever := NewCacheEntry(1, nil, "q", Answer{}, now, 0)
	assert.False(t, forever.Expired(now.Add(24*time.Hour)))
}

func TestSnapshotTableLookup(t *testing.T) {
	s := SchemaSnapshot{Tables: []Table{
		{Schema: "public", Name: "orders", Columns: []Column{{Name: "id"}, {Name: "created_at"}}},
		{Schema: "sales", Name: "regions"},
	}}
	tbl, ok := s.Table("Orders")
	require.True(t, ok)
	assert.True(t, tbl.HasColumn("CREATED_AT"))
	assert.Equal(t, "orders", tbl.QualifiedName())

	tbl, ok = s.Table("sales.regions")
	require.True(t, ok)
	assert.Equal(t, "sales.regions", tbl.QualifiedName())

	_, ok = s.Table("customers")
	assert.False(t, ok)
}

func TestContextLast(t *testing.T) {
	c := ConversationContext{Turns: []Turn{{Query: "1"}, {Query: "2"}, {Query: "3"}}}
	assert.Len(t, c.Last(2), 2)
	assert.Equal(t, "3", c.Last(2)[1].Query)
	assert.Len(t, c.Last(10), 3)
	assert.Nil(t, c.Last(0))
}

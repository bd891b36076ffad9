// Package semcache is the semantic answer cache.
//
// Entries are found by embedding similarity, not by text. A lookup embeds the
// query, scans the in-process index for the nearest stored embedding and hits
// only when cosine similarity reaches the configured threshold. The index is
// sharded by fingerprint; each shard has its own lock, LRU list and capacity,
// and the hit counter of an entry is bumped under its shard lock so eviction
// cannot race with a hit. An optional Backend (Redis) persists entries so they
// survive restarts; a local miss also asks the backend for the record under
// the query's fingerprint, so routers sharing one Redis see each other's
// entries.
package semcache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	errs "tagrouter/cli/internal/errors"
	"tagrouter/cli/internal/llm"
	"tagrouter/cli/internal/model"
)

// Options configures a Cache.
type Options struct {
	// Threshold is the minimum cosine similarity for a hit.
	Threshold  float64
	TTL        time.Duration
	MaxEntries int
	Shards     int
	// ContextTurns folds that many prior queries into the lookup key.
	ContextTurns int
	// OpTimeout bounds each embedding or backend call.
	OpTimeout time.Duration
	Backend   Backend
	Now       func() time.Time
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Entries int
	Hits    int64
	Misses  int64
}

type slot struct {
	entry *model.CacheEntry
	elem  *list.Element
}

type shard struct {
	mu    sync.RWMutex
	slots map[uint64]*slot
	lru   *list.List // front = most recently used; values are fingerprints
}

// Cache is safe for concurrent use.
type Cache struct {
	emb      llm.Embedder
	opts     Options
	shards   []*shard
	perShard int

	// putMu serializes the near-duplicate check with the insert that follows.
	putMu sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64
}

// Probe is the outcome of a lookup. On a miss it carries the computed
// embedding so a subsequent store does not embed the same text again.
type Probe struct {
	Hit    bool
	Answer model.Answer
	Key    string
	vector []float32
}

// New builds a cache. Zero-valued options take defaults.
func New(emb llm.Embedder, opts Options) *Cache {
	if opts.Threshold <= 0 {
		opts.Threshold = 0.92
	}
	if opts.Shards <= 0 {
		opts.Shards = 16
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{
		emb:      emb,
		opts:     opts,
		shards:   make([]*shard, opts.Shards),
		perShard: (opts.MaxEntries + opts.Shards - 1) / opts.Shards,
	}
	for i := range c.shards {
		c.shards[i] = &shard{slots: map[uint64]*slot{}, lru: list.New()}
	}
	return c
}

// Threshold returns the similarity threshold in use.
func (c *Cache) Threshold() float64 { return c.opts.Threshold }

func (c *Cache) shardFor(fp uint64) *shard {
	return c.shards[fp%uint64(len(c.shards))]
}

// KeyText is the text whose embedding identifies a query in the cache.
func (c *Cache) KeyText(text string, cc model.ConversationContext) string {
	if c.opts.ContextTurns <= 0 {
		return text
	}
	var b strings.Builder
	for _, t := range cc.Last(c.opts.ContextTurns) {
		b.WriteString(t.Query)
		b.WriteString("\n")
	}
	b.WriteString(text)
	return b.String()
}

func (c *Cache) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	vs, err := c.emb.Embed(ctx, []string{text})
	if err != nil {
		return nil, errs.Wrap(errs.CacheUnavailable, "could not embed query for cache", err)
	}
	if len(vs) != 1 || len(vs[0]) == 0 {
		return nil, errs.New(errs.CacheUnavailable, "embedder returned no vector")
	}
	return vs[0], nil
}

// Lookup returns the cached answer for the nearest stored query whose
// similarity is at least the threshold. Errors are CacheUnavailable.
func (c *Cache) Lookup(ctx context.Context, text string, cc model.ConversationContext) (Probe, error) {
	key := c.KeyText(text, cc)
	vec, err := c.embed(ctx, key)
	if err != nil {
		return Probe{Key: key}, err
	}
	p := Probe{Key: key, vector: vec}

	best, sim := c.nearest(vec, nil)
	if best == nil || sim < c.opts.Threshold {
		best, sim = c.remote(ctx, vec)
	}
	if best == nil {
		c.misses.Add(1)
		return p, nil
	}

	hits, ok := c.hit(best)
	if !ok {
		// Evicted or replaced between scan and hit.
		c.misses.Add(1)
		return p, nil
	}
	c.hits.Add(1)

	if c.opts.Backend != nil {
		bctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
		if err := c.opts.Backend.IncrHits(bctx, best.Fingerprint); err != nil {
			log.Warn().Err(err).Uint64("fp", best.Fingerprint).Msg("cache backend hit update failed")
		}
		cancel()
	}

	a := best.Answer
	a.Cached = true
	a.HitCount = hits
	p.Hit = true
	p.Answer = a
	log.Debug().Float64("similarity", sim).Int64("hits", hits).Msg("semantic cache hit")
	return p, nil
}

// remote fetches the backend record stored under vec's fingerprint and adopts
// it into the index when it is live and within the threshold.
func (c *Cache) remote(ctx context.Context, vec []float32) (*model.CacheEntry, float64) {
	if c.opts.Backend == nil {
		return nil, 0
	}
	fp := Fingerprint(vec)
	bctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	rec, ok, err := c.opts.Backend.Get(bctx, fp)
	cancel()
	if err != nil {
		log.Warn().Err(err).Uint64("fp", fp).Msg("cache backend get failed")
		return nil, 0
	}
	if !ok {
		return nil, 0
	}
	e := fromRecord(rec)
	if e.Expired(c.opts.Now()) || len(e.Embedding) == 0 {
		return nil, 0
	}
	sim := llm.Cosine(vec, e.Embedding)
	if sim < c.opts.Threshold {
		return nil, 0
	}
	c.putMu.Lock()
	c.place(e)
	c.putMu.Unlock()
	return e, sim
}

// nearest scans every shard under its read lock. skip, when set, excludes a fingerprint.
func (c *Cache) nearest(vec []float32, skip func(uint64) bool) (*model.CacheEntry, float64) {
	now := c.opts.Now()
	var best *model.CacheEntry
	bestSim := -1.0
	for _, s := range c.shards {
		s.mu.RLock()
		for fp, sl := range s.slots {
			if skip != nil && skip(fp) {
				continue
			}
			if sl.entry.Expired(now) {
				continue
			}
			if sim := llm.Cosine(vec, sl.entry.Embedding); sim > bestSim {
				best, bestSim = sl.entry, sim
			}
		}
		s.mu.RUnlock()
	}
	return best, bestSim
}

// hit increments e's counter if e is still the live entry for its fingerprint.
func (c *Cache) hit(e *model.CacheEntry) (int64, bool) {
	s := c.shardFor(e.Fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[e.Fingerprint]
	if !ok || sl.entry != e || e.Expired(c.opts.Now()) {
		return 0, false
	}
	s.lru.MoveToFront(sl.elem)
	return e.Hit(), true
}

// Store embeds text and stores answer for it.
func (c *Cache) Store(ctx context.Context, text string, cc model.ConversationContext, a model.Answer) error {
	key := c.KeyText(text, cc)
	vec, err := c.embed(ctx, key)
	if err != nil {
		return err
	}
	return c.put(ctx, key, vec, a)
}

// StoreProbe stores answer for the query of an earlier missed lookup.
func (c *Cache) StoreProbe(ctx context.Context, p Probe, a model.Answer) error {
	if p.vector == nil {
		return c.Store(ctx, p.Key, model.ConversationContext{}, a)
	}
	return c.put(ctx, p.Key, p.vector, a)
}

// put inserts a fresh entry. Every live entry within the threshold of the new
// one is replaced: the later write wins and starts again at zero hits.
func (c *Cache) put(ctx context.Context, key string, vec []float32, a model.Answer) error {
	a.Cached = false
	a.HitCount = 0
	now := c.opts.Now()
	fp := Fingerprint(vec)
	e := model.NewCacheEntry(fp, vec, key, a, now, c.opts.TTL)

	c.putMu.Lock()
	replaced, evicted := c.place(e)
	c.putMu.Unlock()

	if c.opts.Backend == nil {
		return nil
	}
	bctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	for _, f := range append(replaced, evicted...) {
		if err := c.opts.Backend.Delete(bctx, f); err != nil {
			log.Warn().Err(err).Uint64("fp", f).Msg("cache backend delete failed")
		}
	}
	if err := c.opts.Backend.Set(bctx, toRecord(e), c.opts.TTL); err != nil {
		return errs.Wrap(errs.CacheUnavailable, "cache backend write failed", err)
	}
	return nil
}

// place removes every live entry within the threshold of e, then inserts e.
// Callers hold putMu.
func (c *Cache) place(e *model.CacheEntry) (replaced, evicted []uint64) {
	for {
		dup, sim := c.nearest(e.Embedding, func(f uint64) bool { return f == e.Fingerprint })
		if dup == nil || sim < c.opts.Threshold {
			break
		}
		if c.remove(dup) {
			replaced = append(replaced, dup.Fingerprint)
		}
	}
	return replaced, c.insert(e)
}

func (c *Cache) remove(e *model.CacheEntry) bool {
	s := c.shardFor(e.Fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[e.Fingerprint]
	if !ok || sl.entry != e {
		return false
	}
	s.lru.Remove(sl.elem)
	delete(s.slots, e.Fingerprint)
	return true
}

// insert places e in its shard, replacing any entry with the same
// fingerprint, then evicts expired and least recently used entries beyond
// capacity. It returns the evicted fingerprints.
func (c *Cache) insert(e *model.CacheEntry) []uint64 {
	s := c.shardFor(e.Fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.slots[e.Fingerprint]; ok {
		s.lru.Remove(old.elem)
	}
	s.slots[e.Fingerprint] = &slot{entry: e, elem: s.lru.PushFront(e.Fingerprint)}

	var evicted []uint64
	now := c.opts.Now()
	for el := s.lru.Back(); el != nil && len(s.slots) > c.perShard; {
		prev := el.Prev()
		fp := el.Value.(uint64)
		if fp != e.Fingerprint {
			s.lru.Remove(el)
			delete(s.slots, fp)
			evicted = append(evicted, fp)
		}
		el = prev
	}
	for fp, sl := range s.slots {
		if sl.entry.Expired(now) {
			s.lru.Remove(sl.elem)
			delete(s.slots, fp)
			evicted = append(evicted, fp)
		}
	}
	return evicted
}

// Sweep drops expired entries from every shard and returns how many.
func (c *Cache) Sweep() int {
	now := c.opts.Now()
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for fp, sl := range s.slots {
			if sl.entry.Expired(now) {
				s.lru.Remove(sl.elem)
				delete(s.slots, fp)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

// Run sweeps on every tick until ctx is done.
func (c *Cache) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Sweep(); n > 0 {
				log.Debug().Int("expired", n).Msg("semantic cache sweep")
			}
		}
	}
}

// Warm loads every live record from the backend into the index.
func (c *Cache) Warm(ctx context.Context) (int, error) {
	if c.opts.Backend == nil {
		return 0, nil
	}
	now := c.opts.Now()
	n := 0
	err := c.opts.Backend.Scan(ctx, func(r Record) error {
		e := fromRecord(r)
		if e.Expired(now) || len(e.Embedding) == 0 {
			return nil
		}
		c.putMu.Lock()
		c.insert(e)
		c.putMu.Unlock()
		n++
		return nil
	})
	if err != nil {
		return n, errs.Wrap(errs.CacheUnavailable, "cache warm-up failed", err)
	}
	return n, nil
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	st := Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	for _, s := range c.shards {
		s.mu.RLock()
		st.Entries += len(s.slots)
		s.mu.RUnlock()
	}
	return st
}

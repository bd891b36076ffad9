// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package sqlexec

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	errs "tagrouter/cli/internal/errors"
	"tagrouter/cli/internal/model"
)

// Fetcher loads a fresh schema snapshot.
type Fetcher interface {
	FetchSchema(ctx context.Context) (model.SchemaSnapshot, error)
}

// SchemaProvider serves schema snapshots with TTL-based refresh.
//
// Concurrent refreshes collapse into one fetch. When a refresh fails and an
// earlier snapshot exists, that snapshot is served with Stale set; when no
// snapshot was ever fetched the call fails with SchemaUnavailable.
type SchemaProvider struct {
	fetcher Fetcher
	ttl     time.Duration
	now     func() time.Time

	current  atomic.Pointer[model.SchemaSnapshot]
	failures atomic.Int64
	group    singleflight.Group
}

// NewSchemaProvider wraps f. A zero ttl refreshes on every call.
func NewSchemaProvider(f Fetcher, ttl time.Duration) *SchemaProvider {
	return &SchemaProvider{fetcher: f, ttl: ttl, now: time.Now}
}

// Snapshot returns the cached snapshot, refreshing it first when it is older
// than the TTL.
func (p *SchemaProvider) Snapshot(ctx context.Context) (model.SchemaSnapshot, error) {
	if cur := p.current.Load(); cur != nil && p.fresh(cur) {
		return *cur, nil
	}
	return p.refresh(ctx, false)
}

// Refresh forces a fetch regardless of age.
func (p *SchemaProvider) Refresh(ctx context.Context) (model.SchemaSnapshot, error) {
	return p.refresh(ctx, true)
}

// Invalidate drops the cached snapshot's freshness; the next Snapshot call
// fetches. The old snapshot stays available as a stale fallback.
func (p *SchemaProvider) Invalidate() {
	cur := p.current.Load()
	if cur == nil {
		return
	}
	expired := *cur
	expired.FetchedAt = time.Time{}
	p.current.Store(&expired)
}

// ConsecutiveFailures reports how many refreshes failed since the last success.
func (p *SchemaProvider) ConsecutiveFailures() int64 { return p.failures.Load() }

func (p *SchemaProvider) fresh(s *model.SchemaSnapshot) bool {
	return p.ttl > 0 && !s.FetchedAt.IsZero() && p.now().Sub(s.FetchedAt) < p.ttl
}

func (p *SchemaProvider) refresh(ctx context.Context, force bool) (model.SchemaSnapshot, error) {
	key := "snapshot"
	if force {
		key = "forced"
	}
	ch := p.group.DoChan(key, func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		snap, err := p.fetcher.FetchSchema(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if snap.FetchedAt.IsZero() {
			snap.FetchedAt = p.now()
		}
		snap.Stale = false
		p.current.Store(&snap)
		p.failures.Store(0)
		log.Debug().Int("tables", len(snap.Tables)).Msg("schema snapshot refreshed")
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return p.fallback(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			n := p.failures.Add(1)
			log.Warn().Err(res.Err).Int64("consecutive_failures", n).Msg("schema refresh failed")
			return p.fallback(res.Err)
		}
		return res.Val.(model.SchemaSnapshot), nil
	}
}

func (p *SchemaProvider) fallback(cause error) (model.SchemaSnapshot, error) {
	if cur := p.current.Load(); cur != nil {
		stale := *cur
		stale.Stale = true
		return stale, nil
	}
	if errs.Is(cause, errs.SchemaUnavailable) {
		return model.SchemaSnapshot{}, cause
	}
	return model.SchemaSnapshot{}, errs.Wrap(errs.SchemaUnavailable, "the database schema could not be loaded", cause)
}

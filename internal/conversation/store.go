// Package conversation keeps the per-session history of answered turns.
package conversation

import (
	"context"
	"sync"
	"time"

	"tagrouter/cli/internal/model"
)

// Store appends and reads turns by session. Implementations must keep the
// order of Append calls for one session.
type Store interface {
	Append(ctx context.Context, sessionID string, t model.Turn) error
	// Read returns at most n most recent turns, oldest first. n <= 0 reads all.
	Read(ctx context.Context, sessionID string, n int) (model.ConversationContext, error)
}

type session struct {
	turns   []model.Turn
	touched time.Time
}

// MemoryStore is a process-local Store. Each session keeps at most maxTurns
// turns; sessions idle longer than ttl are dropped on the next Sweep.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
	maxTurns int
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore returns an empty store. maxTurns <= 0 keeps every turn.
func NewMemoryStore(maxTurns int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*session{},
		maxTurns: maxTurns,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (m *MemoryStore) Append(_ context.Context, sessionID string, t model.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{}
		m.sessions[sessionID] = s
	}
	s.turns = append(s.turns, t)
	if m.maxTurns > 0 && len(s.turns) > m.maxTurns {
		s.turns = append([]model.Turn(nil), s.turns[len(s.turns)-m.maxTurns:]...)
	}
	s.touched = m.now()
	return nil
}

func (m *MemoryStore) Read(_ context.Context, sessionID string, n int) (model.ConversationContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cc := model.ConversationContext{SessionID: sessionID}
	s, ok := m.sessions[sessionID]
	if !ok {
		return cc, nil
	}
	turns := s.turns
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	cc.Turns = append([]model.Turn(nil), turns...)
	return cc, nil
}

// Sweep drops idle sessions and reports how many were removed.
func (m *MemoryStore) Sweep() int {
	if m.ttl <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.touched.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (m *MemoryStore) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

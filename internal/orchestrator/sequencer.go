package orchestrator

import "sync"

// sequencer orders conversation appends per session by arrival. Each request
// takes a ticket on arrival; the ticket waits for its predecessor before its
// turn is written. A ticket is only closed after its predecessor, so a failed
// request never lets a later one overtake an earlier one still in flight.
type sequencer struct {
	mu   sync.Mutex
	tail map[string]chan struct{}
}

type ticket struct {
	s       *sequencer
	session string
	prev    <-chan struct{}
	mine    chan struct{}
	once    sync.Once
}

func newSequencer() *sequencer {
	return &sequencer{tail: map[string]chan struct{}{}}
}

func (s *sequencer) take(session string) *ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &ticket{s: s, session: session, prev: s.tail[session], mine: make(chan struct{})}
	s.tail[session] = t.mine
	return t
}

// wait blocks until every earlier ticket of the session is released.
func (t *ticket) wait() {
	if t.prev != nil {
		<-t.prev
	}
}

// release never blocks. If the predecessor is still open the close is
// handed to a goroutine that waits for it.
func (t *ticket) release() {
	t.once.Do(func() {
		if t.prev == nil {
			t.finish()
			return
		}
		select {
		case <-t.prev:
			t.finish()
		default:
			go func() {
				<-t.prev
				t.finish()
			}()
		}
	})
}

func (t *ticket) finish() {
	t.s.mu.Lock()
	if t.s.tail[t.session] == t.mine {
		delete(t.s.tail, t.session)
	}
	t.s.mu.Unlock()
	close(t.mine)
}

// pending reports how many sessions have an open ticket.
func (s *sequencer) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tail)
}

// Package session keeps the per-session record of prior queries and the
// transcripts they produced, so a later turn can refer back to earlier
// results. Storage is in-memory and lasts for the process lifetime.
package session

import (
	"sync"
	"time"

	"github.com/nugget/loanrisk-agent/internal/llm"
)

// Session holds one client's queries and the matching transcripts.
// Queries[i] produced Transcripts[i].
type Session struct {
	ID          string          `json:"id"`
	Queries     []string        `json:"queries"`
	Transcripts [][]llm.Message `json:"transcripts"`
	CreatedAt   time.Time       `json:"created_at"`
	LastSeen    time.Time       `json:"last_seen"`
}

// Store manages sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	maxTurns int
	now      func() time.Time
}

// NewStore creates a session store. Sessions idle longer than ttl are
// removed by Sweep; ttl <= 0 keeps them until Delete. maxTurns bounds
// how many prior runs History replays; maxTurns <= 0 replays all.
func NewStore(ttl time.Duration, maxTurns int) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		maxTurns: maxTurns,
		now:      time.Now,
	}
}

// Touch creates the session if needed and marks it as seen.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreate(id).LastSeen = s.now()
}

func (s *Store) getOrCreate(id string) *Session {
	sess, ok := s.sessions[id]
	if !ok {
		now := s.now()
		sess = &Session{ID: id, CreatedAt: now, LastSeen: now}
		s.sessions[id] = sess
	}
	return sess
}

// Append records a finished run. The transcript is copied, so the
// caller may keep using its slice. Concurrent appends to one session
// land in the order they acquire the lock, which is completion order.
func (s *Store) Append(id, query string, transcript []llm.Message) {
	cp := llm.CloneMessages(transcript)
	if cp == nil {
		cp = []llm.Message{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreate(id)
	sess.Queries = append(sess.Queries, query)
	sess.Transcripts = append(sess.Transcripts, cp)
	sess.LastSeen = s.now()
}

// Get returns a deep copy of the session.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.copy(), true
}

// History flattens the most recent transcripts, oldest first, for
// replay as context ahead of a new query.
func (s *Store) History(id string) []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}

	turns := sess.Transcripts
	if s.maxTurns > 0 && len(turns) > s.maxTurns {
		turns = turns[len(turns)-s.maxTurns:]
	}

	var out []llm.Message
	for _, t := range turns {
		out = append(out, llm.CloneMessages(t)...)
	}
	return out
}

// Delete removes a session.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Sweep removes sessions idle for longer than the TTL as of now and
// returns how many were removed.
func (s *Store) Sweep(now time.Time) int {
	if s.ttl <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.LastSeen) > s.ttl {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Stats returns store statistics.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns, messages := 0, 0
	for _, sess := range s.sessions {
		turns += len(sess.Transcripts)
		for _, t := range sess.Transcripts {
			messages += len(t)
		}
	}

	return map[string]any{
		"sessions":  len(s.sessions),
		"turns":     turns,
		"messages":  messages,
		"max_turns": s.maxTurns,
	}
}

func (sess *Session) copy() *Session {
	cp := &Session{
		ID:          sess.ID,
		Queries:     make([]string, len(sess.Queries)),
		Transcripts: make([][]llm.Message, len(sess.Transcripts)),
		CreatedAt:   sess.CreatedAt,
		LastSeen:    sess.LastSeen,
	}
	copy(cp.Queries, sess.Queries)
	for i, t := range sess.Transcripts {
		cp.Transcripts[i] = llm.CloneMessages(t)
	}
	return cp
}

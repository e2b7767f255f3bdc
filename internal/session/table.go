package session

import "sync"

// Table is the instance-scoped arena of live sessions keyed by session id.
// Bus handlers capture only the session id and look the session up at
// delivery time; a message for a removed entry is discarded. This breaks
// the reference cycle between bus subscriptions and sessions.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

func (t *Table) Add(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.ID] = s
}

func (t *Table) Get(id string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// Remove deletes the entry. Idempotent.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Range calls fn over a snapshot of the table, so fn may add or remove
// sessions without deadlocking.
func (t *Table) Range(fn func(*Session)) {
	t.mu.RLock()
	snapshot := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		snapshot = append(snapshot, s)
	}
	t.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}

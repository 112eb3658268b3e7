package chat

import (
	"sync"

	"github.com/presbrey/chatd/chat/store"
)

// SessionRegistry is the concurrency-safe map from live nickname to
// session. At most one live session holds a given nickname; keys are
// folded, so uniqueness is case-insensitive. The registry is transient
// and starts empty on every server start.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry creates an empty registry
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
	}
}

// Register inserts s under nick as one atomic check-and-insert.
// Returns ErrNicknameTaken if another live session holds the nickname.
func (r *SessionRegistry) Register(nick string, s *Session) error {
	key := store.Fold(nick)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[key]; exists {
		return ErrNicknameTaken
	}
	r.sessions[key] = s
	return nil
}

// Unregister removes the entry for nick if it maps to s. The session
// check keeps a terminating session from evicting a successor that
// took the nickname over. Idempotent.
func (r *SessionRegistry) Unregister(nick string, s *Session) {
	key := store.Fold(nick)

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.sessions[key]; exists && current == s {
		delete(r.sessions, key)
	}
}

// Rename atomically moves s from oldNick to newNick. On failure
// neither entry changes: ErrNicknameTaken if newNick is live on
// another session, ErrNotFound if oldNick is not mapped to s. A
// case-only change of the session's own nickname is allowed.
func (r *SessionRegistry) Rename(oldNick, newNick string, s *Session) error {
	oldKey := store.Fold(oldNick)
	newKey := store.Fold(newNick)

	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.sessions[oldKey]
	if !exists || current != s {
		return ErrNotFound
	}
	if other, taken := r.sessions[newKey]; taken && other != s {
		return ErrNicknameTaken
	}

	delete(r.sessions, oldKey)
	r.sessions[newKey] = s
	return nil
}

// Lookup returns the live session for nick
func (r *SessionRegistry) Lookup(nick string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sessions[store.Fold(nick)]
	if !exists {
		return nil, ErrNotFound
	}
	return s, nil
}

// AllSessions returns a snapshot of the live sessions. Callers iterate
// the copy, so sessions joining or leaving mid-broadcast cannot
// corrupt the fan-out.
func (r *SessionRegistry) AllSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	return snapshot
}

// Len returns the number of live sessions
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Nicks returns the display nicknames of all live sessions
func (r *SessionRegistry) Nicks() []string {
	sessions := r.AllSessions()
	nicks := make([]string, 0, len(sessions))
	for _, s := range sessions {
		nicks = append(nicks, s.Nick())
	}
	return nicks
}

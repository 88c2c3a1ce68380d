package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxrelay/gateway/internal/gwerr"
)

// Store holds every live Session, keyed by ID. Mutations to a single
// session are serialised by the Session's own lock; the Store supports
// concurrent access by distinct sessions via a narrow map-only lock.
type Store struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[ID]*Session
}

// NewStore creates an empty Store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger:   logger.With(zap.String("component", "session_store")),
		sessions: make(map[ID]*Session),
	}
}

// NewID generates a fresh session identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// GetOrCreate returns the session for id, creating it with the given
// principal if it doesn't already exist.
func (st *Store) GetOrCreate(id ID, principal string) *Session {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok {
		return s
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		return s
	}
	s = New(id, principal, time.Now())
	st.sessions[id] = s
	st.logger.Info("session created", zap.String("session_id", string(id)))
	return s
}

// Get returns the session for id, or an error if it does not exist.
func (st *Store) Get(id ID) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, gwerr.New(gwerr.SessionUnknown, "no such session: "+string(id))
	}
	return s, nil
}

// Destroy removes a session, cancelling any active stream and releasing
// its buffers. It is idempotent.
func (st *Store) Destroy(id ID) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	st.mu.Unlock()

	if !ok {
		return
	}
	if stream := s.ActiveStream(); stream != nil {
		stream.Cancel()
	}
	st.logger.Info("session destroyed", zap.String("session_id", string(id)))
}

// Snapshots returns a diagnostic snapshot of every live session.
func (st *Store) Snapshots() []Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Snapshot, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// IdleSince destroys every session whose last activity predates cutoff.
// Idle eviction is optional and disabled by default (§5): cmd/gateway
// does not call this, and the config has no idle-timeout key.
func (st *Store) IdleSince(cutoff time.Time) []ID {
	st.mu.RLock()
	var stale []ID
	for id, s := range st.sessions {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	st.mu.RUnlock()

	for _, id := range stale {
		st.Destroy(id)
	}
	return stale
}

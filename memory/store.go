package memory

import "sync"

// Store holds one Conversation per session, created lazily via a
// factory supplied at construction (in-process or Redis-backed,
// depending on GATEWAY_MEMORY_BACKEND) and destroyed alongside the
// session.
type Store struct {
	mu      sync.Mutex
	convs   map[string]Conversation
	factory func(sessionID string) Conversation
}

// NewStore builds a Store. factory is called at most once per distinct
// session ID.
func NewStore(factory func(sessionID string) Conversation) *Store {
	return &Store{
		convs:   make(map[string]Conversation),
		factory: factory,
	}
}

// GetOrCreate returns the Conversation for sessionID, creating it via
// the factory on first use.
func (s *Store) GetOrCreate(sessionID string) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[sessionID]; ok {
		return c
	}
	c := s.factory(sessionID)
	s.convs[sessionID] = c
	return c
}

// Destroy removes sessionID's conversation. Idempotent.
func (s *Store) Destroy(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, sessionID)
}

// internal/lobby/lobby_store.go
package lobby

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Store is the process-wide registry of live lobbies, keyed by code. It
// enforces the MAX_LOBBIES bound from spec.md §3.
type Store struct {
	mu      sync.Mutex
	lobbies map[string]*Lobby
	max     int
	logger  *logrus.Logger
}

// NewStore builds an empty registry bounded at max lobbies.
func NewStore(max int, logger *logrus.Logger) *Store {
	return &Store{
		lobbies: make(map[string]*Lobby),
		max:     max,
		logger:  logger,
	}
}

// Add inserts lobby into the registry, failing if the registry is already
// at its MAX_LOBBIES bound or the code is already in use.
func (s *Store) Add(l *Lobby) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.lobbies[l.Code]; exists {
		return fmt.Errorf("lobby store: code %s already registered", l.Code)
	}
	if len(s.lobbies) >= s.max {
		return fmt.Errorf("lobby store: at capacity (%d lobbies)", s.max)
	}
	s.lobbies[l.Code] = l
	return nil
}

// Delete removes a lobby from the registry by code. Typically invoked via
// the lobby's OnEmpty callback.
func (s *Store) Delete(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.lobbies[code]; exists {
		delete(s.lobbies, code)
		s.logger.Debugf("lobby store: deleted lobby %s", code)
	}
}

// Get retrieves a lobby by code.
func (s *Store) Get(code string) (*Lobby, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[code]
	return l, ok
}

// Len reports how many lobbies are currently registered.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lobbies)
}

// AtCapacity reports whether the registry has reached MAX_LOBBIES.
func (s *Store) AtCapacity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lobbies) >= s.max
}

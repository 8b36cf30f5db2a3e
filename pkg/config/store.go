package config

import (
	"sync"
	"sync/atomic"

	"github.com/openchami/oauth2bridge/pkg/logging"
)

// Source gives read access to the live settings
type Source interface {
	Current() *Settings
}

// Store publishes validated settings snapshots. Readers never block.
type Store struct {
	current atomic.Pointer[Settings]
	logger  *logging.StructuredLogger

	mu        sync.Mutex
	listeners []func(old, next *Settings)
}

// NewStore validates initial and publishes it
func NewStore(initial *Settings) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Store{logger: logging.NewStructuredLogger("config")}
	s.current.Store(initial.Clone())
	s.logger.WithFields(initial.Summary()).Info("configuration loaded")
	return s, nil
}

// Current implements Source
func (s *Store) Current() *Settings {
	return s.current.Load()
}

// Update validates next and publishes it. On error the previous snapshot stays live.
func (s *Store) Update(next *Settings) error {
	if err := next.Validate(); err != nil {
		s.logger.WithError(err).Error("configuration update rejected")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := next.Clone()
	old := s.current.Swap(snapshot)
	s.logger.WithFields(snapshot.Summary()).Info("configuration updated")

	for _, fn := range s.listeners {
		fn(old, snapshot)
	}
	return nil
}

// OnChange registers fn to run after every successful Update
func (s *Store) OnChange(fn func(old, next *Settings)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Static is a fixed Source, mostly useful in tests
type Static struct {
	Settings *Settings
}

// Current implements Source
func (s Static) Current() *Settings {
	return s.Settings
}

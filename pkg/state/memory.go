package state

import (
	"context"
	"sync"
	"time"

	"github.com/openchami/oauth2bridge/pkg/logging"
	"github.com/openchami/oauth2bridge/pkg/metrics"
	gocache "github.com/patrickmn/go-cache"
)

// MemoryOptions controls the background sweep of a MemoryStore
type MemoryOptions struct {
	SweepDelay    time.Duration
	SweepInterval time.Duration
}

// DefaultMemoryOptions sweeps a minute after start and every five minutes after that
func DefaultMemoryOptions() MemoryOptions {
	return MemoryOptions{
		SweepDelay:    time.Minute,
		SweepInterval: 5 * time.Minute,
	}
}

// MemoryStore is a process-local Store. Expired entries are invisible to
// RetrieveAndRemove immediately; the sweeper only reclaims their memory.
type MemoryStore struct {
	mu     sync.Mutex
	items  *gocache.Cache
	logger *logging.StructuredLogger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewMemoryStore creates the store and starts its sweeper
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	d := DefaultMemoryOptions()
	if opts.SweepDelay <= 0 {
		opts.SweepDelay = d.SweepDelay
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = d.SweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &MemoryStore{
		// The go-cache janitor is disabled; sweeping is driven by sweep below.
		items:  gocache.New(DefaultTTL, 0),
		logger: logging.NewStructuredLogger("state-store"),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.sweep(ctx, opts.SweepDelay, opts.SweepInterval)
	return s
}

// Store implements Store. Empty values and non-positive TTLs are ignored.
func (s *MemoryStore) Store(_ context.Context, state, payload string, ttl time.Duration) error {
	if !valid(state, payload, ttl) {
		return nil
	}
	s.mu.Lock()
	s.items.Set(state, payload, ttl)
	s.mu.Unlock()
	metrics.RecordStateOperation("store", "ok")
	return nil
}

// RetrieveAndRemove implements Store
func (s *MemoryStore) RetrieveAndRemove(_ context.Context, state string) (string, bool, error) {
	if state == "" {
		return "", false, nil
	}

	s.mu.Lock()
	v, found := s.items.Get(state)
	if found {
		s.items.Delete(state)
	}
	s.mu.Unlock()

	if !found {
		metrics.RecordStateOperation("retrieve", "miss")
		return "", false, nil
	}
	metrics.RecordStateOperation("retrieve", "hit")
	payload, _ := v.(string)
	return payload, true, nil
}

// Len returns the number of entries held, expired ones included until swept
func (s *MemoryStore) Len() int {
	return s.items.ItemCount()
}

func (s *MemoryStore) sweep(ctx context.Context, delay, interval time.Duration) {
	defer close(s.done)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.DeleteExpired()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DeleteExpired reclaims expired entries
func (s *MemoryStore) DeleteExpired() {
	before := s.items.ItemCount()
	s.items.DeleteExpired()
	if removed := before - s.items.ItemCount(); removed > 0 {
		s.logger.WithField("removed", removed).Debug("swept expired state entries")
	}
}

// Close stops the sweeper and waits for it to exit. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

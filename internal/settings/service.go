package settings

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/voxlink/internal/logging"
)

// Service serves versioned settings snapshots on top of a Store and notifies
// subscribers when they change.
type Service struct {
	store Store
	log   *zap.Logger

	mu     sync.RWMutex
	snap   Snapshot
	nextID int
	subs   map[int]chan Snapshot
}

// NewService loads the store and fills missing keys from defaults.
func NewService(ctx context.Context, store Store, defaults map[string]string, logger *zap.Logger) (*Service, error) {
	values, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	merged := cloneValues(defaults)
	for k, v := range values {
		merged[k] = v
	}
	return &Service{
		store: store,
		log:   logging.OrNop(logger).Named("settings"),
		snap:  Snapshot{Version: 1, Values: merged},
		subs:  make(map[int]chan Snapshot),
	}, nil
}

// Snapshot returns the current settings. Callers must not mutate Values.
func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Service) Get(key string) string {
	return s.Snapshot().Get(key)
}

// Update persists updates and publishes a new snapshot when anything changed.
func (s *Service) Update(ctx context.Context, updates map[string]string) (Snapshot, error) {
	s.mu.Lock()
	changed := make(map[string]string, len(updates))
	for k, v := range updates {
		if s.snap.Values[k] != v {
			changed[k] = v
		}
	}
	if len(changed) == 0 {
		snap := s.snap
		s.mu.Unlock()
		return snap, nil
	}
	if err := s.store.Save(ctx, changed); err != nil {
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("save settings: %w", err)
	}
	values := cloneValues(s.snap.Values)
	for k, v := range changed {
		values[k] = v
	}
	s.snap = Snapshot{Version: s.snap.Version + 1, Values: values}
	snap := s.snap
	for _, ch := range s.subs {
		publishLatest(ch, snap)
	}
	s.mu.Unlock()

	keys := make([]string, 0, len(changed))
	for k := range changed {
		keys = append(keys, k)
	}
	s.log.Info("settings updated", zap.Uint64("version", snap.Version), zap.Strings("keys", keys))
	return snap, nil
}

// Subscribe returns a channel that always holds the latest unseen snapshot.
// Slow readers skip intermediate versions.
func (s *Service) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func publishLatest(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (s *Service) Close() error {
	return s.store.Close()
}

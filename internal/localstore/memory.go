package localstore

import (
	"context"
	"sync"
)

// MemoryStore is a process-local Store. Handles returned by Clone share the
// same data and watchers, which lets several managers in one process act
// like tabs of one profile.
type MemoryStore struct {
	shared *memoryData
}

type memoryData struct {
	mu       sync.Mutex
	values   map[string][]byte
	watchers map[chan Change]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{shared: &memoryData{
		values:   make(map[string][]byte),
		watchers: make(map[chan Change]struct{}),
	}}
}

// Clone returns another handle onto the same data.
func (s *MemoryStore) Clone() *MemoryStore {
	return &MemoryStore{shared: s.shared}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	v, ok := s.shared.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.shared.mu.Lock()
	s.shared.values[key] = append([]byte(nil), value...)
	s.shared.notify(Change{Key: key})
	s.shared.mu.Unlock()
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.shared.mu.Lock()
	if _, ok := s.shared.values[key]; ok {
		delete(s.shared.values, key)
		s.shared.notify(Change{Key: key, Removed: true})
	}
	s.shared.mu.Unlock()
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, 64)
	s.shared.mu.Lock()
	s.shared.watchers[ch] = struct{}{}
	s.shared.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.shared.mu.Lock()
		delete(s.shared.watchers, ch)
		close(ch)
		s.shared.mu.Unlock()
	}()
	return ch, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// notify must be called with mu held. Slow watchers drop changes rather
// than block writers.
func (d *memoryData) notify(c Change) {
	for ch := range d.watchers {
		select {
		case ch <- c:
		default:
		}
	}
}

var _ Store = (*MemoryStore)(nil)

package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store. It backs the "memory" registry kind
// and lets a provider and a consumer in the same process share one
// namespace without an external coordination service.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	watchers map[*memoryWatcher]struct{}
}

type memoryWatcher struct {
	prefix string
	ch     chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string][]byte),
		watchers: make(map[*memoryWatcher]struct{}),
	}
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.data[key] = append([]byte(nil), value...)
	s.notifyLocked(key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	if _, ok := s.data[key]; ok {
		delete(s.data, key)
		s.notifyLocked(key)
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]KeyValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kvs := make([]KeyValue, 0)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			kvs = append(kvs, KeyValue{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs, nil
}

func (s *MemoryStore) Watch(ctx context.Context, prefix string) <-chan struct{} {
	w := &memoryWatcher{prefix: prefix, ch: make(chan struct{}, 1)}

	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, w)
		close(w.ch)
		s.mu.Unlock()
	}()
	return w.ch
}

// Close is a no-op: several registries may share one MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// notifyLocked wakes every watcher whose prefix covers key. A watcher that
// already has a pending signal is skipped; it will re-read the full list.
func (s *MemoryStore) notifyLocked(key string) {
	for w := range s.watchers {
		if !strings.HasPrefix(key, w.prefix) {
			continue
		}
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
}

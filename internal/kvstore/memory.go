package kvstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/serrano-project/orchestrator/internal/metrics"
)

// MemoryStore is an in-process Store backed by a mutex-guarded map, with
// prefix-watch fan-out through bounded per-watch channels. It is used for
// unit tests and single-process demos; it does not survive a process
// restart.
type MemoryStore struct {
	mu       sync.RWMutex
	values   map[string][]byte
	revision int64

	watchMu sync.Mutex
	watches map[*memoryWatch]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string][]byte),
		watches: make(map[*memoryWatch]struct{}),
	}
}

type memoryWatch struct {
	prefix  string
	queue   chan Event
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

func (w *memoryWatch) Close() error {
	w.cancel()
	<-w.done
	return nil
}

const watchQueueCapacity = 256

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, updatedBy string) error {
	s.mu.Lock()
	s.revision++
	rev := s.revision
	cp := make([]byte, len(value))
	copy(cp, value)
	s.values[key] = cp
	s.mu.Unlock()

	s.publish(Event{Type: EventPut, Key: key, Value: cp, UpdatedBy: updatedBy, Revision: rev})
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	_, existed := s.values[key]
	s.revision++
	rev := s.revision
	delete(s.values, key)
	s.mu.Unlock()

	if existed {
		s.publish(Event{Type: EventDelete, Key: key, Revision: rev})
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte)
	for k, v := range s.values {
		if strings.HasPrefix(k, prefix) {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[k] = cp
		}
	}
	return out, nil
}

func (s *MemoryStore) Watch(ctx context.Context, prefix string, handler Handler) (WatchHandle, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	w := &memoryWatch{
		prefix:  prefix,
		queue:   make(chan Event, watchQueueCapacity),
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.watchMu.Lock()
	s.watches[w] = struct{}{}
	s.watchMu.Unlock()

	go func() {
		defer close(w.done)
		defer func() {
			s.watchMu.Lock()
			delete(s.watches, w)
			s.watchMu.Unlock()
		}()
		for {
			select {
			case <-watchCtx.Done():
				return
			case ev := <-w.queue:
				metrics.KVWatchQueueDepth.WithLabelValues(prefix).Set(float64(len(w.queue)))
				hctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_ = w.handler(hctx, ev)
				cancel()
			}
		}
	}()

	return w, nil
}

func (s *MemoryStore) publish(ev Event) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for w := range s.watches {
		if !strings.HasPrefix(ev.Key, w.prefix) {
			continue
		}
		select {
		case w.queue <- ev:
		default:
			// Queue overflow: drop this event. A Driver's hydrate pass, run
			// once at startup, is the only recovery path; there is no
			// automatic re-scan triggered here.
		}
	}
}

func (s *MemoryStore) Close() error { return nil }

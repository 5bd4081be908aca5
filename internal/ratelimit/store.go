package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Store persists State per candidate key. CompareAndSwap writes next only if
// the stored version equals oldVersion; a missing key has version 0.
type Store interface {
	Get(ctx context.Context, key string) (State, bool, error)
	Put(ctx context.Context, key string, s State) error
	CompareAndSwap(ctx context.Context, key string, oldVersion uint64, next State) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string]State, error)
}

const (
	DefaultMemoryEntries = 10_000
	DefaultStateTTL      = time.Hour
)

// MemoryStore keeps state in process. An entry lives for the store's ttl
// after its last write, extended while the state still blocks (see
// State.Lifetime), and the least recently used entry goes first when full.
type MemoryStore struct {
	mu      sync.Mutex
	entries *lru.Cache[string, memoryEntry]
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	state   State
	expires time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding at most size entries. Non-positive
// values select the defaults.
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	entries, _ := lru.New[string, memoryEntry](size)
	return &MemoryStore{entries: entries, ttl: ttl, now: time.Now}
}

// get returns the live entry for key, dropping it when expired. Callers hold mu.
func (m *MemoryStore) get(key string) (State, bool) {
	e, ok := m.entries.Get(key)
	if !ok {
		return State{}, false
	}
	if !m.now().Before(e.expires) {
		m.entries.Remove(key)
		return State{}, false
	}
	return e.state, true
}

func (m *MemoryStore) put(key string, s State) {
	now := m.now()
	m.entries.Add(key, memoryEntry{state: s, expires: now.Add(s.Lifetime(now, m.ttl))})
}

func (m *MemoryStore) Get(_ context.Context, key string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.get(key)
	return s, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(key, s)
	return nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, key string, oldVersion uint64, next State) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current uint64
	if s, ok := m.get(key); ok {
		current = s.Version
	}
	if current != oldVersion {
		return false, nil
	}
	m.put(key, next)
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Remove(key)
	return nil
}

func (m *MemoryStore) List(_ context.Context) (map[string]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make(map[string]State, m.entries.Len())
	for _, k := range m.entries.Keys() {
		e, ok := m.entries.Peek(k)
		if !ok {
			continue
		}
		if !now.Before(e.expires) {
			m.entries.Remove(k)
			continue
		}
		out[k] = e.state
	}
	return out, nil
}

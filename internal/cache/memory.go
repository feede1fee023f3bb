package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 1000
)

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a bounded TTL cache evicting the oldest insertion when full.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]*list.Element
	order      *list.List // front = oldest insertion
	maxEntries int
	now        func() time.Time

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewMemoryCache creates a cache holding at most maxEntries values
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// WithClock replaces the time source, for tests
func (m *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	m.now = now
	return m
}

func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	el, ok := m.entries[key]
	var value []byte
	if ok {
		e := el.Value.(*memoryEntry)
		if m.now().Before(e.expiresAt) {
			value = e.value
		} else {
			ok = false
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	if ok {
		m.hits++
	} else {
		m.misses++
	}
	m.mu.Unlock()

	if !ok {
		return nil, ErrMiss
	}
	return value, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		m.order.Remove(el)
		delete(m.entries, key)
	}

	if len(m.entries) >= m.maxEntries {
		m.purgeExpired(now)
	}
	for len(m.entries) >= m.maxEntries {
		oldest := m.order.Front()
		if oldest == nil {
			break
		}
		m.removeElement(oldest)
		m.evictions++
	}

	el := m.order.PushBack(&memoryEntry{key: key, value: value, expiresAt: now.Add(ttl)})
	m.entries[key] = el
	return nil
}

func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		m.removeElement(el)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix
func (m *MemoryCache) DeletePrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, el := range m.entries {
		if strings.HasPrefix(key, prefix) {
			m.removeElement(el)
		}
	}
	return nil
}

// Len returns the number of stored entries, expired ones included until purged
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryCache) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Healthy:   true,
		Entries:   len(m.entries),
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
		Backend:   "memory",
	}
}

// caller holds m.mu
func (m *MemoryCache) purgeExpired(now time.Time) {
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*memoryEntry).expiresAt) {
			m.removeElement(el)
		}
		el = next
	}
}

// caller holds m.mu
func (m *MemoryCache) removeElement(el *list.Element) {
	m.order.Remove(el)
	delete(m.entries, el.Value.(*memoryEntry).key)
}

package cache

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"reservoir/internal/metrics"
)

// MemoryCache is a size bounded LRU with a per entry TTL.
type MemoryCache struct {
	mu          sync.Mutex
	entries     map[string]*list.Element
	lru         *list.List
	maxSize     int64
	currentSize int64
	ttl         time.Duration
	now         func() time.Time
	metrics     *metrics.Metrics

	// Statistics
	hits   atomic.Int64
	misses atomic.Int64
}

type memoryEntry struct {
	key       string
	data      []byte
	createdAt time.Time
}

func NewMemoryCache(maxSizeBytes int64, ttl time.Duration, m *metrics.Metrics) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSizeBytes,
		ttl:     ttl,
		now:     time.Now,
		metrics: m,
	}
}

func (mc *MemoryCache) Name() string {
	return "memory"
}

func (mc *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	el, ok := mc.entries[key]
	if !ok {
		mc.misses.Add(1)
		return nil, false, nil
	}
	entry := el.Value.(*memoryEntry)
	if mc.ttl > 0 && mc.now().Sub(entry.createdAt) > mc.ttl {
		mc.remove(el)
		mc.misses.Add(1)
		return nil, false, nil
	}
	mc.lru.MoveToFront(el)
	mc.hits.Add(1)
	return entry.data, true, nil
}

func (mc *MemoryCache) Store(ctx context.Context, key string, data []byte) error {
	size := int64(len(data))
	if size > mc.maxSize {
		return fmt.Errorf("object of size %d exceeds memory cache size %d", size, mc.maxSize)
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if el, ok := mc.entries[key]; ok {
		mc.remove(el)
	}
	// Evict least recently used entries to make space
	for mc.currentSize+size > mc.maxSize {
		oldest := mc.lru.Back()
		if oldest == nil {
			break
		}
		mc.remove(oldest)
	}
	mc.entries[key] = mc.lru.PushFront(&memoryEntry{key: key, data: data, createdAt: mc.now()})
	mc.currentSize += size
	mc.metrics.SetCacheSize(mc.Name(), mc.currentSize)
	return nil
}

func (mc *MemoryCache) DeletePrefix(ctx context.Context, prefix string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	for key, el := range mc.entries {
		if strings.HasPrefix(key, prefix) {
			mc.remove(el)
		}
	}
	mc.metrics.SetCacheSize(mc.Name(), mc.currentSize)
	return nil
}

// remove must be called with mu held.
func (mc *MemoryCache) remove(el *list.Element) {
	entry := el.Value.(*memoryEntry)
	mc.lru.Remove(el)
	delete(mc.entries, entry.key)
	mc.currentSize -= int64(len(entry.data))
}

func (mc *MemoryCache) Stats() LayerStats {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return LayerStats{
		Name:      mc.Name(),
		Objects:   len(mc.entries),
		SizeBytes: mc.currentSize,
		Hits:      mc.hits.Load(),
		Misses:    mc.misses.Load(),
	}
}

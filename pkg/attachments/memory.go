package attachments

import (
	"container/list"
	"context"
	"sync"
)

type cacheEntry struct {
	payload string
	element *list.Element
}

// MemoryCache keeps the most recently used attachment payloads in memory.
type MemoryCache struct {
	cache   map[string]cacheEntry
	lruList *list.List
	maxSize int
	mu      sync.Mutex
}

// NewMemoryCache creates an LRU cache holding at most maxSize payloads (default 128).
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 128
	}
	return &MemoryCache{
		cache:   make(map[string]cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

func (c *MemoryCache) Get(_ context.Context, ref string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache[ref]
	if !ok {
		return "", false, nil
	}
	c.lruList.MoveToFront(entry.element)
	return entry.payload, true, nil
}

func (c *MemoryCache) Put(_ context.Context, ref string, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.cache[ref]; ok {
		c.lruList.MoveToFront(entry.element)
		c.cache[ref] = cacheEntry{payload: payload, element: entry.element}
		return nil
	}

	if c.lruList.Len() >= c.maxSize {
		oldest := c.lruList.Back()
		if oldest != nil {
			delete(c.cache, oldest.Value.(string))
			c.lruList.Remove(oldest)
		}
	}

	element := c.lruList.PushFront(ref)
	c.cache[ref] = cacheEntry{
		payload: payload,
		element: element,
	}
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

var _ Store = (*MemoryCache)(nil)

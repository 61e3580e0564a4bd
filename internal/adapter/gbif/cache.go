package gbif

import (
	"context"
	"strings"
	"sync"

	"github.com/couchcryptid/occurrence-qc/internal/domain"
	"github.com/couchcryptid/occurrence-qc/internal/observability"
)

// CachedLocator wraps an InstitutionLocator with an in-memory LRU cache keyed
// by institution code.
type CachedLocator struct {
	inner   domain.InstitutionLocator
	cache   *lruCache[domain.Institution]
	metrics *observability.Metrics
}

// NewCachedLocator creates a cache decorator around a locator.
func NewCachedLocator(inner domain.InstitutionLocator, maxEntries int, metrics *observability.Metrics) *CachedLocator {
	return &CachedLocator{
		inner:   inner,
		cache:   newLRUCache[domain.Institution](maxEntries),
		metrics: metrics,
	}
}

func (c *CachedLocator) LocateInstitution(ctx context.Context, code string) (domain.Institution, bool, error) {
	key := strings.ToUpper(strings.TrimSpace(code))
	if inst, ok := c.cache.get(key); ok {
		c.metrics.InstitutionCache.WithLabelValues("hit").Inc()
		return inst, true, nil
	}
	c.metrics.InstitutionCache.WithLabelValues("miss").Inc()

	inst, found, err := c.inner.LocateInstitution(ctx, code)
	if err != nil || !found {
		return inst, found, err
	}
	// Misses are not cached so a registry hiccup does not stick for the run.
	c.cache.put(key, inst)
	return inst, true, nil
}

// lruCache is a small thread-safe LRU cache.
type lruCache[V any] struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[string]*entry[V]
	head       *entry[V] // most recently used
	tail       *entry[V] // least recently used
}

type entry[V any] struct {
	key   string
	value V
	prev  *entry[V]
	next  *entry[V]
}

func newLRUCache[V any](maxEntries int) *lruCache[V] {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &lruCache[V]{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry[V]),
	}
}

func (c *lruCache[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache[V]) put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry[V]{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache[V]) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache[V]) moveToFront(e *entry[V]) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache[V]) addToFront(e *entry[V]) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache[V]) remove(e *entry[V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache[V]) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}

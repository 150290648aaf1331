// Package sessioncache provides a bounded, idle-evicting cache of live
// in-memory agent session handles, sitting in front of the persistence layer
// so an active session's hot state never round-trips through the database.
package sessioncache

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sessiond/core/internal/common/logger"
)

// Entry is anything the cache can hold. Teardown is called at most once,
// either on eviction or on explicit Remove, and must block until the
// session's resources (its query transport, goroutines) have fully released
// before returning — this is the cleanup barrier callers rely on.
type Entry interface {
	Teardown()
}

type node struct {
	key        string
	value      Entry
	lastActive time.Time
}

// Cache is a fixed-capacity LRU keyed by session ID with an additional idle
// TTL: Put evicts the least-recently-used entry when capacity is exceeded,
// and EvictIdle evicts every entry not touched for longer than idleTTL. The
// cache does not run EvictIdle on its own.
type Cache struct {
	mu       sync.Mutex
	capacity int
	idleTTL  time.Duration
	ll       *list.List
	items    map[string]*list.Element
	logger   *logger.Logger
	closed   bool
}

// New creates a Cache bounded to capacity entries, evicting any entry idle
// longer than idleTTL.
func New(capacity int, idleTTL time.Duration, log *logger.Logger) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		idleTTL:  idleTTL,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		logger:   log,
	}
}

// Get returns the entry for key and marks it most-recently-used, or false
// if it isn't resident.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	n := el.Value.(*node)
	n.lastActive = time.Now()
	return n.value, true
}

// Put inserts or replaces the entry for key. If inserting pushes the cache
// over capacity, the least-recently-used entry is evicted and torn down
// before Put returns. Once Close has run, Put is a no-op that tears down
// value immediately instead of inserting it — the cleanup barrier this
// enforces is what keeps a session from entering the cache after cleanup
// has started.
func (c *Cache) Put(key string, value Entry) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		value.Teardown()
		return
	}

	if el, ok := c.items[key]; ok {
		old := el.Value.(*node)
		el.Value = &node{key: key, value: value, lastActive: time.Now()}
		c.ll.MoveToFront(el)
		c.mu.Unlock()
		if old.value != value {
			old.value.Teardown()
		}
		return
	}

	el := c.ll.PushFront(&node{key: key, value: value, lastActive: time.Now()})
	c.items[key] = el

	var evicted *node
	if c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back != nil {
			evicted = back.Value.(*node)
			c.ll.Remove(back)
			delete(c.items, evicted.key)
		}
	}
	c.mu.Unlock()

	if evicted != nil {
		c.logger.Debug("evicting session from cache at capacity", zap.String("session_id", evicted.key))
		evicted.value.Teardown()
	}
}

// Remove evicts key's entry immediately, tearing it down before returning.
// A no-op if key isn't resident.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	n := el.Value.(*node)
	c.ll.Remove(el)
	delete(c.items, key)
	c.mu.Unlock()

	n.value.Teardown()
}

// EvictIdle tears down and removes every entry that has not been touched
// since before the idle TTL elapsed. It runs only when called.
func (c *Cache) EvictIdle() {
	if c.idleTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-c.idleTTL)

	c.mu.Lock()
	var stale []*node
	for el := c.ll.Back(); el != nil; {
		n := el.Value.(*node)
		prev := el.Prev()
		if n.lastActive.Before(cutoff) {
			c.ll.Remove(el)
			delete(c.items, n.key)
			stale = append(stale, n)
		}
		el = prev
	}
	c.mu.Unlock()

	for _, n := range stale {
		c.logger.Debug("evicting idle session from cache", zap.String("session_id", n.key))
		n.value.Teardown()
	}
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Close tears down every resident entry, used on daemon shutdown to ensure
// the cleanup barrier runs for sessions that were never idle or evicted.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	entries := make([]Entry, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		entries = append(entries, el.Value.(*node).value)
	}
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.mu.Unlock()

	for _, e := range entries {
		e.Teardown()
	}
}

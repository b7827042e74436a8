package runtime

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MinLL/inja/nodes"
	"github.com/MinLL/inja/value"
)

// CallbackCacheConfig controls callback result caching.
type CallbackCacheConfig struct {
	// TTL is the time-to-live of cached entries.
	TTL time.Duration
	// MaxEntries bounds the cache size; 0 means unbounded.
	MaxEntries int
	// CacheVoidCallbacks also caches null results. Usually off, since void
	// callbacks exist for their side effects.
	CacheVoidCallbacks bool
}

// DefaultCallbackCacheConfig returns the default cache configuration.
func DefaultCallbackCacheConfig() CallbackCacheConfig {
	return CallbackCacheConfig{TTL: 5 * time.Second, MaxEntries: 10000}
}

// CachePredicate decides whether results of a callback should be cached.
type CachePredicate func(name string) bool

type cacheEntry struct {
	key    string
	value  *value.Value
	expiry time.Time
}

// CallbackCache memoises callback results keyed by function name and
// serialised arguments, with TTL expiry and LRU eviction. Reads share a
// lock so concurrent hits do not serialise; statistics counters are atomic.
type CallbackCache struct {
	mu sync.RWMutex
	// Recency list, front = most recently stored; entries holds list nodes by
	// key for O(1) touch and eviction.
	lru     *list.List
	entries map[string]*list.Element

	config    CallbackCacheConfig
	predicate CachePredicate

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewCallbackCache creates a cache with the given configuration.
func NewCallbackCache(config CallbackCacheConfig) *CallbackCache {
	return &CallbackCache{
		lru:     list.New(),
		entries: make(map[string]*list.Element),
		config:  config,
	}
}

// SetCachePredicate restricts caching to callbacks the predicate accepts.
func (c *CallbackCache) SetCachePredicate(predicate CachePredicate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.predicate = predicate
}

func (c *CallbackCache) cachePredicate() CachePredicate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.predicate
}

// cacheKey serialises a call as "name:arg1,arg2,...". Unresolved arguments
// serialise as null.
func cacheKey(name string, args nodes.Arguments) string {
	var b strings.Builder
	b.Grow(len(name) + 1 + len(args)*16)
	b.WriteString(name)
	b.WriteByte(':')
	for i, arg := range args {
		if i > 0 {
			b.WriteByte(',')
		}
		if arg == nil {
			b.WriteString("null")
		} else {
			b.WriteString(arg.Dump())
		}
	}
	return b.String()
}

// TryGet returns the cached result of a call if present and fresh. A hit
// leaves the entry's position in the recency list unchanged; only Put moves
// an entry to the front.
func (c *CallbackCache) TryGet(name string, args nodes.Arguments) (*value.Value, bool) {
	key := cacheKey(name, args)
	now := time.Now()

	c.mu.RLock()
	elem, ok := c.entries[key]
	if ok {
		entry := elem.Value.(*cacheEntry)
		if entry.expiry.After(now) {
			// Hand out a copy so renders never share mutable state with
			// the cache.
			result := entry.value.Clone()
			c.mu.RUnlock()
			c.hits.Add(1)
			return result, true
		}
	}
	c.mu.RUnlock()

	c.misses.Add(1)
	return nil, false
}

// Put stores a call result. Existing entries refresh their value and expiry
// and move to the front; inserts evict expired and over-capacity entries
// from the back.
func (c *CallbackCache) Put(name string, args nodes.Arguments, result *value.Value) {
	if !c.config.CacheVoidCallbacks && result.IsNull() {
		return
	}

	key := cacheKey(name, args)
	expiry := time.Now().Add(c.config.TTL)
	result = result.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeExpiredLocked()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = result
		entry.expiry = expiry
		c.lru.MoveToFront(elem)
		return
	}

	c.evictIfNeededLocked()
	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, value: result, expiry: expiry})
}

// removeExpiredLocked sweeps expired entries from the back of the list.
func (c *CallbackCache) removeExpiredLocked() {
	now := time.Now()
	for back := c.lru.Back(); back != nil; back = c.lru.Back() {
		entry := back.Value.(*cacheEntry)
		if entry.expiry.After(now) {
			break
		}
		delete(c.entries, entry.key)
		c.lru.Remove(back)
		c.evictions.Add(1)
	}
}

func (c *CallbackCache) evictIfNeededLocked() {
	if c.config.MaxEntries == 0 {
		return
	}
	for len(c.entries) >= c.config.MaxEntries {
		back := c.lru.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*cacheEntry)
		delete(c.entries, entry.key)
		c.lru.Remove(back)
		c.evictions.Add(1)
	}
}

// Invalidate removes every cached entry of the named callback, regardless of
// arguments, and returns the number removed.
func (c *CallbackCache) Invalidate(name string) int {
	prefix := name + ":"
	removed := 0

	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.lru.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*cacheEntry)
		if strings.HasPrefix(entry.key, prefix) {
			delete(c.entries, entry.key)
			c.lru.Remove(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// Clear removes all entries.
func (c *CallbackCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Init()
	c.entries = make(map[string]*list.Element)
}

// Size returns the current entry count.
func (c *CallbackCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Hits returns the number of cache hits.
func (c *CallbackCache) Hits() uint64 { return c.hits.Load() }

// Misses returns the number of cache misses.
func (c *CallbackCache) Misses() uint64 { return c.misses.Load() }

// Evictions returns the number of entries removed by TTL or capacity.
func (c *CallbackCache) Evictions() uint64 { return c.evictions.Load() }

// HitRate returns hits/(hits+misses), or 0 when no lookup has happened.
func (c *CallbackCache) HitRate() float64 {
	h := c.hits.Load()
	m := c.misses.Load()
	total := h + m
	if total == 0 {
		return 0
	}
	return float64(h) / float64(total)
}

// ResetStats zeroes the statistics counters.
func (c *CallbackCache) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}

// Config returns the cache configuration.
func (c *CallbackCache) Config() CallbackCacheConfig {
	return c.config
}

// CachingWrapper returns a CallbackWrapper that consults the cache before
// executing the callback thunk.
func (c *CallbackCache) CachingWrapper() CallbackWrapper {
	return func(name string, args nodes.Arguments, thunk Thunk) (*value.Value, error) {
		if predicate := c.cachePredicate(); predicate != nil && !predicate(name) {
			return thunk()
		}
		if cached, ok := c.TryGet(name, args); ok {
			return cached, nil
		}
		result, err := thunk()
		if err != nil {
			return nil, err
		}
		c.Put(name, args, result)
		return result, nil
	}
}

// CachingWrapperWithInner returns a caching wrapper that delegates the miss
// path through inner, so caching can chain with tracing or timing wrappers.
func (c *CallbackCache) CachingWrapperWithInner(inner CallbackWrapper) CallbackWrapper {
	return func(name string, args nodes.Arguments, thunk Thunk) (*value.Value, error) {
		if predicate := c.cachePredicate(); predicate != nil && !predicate(name) {
			if inner != nil {
				return inner(name, args, thunk)
			}
			return thunk()
		}
		if cached, ok := c.TryGet(name, args); ok {
			return cached, nil
		}
		var result *value.Value
		var err error
		if inner != nil {
			result, err = inner(name, args, thunk)
		} else {
			result, err = thunk()
		}
		if err != nil {
			return nil, err
		}
		c.Put(name, args, result)
		return result, nil
	}
}

// NewCachingCallbackWrapper builds a cache and its wrapper in one step, for
// callers that do not need to manage the cache separately.
func NewCachingCallbackWrapper(config CallbackCacheConfig, predicate CachePredicate) (CallbackWrapper, *CallbackCache) {
	cache := NewCallbackCache(config)
	if predicate != nil {
		cache.SetCachePredicate(predicate)
	}
	return cache.CachingWrapper(), cache
}

package security

import (
	"container/list"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// CommandCacheConfig configures the idempotent-read command cache.
type CommandCacheConfig struct {
	// DefaultTTL is used when Insert is called with ttlSecs <= 0.
	DefaultTTL time.Duration
	// MaxSize is the maximum number of entries kept; inserting past this
	// evicts the least recently used entry. Zero means unbounded.
	MaxSize int
}

// DefaultCommandCacheConfig returns a ten-second TTL, 256-entry cache: long
// enough to dedupe a flurry of read-only calls within one act's execution,
// small enough that a runaway narrative can't grow it unbounded.
func DefaultCommandCacheConfig() CommandCacheConfig {
	return CommandCacheConfig{DefaultTTL: 10 * time.Second, MaxSize: 256}
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// CommandCache memoizes the result of idempotent (read-only) bot commands
// keyed by platform, command name, and arguments, so a narrative that polls
// the same read several times within a short window doesn't re-issue it
// against the platform every time.
type CommandCache struct {
	mu     sync.Mutex
	config CommandCacheConfig
	lru    *list.List // front = most recently used
	items  map[string]*list.Element
}

type lruItem struct {
	key   string
	entry cacheEntry
}

// NewCommandCache returns an empty cache.
func NewCommandCache(config CommandCacheConfig) *CommandCache {
	return &CommandCache{
		config: config,
		lru:    list.New(),
		items:  make(map[string]*list.Element),
	}
}

// cacheKey derives a stable key from platform, command, and args. Args are
// marshaled with sorted keys so two calls with the same arguments in a
// different map iteration order hit the same entry.
func cacheKey(platform, command string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]any, len(args))
	for _, k := range keys {
		ordered[k] = args[k]
	}
	encoded, _ := json.Marshal(ordered)
	sum := sha256.Sum256(encoded)
	return fmt.Sprintf("%s:%s:%x", platform, command, sum)
}

// Insert stores value for (platform, command, args), expiring it after
// ttlSecs seconds, or the cache's DefaultTTL when ttlSecs is zero or negative.
// Inserting at capacity evicts the least recently used entry first.
func (c *CommandCache) Insert(platform, command string, args map[string]any, value any, ttlSecs int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ttl := c.config.DefaultTTL
	if ttlSecs > 0 {
		ttl = time.Duration(ttlSecs) * time.Second
	}
	key := cacheKey(platform, command, args)
	entry := cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}

	if el, ok := c.items[key]; ok {
		el.Value.(*lruItem).entry = entry
		c.lru.MoveToFront(el)
		return
	}

	el := c.lru.PushFront(&lruItem{key: key, entry: entry})
	c.items[key] = el

	if c.config.MaxSize > 0 && len(c.items) > c.config.MaxSize {
		c.evictOldest()
	}
}

func (c *CommandCache) evictOldest() {
	oldest := c.lru.Back()
	if oldest == nil {
		return
	}
	c.lru.Remove(oldest)
	delete(c.items, oldest.Value.(*lruItem).key)
}

// Get returns the cached value for (platform, command, args), if present
// and not expired. A hit moves the entry to the front of the LRU order.
func (c *CommandCache) Get(platform, command string, args map[string]any) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(platform, command, args)
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*lruItem)
	if time.Now().After(item.entry.expiresAt) {
		c.lru.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.lru.MoveToFront(el)
	return item.entry.value, true
}

// Len reports the number of entries currently cached, including any that
// have expired but haven't been touched by Get or CleanupExpired yet.
func (c *CommandCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// IsEmpty reports whether the cache holds no entries.
func (c *CommandCache) IsEmpty() bool {
	return c.Len() == 0
}

// Clear removes every entry.
func (c *CommandCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Init()
	c.items = make(map[string]*list.Element)
}

// CleanupExpired removes every expired entry and reports how many were
// removed.
func (c *CommandCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		item := el.Value.(*lruItem)
		if now.After(item.entry.expiresAt) {
			c.lru.Remove(el)
			delete(c.items, item.key)
			removed++
		}
		el = next
	}
	return removed
}

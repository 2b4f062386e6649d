package respcache

import (
	"container/list"
	"sync"
	"time"

	"encore.app/pkg/models"
)

type l1Entry struct {
	key       string
	response  *models.StoredResponse
	expiresAt time.Time
	element   *list.Element // pointer to list element for O(1) removal
}

// L1Cache is a per-instance read-through view of the shared response store:
// decoded envelopes with LRU eviction and a short TTL. Authoritative
// freshness is always decided against the envelope's own timestamp, so a
// lingering L1 entry is at worst re-validated or deleted on the next lookup.
// Cross-instance coherence comes from invalidation broadcasts.
type L1Cache struct {
	mu         sync.RWMutex
	entries    map[string]*l1Entry
	lruList    *list.List
	maxEntries int
	ttl        time.Duration
}

// NewL1Cache creates an L1 view with the given capacity and entry TTL.
func NewL1Cache(maxEntries int, ttl time.Duration) *L1Cache {
	return &L1Cache{
		entries:    make(map[string]*l1Entry, maxEntries),
		lruList:    list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// Get returns the decoded envelope for a key and refreshes LRU ordering.
// Expired entries are dropped lazily.
func (c *L1Cache) Get(key string) (*models.StoredResponse, bool) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		c.deleteLocked(key)
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	c.lruList.MoveToFront(entry.element)
	c.mu.Unlock()

	return entry.response, true
}

// Set stores a decoded envelope, evicting the LRU entry at capacity.
func (c *L1Cache) Set(key string, resp *models.StoredResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(c.ttl)

	if entry, exists := c.entries[key]; exists {
		entry.response = resp
		entry.expiresAt = expiresAt
		c.lruList.MoveToFront(entry.element)
		return
	}

	if c.lruList.Len() >= c.maxEntries {
		c.evictLRULocked()
	}

	entry := &l1Entry{
		key:       key,
		response:  resp,
		expiresAt: expiresAt,
	}
	entry.element = c.lruList.PushFront(entry)
	c.entries[key] = entry
}

// Delete removes a key. Returns true if it existed.
func (c *L1Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(key)
}

func (c *L1Cache) deleteLocked(key string) bool {
	entry, exists := c.entries[key]
	if !exists {
		return false
	}
	c.lruList.Remove(entry.element)
	delete(c.entries, key)
	return true
}

// evictLRULocked removes the least recently used entry. Caller holds the
// write lock.
func (c *L1Cache) evictLRULocked() {
	oldest := c.lruList.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*l1Entry)
	c.lruList.Remove(oldest)
	delete(c.entries, entry.key)
}

// Size returns the current number of entries.
func (c *L1Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes all entries.
func (c *L1Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*l1Entry, c.maxEntries)
	c.lruList = list.New()
}

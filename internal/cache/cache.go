// Package cache keeps recent answers keyed by request fingerprint so repeated
// questions do not reach the network.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"catalog-assist/internal/domain"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultCapacity = 20

	// InitialToken stands in for an absent continuation token.
	InitialToken = "initial"
)

// Entry is one cached answer. SessionID is the session whose request
// produced it; only that session is handed the continuation token.
type Entry struct {
	Key       string
	SessionID string
	Answer    domain.Answer
	StoredAt  time.Time
}

// Stats holds cache statistics.
type Stats struct {
	Hits      int
	Misses    int
	Evictions int
	Expired   int
	Entries   int
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithCapacity(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// Cache is a bounded TTL cache. When full, the earliest inserted entry is
// evicted regardless of how recently it was read.
type Cache struct {
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = oldest insertion
	stats   Stats
}

func New(opts ...Option) *Cache {
	c := &Cache{
		ttl:      DefaultTTL,
		capacity: DefaultCapacity,
		now:      time.Now,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the answer stored under key as it was stored. Expired entries
// are removed and reported as misses.
func (c *Cache) Get(key string) (domain.Answer, bool) {
	entry, ok := c.lookup(key)
	if !ok {
		return domain.Answer{}, false
	}
	return entry.Answer, true
}

// GetFor returns the answer stored under key on behalf of sessionID. The
// continuation token belongs to the session that produced the answer, so it
// is blanked for any other caller, anonymous ones included.
func (c *Cache) GetFor(key, sessionID string) (domain.Answer, bool) {
	entry, ok := c.lookup(key)
	if !ok {
		return domain.Answer{}, false
	}
	ans := entry.Answer
	if sessionID == "" || sessionID != entry.SessionID {
		ans.ContinuationToken = ""
	}
	return ans, true
}

func (c *Cache) lookup(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return Entry{}, false
	}
	entry := el.Value.(*Entry)
	if c.now().Sub(entry.StoredAt) > c.ttl {
		c.removeLocked(el)
		c.stats.Expired++
		c.stats.Misses++
		return Entry{}, false
	}
	c.stats.Hits++
	return *entry, true
}

// Put stores answer under key with no owning session. Re-putting an existing
// key refreshes its timestamp and moves it to the back of the eviction order.
func (c *Cache) Put(key string, answer domain.Answer) {
	c.PutFor(key, "", answer)
}

// PutFor stores answer under key, recording sessionID as its owner.
func (c *Cache) PutFor(key, sessionID string, answer domain.Answer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
	for len(c.entries) >= c.capacity {
		c.removeLocked(c.order.Front())
		c.stats.Evictions++
	}
	entry := &Entry{Key: key, SessionID: sessionID, Answer: answer, StoredAt: c.now()}
	c.entries[key] = c.order.PushBack(entry)
}

// Invalidate drops every entry whose key starts with prefix. An empty prefix
// clears the cache. It returns the number of entries removed.
func (c *Cache) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prefix == "" {
		n := len(c.entries)
		c.entries = make(map[string]*list.Element)
		c.order.Init()
		return n
	}
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if strings.HasPrefix(el.Value.(*Entry).Key, prefix) {
			c.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

// InvalidateProduct drops every answer cached for productID.
func (c *Cache) InvalidateProduct(productID string) int {
	if productID == "" {
		return 0
	}
	return c.Invalidate(productPrefix(productID))
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	delete(c.entries, el.Value.(*Entry).Key)
	c.order.Remove(el)
}

// Key derives the cache fingerprint for a question. Questions that differ
// only in case or whitespace collide; different continuation tokens never do.
func Key(productID, query, continuationToken string) string {
	if continuationToken == "" {
		continuationToken = InitialToken
	}
	sum := sha256.Sum256([]byte(NormalizeQuery(query) + "\x00" + continuationToken))
	return productPrefix(productID) + hex.EncodeToString(sum[:])
}

// NormalizeQuery lower-cases q and collapses whitespace runs.
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

func productPrefix(productID string) string {
	return productID + ":"
}

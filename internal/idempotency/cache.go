// Package idempotency replays completed chat responses for a repeated
// Idempotency-Key, so a client retry does not spend provider quota twice.
package idempotency

import (
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultTTL     = 10 * time.Minute
	DefaultEntries = 4096
)

// Entry is a completed response kept for replay.
type Entry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Cache holds completed responses and tracks keys whose first request is
// still running. Keys are scoped by caller.
type Cache struct {
	done *expirable.LRU[string, Entry]

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a cache. Non-positive arguments use the defaults.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultEntries
	}
	return &Cache{
		done:     expirable.NewLRU[string, Entry](maxEntries, nil, ttl),
		inflight: make(map[string]struct{}),
	}
}

func scoped(caller, key string) string { return caller + "\x00" + key }

// Get returns the stored response for caller's key.
func (c *Cache) Get(caller, key string) (Entry, bool) {
	return c.done.Get(scoped(caller, key))
}

// Begin claims a key. It fails when a request with the same key is running
// or its response is already stored.
func (c *Cache) Begin(caller, key string) bool {
	k := scoped(caller, key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[k]; busy {
		return false
	}
	if c.done.Contains(k) {
		return false
	}
	c.inflight[k] = struct{}{}
	return true
}

// Finish releases a claimed key, storing e when it is non-nil.
func (c *Cache) Finish(caller, key string, e *Entry) {
	k := scoped(caller, key)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, k)
	if e != nil {
		c.done.Add(k, *e)
	}
}

func (c *Cache) Len() int { return c.done.Len() }

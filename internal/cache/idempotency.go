package cache

import (
	"container/list"
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrInvalidKey rejects blank or oversized idempotency keys before any
// handler work happens.
var ErrInvalidKey = errors.New("invalid idempotency key")

// DefaultMaxKeyLength caps the accepted Idempotency-Key header value.
const DefaultMaxKeyLength = 255

// volatileHeaders are never replayed; they describe the original transport
// exchange, not the resource state.
var volatileHeaders = map[string]struct{}{
	"set-cookie":    {},
	"date":          {},
	"age":           {},
	"expires":       {},
	"cache-control": {},
	"request-id":    {},
}

// Response is the replayable snapshot of a successful handler outcome.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

type entry struct {
	key       string
	resp      Response
	createdAt time.Time
	expiresAt time.Time
}

// IdempotencyCache deduplicates mutating requests keyed by identity plus a
// client-supplied key. Entries are evicted least-recently-used at capacity
// and swept on TTL expiry. Within the TTL window at most one successful
// execution per key is externally observable.
type IdempotencyCache struct {
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

func NewIdempotencyCache(ttl time.Duration, capacity int) *IdempotencyCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if capacity <= 0 {
		capacity = 10_000
	}
	return &IdempotencyCache{
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// CacheableMethod reports whether the request method participates in
// idempotency handling at all.
func CacheableMethod(method string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH":
		return true
	default:
		return false
	}
}

// ValidateKey enforces the header contract: present but blank, or longer
// than the limit, is a validation failure.
func ValidateKey(key string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxKeyLength
	}
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > maxLen {
		return ErrInvalidKey
	}
	return nil
}

// CompositeKey scopes a client key to the caller identity.
func CompositeKey(identity, key string) string {
	if identity == "" {
		identity = "anonymous"
	}
	return identity + ":" + key
}

// Get returns the live snapshot for the key, updating LRU recency.
// Expired entries are treated as misses and removed in place.
func (c *IdempotencyCache) Get(key string) (Response, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Response{}, time.Time{}, false
	}
	ent := elem.Value.(*entry)
	if !c.now().Before(ent.expiresAt) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return Response{}, time.Time{}, false
	}
	c.order.MoveToFront(elem)
	return ent.resp, ent.createdAt, true
}

// Put snapshots a successful response. Volatile headers are stripped; the
// least-recently-used entry is evicted when the cache is at capacity.
func (c *IdempotencyCache) Put(key string, resp Response) {
	filtered := make(map[string]string, len(resp.Headers))
	for name, value := range resp.Headers {
		if _, volatile := volatileHeaders[strings.ToLower(name)]; volatile {
			continue
		}
		filtered[name] = value
	}
	resp.Headers = filtered

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.entries[key]; ok {
		ent := elem.Value.(*entry)
		ent.resp = resp
		ent.createdAt = now
		ent.expiresAt = now.Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		c.evictOldest()
	}
	elem := c.order.PushFront(&entry{
		key:       key,
		resp:      resp,
		createdAt: now,
		expiresAt: now.Add(c.ttl),
	})
	c.entries[key] = elem
}

// SweepExpired removes every expired entry regardless of LRU order and
// returns how many were dropped.
func (c *IdempotencyCache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		ent := elem.Value.(*entry)
		if !now.Before(ent.expiresAt) {
			c.order.Remove(elem)
			delete(c.entries, ent.key)
			removed++
		}
		elem = prev
	}
	return removed
}

// StartSweeper runs the periodic TTL sweep until ctx is canceled.
func (c *IdempotencyCache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.SweepExpired()
			}
		}
	}()
}

// Len reports the number of live plus not-yet-swept entries.
func (c *IdempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Reset restores the cache to its empty initial state. Test hook.
func (c *IdempotencyCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// SetClock overrides the cache's clock. Test hook.
func (c *IdempotencyCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *IdempotencyCache) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	ent := elem.Value.(*entry)
	c.order.Remove(elem)
	delete(c.entries, ent.key)
}

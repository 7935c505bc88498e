package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Namespace prefixes used by the pipeline. Invalidation of one namespace never
// perturbs another.
const (
	NamespaceQuery     = "query"
	NamespaceSearch    = "vector_search"
	NamespaceEmbedding = "embedding"
	NamespaceAPI       = "api"
)

// Backend is the shared L2 store. Implementations must report availability so
// the cache can fail open without issuing doomed calls.
type Backend interface {
	Available() bool
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Stats is a snapshot of cache activity counters.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Deletes int64   `json:"deletes"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

type l1Entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is a two-tier cache: a bounded in-process map (L1) in front of a
// shared backend (L2). Every operation is fail-open: backend trouble degrades
// to a miss or a no-op and bumps the error counter, it never propagates.
type Cache struct {
	backend Backend
	logger  *log.Logger

	maxEntries  int
	l1TTL       time.Duration
	backfillTTL time.Duration

	mu    sync.Mutex
	l1    map[string]l1Entry
	order []string // FIFO eviction order

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64
}

// Options tunes the L1 tier. Zero values fall back to defaults.
type Options struct {
	MaxEntries  int           // L1 capacity, default 1000
	L1TTL       time.Duration // TTL for direct L1 writes, default 120s
	BackfillTTL time.Duration // TTL for entries backfilled from L2, default 60s
}

// New builds a cache over the given backend. A nil backend is valid and leaves
// only the L1 tier active.
func New(backend Backend, opts Options, logger *log.Logger) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.L1TTL <= 0 {
		opts.L1TTL = 2 * time.Minute
	}
	if opts.BackfillTTL <= 0 {
		opts.BackfillTTL = time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[CACHE] ", log.LstdFlags)
	}
	return &Cache{
		backend:     backend,
		logger:      logger,
		maxEntries:  opts.MaxEntries,
		l1TTL:       opts.L1TTL,
		backfillTTL: opts.BackfillTTL,
		l1:          make(map[string]l1Entry),
	}
}

// Key builds a namespaced cache key from its identity parts. Parts are hashed
// so arbitrary user text never leaks into key space.
func Key(namespace string, parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return namespace + ":" + hex.EncodeToString(h[:16])
}

// Get returns the cached value for key, or ok=false on a miss. L1 is checked
// first; an L2 hit backfills L1 with a short TTL to bound staleness.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := c.l1Get(key); ok {
		c.hits.Add(1)
		return v, true
	}
	if c.backend != nil && c.backend.Available() {
		v, ok, err := c.backend.Get(ctx, key)
		if err != nil {
			c.errors.Add(1)
			c.misses.Add(1)
			return nil, false
		}
		if ok {
			c.l1Set(key, v, c.backfillTTL)
			c.hits.Add(1)
			return v, true
		}
	}
	c.misses.Add(1)
	return nil, false
}

// Set writes the value to both tiers. The L1 TTL is capped at the configured
// L1 TTL; the backend keeps the full TTL. A cancelled context writes nothing.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ctx.Err() != nil {
		return
	}
	if ttl <= 0 {
		return
	}
	if c.backend != nil && c.backend.Available() {
		if err := c.backend.Set(ctx, key, value, ttl); err != nil {
			c.errors.Add(1)
		}
	}
	l1TTL := ttl
	if l1TTL > c.l1TTL {
		l1TTL = c.l1TTL
	}
	c.l1Set(key, value, l1TTL)
	c.sets.Add(1)
}

// Delete removes the key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	c.l1Delete(key)
	c.mu.Unlock()
	if c.backend != nil && c.backend.Available() {
		if _, err := c.backend.Delete(ctx, key); err != nil {
			c.errors.Add(1)
		}
	}
	c.deletes.Add(1)
}

// DeletePattern removes every key matching the glob pattern (for example
// "query:*") from both tiers and returns the number of distinct keys removed.
// L1 is purged before the backend call returns, so callers never observe a
// still-live L1 entry after invalidation.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) int {
	removed := make(map[string]struct{})

	c.mu.Lock()
	for key := range c.l1 {
		if matched, err := doublestar.Match(pattern, key); err == nil && matched {
			removed[key] = struct{}{}
			c.l1Delete(key)
		}
	}
	c.mu.Unlock()

	if c.backend != nil && c.backend.Available() {
		keys, err := c.backend.Keys(ctx, pattern)
		if err != nil {
			c.errors.Add(1)
		} else if len(keys) > 0 {
			if _, err := c.backend.Delete(ctx, keys...); err != nil {
				c.errors.Add(1)
			} else {
				for _, k := range keys {
					removed[k] = struct{}{}
				}
			}
		}
	}

	c.deletes.Add(int64(len(removed)))
	return len(removed)
}

// GetOrSet returns the cached value for key, invoking factory on a miss and
// opportunistically storing its result. The factory is the source of truth:
// any cache failure still yields the factory value.
func (c *Cache) GetOrSet(ctx context.Context, key string, ttl time.Duration, factory func() ([]byte, error)) ([]byte, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}
	v, err := factory()
	if err != nil {
		return nil, err
	}
	c.Set(ctx, key, v, ttl)
	return v, nil
}

// Stats returns a snapshot of the activity counters.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errors.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// SweepExpired drops expired L1 entries and returns how many were removed.
// Called by the maintenance scheduler; Get also drops expired entries lazily.
func (c *Cache) SweepExpired() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for key, e := range c.l1 {
		if now.After(e.expiresAt) {
			c.l1Delete(key)
			n++
		}
	}
	return n
}

func (c *Cache) l1Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.l1[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.l1Delete(key)
		return nil, false
	}
	return e.value, true
}

func (c *Cache) l1Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.l1[key]; !exists {
		c.order = append(c.order, key)
	}
	c.l1[key] = l1Entry{value: value, expiresAt: time.Now().Add(ttl)}
	for len(c.l1) > c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.l1, oldest)
	}
}

// l1Delete removes the key from the map and the FIFO order. Caller holds mu.
func (c *Cache) l1Delete(key string) {
	if _, ok := c.l1[key]; !ok {
		return
	}
	delete(c.l1, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func newTestCache(backend Backend) *Cache {
	return New(backend, Options{MaxEntries: 100}, nil)
}

func TestGetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(NewMemoryBackend())

	c.Set(ctx, "query:abc", []byte("hello"), time.Minute)
	got, ok := c.Get(ctx, "query:abc")
	if !ok {
		t.Fatalf("expected hit, got miss")
	}
	if string(got) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}

func TestGetBackfillsL1FromBackend(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	c := newTestCache(backend)

	if err := backend.Set(ctx, "api:k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("backend set: %v", err)
	}
	if _, ok := c.Get(ctx, "api:k"); !ok {
		t.Fatalf("expected L2 hit")
	}

	// After the backfill the value must be served from L1 even when the
	// backend goes away.
	backend.SetAvailable(false)
	got, ok := c.Get(ctx, "api:k")
	if !ok || string(got) != "v" {
		t.Fatalf("expected L1 hit after backfill, got ok=%v value=%q", ok, got)
	}
}

func TestFailOpenOnBackendErrors(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	backend.FailCalls(true)
	c := newTestCache(backend)

	c.Set(ctx, "query:x", []byte("v"), time.Minute)
	if got, ok := c.Get(ctx, "query:x"); !ok || string(got) != "v" {
		t.Fatalf("expected L1 to serve despite backend failure, got ok=%v", ok)
	}
	if c.Stats().Errors == 0 {
		t.Fatalf("expected error counter to be incremented")
	}
}

func TestGetOrSetInvokesFactoryOnce(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	c := newTestCache(backend)

	calls := 0
	factory := func() ([]byte, error) {
		calls++
		return []byte("computed"), nil
	}

	first, err := c.GetOrSet(ctx, "query:f", time.Minute, factory)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Backend simulated unavailable on the second call; L1 must still hit.
	backend.SetAvailable(false)
	second, err := c.GetOrSet(ctx, "query:f", time.Minute, factory)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected factory to run once, ran %d times", calls)
	}
	if string(first) != string(second) {
		t.Fatalf("expected identical values, got %q and %q", first, second)
	}
}

func TestGetOrSetFactoryIsSourceOfTruth(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	backend.FailCalls(true)
	c := newTestCache(backend)

	v, err := c.GetOrSet(ctx, "query:truth", time.Minute, func() ([]byte, error) {
		return []byte("fresh"), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(v) != "fresh" {
		t.Fatalf("expected factory value, got %q", v)
	}
}

func TestDeletePatternScopedToNamespace(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(NewMemoryBackend())

	for i := 0; i < 3; i++ {
		c.Set(ctx, fmt.Sprintf("query:%d", i), []byte("q"), time.Minute)
	}
	c.Set(ctx, "api:only", []byte("a"), time.Minute)

	if n := c.DeletePattern(ctx, "query:*"); n != 3 {
		t.Fatalf("expected 3 deletions, got %d", n)
	}
	for i := 0; i < 3; i++ {
		if _, ok := c.Get(ctx, fmt.Sprintf("query:%d", i)); ok {
			t.Fatalf("expected query:%d to be gone", i)
		}
	}
	if _, ok := c.Get(ctx, "api:only"); !ok {
		t.Fatalf("expected api namespace to survive")
	}
}

func TestDeletePatternPurgesL1BeforeReturning(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	c := newTestCache(backend)

	c.Set(ctx, "vector_search:a", []byte("v"), time.Minute)
	c.DeletePattern(ctx, "vector_search:*")

	// Even with the backend gone, no stale L1 entry may survive.
	backend.SetAvailable(false)
	if _, ok := c.Get(ctx, "vector_search:a"); ok {
		t.Fatalf("stale L1 entry visible after pattern invalidation")
	}
}

func TestL1CapacityEvictsOldestFirst(t *testing.T) {
	ctx := context.Background()
	c := New(nil, Options{MaxEntries: 3}, nil)

	for i := 0; i < 4; i++ {
		c.Set(ctx, fmt.Sprintf("api:%d", i), []byte("v"), time.Minute)
	}
	if _, ok := c.Get(ctx, "api:0"); ok {
		t.Fatalf("expected oldest entry to be evicted")
	}
	for i := 1; i < 4; i++ {
		if _, ok := c.Get(ctx, fmt.Sprintf("api:%d", i)); !ok {
			t.Fatalf("expected api:%d to survive eviction", i)
		}
	}
}

func TestCancelledContextWritesNothing(t *testing.T) {
	backend := NewMemoryBackend()
	c := newTestCache(backend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Set(ctx, "query:cancelled", []byte("v"), time.Minute)

	if _, ok := c.Get(context.Background(), "query:cancelled"); ok {
		t.Fatalf("cancelled set must not leave a cache entry")
	}
}

func TestStatsHitRate(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(NewMemoryBackend())

	c.Set(ctx, "api:s", []byte("v"), time.Minute)
	c.Get(ctx, "api:s")
	c.Get(ctx, "api:missing")

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %+v", s)
	}
	if s.HitRate != 0.5 {
		t.Fatalf("expected hit rate 0.5, got %f", s.HitRate)
	}
}

func TestKeyIsNamespacedAndStable(t *testing.T) {
	a := Key(NamespaceQuery, "ws1", "refund policy")
	b := Key(NamespaceQuery, "ws1", "refund policy")
	if a != b {
		t.Fatalf("expected stable keys, got %q and %q", a, b)
	}
	if got := Key(NamespaceQuery, "ws1", "refund", "policy"); got == a {
		t.Fatalf("expected part boundaries to affect the key")
	}
	if want := NamespaceQuery + ":"; len(a) <= len(want) || a[:len(want)] != want {
		t.Fatalf("expected namespace prefix %q, got %q", want, a)
	}
}

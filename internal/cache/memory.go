package cache

import (
	"context"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// MemoryBackend is an in-process Backend used for single-node deployments and
// tests. It honours the same availability contract as the redis backend so
// fail-open behaviour can be exercised without a server.
type MemoryBackend struct {
	mu        sync.RWMutex
	entries   map[string]memEntry
	down      bool
	failCalls bool
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryBackend builds an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]memEntry)}
}

// SetAvailable toggles the advertised availability flag.
func (b *MemoryBackend) SetAvailable(up bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = !up
}

// FailCalls makes every operation return an error while still advertising the
// backend as available, simulating a half-broken server.
func (b *MemoryBackend) FailCalls(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCalls = fail
}

func (b *MemoryBackend) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.down
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failCalls {
		return nil, false, errBackendFailure
	}
	e, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(b.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failCalls {
		return errBackendFailure
	}
	b.entries[key] = memEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, keys ...string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failCalls {
		return 0, errBackendFailure
	}
	var n int
	for _, key := range keys {
		if _, ok := b.entries[key]; ok {
			delete(b.entries, key)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.failCalls {
		return nil, errBackendFailure
	}
	now := time.Now()
	var keys []string
	for key, e := range b.entries {
		if now.After(e.expiresAt) {
			continue
		}
		if matched, err := doublestar.Match(pattern, key); err == nil && matched {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

type backendError string

func (e backendError) Error() string { return string(e) }

const errBackendFailure = backendError("cache backend failure")

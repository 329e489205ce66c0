// Package cache implements the Live State Cache (LSC): an in-memory,
// monotonic-timestamp key/value store holding the latest known value for
// every live entity (order, position, heartbeat, halt flag). It is the
// substrate every hot-path reader (the Broadcast Bus, the Supervisor's
// kill-rule evaluator) consults instead of touching the Event Log or the
// broker directly.
//
// Writes use last-write-wins keyed on a caller-supplied timestamp: a write
// whose timestamp is not strictly after the stored value's timestamp is
// dropped silently. Callers are assumed to supply timestamps from a single
// clock source skewed by under a second (spec §9) — the cache does not
// attempt to compensate for clock skew itself.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type entry struct {
	ts   time.Time
	data json.RawMessage
}

// Cache is a mutex-guarded in-memory KV with an optional Redis mirror.
// Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry

	mirror *redis.Client // nil when no mirror is configured
}

// Option configures a Cache.
type Option func(*Cache)

// WithRedisMirror enables a write-through mirror to the given Redis
// address. The mirror is best-effort: a write that fails to reach Redis
// does not fail the local write, since the LSC's primary is always the
// in-process map consulted by the same process's readers.
func WithRedisMirror(addr string, db int) Option {
	return func(c *Cache) {
		c.mirror = redis.NewClient(&redis.Options{Addr: addr, DB: db})
	}
}

// New creates an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{entries: make(map[string]entry)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set writes value under key if ts is strictly after the currently stored
// timestamp for key (or if key is unset). Returns true if the write was
// applied, false if it was dropped as stale.
func (c *Cache) Set(ctx context.Context, key string, ts time.Time, value interface{}) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	existing, ok := c.entries[key]
	if ok && !ts.After(existing.ts) {
		c.mu.Unlock()
		return false, nil
	}
	c.entries[key] = entry{ts: ts, data: data}
	c.mu.Unlock()

	if c.mirror != nil {
		// best-effort; mirror lag never blocks the authoritative local write
		_ = c.mirror.Set(ctx, key, data, 0).Err()
	}
	return true, nil
}

// Get unmarshals the current value for key into dest. Returns false if key
// is unset locally and, when a mirror is configured, absent from the mirror
// too.
//
// A local miss falls through to the Redis mirror. This is what lets a
// freshly-started process — the Supervisor, which never runs in the same
// process as the Trading Process writing these entries — read current state
// on its very first evaluation cycle instead of waiting for its own writes
// to populate an empty local map. The in-memory map stays the fast path for
// every subsequent read from the same process.
func (c *Cache) Get(key string, dest interface{}) (bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		if err := json.Unmarshal(e.data, dest); err != nil {
			return false, err
		}
		return true, nil
	}

	if c.mirror == nil {
		return false, nil
	}
	raw, err := c.mirror.Get(context.Background(), key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, nil // mirror unreachable: treat as miss, never surface transport errors to readers
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes key unconditionally, regardless of timestamp, from the
// in-memory map and from the Redis mirror if one is attached.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	if c.mirror != nil {
		_ = c.mirror.Del(ctx, key).Err()
	}
}

// Keys returns a snapshot of all keys with the given prefix. Used to build
// SNAPSHOT payloads for newly subscribing Broadcast Bus observers.
func (c *Cache) Keys(prefix string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var keys []string
	for k := range c.entries {
		if len(prefix) == 0 || (len(k) >= len(prefix) && k[:len(prefix)] == prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Close releases the Redis mirror connection, if any.
func (c *Cache) Close() error {
	if c.mirror != nil {
		return c.mirror.Close()
	}
	return nil
}

// Package cache provides a short-TTL read cache for query results.
//
// Entries are keyed by a canonical query signature scoped under a
// per-(entity, field) generation counter. Invalidating a key bumps its
// generation, which orphans every cached result for that key at once;
// orphaned entries age out of ristretto on their own. This gives
// proactive invalidation on append without tracking which signatures
// were cached.
//
// The cache is strictly best-effort: a miss, a failed admission, or a
// closed cache only costs a recompute, never correctness.
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/tidemark-io/tidemark/internal/ledger"
)

const (
	defaultNumCounters = 1e6
	defaultBufferItems = 64

	// DefaultTTL keeps results fresh enough that a stale read is bounded
	// by seconds, not minutes.
	DefaultTTL = 30 * time.Second

	// DefaultMaxCost caps the cache at roughly 64MB of result bytes.
	DefaultMaxCost = 64 << 20

	// DefaultMaxGenerations bounds the generation map. At ~50 bytes per
	// key that is tens of MB worst case, far below the entry budget.
	DefaultMaxGenerations = 1 << 20
)

// Config tunes a ResultCache. Zero values fall back to the defaults.
type Config struct {
	TTL            time.Duration
	MaxCost        int64
	NumCounters    int64
	BufferItems    int64
	MaxGenerations int
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Hits          int64
	Misses        int64
	Invalidations int64
}

// ResultCache caches resolved query results keyed by signature.
type ResultCache struct {
	cache *ristretto.Cache
	ttl   time.Duration

	genMu   sync.Mutex
	gens    map[string]uint64
	maxGens int

	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64

	closed atomic.Bool
}

// New creates a ResultCache.
func New(cfg Config) (*ResultCache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = DefaultMaxCost
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = defaultNumCounters
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = defaultBufferItems
	}
	if cfg.MaxGenerations <= 0 {
		cfg.MaxGenerations = DefaultMaxGenerations
	}

	inner, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}

	return &ResultCache{
		cache:   inner,
		ttl:     cfg.TTL,
		gens:    map[string]uint64{},
		maxGens: cfg.MaxGenerations,
	}, nil
}

// Get returns the cached value for a signature, if present and not
// invalidated or expired.
func (c *ResultCache) Get(entityID, fieldName, signature string) (any, bool) {
	if c.closed.Load() {
		return nil, false
	}

	value, found := c.cache.Get(c.entryKey(entityID, fieldName, signature))
	if !found {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return value, true
}

// Put stores a value under a signature with the configured TTL. Cost is
// the approximate size of the value in bytes; admission is best-effort.
func (c *ResultCache) Put(entityID, fieldName, signature string, value any, cost int64) bool {
	if c.closed.Load() {
		return false
	}
	if cost <= 0 {
		cost = 1
	}
	return c.cache.SetWithTTL(c.entryKey(entityID, fieldName, signature), value, cost, c.ttl)
}

// Invalidate orphans every cached result for one (entity, field) key by
// bumping its generation. Called on every successful append for the key.
//
// The generation map is bounded: once it reaches MaxGenerations distinct
// keys it is reset and the underlying cache dropped, so a reset can never
// resurrect entries cached under an old generation. The ledger holds tens
// of millions of keys; the map holds only the invalidated ones.
func (c *ResultCache) Invalidate(entityID, fieldName string) {
	if c.closed.Load() {
		return
	}
	c.genMu.Lock()
	c.gens[c.scopeKey(entityID, fieldName)]++
	reset := len(c.gens) > c.maxGens
	if reset {
		c.gens = map[string]uint64{}
	}
	c.genMu.Unlock()
	if reset {
		c.cache.Clear()
	}
	c.invalidations.Add(1)
}

// Clear drops every entry and resets all generations.
func (c *ResultCache) Clear() {
	if c.closed.Load() {
		return
	}
	c.genMu.Lock()
	c.gens = map[string]uint64{}
	c.genMu.Unlock()
	c.cache.Clear()
}

// Wait blocks until pending async sets are applied. Test hook: ristretto
// admits entries on a background goroutine.
func (c *ResultCache) Wait() {
	if c.closed.Load() {
		return
	}
	c.cache.Wait()
}

// Close releases the cache. Subsequent calls are no-ops and reads miss.
func (c *ResultCache) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.cache.Close()
	}
}

// Stats returns a snapshot of hit, miss, and invalidation counts.
func (c *ResultCache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// TTL returns the configured entry lifetime.
func (c *ResultCache) TTL() time.Duration {
	return c.ttl
}

func (c *ResultCache) scopeKey(entityID, fieldName string) string {
	return ledger.CanonicalString(entityID) + "\x00" + ledger.CanonicalString(fieldName)
}

func (c *ResultCache) entryKey(entityID, fieldName, signature string) string {
	scope := c.scopeKey(entityID, fieldName)
	c.genMu.Lock()
	gen := c.gens[scope]
	c.genMu.Unlock()
	return fmt.Sprintf("%d\x00%s\x00%s", gen, scope, signature)
}

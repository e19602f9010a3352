package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/139QQ/Baostock-sub004/feed"
)

// keySep separates data type and data key inside the KV namespace. The unit
// separator cannot collide with instrument identifiers.
const keySep = "\x1f"

// Options tune the cache; zero values mean no default TTL and no sweep.
type Options struct {
	// DefaultTTL bounds the lifetime of items that carry no expiry of
	// their own.
	DefaultTTL time.Duration
	// SweepEvery is the period of the background space-reclamation sweep.
	// Correctness never depends on it; expiry is checked lazily on reads.
	SweepEvery time.Duration
	// Clock is used for expiry decisions; nil means time.Now.
	Clock func() time.Time
}

// Cache persists the freshest item per (data type, key) pair. Writes are
// last-write-wins by item timestamp, quality level breaking exact ties.
// Reads treat expired entries as absent and delete them lazily.
type Cache struct {
	kv     KV
	ttl    time.Duration
	sweep  time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu         sync.Mutex
	hits       uint64
	misses     uint64
	expired    uint64
	writes     uint64
	superseded uint64
	lastSweep  time.Time
}

type entry struct {
	Item      feed.Item  `json:"item"`
	StoredAt  time.Time  `json:"stored_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Health is the cache snapshot surfaced by the orchestrator.
type Health struct {
	Healthy      bool       `json:"healthy"`
	Items        int        `json:"items"`
	HitCount     uint64     `json:"hit_count"`
	MissCount    uint64     `json:"miss_count"`
	ExpiredCount uint64     `json:"expired_count"`
	HitRate      float64    `json:"hit_rate"`
	LastSweep    *time.Time `json:"last_sweep,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// NewCache wraps the given backend. A nil backend falls back to MemoryKV.
func NewCache(kv KV, opts Options, logger zerolog.Logger) *Cache {
	if kv == nil {
		kv = NewMemoryKV()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Cache{
		kv:     kv,
		ttl:    opts.DefaultTTL,
		sweep:  opts.SweepEvery,
		now:    now,
		logger: logger.With().Str("component", "cache").Logger(),
	}
}

func cacheKey(dataType feed.DataType, key string) string {
	return string(dataType) + keySep + key
}

func typePrefix(dataType feed.DataType) string {
	return string(dataType) + keySep
}

// Put upserts the item keyed by (DataType, Key). An incoming item older
// than the stored one is dropped; on equal timestamps the higher quality
// wins.
func (c *Cache) Put(item *feed.Item) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	storageKey := cacheKey(item.DataType, item.Key)
	if raw, ok, err := c.kv.Get(storageKey); err != nil {
		return fmt.Errorf("cache put %s: %w", storageKey, err)
	} else if ok {
		var existing entry
		if err := json.Unmarshal(raw, &existing); err == nil {
			if loses(item, &existing.Item) {
				c.superseded++
				return nil
			}
		}
	}

	stored := entry{Item: *item.Clone(), StoredAt: c.now()}
	switch {
	case item.ExpiresAt != nil:
		exp := *item.ExpiresAt
		stored.ExpiresAt = &exp
	case c.ttl > 0:
		exp := stored.StoredAt.Add(c.ttl)
		stored.ExpiresAt = &exp
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", storageKey, err)
	}
	if err := c.kv.Put(storageKey, raw); err != nil {
		return fmt.Errorf("cache put %s: %w", storageKey, err)
	}
	c.writes++
	return nil
}

// loses reports whether candidate must not replace existing.
func loses(candidate, existing *feed.Item) bool {
	if candidate.Timestamp.Before(existing.Timestamp) {
		return true
	}
	if candidate.Timestamp.Equal(existing.Timestamp) {
		return candidate.Quality < existing.Quality
	}
	return false
}

// Get returns the cached item for (dataType, key), or nil when absent or
// expired. Expired entries are removed on the spot.
func (c *Cache) Get(dataType feed.DataType, key string) (*feed.Item, error) {
	storageKey := cacheKey(dataType, key)
	raw, ok, err := c.kv.Get(storageKey)
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", storageKey, err)
	}
	if !ok {
		c.count(&c.misses)
		return nil, nil
	}
	var stored entry
	if err := json.Unmarshal(raw, &stored); err != nil {
		// An undecodable entry is useless; drop it rather than fail reads
		// forever.
		_ = c.kv.Delete(storageKey)
		c.count(&c.misses)
		c.logger.Warn().Str("key", storageKey).Err(err).Msg("dropped undecodable cache entry")
		return nil, nil
	}
	if stored.expired(c.now()) {
		if err := c.kv.Delete(storageKey); err != nil {
			c.logger.Warn().Str("key", storageKey).Err(err).Msg("lazy expiry delete failed")
		}
		c.mu.Lock()
		c.expired++
		c.misses++
		c.mu.Unlock()
		return nil, nil
	}
	c.count(&c.hits)
	return stored.Item.Clone(), nil
}

func (e *entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Delete removes the entry for (dataType, key).
func (c *Cache) Delete(dataType feed.DataType, key string) error {
	return c.kv.Delete(cacheKey(dataType, key))
}

// Clear removes every entry of the given type, or everything when the type
// is empty.
func (c *Cache) Clear(dataType feed.DataType) error {
	prefix := ""
	if dataType != "" {
		prefix = typePrefix(dataType)
	}
	var keys []string
	if err := c.kv.Scan(prefix, func(key string, _ []byte) bool {
		keys = append(keys, key)
		return true
	}); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	for _, key := range keys {
		if err := c.kv.Delete(key); err != nil {
			return fmt.Errorf("cache clear %s: %w", key, err)
		}
	}
	return nil
}

// Len counts the stored entries, expired ones included.
func (c *Cache) Len() (int, error) {
	count := 0
	err := c.kv.Scan("", func(string, []byte) bool {
		count++
		return true
	})
	return count, err
}

// Sweep removes expired entries and returns how many were reclaimed.
func (c *Cache) Sweep() (int, error) {
	now := c.now()
	var stale []string
	if err := c.kv.Scan("", func(key string, value []byte) bool {
		var stored entry
		if err := json.Unmarshal(value, &stored); err != nil || stored.expired(now) {
			stale = append(stale, key)
		}
		return true
	}); err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	for _, key := range stale {
		if err := c.kv.Delete(key); err != nil {
			return 0, fmt.Errorf("cache sweep %s: %w", key, err)
		}
	}
	c.mu.Lock()
	c.lastSweep = now
	c.expired += uint64(len(stale))
	c.mu.Unlock()
	if len(stale) > 0 {
		c.logger.Debug().Int("reclaimed", len(stale)).Msg("cache sweep")
	}
	return len(stale), nil
}

// Run drives the periodic sweep until the context ends. It returns
// immediately when no sweep interval is configured.
func (c *Cache) Run(ctx context.Context) error {
	if c.sweep <= 0 {
		return nil
	}
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Sweep(); err != nil {
				c.logger.Warn().Err(err).Msg("cache sweep failed")
			}
		}
	}
}

// Health reports the cache counters and backend reachability.
func (c *Cache) Health() Health {
	items, err := c.Len()

	c.mu.Lock()
	defer c.mu.Unlock()
	health := Health{
		Healthy:      err == nil,
		Items:        items,
		HitCount:     c.hits,
		MissCount:    c.misses,
		ExpiredCount: c.expired,
	}
	if err != nil {
		health.Error = err.Error()
	}
	if total := c.hits + c.misses; total > 0 {
		health.HitRate = float64(c.hits) / float64(total)
	}
	if !c.lastSweep.IsZero() {
		sweep := c.lastSweep
		health.LastSweep = &sweep
	}
	return health
}

func (c *Cache) count(field *uint64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// Package cache implements the gateway's two-tier memoization cache: a
// bounded in-process LRU tier in front of an optional longer-lived secondary
// store. Reads consult the fast tier first and transparently promote
// secondary-tier hits back into it; writes go to the fast tier always and to
// the secondary tier when the caller supplies an explicit TTL or the key
// matches one of the configured important prefixes. Secondary-store failures
// degrade to fast-tier-only operation and are logged, never surfaced to
// callers.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Recorder receives hit/miss notifications so callers can feed their own
// accounting without the cache depending on it.
type Recorder interface {
	RecordCacheHit(tier string)
	RecordCacheMiss(tier string)
}

// Options configure a TieredCache.
type Options struct {
	// FastCapacity bounds the number of fast-tier entries. Defaults to 500.
	FastCapacity int
	// FastIdleTTL evicts fast-tier entries not touched for this long.
	// Defaults to 30 minutes.
	FastIdleTTL time.Duration
	// SecondaryTTL is the default secondary-tier TTL applied to important-prefix
	// writes that carry no explicit TTL. Defaults to 1 hour.
	SecondaryTTL time.Duration
	// ImportantPrefixes lists key prefixes that are always written through to
	// the secondary tier. Defaults to config, user, settings, template.
	ImportantPrefixes []string
	// Secondary is the optional durable tier. When nil the cache runs
	// fast-tier-only.
	Secondary SecondaryStore
	// Recorder optionally receives hit/miss events.
	Recorder Recorder
	// Logger receives degradation diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// SweepInterval controls how often the janitor removes idle-expired
	// entries. Defaults to 1 minute.
	SweepInterval time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.FastCapacity <= 0 {
		opts.FastCapacity = 500
	}
	if opts.FastIdleTTL <= 0 {
		opts.FastIdleTTL = 30 * time.Minute
	}
	if opts.SecondaryTTL <= 0 {
		opts.SecondaryTTL = time.Hour
	}
	if opts.ImportantPrefixes == nil {
		opts.ImportantPrefixes = []string{"config", "user", "settings", "template"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return opts
}

// Stats is a point-in-time snapshot of cache accounting.
type Stats struct {
	FastEntries int   `json:"fastEntries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Promotions  int64 `json:"promotions"`
}

type fastEntry struct {
	key       string
	value     any
	expiresAt time.Time // zero when the entry has no explicit TTL
	touchedAt time.Time
}

// TieredCache is safe for concurrent use.
type TieredCache struct {
	opts Options

	mu      sync.Mutex
	order   *list.List // front = most recently touched
	entries map[string]*list.Element
	stats   Stats

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New constructs a TieredCache and starts its idle-entry janitor. Callers
// must Close the cache to stop the janitor and release the secondary store.
func New(opts *Options) *TieredCache {
	c := &TieredCache{
		opts:    opts.withDefaults(),
		order:   list.New(),
		entries: make(map[string]*list.Element),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get returns the cached value for key. A secondary-tier hit repopulates the
// fast tier before returning.
func (c *TieredCache) Get(ctx context.Context, key string) (any, bool) {
	c.mu.Lock()
	if val, ok := c.getFastLocked(key); ok {
		c.stats.Hits++
		c.mu.Unlock()
		c.recordHit("fast")
		return val, true
	}
	c.mu.Unlock()

	if c.opts.Secondary == nil {
		c.countMiss("fast")
		return nil, false
	}
	val, ttl, ok, err := c.opts.Secondary.Get(ctx, key)
	if err != nil {
		c.opts.Logger.Warn("secondary tier read failed", "key", key, "error", err)
		c.countMiss("secondary")
		return nil, false
	}
	if !ok {
		c.countMiss("secondary")
		return nil, false
	}

	// Promote so the next read is served from the fast tier. The remaining
	// TTL carries over: promotion never extends an expiry.
	c.mu.Lock()
	c.putFastLocked(key, val, expiryFromTTL(ttl))
	c.stats.Hits++
	c.stats.Promotions++
	c.mu.Unlock()
	c.recordHit("secondary")
	return val, true
}

// Has reports whether key is present in the fast tier, refreshing its
// recency like a read does.
func (c *TieredCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.getFastLocked(key)
	return ok
}

// Set stores value under key. An explicit TTL (or an important key prefix)
// additionally writes the entry through to the secondary tier.
func (c *TieredCache) Set(ctx context.Context, key string, value any, ttl ...time.Duration) {
	var explicit time.Duration
	if len(ttl) > 0 && ttl[0] > 0 {
		explicit = ttl[0]
	}

	var expiresAt time.Time
	if explicit > 0 {
		expiresAt = time.Now().Add(explicit)
	}
	c.mu.Lock()
	c.putFastLocked(key, value, expiresAt)
	c.mu.Unlock()

	if c.opts.Secondary == nil {
		return
	}
	if explicit == 0 && !c.isImportant(key) {
		return
	}
	secondaryTTL := explicit
	if secondaryTTL == 0 {
		secondaryTTL = c.opts.SecondaryTTL
	}
	if err := c.opts.Secondary.Set(ctx, key, value, secondaryTTL); err != nil {
		c.opts.Logger.Warn("secondary tier write failed, entry is fast-tier only",
			"key", key, "error", err)
	}
}

// Delete removes key from both tiers.
func (c *TieredCache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el, false)
	}
	c.mu.Unlock()
	if c.opts.Secondary != nil {
		if err := c.opts.Secondary.Delete(ctx, key); err != nil {
			c.opts.Logger.Warn("secondary tier delete failed", "key", key, "error", err)
		}
	}
}

// Clear empties both tiers.
func (c *TieredCache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.mu.Unlock()
	if c.opts.Secondary != nil {
		if err := c.opts.Secondary.Clear(ctx); err != nil {
			c.opts.Logger.Warn("secondary tier clear failed", "error", err)
		}
	}
}

// GetMany resolves every requested key, fanning secondary-tier lookups out
// concurrently. The result covers each found key exactly once.
func (c *TieredCache) GetMany(ctx context.Context, keys []string) map[string]any {
	found := make(map[string]any, len(keys))
	var missing []string

	c.mu.Lock()
	for _, key := range keys {
		if _, dup := found[key]; dup {
			continue
		}
		if val, ok := c.getFastLocked(key); ok {
			c.stats.Hits++
			found[key] = val
		} else {
			missing = append(missing, key)
		}
	}
	c.mu.Unlock()

	if c.opts.Secondary == nil || len(missing) == 0 {
		return found
	}

	var resMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range missing {
		g.Go(func() error {
			val, ttl, ok, err := c.opts.Secondary.Get(gctx, key)
			if err != nil {
				c.opts.Logger.Warn("secondary tier read failed", "key", key, "error", err)
				return nil
			}
			if !ok {
				return nil
			}
			resMu.Lock()
			found[key] = val
			resMu.Unlock()
			c.mu.Lock()
			c.putFastLocked(key, val, expiryFromTTL(ttl))
			c.stats.Promotions++
			c.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return found
}

// SetMany stores every entry, applying the same tiering policy as Set.
func (c *TieredCache) SetMany(ctx context.Context, entries map[string]any, ttl ...time.Duration) {
	g, gctx := errgroup.WithContext(ctx)
	for key, value := range entries {
		g.Go(func() error {
			c.Set(gctx, key, value, ttl...)
			return nil
		})
	}
	_ = g.Wait()
}

// Stats returns a snapshot of the cache counters.
func (c *TieredCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.FastEntries = len(c.entries)
	return s
}

// Close stops the janitor and closes the secondary store, if any. Closing
// an already-closed cache is a no-op.
func (c *TieredCache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
		if c.opts.Secondary != nil {
			err = c.opts.Secondary.Close()
		}
	})
	return err
}

func expiryFromTTL(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (c *TieredCache) getFastLocked(key string) (any, bool) {
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*fastEntry)
	now := time.Now()
	if c.expiredLocked(ent, now) {
		c.removeLocked(el, true)
		return nil, false
	}
	ent.touchedAt = now
	c.order.MoveToFront(el)
	return ent.value, true
}

// putFastLocked inserts or replaces an entry, evicting from the LRU tail once
// capacity is exceeded. A replacement keeps the new expiry verbatim: expiries
// are never extended implicitly.
func (c *TieredCache) putFastLocked(key string, value any, expiresAt time.Time) {
	now := time.Now()
	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*fastEntry)
		ent.value = value
		ent.expiresAt = expiresAt
		ent.touchedAt = now
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&fastEntry{key: key, value: value, expiresAt: expiresAt, touchedAt: now})
	c.entries[key] = el
	for len(c.entries) > c.opts.FastCapacity {
		tail := c.order.Back()
		if tail == nil {
			break
		}
		c.removeLocked(tail, true)
	}
}

func (c *TieredCache) expiredLocked(ent *fastEntry, now time.Time) bool {
	if !ent.expiresAt.IsZero() && now.After(ent.expiresAt) {
		return true
	}
	return now.Sub(ent.touchedAt) > c.opts.FastIdleTTL
}

func (c *TieredCache) removeLocked(el *list.Element, evicted bool) {
	ent := el.Value.(*fastEntry)
	c.order.Remove(el)
	delete(c.entries, ent.key)
	if evicted {
		c.stats.Evictions++
	}
}

func (c *TieredCache) isImportant(key string) bool {
	for _, prefix := range c.opts.ImportantPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (c *TieredCache) countMiss(tier string) {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
	if c.opts.Recorder != nil {
		c.opts.Recorder.RecordCacheMiss(tier)
	}
}

func (c *TieredCache) recordHit(tier string) {
	if c.opts.Recorder != nil {
		c.opts.Recorder.RecordCacheHit(tier)
	}
}

func (c *TieredCache) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *TieredCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.expiredLocked(el.Value.(*fastEntry), now) {
			c.removeLocked(el, true)
		}
		el = prev
	}
}

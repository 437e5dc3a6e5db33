package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestCache(t *testing.T, opts *Options) *TieredCache {
	t.Helper()
	c := New(opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestFastTierEvictsLeastRecentlyTouched(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, &Options{FastCapacity: 3})

	c.Set(ctx, "a", 1)
	c.Set(ctx, "b", 2)
	c.Set(ctx, "c", 3)

	// Touch "a" so "b" becomes the least recently used entry.
	if _, ok := c.Get(ctx, "a"); !ok {
		t.Fatalf("expected a present")
	}
	c.Set(ctx, "d", 4)

	if _, ok := c.Get(ctx, "b"); ok {
		t.Fatalf("expected b evicted")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := c.Get(ctx, key); !ok {
			t.Fatalf("expected %s present", key)
		}
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Fatalf("expected 1 eviction, got %d", got)
	}
}

func TestExistenceCheckRefreshesRecency(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, &Options{FastCapacity: 2})

	c.Set(ctx, "a", 1)
	c.Set(ctx, "b", 2)
	if !c.Has("a") {
		t.Fatalf("expected a present")
	}
	c.Set(ctx, "c", 3)

	if c.Has("b") {
		t.Fatalf("expected b evicted, not a")
	}
	if !c.Has("a") {
		t.Fatalf("expected a retained")
	}
}

func TestSecondaryHitPromotesToFastTier(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, &Options{FastCapacity: 2, Secondary: NewMemoryStore()})

	c.Set(ctx, "config:routing", "v1", time.Hour)

	// Churn the fast tier until the entry is evicted from it.
	for i := 0; i < 4; i++ {
		c.Set(ctx, fmt.Sprintf("churn-%d", i), i)
	}
	if c.Has("config:routing") {
		t.Fatalf("expected fast-tier eviction before promotion test")
	}

	val, ok := c.Get(ctx, "config:routing")
	if !ok || val != "v1" {
		t.Fatalf("expected secondary hit, got %v %v", val, ok)
	}
	if !c.Has("config:routing") {
		t.Fatalf("expected promotion back into the fast tier")
	}
	if got := c.Stats().Promotions; got == 0 {
		t.Fatalf("expected promotion counted")
	}
}

func TestImportantPrefixWritesThroughWithoutTTL(t *testing.T) {
	ctx := context.Background()
	secondary := NewMemoryStore()
	c := newTestCache(t, &Options{Secondary: secondary})

	c.Set(ctx, "settings:theme", "dark")
	if _, _, ok, _ := secondary.Get(ctx, "settings:theme"); !ok {
		t.Fatalf("expected important-prefix key in secondary tier")
	}

	c.Set(ctx, "scratch", "x")
	if _, _, ok, _ := secondary.Get(ctx, "scratch"); ok {
		t.Fatalf("unimportant key without TTL must stay fast-tier-only")
	}
}

func TestDeleteAndClearCoverBothTiers(t *testing.T) {
	ctx := context.Background()
	secondary := NewMemoryStore()
	c := newTestCache(t, &Options{Secondary: secondary})

	c.Set(ctx, "user:1", "alice", time.Hour)
	c.Delete(ctx, "user:1")
	if _, ok := c.Get(ctx, "user:1"); ok {
		t.Fatalf("expected delete to cover both tiers")
	}

	c.Set(ctx, "user:2", "bob", time.Hour)
	c.Clear(ctx)
	if _, ok := c.Get(ctx, "user:2"); ok {
		t.Fatalf("expected clear to cover both tiers")
	}
}

func TestGetManyCoversEveryKeyOnce(t *testing.T) {
	ctx := context.Background()
	secondary := NewMemoryStore()
	c := newTestCache(t, &Options{FastCapacity: 2, Secondary: secondary})

	if err := secondary.Set(ctx, "cold", "fromdisk", time.Hour); err != nil {
		t.Fatalf("seed secondary: %v", err)
	}
	c.Set(ctx, "hot", "frommem")

	got := c.GetMany(ctx, []string{"hot", "cold", "absent", "hot"})
	if len(got) != 2 {
		t.Fatalf("expected 2 resolved keys, got %v", got)
	}
	if got["hot"] != "frommem" || got["cold"] != "fromdisk" {
		t.Fatalf("unexpected values: %v", got)
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (any, time.Duration, bool, error) {
	return nil, 0, false, errors.New("store down")
}

func (failingStore) Set(context.Context, string, any, time.Duration) error {
	return errors.New("store down")
}

func (failingStore) Delete(context.Context, string) error { return errors.New("store down") }
func (failingStore) Clear(context.Context) error          { return errors.New("store down") }
func (failingStore) Close() error                         { return nil }

func TestSecondaryFailureDegradesSilently(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, &Options{Secondary: failingStore{}})

	// Neither the write-through nor the read fallback may surface the fault.
	c.Set(ctx, "config:x", "v", time.Minute)
	if val, ok := c.Get(ctx, "config:x"); !ok || val != "v" {
		t.Fatalf("expected fast-tier value despite secondary failure, got %v %v", val, ok)
	}
	if _, ok := c.Get(ctx, "never-set"); ok {
		t.Fatalf("expected miss")
	}
}

func TestPromotionPreservesRemainingTTL(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, &Options{FastCapacity: 2, Secondary: NewMemoryStore()})

	c.Set(ctx, "config:x", "v", 80*time.Millisecond)

	// Churn the entry out of the fast tier, then promote it back.
	for i := 0; i < 4; i++ {
		c.Set(ctx, fmt.Sprintf("churn-%d", i), i)
	}
	if c.Has("config:x") {
		t.Fatalf("expected fast-tier eviction before promotion")
	}
	if val, ok := c.Get(ctx, "config:x"); !ok || val != "v" {
		t.Fatalf("expected promotion hit, got %v %v", val, ok)
	}

	time.Sleep(120 * time.Millisecond)
	if _, ok := c.Get(ctx, "config:x"); ok {
		t.Fatalf("promoted copy served past the original TTL")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(&Options{Secondary: NewMemoryStore()})
	if err := c.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestExplicitExpiryIsNotExtendedByTouches(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, &Options{})

	c.Set(ctx, "short", "v", 30*time.Millisecond)
	if _, ok := c.Get(ctx, "short"); !ok {
		t.Fatalf("expected entry before expiry")
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get(ctx, "short"); ok {
		t.Fatalf("touching must not extend the explicit expiry")
	}
}

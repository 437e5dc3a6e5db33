package perf

import (
	"context"
	"testing"
	"time"

	"github.com/centralmcp/gateway-go/pkg/cache"
	"github.com/centralmcp/gateway-go/pkg/guard"
)

func TestOperationLifecycle(t *testing.T) {
	l := New(nil)
	l.StartOperation("op-1", "discover")
	time.Sleep(2 * time.Millisecond)
	l.EndOperation("op-1", true)

	stats := l.Stats()
	if len(stats.Operations) != 1 {
		t.Fatalf("expected one operation, got %+v", stats.Operations)
	}
	op := stats.Operations[0]
	if op.Name != "discover" || op.Count != 1 || op.SuccessRate != 1 {
		t.Fatalf("unexpected aggregate: %+v", op)
	}
	if op.AvgMillis <= 0 {
		t.Fatalf("expected positive average, got %v", op.AvgMillis)
	}
}

func TestUnmatchedEndIsANoOp(t *testing.T) {
	l := New(nil)
	l.EndOperation("never-started", true)
	if got := len(l.Stats().Operations); got != 0 {
		t.Fatalf("unmatched end must not create aggregates, got %d", got)
	}
}

func TestZeroSampleAggregatesReportZero(t *testing.T) {
	var rec Record
	if rec.AvgLatency() != 0 {
		t.Fatalf("expected zero average for empty record")
	}
	if rec.SuccessRate() != 0 {
		t.Fatalf("expected zero success rate for empty record")
	}
}

func TestSlowOperations(t *testing.T) {
	l := New(nil)
	l.RecordToolExecution("fast", 5*time.Millisecond)
	l.RecordToolExecution("slow", 500*time.Millisecond)
	l.RecordToolError("slower", time.Second)

	slow := l.SlowOperations(100 * time.Millisecond)
	if len(slow) != 2 {
		t.Fatalf("expected 2 slow operations, got %+v", slow)
	}
	if slow[0].Name != "tool:slower" || slow[1].Name != "tool:slow" {
		t.Fatalf("expected slowest first, got %+v", slow)
	}
}

func TestResetZeroesEverything(t *testing.T) {
	l := New(nil)
	l.RecordToolExecution("search", 10*time.Millisecond)
	l.RecordCacheHit("fast")
	l.RecordCacheMiss("secondary")
	l.Reset()

	stats := l.Stats()
	if len(stats.Operations) != 0 || len(stats.CacheHits) != 0 || len(stats.CacheMisses) != 0 {
		t.Fatalf("reset left state behind: %+v", stats)
	}
}

func TestResetLeavesGuardAndCacheAlone(t *testing.T) {
	ctx := context.Background()
	l := New(nil)
	g := guard.New(&guard.Options{DefaultLimit: 2})
	c := cache.New(&cache.Options{Recorder: l})
	defer c.Close()

	c.Set(ctx, "config:routing", "v1")
	g.CheckRateLimit("client", "execute")
	g.CheckRateLimit("client", "execute")
	l.RecordToolExecution("search", 10*time.Millisecond)

	l.Reset()

	if val, ok := c.Get(ctx, "config:routing"); !ok || val != "v1" {
		t.Fatalf("ledger reset must not touch cache contents, got %v %v", val, ok)
	}
	if g.CheckRateLimit("client", "execute") {
		t.Fatalf("ledger reset must not clear the guard's window count")
	}
	if got := len(l.Stats().Operations); got != 0 {
		t.Fatalf("ledger itself must be cleared, got %d operations", got)
	}
}

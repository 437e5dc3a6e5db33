package guard

import (
	"fmt"
	"testing"
	"time"
)

func TestWindowCeilingDeniesTheNextRequest(t *testing.T) {
	g := New(&Options{DefaultLimit: 1000})
	for i := 0; i < 1000; i++ {
		if !g.CheckRateLimit("client-1", "execute") {
			t.Fatalf("request %d unexpectedly denied", i+1)
		}
	}
	if g.CheckRateLimit("client-1", "execute") {
		t.Fatalf("request 1001 within the window must be denied")
	}
	// Another client is unaffected.
	if !g.CheckRateLimit("client-2", "execute") {
		t.Fatalf("independent client must not share the window")
	}
}

func TestWindowResetsAfterItsDuration(t *testing.T) {
	g := New(&Options{Window: 20 * time.Millisecond, DefaultLimit: 2})
	if !g.CheckRateLimit("c", "a") || !g.CheckRateLimit("c", "a") {
		t.Fatalf("requests within limit denied")
	}
	if g.CheckRateLimit("c", "a") {
		t.Fatalf("expected denial at the ceiling")
	}
	time.Sleep(30 * time.Millisecond)
	if !g.CheckRateLimit("c", "a") {
		t.Fatalf("first request after the window elapsed must be allowed")
	}
}

func TestPerActionLimits(t *testing.T) {
	g := New(&Options{DefaultLimit: 5, ActionLimits: map[string]int{"register": 1}})
	if !g.CheckRateLimit("c", "register") {
		t.Fatalf("first register denied")
	}
	if g.CheckRateLimit("c", "register") {
		t.Fatalf("register ceiling is 1")
	}
	for i := 0; i < 5; i++ {
		if !g.CheckRateLimit("c", "other") {
			t.Fatalf("unlisted action must use the default ceiling, denied at %d", i+1)
		}
	}
}

func TestValidateRequestComposition(t *testing.T) {
	g := New(&Options{DefaultLimit: 1})
	g.BlockIP("10.0.0.9", "abuse")
	g.AddRule(Rule{Action: "admin", Reason: "admin disabled"})

	if d := g.ValidateRequest(Request{ClientKey: "c", IP: "10.0.0.9", Action: "x"}); d.Allowed {
		t.Fatalf("blocked ip must be denied first")
	}
	if d := g.ValidateRequest(Request{ClientKey: "c", IP: "10.0.0.1", Action: "admin"}); d.Allowed || d.Reason != "admin disabled" {
		t.Fatalf("expected rule denial, got %+v", d)
	}
	if d := g.ValidateRequest(Request{ClientKey: "c2", IP: "10.0.0.1", Action: "x"}); !d.Allowed {
		t.Fatalf("expected allow, got %+v", d)
	}
	// Second request for the same (client, action) exceeds the limit of 1.
	if d := g.ValidateRequest(Request{ClientKey: "c2", IP: "10.0.0.1", Action: "x"}); d.Allowed {
		t.Fatalf("expected rate-limit denial")
	}

	g.UnblockIP("10.0.0.9")
	if g.IsIPBlocked("10.0.0.9") {
		t.Fatalf("expected ip unblocked")
	}
}

func TestFirstMatchingDenyRuleWins(t *testing.T) {
	g := New(nil)
	g.AddRule(Rule{ClientKey: "mallory", Reason: "first"})
	g.AddRule(Rule{ClientKey: "mallory", Action: "x", Reason: "second"})

	d := g.ValidateRequest(Request{ClientKey: "mallory", Action: "x"})
	if d.Allowed || d.Reason != "first" {
		t.Fatalf("expected the first matching rule's reason, got %+v", d)
	}
}

func TestConcurrentCountingStaysWithinCeiling(t *testing.T) {
	g := New(&Options{DefaultLimit: 100})
	allowed := make(chan bool, 200)
	for i := 0; i < 200; i++ {
		go func() { allowed <- g.CheckRateLimit("c", "a") }()
	}
	count := 0
	for i := 0; i < 200; i++ {
		if <-allowed {
			count++
		}
	}
	if count != 100 {
		t.Fatalf("expected exactly 100 allowed, got %d", count)
	}
}

func ExampleGuard_ValidateRequest() {
	g := New(nil)
	d := g.ValidateRequest(Request{ClientKey: "cli", IP: "127.0.0.1", Action: "execute"})
	fmt.Println(d.Allowed)
	// Output: true
}

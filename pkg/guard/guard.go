// Package guard gates requests before they reach the dispatcher. It combines
// a fixed-window request counter keyed by (client, action), an IP blocklist,
// and a first-match-wins deny rule table. The window is deliberately a fixed
// window that resets wholesale when its age exceeds the configured duration,
// not a token bucket.
package guard

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Options configure a Guard.
type Options struct {
	// Window is the rate-limit window duration. Defaults to 60s.
	Window time.Duration
	// DefaultLimit caps requests per window for actions without their own
	// limit. Defaults to 1000.
	DefaultLimit int
	// ActionLimits overrides the ceiling per action.
	ActionLimits map[string]int
	// Logger receives denial diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 1000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Rule denies matching requests. Empty fields match anything, so a rule with
// only an Action denies that action for every client.
type Rule struct {
	// Action matches the request action exactly when non-empty.
	Action string `json:"action,omitempty"`
	// ClientKey matches the request client key exactly when non-empty.
	ClientKey string `json:"clientKey,omitempty"`
	// Reason is reported to the caller on denial.
	Reason string `json:"reason"`
}

// Request is the admission-relevant slice of an inbound call.
type Request struct {
	ClientKey string
	IP        string
	Action    string
}

// Decision reports the outcome of ValidateRequest.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

type window struct {
	count int
	start time.Time
}

// Guard is safe for concurrent use.
type Guard struct {
	opts Options

	mu      sync.Mutex
	windows map[string]*window
	blocked map[string]string // ip -> reason
	rules   []Rule
}

// New constructs a Guard.
func New(opts *Options) *Guard {
	return &Guard{
		opts:    opts.withDefaults(),
		windows: make(map[string]*window),
		blocked: make(map[string]string),
	}
}

// CheckRateLimit counts one request for (clientKey, action) and reports
// whether it fits in the current window. The first request of a fresh or
// aged-out window starts a new count at 1.
func (g *Guard) CheckRateLimit(clientKey, action string) bool {
	limit := g.limitFor(action)
	key := clientKey + "\x00" + action
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.windows[key]
	if w == nil || now.Sub(w.start) > g.opts.Window {
		g.windows[key] = &window{count: 1, start: now}
		return true
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

// BlockIP adds ip to the blocklist.
func (g *Guard) BlockIP(ip, reason string) {
	g.mu.Lock()
	g.blocked[ip] = reason
	g.mu.Unlock()
	g.opts.Logger.Info("ip blocked", "ip", ip, "reason", reason)
}

// UnblockIP removes ip from the blocklist.
func (g *Guard) UnblockIP(ip string) {
	g.mu.Lock()
	delete(g.blocked, ip)
	g.mu.Unlock()
}

// IsIPBlocked reports whether ip is on the blocklist.
func (g *Guard) IsIPBlocked(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.blocked[ip]
	return ok
}

// AddRule appends a deny rule. Rules are scanned in insertion order;
// the first match wins.
func (g *Guard) AddRule(rule Rule) {
	g.mu.Lock()
	g.rules = append(g.rules, rule)
	g.mu.Unlock()
}

// ValidateRequest composes the admission checks in order: IP block, rate
// limit, rule scan, allow.
func (g *Guard) ValidateRequest(req Request) Decision {
	if req.IP != "" {
		g.mu.Lock()
		reason, blocked := g.blocked[req.IP]
		g.mu.Unlock()
		if blocked {
			return Decision{Allowed: false, Reason: fmt.Sprintf("ip blocked: %s", reason)}
		}
	}
	if !g.CheckRateLimit(req.ClientKey, req.Action) {
		return Decision{Allowed: false, Reason: "rate limit exceeded"}
	}
	g.mu.Lock()
	rules := append([]Rule(nil), g.rules...)
	g.mu.Unlock()
	for _, rule := range rules {
		if rule.Action != "" && rule.Action != req.Action {
			continue
		}
		if rule.ClientKey != "" && rule.ClientKey != req.ClientKey {
			continue
		}
		return Decision{Allowed: false, Reason: rule.Reason}
	}
	return Decision{Allowed: true}
}

func (g *Guard) limitFor(action string) int {
	if limit, ok := g.opts.ActionLimits[action]; ok && limit > 0 {
		return limit
	}
	return g.opts.DefaultLimit
}

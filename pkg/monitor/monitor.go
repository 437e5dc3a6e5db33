// Package monitor keeps windowed metric series and evaluates alert rules on
// every recorded sample. Each series is a fixed-size ring: once full, the
// oldest sample is dropped. Matching rules produce immutable AlertInstances
// and fan out to subscribers; a panicking subscriber never blocks delivery to
// the others.
package monitor

import (
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Comparison operators understood by alert rules.
const (
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpEquals      = "equals"
)

// equalityTolerance bounds floating-point drift for OpEquals.
const equalityTolerance = 1e-9

// Sample is one recorded metric value.
type Sample struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Series is a snapshot of one named, tagged metric series.
type Series struct {
	Name    string            `json:"name"`
	Tags    map[string]string `json:"tags,omitempty"`
	Samples []Sample          `json:"samples"`
}

// AlertRule matches incoming samples of one metric name.
type AlertRule struct {
	ID        string  `json:"id"`
	Metric    string  `json:"metric"`
	Operator  string  `json:"operator"`
	Threshold float64 `json:"threshold"`
	Severity  string  `json:"severity"`
	Enabled   bool    `json:"enabled"`
}

// AlertInstance records one rule match. It is never mutated after creation.
type AlertInstance struct {
	ID        string    `json:"id"`
	RuleID    string    `json:"ruleId"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber receives every fired alert.
type Subscriber func(AlertInstance)

// Options configure a Monitor.
type Options struct {
	// MaxSamples caps each series ring. Defaults to 1000.
	MaxSamples int
	// MaxAlerts caps retained alert instances. Defaults to 1000.
	MaxAlerts int
	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 1000
	}
	if opts.MaxAlerts <= 0 {
		opts.MaxAlerts = 1000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

type series struct {
	name    string
	tags    map[string]string
	samples []Sample
}

// Monitor is safe for concurrent use.
type Monitor struct {
	opts Options

	mu      sync.RWMutex
	series  map[string]*series
	rules   []AlertRule
	alerts  []AlertInstance
	subs    map[int]Subscriber
	nextSub int
}

// New constructs a Monitor.
func New(opts *Options) *Monitor {
	return &Monitor{
		opts:   opts.withDefaults(),
		series: make(map[string]*series),
		subs:   make(map[int]Subscriber),
	}
}

// RecordMetric appends a sample to the named series and evaluates every
// enabled rule matching the metric name. Recording never fails.
func (m *Monitor) RecordMetric(name string, value float64, tags map[string]string) {
	now := time.Now()
	key := seriesKey(name, tags)

	m.mu.Lock()
	s := m.series[key]
	if s == nil {
		s = &series{name: name, tags: cloneTags(tags)}
		m.series[key] = s
	}
	if len(s.samples) >= m.opts.MaxSamples {
		s.samples = append(s.samples[1:], Sample{Value: value, Timestamp: now})
	} else {
		s.samples = append(s.samples, Sample{Value: value, Timestamp: now})
	}

	var fired []AlertInstance
	for _, rule := range m.rules {
		if !rule.Enabled || rule.Metric != name {
			continue
		}
		if !matches(rule, value) {
			continue
		}
		alert := AlertInstance{
			ID:        uuid.NewString(),
			RuleID:    rule.ID,
			Metric:    name,
			Value:     value,
			Severity:  rule.Severity,
			Timestamp: now,
		}
		if len(m.alerts) >= m.opts.MaxAlerts {
			m.alerts = append(m.alerts[1:], alert)
		} else {
			m.alerts = append(m.alerts, alert)
		}
		fired = append(fired, alert)
	}
	var subs []Subscriber
	if len(fired) > 0 {
		subs = make([]Subscriber, 0, len(m.subs))
		for _, sub := range m.subs {
			subs = append(subs, sub)
		}
	}
	m.mu.Unlock()

	for _, alert := range fired {
		m.notify(subs, alert)
	}
}

// Subscribe registers fn for alert notifications and returns its
// unsubscribe function.
func (m *Monitor) Subscribe(fn Subscriber) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Metrics returns snapshots of the stored series, optionally filtered by
// name and time range. Zero from/to mean unbounded.
func (m *Monitor) Metrics(name string, from, to time.Time) []Series {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Series, 0, len(m.series))
	for _, s := range m.series {
		if name != "" && s.name != name {
			continue
		}
		snap := Series{Name: s.name, Tags: cloneTags(s.tags)}
		for _, sample := range s.samples {
			if !from.IsZero() && sample.Timestamp.Before(from) {
				continue
			}
			if !to.IsZero() && sample.Timestamp.After(to) {
				continue
			}
			snap.Samples = append(snap.Samples, sample)
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CreateAlertRule registers a rule. An empty ID is assigned; Enabled
// defaults are the caller's responsibility.
func (m *Monitor) CreateAlertRule(rule AlertRule) AlertRule {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	m.mu.Lock()
	m.rules = append(m.rules, rule)
	m.mu.Unlock()
	return rule
}

// Rules snapshots the registered alert rules.
func (m *Monitor) Rules() []AlertRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]AlertRule(nil), m.rules...)
}

// Alerts snapshots the retained alert instances, oldest first.
func (m *Monitor) Alerts() []AlertInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]AlertInstance(nil), m.alerts...)
}

func (m *Monitor) notify(subs []Subscriber, alert AlertInstance) {
	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.opts.Logger.Warn("alert subscriber panicked", "rule", alert.RuleID, "panic", r)
				}
			}()
			sub(alert)
		}()
	}
}

func matches(rule AlertRule, value float64) bool {
	switch rule.Operator {
	case OpGreaterThan:
		return value > rule.Threshold
	case OpLessThan:
		return value < rule.Threshold
	case OpEquals:
		return math.Abs(value-rule.Threshold) <= equalityTolerance
	default:
		return false
	}
}

func seriesKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

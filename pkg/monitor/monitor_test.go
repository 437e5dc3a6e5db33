package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeriesRingDropsOldestFirst(t *testing.T) {
	m := New(&Options{MaxSamples: 3})
	for i := 0; i < 5; i++ {
		m.RecordMetric("latency", float64(i), nil)
	}
	series := m.Metrics("latency", time.Time{}, time.Time{})
	require.Len(t, series, 1)
	require.Len(t, series[0].Samples, 3)
	assert.Equal(t, 2.0, series[0].Samples[0].Value)
	assert.Equal(t, 4.0, series[0].Samples[2].Value)
}

func TestTagsSplitSeries(t *testing.T) {
	m := New(nil)
	m.RecordMetric("tool.duration", 10, map[string]string{"tool": "search"})
	m.RecordMetric("tool.duration", 20, map[string]string{"tool": "fetch"})
	series := m.Metrics("tool.duration", time.Time{}, time.Time{})
	require.Len(t, series, 2)
}

func TestAlertRuleEvaluation(t *testing.T) {
	m := New(nil)
	m.CreateAlertRule(AlertRule{
		Metric:    "errors",
		Operator:  OpGreaterThan,
		Threshold: 5,
		Severity:  "critical",
		Enabled:   true,
	})
	m.CreateAlertRule(AlertRule{
		Metric:    "errors",
		Operator:  OpEquals,
		Threshold: 3,
		Severity:  "info",
		Enabled:   true,
	})
	m.CreateAlertRule(AlertRule{
		Metric:    "errors",
		Operator:  OpLessThan,
		Threshold: 100,
		Severity:  "noise",
		Enabled:   false, // disabled rules never fire
	})

	m.RecordMetric("errors", 3, nil)          // equals fires
	m.RecordMetric("errors", 7, nil)          // greater_than fires
	m.RecordMetric("errors", 3.0000000001, nil) // within tolerance, equals fires

	alerts := m.Alerts()
	require.Len(t, alerts, 3)
	assert.Equal(t, "info", alerts[0].Severity)
	assert.Equal(t, "critical", alerts[1].Severity)
	assert.Equal(t, "info", alerts[2].Severity)
	for _, a := range alerts {
		assert.NotEmpty(t, a.ID)
		assert.False(t, a.Timestamp.IsZero())
	}
}

func TestSubscriberFanOutSurvivesPanics(t *testing.T) {
	m := New(nil)
	m.CreateAlertRule(AlertRule{
		Metric: "x", Operator: OpGreaterThan, Threshold: 0, Severity: "warn", Enabled: true,
	})

	var first, third []AlertInstance
	m.Subscribe(func(a AlertInstance) { first = append(first, a) })
	m.Subscribe(func(AlertInstance) { panic("bad subscriber") })
	unsubscribe := m.Subscribe(func(a AlertInstance) { third = append(third, a) })

	m.RecordMetric("x", 1, nil)
	require.Len(t, first, 1)
	require.Len(t, third, 1)

	unsubscribe()
	m.RecordMetric("x", 2, nil)
	assert.Len(t, first, 2)
	assert.Len(t, third, 1, "unsubscribed callback must stop receiving")
}

func TestMetricsTimeRangeFilter(t *testing.T) {
	m := New(nil)
	m.RecordMetric("rps", 1, nil)
	cutoff := time.Now().Add(time.Minute)

	series := m.Metrics("rps", cutoff, time.Time{})
	require.Len(t, series, 1)
	assert.Empty(t, series[0].Samples)
}

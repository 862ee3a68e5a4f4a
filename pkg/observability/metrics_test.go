package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoopMetrics(t *testing.T) {
	m := NoopMetrics{}

	m.Counter(MetricSyncRuns, 1)
	m.Gauge(MetricSyncLastSuccess, 1)
	m.Timing(MetricSyncDuration, time.Second)
}

func TestInMemoryMetrics(t *testing.T) {
	t.Run("Counter with tags", func(t *testing.T) {
		m := NewInMemoryMetrics()

		m.Counter(MetricTransitions, 1, T("status", "New"))
		m.Counter(MetricTransitions, 2, T("status", "New"))
		m.Counter(MetricTransitions, 1, T("status", "Removed"))

		assert.Equal(t, int64(3), m.GetCounter(MetricTransitions, T("status", "New")))
		assert.Equal(t, int64(1), m.GetCounter(MetricTransitions, T("status", "Removed")))
		assert.Zero(t, m.GetCounter(MetricTransitions))
	})

	t.Run("tag order does not matter", func(t *testing.T) {
		m := NewInMemoryMetrics()

		m.Counter(MetricFetchAttempts, 1, T("source", "a"), T("outcome", "ok"))

		assert.Equal(t, int64(1), m.GetCounter(MetricFetchAttempts, T("outcome", "ok"), T("source", "a")))
	})

	t.Run("Gauge keeps last value", func(t *testing.T) {
		m := NewInMemoryMetrics()

		m.Gauge(MetricSyncLastSuccess, 10)
		m.Gauge(MetricSyncLastSuccess, 20)

		assert.Equal(t, float64(20), m.GetGauge(MetricSyncLastSuccess))
	})

	t.Run("Timing appends", func(t *testing.T) {
		m := NewInMemoryMetrics()

		m.Timing(MetricFetchDuration, time.Second)
		m.Timing(MetricFetchDuration, 2*time.Second)

		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, m.GetTimings(MetricFetchDuration))
	})

	t.Run("Snapshot and Reset", func(t *testing.T) {
		m := NewInMemoryMetrics()
		m.Counter(MetricSyncRuns, 1, T("outcome", "success"))
		m.Gauge(MetricSyncLastSuccess, 5)

		snap := m.Snapshot()
		assert.Equal(t, float64(1), snap["staysync.sync.runs:outcome=success"])
		assert.Equal(t, float64(5), snap[MetricSyncLastSuccess])

		m.Reset()
		assert.Empty(t, m.Snapshot())
	})
}

func TestFormatKey(t *testing.T) {
	tests := []struct {
		name     string
		tags     []Tag
		expected string
	}{
		{"no tags", nil, "m"},
		{"one tag", []Tag{T("a", "1")}, "m:a=1"},
		{"sorted", []Tag{T("b", "2"), T("a", "1")}, "m:a=1:b=2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatKey("m", tt.tags))
		})
	}
}

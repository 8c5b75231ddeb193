package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// TestMetrics_Record verifies every collector records on a fresh registry.
func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Message("played")
	m.Message("played")
	m.PauseCommand()
	m.Removal("gone")
	m.Probe("unknown")
	m.Dropped("bus")
	m.Records(map[string]int{"playing": 1, "paused": 2})

	require.Equal(t, 2.0, testutil.ToFloat64(m.messages.WithLabelValues("played")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.pauseCommands))
	require.Equal(t, 1.0, testutil.ToFloat64(m.removals.WithLabelValues("gone")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.probes.WithLabelValues("unknown")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("bus")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.records.WithLabelValues("paused")))

	m.Records(map[string]int{"paused": 0})
	require.Equal(t, 0.0, testutil.ToFloat64(m.records.WithLabelValues("paused")))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

// TestMetrics_NilIsNoop verifies a nil collector set can be called safely.
func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Message("played")
	m.PauseCommand()
	m.Removal("gone")
	m.Probe("alive")
	m.Dropped("bus")
	m.Records(map[string]int{"playing": 1})
}

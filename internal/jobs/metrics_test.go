package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("costing:recalculate_material").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("costing:recalculate_material").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("costing:recalculate_material", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("costing:recalculate_material", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("costing:recalculate_material")))
}

func TestAddRecalculated(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddRecalculated(3)
	m.AddRecalculated(0)
	require.Equal(t, 3.0, testutil.ToFloat64(m.recalculated))

	var nilMetrics *Metrics
	nilMetrics.AddRecalculated(1)
	require.NoError(t, nilMetrics.Track("x").End(nil))
}

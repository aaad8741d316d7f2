package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestRecordNodeExecutionIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordNodeExecution("HttpRequestNode", 42*time.Millisecond, "success")
	m.RecordNodeExecution("HttpRequestNode", 10*time.Millisecond, "error")

	families, err := reg.Gather()
	require.NoError(t, err)

	var found *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "casarerpa_node_executions_total" {
			found = f
		}
	}
	require.NotNil(t, found)
	require.Len(t, found.Metric, 2)
}

func TestDisableSuppressesRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Disable()
	m.RecordNodeExecution("X", time.Millisecond, "success")
	m.SetInflightJobs(5)

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "casarerpa_node_executions_total" {
			require.Empty(t, f.Metric)
		}
		if f.GetName() == "casarerpa_jobs_inflight" {
			require.Equal(t, float64(0), f.Metric[0].GetGauge().GetValue())
		}
	}
}

package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httprunner/TestAgent/pkg/device"
)

func TestNewPrometheusMetrics_UsesProvidedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()

	m := NewPrometheusMetrics(registry)
	m.ObserveQueueDepth(3)
	m.SetInFlight(2)
	m.ObserveAllocation("success", 20*time.Millisecond)
	m.ObserveInvocation("failed", 3*time.Second)
	m.ObserveDeviceStates(map[device.AllocationState]int{device.StateAvailable: 1})

	metrics, err := registry.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(metrics))
	for _, m := range metrics {
		names = append(names, m.GetName())
	}

	assert.Contains(t, names, "testagent_queue_depth")
	assert.Contains(t, names, "testagent_invocations_in_flight")
	assert.Contains(t, names, "testagent_allocation_wait_seconds")
	assert.Contains(t, names, "testagent_invocations_total")
	assert.Contains(t, names, "testagent_invocation_duration_seconds")
	assert.Contains(t, names, "testagent_devices")
}

func TestPrometheusMetrics_Values(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	m.ObserveQueueDepth(5)
	m.ObserveQueueDepth(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueDepth))

	m.ObserveInvocation("success", time.Second)
	m.ObserveInvocation("success", time.Second)
	m.ObserveInvocation("device_lost", time.Second)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.invocations.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invocations.WithLabelValues("device_lost")))

	m.ObserveDeviceStates(map[device.AllocationState]int{
		device.StateAvailable: 2,
		device.StateAllocated: 1,
	})
	m.ObserveDeviceStates(map[device.AllocationState]int{device.StateAllocated: 3})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.devices.WithLabelValues("available")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.devices.WithLabelValues("allocated")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.devices.WithLabelValues("ignored")))
}

func TestServerExposesRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPrometheusMetrics(registry)
	m.SetInFlight(4)

	srv := NewServer("127.0.0.1:0", registry)
	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "testagent_invocations_in_flight 4")
	assert.NoError(t, srv.Err())
}

// Package telemetry exports scheduler and device pool metrics to Prometheus.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	testagent "github.com/httprunner/TestAgent"
	"github.com/httprunner/TestAgent/pkg/device"
)

var deviceStates = []device.AllocationState{
	device.StateAvailable,
	device.StateAllocated,
	device.StateUnavailable,
	device.StateIgnored,
}

type PrometheusMetrics struct {
	queueDepth         prometheus.Gauge
	inFlight           prometheus.Gauge
	allocationWait     *prometheus.HistogramVec
	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	devices            *prometheus.GaugeVec
}

var _ testagent.Metrics = (*PrometheusMetrics)(nil)

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "testagent_queue_depth",
			Help: "Number of commands waiting for devices",
		}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "testagent_invocations_in_flight",
			Help: "Number of invocations currently running",
		}),
		allocationWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "testagent_allocation_wait_seconds",
				Help:    "Time spent waiting for devices per allocation attempt",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"result"},
		),
		invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testagent_invocations_total",
				Help: "Total number of finished invocations",
			},
			[]string{"result"},
		),
		invocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "testagent_invocation_duration_seconds",
				Help:    "Duration of invocations in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"result"},
		),
		devices: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "testagent_devices",
				Help: "Number of pool devices per allocation state",
			},
			[]string{"state"},
		),
	}
}

func (p *PrometheusMetrics) ObserveQueueDepth(depth int) {
	p.queueDepth.Set(float64(depth))
}

func (p *PrometheusMetrics) ObserveAllocation(result string, wait time.Duration) {
	p.allocationWait.WithLabelValues(result).Observe(wait.Seconds())
}

func (p *PrometheusMetrics) ObserveInvocation(result string, elapsed time.Duration) {
	p.invocations.WithLabelValues(result).Inc()
	p.invocationDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

func (p *PrometheusMetrics) SetInFlight(n int) {
	p.inFlight.Set(float64(n))
}

// ObserveDeviceStates sets every state gauge, zeroing states absent from counts.
func (p *PrometheusMetrics) ObserveDeviceStates(counts map[device.AllocationState]int) {
	for _, state := range deviceStates {
		p.devices.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

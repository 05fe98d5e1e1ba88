// Package telemetry provides the Prometheus metrics of the statistics service.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wordtally"

// ServiceMetrics is the service registry key for the shared *Metrics.
const ServiceMetrics = "telemetry.metrics"

// Message paths.
const (
	PathLive   = "live"
	PathReplay = "replay"
)

// Result labels shared by dumps and replayed channels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	messages        *prometheus.CounterVec
	dumps           *prometheus.CounterVec
	dumpDuration    prometheus.Histogram
	replayChannels  *prometheus.CounterVec
	trackedChannels prometheus.Gauge
	lifecycle       prometheus.Gauge
	rendererLines   *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages offered to the store by path and outcome.",
		}, []string{"path", "result"}),
		dumps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_dumps_total",
			Help:      "Snapshot dumps by result.",
		}, []string{"result"}),
		dumpDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_dump_duration_seconds",
			Help:      "Snapshot dump duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		replayChannels: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_channels_total",
			Help:      "Channels reconciled at startup by result.",
		}, []string{"result"}),
		trackedChannels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_channels",
			Help:      "Number of tracked channels.",
		}),
		lifecycle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_lifecycle",
			Help:      "Store lifecycle: 0 loading, 1 replaying, 2 ready.",
		}),
		rendererLines: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renderer_output_lines_total",
			Help:      "Renderer output lines forwarded to the log by stream.",
		}, []string{"stream"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveMessages adds n messages with result on path.
func (m *Metrics) ObserveMessages(path string, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messages.WithLabelValues(path, result).Add(float64(n))
}

// ObserveDump records one dump attempt.
func (m *Metrics) ObserveDump(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.dumps.WithLabelValues(resultLabel(err)).Inc()
	m.dumpDuration.Observe(duration.Seconds())
}

// ObserveReplayChannel records the replay outcome of one channel.
func (m *Metrics) ObserveReplayChannel(err error) {
	if m == nil {
		return
	}
	m.replayChannels.WithLabelValues(resultLabel(err)).Inc()
}

// SetTrackedChannels sets the tracked channel gauge.
func (m *Metrics) SetTrackedChannels(n int) {
	if m == nil {
		return
	}
	m.trackedChannels.Set(float64(n))
}

// SetLifecycle sets the lifecycle gauge to the numeric state.
func (m *Metrics) SetLifecycle(state int) {
	if m == nil {
		return
	}
	m.lifecycle.Set(float64(state))
}

// ObserveRendererLine counts one forwarded renderer line.
func (m *Metrics) ObserveRendererLine(stream string) {
	if m == nil {
		return
	}
	m.rendererLines.WithLabelValues(stream).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return ResultError
	}

	return ResultOK
}

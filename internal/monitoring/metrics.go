package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the driver's Prometheus collectors. All methods are safe on a
// nil receiver so components can run without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	framesReceived  *prometheus.CounterVec
	framesDelivered *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	syncEvents      *prometheus.CounterVec
	syncDelta       prometheus.Histogram
	colorSamples    *prometheus.CounterVec
	taskTransitions *prometheus.CounterVec
	connectionState prometheus.Gauge
	batteryPercent  prometheus.Gauge
	packets         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on a private registry
// together with the Go runtime and process collectors.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depthkit_frames_received_total",
			Help: "Frames assembled from the sensor link",
		},
		[]string{"kind"},
	)
	m.framesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depthkit_frames_delivered_total",
			Help: "Frames handed to the observer",
		},
		[]string{"kind", "synchronized"},
	)
	m.framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depthkit_frames_dropped_total",
			Help: "Frames discarded before delivery",
		},
		[]string{"kind", "reason"},
	)
	m.syncEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depthkit_framesync_events_total",
			Help: "Frame synchronizer outcomes",
		},
		[]string{"event"},
	)
	m.syncDelta = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "depthkit_framesync_delta_seconds",
			Help:    "Absolute timestamp difference of emitted frame/color pairs",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 8), // 0.5ms to 64ms
		},
	)
	m.colorSamples = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depthkit_color_samples_total",
			Help: "Color samples pushed into the synchronizer",
		},
		[]string{"result"},
	)
	m.taskTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depthkit_task_transitions_total",
			Help: "Background task state transitions",
		},
		[]string{"state"},
	)
	m.connectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depthkit_connection_state",
		Help: "Sensor connection state (0 not found, 1 connecting, 2 connected, 3 streaming, 4 disconnected)",
	})
	m.batteryPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depthkit_battery_percent",
		Help: "Last reported sensor battery charge",
	})
	m.packets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depthkit_link_packets_total",
			Help: "Frame link datagrams by outcome",
		},
		[]string{"result"},
	)

	for _, c := range []prometheus.Collector{
		m.framesReceived,
		m.framesDelivered,
		m.framesDropped,
		m.syncEvents,
		m.syncDelta,
		m.colorSamples,
		m.taskTransitions,
		m.connectionState,
		m.batteryPercent,
		m.packets,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) FrameDelivered(kind string, synchronized bool) {
	if m == nil {
		return
	}
	s := "false"
	if synchronized {
		s = "true"
	}
	m.framesDelivered.WithLabelValues(kind, s).Inc()
}

func (m *Metrics) FrameDropped(kind, reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(kind, reason).Inc()
}

// SyncEvent counts a synchronizer outcome such as "pair", "held",
// "superseded", "evicted" or "purged".
func (m *Metrics) SyncEvent(event string) {
	if m == nil {
		return
	}
	m.syncEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SyncDelta(seconds float64) {
	if m == nil {
		return
	}
	m.syncDelta.Observe(seconds)
}

func (m *Metrics) ColorSample(result string) {
	if m == nil {
		return
	}
	m.colorSamples.WithLabelValues(result).Inc()
}

func (m *Metrics) TaskTransition(state string) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

func (m *Metrics) SetBattery(percent int) {
	if m == nil {
		return
	}
	m.batteryPercent.Set(float64(percent))
}

func (m *Metrics) Packet(result string) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(result).Inc()
}

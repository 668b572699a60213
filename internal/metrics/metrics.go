package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utkarshayachit/simplified-batch/internal/session"
)

const prefix = "batch_gateway_"

// Metrics holds the gateway collectors. It is a session.Observer and a
// proxy.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	transitions  *prometheus.CounterVec
	live         prometheus.Gauge
	readyLatency prometheus.Histogram
	proxied      *prometheus.CounterVec
	requests     *prometheus.HistogramVec
	exhausted    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "session_transitions_total",
				Help: "Session state transitions",
			},
			[]string{"from", "to"},
		),
		live: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "sessions_live",
			Help: "Sessions not yet in a terminal state",
		}),
		readyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "session_ready_seconds",
			Help:    "Time from submission until the session server was ready",
			Buckets: []float64{5, 10, 20, 30, 60, 120, 180, 300, 600},
		}),
		proxied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "proxy_requests_total",
				Help: "Proxied requests by outcome",
			},
			[]string{"outcome"},
		),
		requests: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "http_request_duration_seconds",
				Help:    "API request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		exhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "port_pool_exhausted_total",
			Help: "Submissions rejected because no port could be allocated",
		}),
	}
}

// TrackPorts exports pool occupancy and capacity as gauges.
func (m *Metrics) TrackPorts(inUse func() int, size int) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: prefix + "ports_in_use",
			Help: "Ports currently reserved for sessions",
		}, func() float64 {
			return float64(inUse())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: prefix + "ports_total",
			Help: "Size of the session port range",
		}, func() float64 {
			return float64(size)
		}),
	)
}

func (m *Metrics) Transition(h *session.Handle, c session.Change) {
	from, to := c.From, c.To
	fromLabel := string(from)
	if fromLabel == "" {
		fromLabel = "none"
	}
	m.transitions.WithLabelValues(fromLabel, string(to)).Inc()
	switch {
	case from == "" && !to.Terminal():
		m.live.Inc()
	case from != "" && to.Terminal():
		m.live.Dec()
	}
	if to == session.StateServerReady {
		m.readyLatency.Observe(time.Since(h.Created).Seconds())
	}
}

func (m *Metrics) ObserveProxy(outcome string) {
	m.proxied.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePortExhausted() {
	m.exhausted.Inc()
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

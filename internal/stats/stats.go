package stats

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat_gateway"

const (
	ActiveConnections    = "active_connections"
	MessagesSent         = "messages_sent_total"
	DuplicateSubmissions = "duplicate_submissions_total"
	HandlerErrors        = "handler_errors_total"
	OnlineUsers          = "online_users"
	RelayedEvents        = "relayed_events_total"
	EventFailures        = "event_delivery_failures_total"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	RegisterCounter(name string)
	RegisterGaugeFunc(name string, fn func() float64)
}

// StatsUpdater exposes metrics through a private prometheus registry. Metrics
// registered with RegisterMetric are gauges and move both ways; those
// registered with RegisterCounter only go up.
type StatsUpdater struct {
	registry *prometheus.Registry
	mu       sync.RWMutex
	gauges   map[string]prometheus.Gauge
	counters map[string]prometheus.Counter
}

// NewStatsUpdater creates a new stats updater and serves it on GET /metrics.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]prometheus.Gauge),
		counters: make(map[string]prometheus.Counter),
	}
	su.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if mux != nil {
		mux.Handle("GET /metrics", su.Handler())
	}

	return su
}

func (su *StatsUpdater) Handler() http.Handler {
	return promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{Registry: su.registry})
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.gauges[name]; ok {
		return
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
	})
	su.registry.MustRegister(g)
	su.gauges[name] = g
}

func (su *StatsUpdater) RegisterCounter(name string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.counters[name]; ok {
		return
	}

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
	})
	su.registry.MustRegister(c)
	su.counters[name] = c
}

func (su *StatsUpdater) RegisterGaugeFunc(name string, fn func() float64) {
	su.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
	}, fn))
}

func (su *StatsUpdater) gauge(name string) prometheus.Gauge {
	su.mu.RLock()
	defer su.mu.RUnlock()

	g, ok := su.gauges[name]
	if !ok {
		panic("metric not found: " + name)
	}
	return g
}

func (su *StatsUpdater) Incr(name string) {
	su.mu.RLock()
	c, ok := su.counters[name]
	su.mu.RUnlock()
	if ok {
		c.Inc()
		return
	}
	su.gauge(name).Inc()
}

func (su *StatsUpdater) Decr(name string) {
	su.gauge(name).Dec()
}

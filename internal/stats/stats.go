package stats

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "famchat"

const (
	ActiveConnections = "active_connections"
	FamilyConnections = "family_connections"
	MessagesRelayed   = "messages_relayed"
	PublishFailures   = "publish_failures"
	DeliveriesFailed  = "deliveries_failed"
	FallbackPushes    = "fallback_pushes"
	BusConnected      = "bus_connected"
	FallbacksDropped  = "fallbacks_dropped"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	Set(name string, value float64)
	RegisterMetric(name string)
}

type StatsUpdater struct {
	registry *prometheus.Registry

	mu     sync.RWMutex
	gauges map[string]prometheus.Gauge
}

// NewStatsUpdater creates a new stats updater and serves its metrics on
// GET /metrics.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]prometheus.Gauge),
	}
	su.initializeMetrics()
	mux.Handle("GET /metrics", su.Handler())

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the relay started.",
		}, func() float64 {
			return time.Since(startTime).Seconds()
		}),
	)
}

func (su *StatsUpdater) Handler() http.Handler {
	return promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{})
}

func (su *StatsUpdater) gauge(name string) prometheus.Gauge {
	su.mu.RLock()
	g, ok := su.gauges[name]
	su.mu.RUnlock()
	if !ok {
		panic("metric not found: " + name)
	}

	return g
}

func (su *StatsUpdater) Incr(name string) {
	su.gauge(name).Inc()
}

func (su *StatsUpdater) Decr(name string) {
	su.gauge(name).Dec()
}

func (su *StatsUpdater) Set(name string, value float64) {
	su.gauge(name).Set(value)
}

// RegisterMetric creates the named gauge. Registering a name twice is a
// no-op, so every component registers the metrics it updates.
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

package stats

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rtgateway"

// Metric names shared by the packages that report them.
const (
	ActiveConnections = "active_connections"
	ActiveRooms       = "active_rooms"
	AdmissionDenied   = "admission_denied_total"
	AuthFailed        = "auth_failed_total"
	TenantViolations  = "tenant_violations_total"
	EventsPublished   = "events_published_total"
	EventsDelivered   = "events_delivered_total"
	EventsDropped     = "events_dropped_total"
	EventsRejected    = "events_rejected_total"
	MessagesThrottled = "messages_throttled_total"
	StaleUsersSwept   = "stale_users_swept_total"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	// RegisterMetric registers a gauge that can move both ways.
	RegisterMetric(name string)
	// RegisterCounter registers a monotonically increasing counter.
	RegisterCounter(name string)
}

// StatsUpdater keeps gauges and counters in a private prometheus registry.
type StatsUpdater struct {
	registry *prometheus.Registry
	mu       sync.RWMutex
	gauges   map[string]prometheus.Gauge
	counters map[string]prometheus.Counter
}

// NewStatsUpdater creates a new stats updater instance.
func NewStatsUpdater() *StatsUpdater {
	su := &StatsUpdater{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]prometheus.Gauge),
		counters: make(map[string]prometheus.Counter),
	}
	su.initializeMetrics()

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
			Help:      "Seconds since the process started.",
		}, func() float64 {
			return time.Since(startTime).Seconds()
		}),
	)
}

// Handler serves the registry in the prometheus exposition format.
func (su *StatsUpdater) Handler() http.Handler {
	return promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{Registry: su.registry})
}

func (su *StatsUpdater) Registry() *prometheus.Registry {
	return su.registry
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
		Help:      fmt.Sprintf("Gauge %s.", name),
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
		Help:      fmt.Sprintf("Counter %s.", name),
	})
	su.registry.MustRegister(c)
	su.counters[name] = c
}

// Incr adds one to the named gauge or counter. Unregistered names panic.
func (su *StatsUpdater) Incr(name string) {
	su.mu.RLock()
	defer su.mu.RUnlock()

	if g, ok := su.gauges[name]; ok {
		g.Inc()
		return
	}
	if c, ok := su.counters[name]; ok {
		c.Inc()
		return
	}
	panic("metric not found: " + name)
}

// Decr subtracts one from the named gauge. Counters cannot go down.
func (su *StatsUpdater) Decr(name string) {
	su.mu.RLock()
	defer su.mu.RUnlock()

	g, ok := su.gauges[name]
	if !ok {
		panic("gauge not found: " + name)
	}
	g.Dec()
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bit2swaz/meshsync/internal/negotiator"
	"github.com/bit2swaz/meshsync/internal/rendezvous"
)

// Collector holds all Prometheus metrics for one node. Each node gets its
// own registry so several nodes can live in one test process.
type Collector struct {
	registry *prometheus.Registry

	LivePeers     prometheus.Gauge
	Items         *prometheus.GaugeVec
	Sessions      *prometheus.CounterVec
	OpsApplied    *prometheus.CounterVec
	OpsDiscarded  *prometheus.CounterVec
	Lookups       *prometheus.CounterVec
	MalformedMsgs prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		LivePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_peers",
			Help:      "Sessions currently open",
		}),
		Items: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "items",
			Help:      "Items held, by kind",
		}, []string{"kind"}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Session lifecycle events by role and outcome",
		}, []string{"role", "outcome"}),
		OpsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_applied_total",
			Help:      "Item versions that won the merge",
		}, []string{"source"}),
		OpsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_discarded_total",
			Help:      "Item versions dropped as stale",
		}, []string{"source"}),
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rendezvous_lookups_total",
			Help:      "Rendezvous reads by kind and result",
		}, []string{"kind", "found"}),
		MalformedMsgs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Wire messages dropped as malformed",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	c.registry.MustRegister(
		c.LivePeers, c.Items, c.Sessions, c.OpsApplied, c.OpsDiscarded,
		c.Lookups, c.MalformedMsgs, c.HTTPRequests, c.HTTPDuration,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) SessionOpened(role negotiator.Role) {
	c.Sessions.WithLabelValues(string(role), "open").Inc()
	c.LivePeers.Inc()
}

// SessionEnded is called once per session.
func (c *Collector) SessionEnded(role negotiator.Role, outcome negotiator.State, wasOpen bool) {
	c.Sessions.WithLabelValues(string(role), string(outcome)).Inc()
	if wasOpen {
		c.LivePeers.Dec()
	}
}

func (c *Collector) RendezvousLookup(kind rendezvous.Kind, found bool) {
	c.Lookups.WithLabelValues(string(kind), strconv.FormatBool(found)).Inc()
}

func (c *Collector) OpApplied(source string) {
	c.OpsApplied.WithLabelValues(source).Inc()
}

func (c *Collector) OpDiscarded(source string) {
	c.OpsDiscarded.WithLabelValues(source).Inc()
}

func (c *Collector) SetItems(live, tombstones int) {
	c.Items.WithLabelValues("live").Set(float64(live))
	c.Items.WithLabelValues("tombstone").Set(float64(tombstones))
}

func (c *Collector) Malformed() {
	c.MalformedMsgs.Inc()
}

// ObserveHTTP records one served request.
func (c *Collector) ObserveHTTP(method, route string, status int, took time.Duration) {
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

// Package varz is the runtime's process-wide metrics registry,
// grounded on calque-ai-go-calque's
// pkg/middleware/observability/prometheus.go (a registry wrapping
// named counters/gauges behind a mutex, lazily created on first use).
// Spec.md explicitly puts the HTTP status/varz presentation layer out
// of scope (§1); this package stops at the prometheus.Registry and
// its counters/gauges, leaving promhttp wiring to the embedding
// application's main.
package varz

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the runtime's named counters and gauges. The zero
// value is not usable; use New.
type Registry struct {
	registry *prometheus.Registry

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

// New builds a Registry with a fresh prometheus.Registry (no default
// Go/process collectors - those are an application main concern).
func New() *Registry {
	return &Registry{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
}

// Registerer exposes the underlying prometheus.Registerer so the
// embedding application can wire its own promhttp.Handler.
func (r *Registry) Registerer() prometheus.Registerer { return r.registry }

// Gatherer exposes the underlying prometheus.Gatherer for scraping.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.registry }

func (r *Registry) counter(name, help string) prometheus.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	r.registry.MustRegister(c)
	r.counters[name] = c
	return c
}

func (r *Registry) gauge(name, help string) prometheus.Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	r.registry.MustRegister(g)
	r.gauges[name] = g
	return g
}

// ReadyQueueDepth is a gauge of how many fibers are currently ready to
// run on a reactor; set it from the reactor's own goroutine.
func (r *Registry) ReadyQueueDepth() prometheus.Gauge {
	return r.gauge("fiberio_ready_queue_depth", "Number of fibers currently ready to run")
}

// ParseErrors counts pipeline decode/map failures, per spec.md 7's
// "parse-error counts" summary requirement.
func (r *Registry) ParseErrors() prometheus.Counter {
	return r.counter("fiberio_parse_errors_total", "Total number of pipeline parse/decode errors")
}

// RequestsTotal is a lifetime request counter, the numerator of spec.md
// 7's "lifetime QPS" summary figure; the accept server adds one per
// accepted connection.
func (r *Registry) RequestsTotal() prometheus.Counter {
	return r.counter("fiberio_requests_total", "Total number of requests handled")
}

// URingInFlight is a gauge of outstanding io_uring SQEs, used to watch
// for the ring-exhaustion boundary case in spec.md 8.
func (r *Registry) URingInFlight() prometheus.Gauge {
	return r.gauge("fiberio_uring_inflight_sqes", "Number of io_uring SQEs currently submitted but not yet completed")
}

// Package telemetry owns the Prometheus registry for the server: HTTP request
// metrics recorded by an echo middleware, Go runtime and process collectors,
// and the /metrics exposition endpoint. Domain packages register their own
// counters on the same registry.
package telemetry

import (
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds the labels stamped on every series.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "jaspr-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// durationBuckets are in seconds.
var durationBuckets = []float64{
	0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0,
}

var sizeBuckets = []float64{
	100, 1_000, 10_000, 100_000, 1_000_000,
}

// Provider bundles the registry and the HTTP server metrics.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry

	active   prometheus.Gauge
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	respSize *prometheus.HistogramVec
}

// NewProvider creates a registry with runtime collectors and HTTP metrics.
func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()

	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{
		"service": cfg.ServiceName,
		"version": cfg.ServiceVersion,
		"env":     cfg.Environment,
	}
	wrapped := prometheus.WrapRegistererWith(constLabels, reg)

	p := &Provider{
		cfg:      cfg,
		registry: reg,
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jaspr", Subsystem: "http", Name: "active_requests",
			Help: "Requests currently being served.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jaspr", Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jaspr", Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: durationBuckets,
		}, []string{"method", "route"}),
		respSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jaspr", Subsystem: "http", Name: "response_size_bytes",
			Help:    "HTTP response body size.",
			Buckets: sizeBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	wrapped.MustRegister(p.active, p.requests, p.duration, p.respSize)
	return p
}

// Registry returns the registry. It is also a prometheus.Registerer.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// RegisterPool exposes pgx pool statistics.
func (p *Provider) RegisterPool(pool *pgxpool.Pool) {
	p.registry.MustRegister(newPoolCollector(pool))
}

// Middleware records request counts, latency and response size, labeled by
// route pattern rather than raw path.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.active.Inc()
			start := time.Now()

			err := next(c)

			p.active.Dec()
			if err != nil {
				// Write the error response now so the recorded status is final.
				c.Error(err)
			}

			req := c.Request()
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := strconv.Itoa(c.Response().Status)

			p.requests.WithLabelValues(req.Method, route, status).Inc()
			p.duration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
			if size := c.Response().Size; size > 0 {
				p.respSize.WithLabelValues(req.Method, route).Observe(float64(size))
			}
			return nil
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
}

// poolCollector reads pgxpool.Stat on every scrape.
type poolCollector struct {
	pool     *pgxpool.Pool
	total    *prometheus.Desc
	idle     *prometheus.Desc
	acquired *prometheus.Desc
	max      *prometheus.Desc
	acquires *prometheus.Desc
}

func newPoolCollector(pool *pgxpool.Pool) *poolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("jaspr", "db_pool", name), help, nil, nil)
	}
	return &poolCollector{
		pool:     pool,
		total:    desc("total_conns", "Connections in the pool."),
		idle:     desc("idle_conns", "Idle connections."),
		acquired: desc("acquired_conns", "Connections currently checked out."),
		max:      desc("max_conns", "Configured pool size."),
		acquires: desc("acquires_total", "Successful connection acquisitions."),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.idle
	ch <- c.acquired
	ch <- c.max
	ch <- c.acquires
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stat()
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(s.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxConns()))
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.AcquireCount()))
}

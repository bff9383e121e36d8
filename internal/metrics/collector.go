package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bustrack/transitsync/pkg/errors"
	"github.com/bustrack/transitsync/pkg/health"
	"github.com/bustrack/transitsync/pkg/types"
)

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig returns the default metrics configuration
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "transitsync",
		Labels:    make(map[string]string),
	}
}

// HealthReporter is the view of the health tracker served on /health.
type HealthReporter interface {
	GetOverallState() health.State
	GetAllComponents() []health.ComponentHealth
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger used by the metrics server.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHealth serves the tracker's state on /health.
func WithHealth(h HealthReporter) Option {
	return func(c *Collector) { c.health = h }
}

// Collector records cache, fetch, worker and health metrics into a private
// Prometheus registry. A disabled collector accepts every call and records
// nothing.
type Collector struct {
	config   Config
	registry *prometheus.Registry
	logger   *zap.Logger
	health   HealthReporter

	cacheRequests   *prometheus.CounterVec
	cacheEvictions  *prometheus.CounterVec
	cacheSize       *prometheus.GaugeVec
	fetchDuration   *prometheus.HistogramVec
	fetchErrors     *prometheus.CounterVec
	workerRuns      *prometheus.CounterVec
	workerDuration  *prometheus.HistogramVec
	componentHealth *prometheus.GaugeVec

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

var (
	_ types.CacheRecorder  = (*Collector)(nil)
	_ types.FetchRecorder  = (*Collector)(nil)
	_ types.WorkerRecorder = (*Collector)(nil)
)

// NewCollector creates a new metrics collector
func NewCollector(config Config, opts ...Option) (*Collector, error) {
	c := &Collector{config: config, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if !config.Enabled {
		return c, nil
	}
	if c.config.Path == "" {
		c.config.Path = "/metrics"
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_requests_total",
		Help: "Total number of cache lookups by tier and result",
	}, []string{"tier", "result"})

	c.cacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_evictions_total",
		Help: "Total number of entries evicted or pruned",
	}, []string{"tier"})

	c.cacheSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_size_bytes",
		Help: "Current cache size in bytes",
	}, []string{"tier"})

	c.fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "remote_fetch_duration_seconds",
		Help:    "Duration of transit API requests in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
	}, []string{"resource", "outcome"})

	c.fetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "remote_fetch_errors_total",
		Help: "Total number of failed transit API requests by error code",
	}, []string{"resource", "code"})

	c.workerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "worker_runs_total",
		Help: "Total number of background worker runs by outcome",
	}, []string{"worker", "result"})

	c.workerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "worker_run_duration_seconds",
		Help:    "Duration of background worker runs in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"worker"})

	c.componentHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "component_health_state",
		Help: "Component health: 0 healthy, 1 degraded, 2 read-only, 3 unavailable",
	}, []string{"component"})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.cacheRequests,
		c.cacheEvictions,
		c.cacheSize,
		c.fetchDuration,
		c.fetchErrors,
		c.workerRuns,
		c.workerDuration,
		c.componentHealth,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// Enabled reports whether metrics are being recorded.
func (c *Collector) Enabled() bool {
	return c.registry != nil
}

// Registry returns the underlying registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordCacheRequest counts a cache lookup.
func (c *Collector) RecordCacheRequest(tier string, hit bool) {
	if !c.Enabled() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheRequests.WithLabelValues(tier, result).Inc()
}

// RecordCacheEviction counts an eviction.
func (c *Collector) RecordCacheEviction(tier string) {
	if !c.Enabled() {
		return
	}
	c.cacheEvictions.WithLabelValues(tier).Inc()
}

// SetCacheSize updates the size gauge of a tier.
func (c *Collector) SetCacheSize(tier string, bytes int64) {
	if !c.Enabled() {
		return
	}
	c.cacheSize.WithLabelValues(tier).Set(float64(bytes))
}

// RecordFetch records a remote request.
func (c *Collector) RecordFetch(resource string, duration time.Duration, err error) {
	if !c.Enabled() {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		c.fetchErrors.WithLabelValues(resource, string(errors.CodeOf(err))).Inc()
	}
	c.fetchDuration.WithLabelValues(resource, outcome).Observe(duration.Seconds())
}

// RecordWorkerRun records a finished worker run.
func (c *Collector) RecordWorkerRun(run types.WorkerRun) {
	if !c.Enabled() {
		return
	}
	c.workerRuns.WithLabelValues(run.Worker, string(run.Outcome)).Inc()
	if run.Outcome != types.OutcomeSkipped {
		c.workerDuration.WithLabelValues(run.Worker).Observe(run.Duration.Seconds())
	}
}

// SetComponentState updates the health gauge. Its signature matches
// health.StateChangeFunc so it can be registered on a tracker directly.
func (c *Collector) SetComponentState(component string, _, to health.State, _ error) {
	if !c.Enabled() {
		return
	}
	c.componentHealth.WithLabelValues(component).Set(float64(to))
}

// Handler returns the HTTP handler serving metrics and health.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.Enabled() {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	return mux
}

// Start starts the metrics server. It returns once the listener is bound.
func (c *Collector) Start(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on metrics port %d: %w", c.config.Port, err)
	}

	c.listener = ln
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	server := c.server
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	c.logger.Info("Metrics server started",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", c.config.Path))
	return nil
}

// Addr returns the bound address, empty before Start.
func (c *Collector) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.listener = nil
	c.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

type healthResponse struct {
	Status     string                   `json:"status"`
	Service    string                   `json:"service"`
	Components []health.ComponentHealth `json:"components,omitempty"`
}

func (c *Collector) healthHandler(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: health.StateHealthy.String(), Service: "transitsync"}
	status := http.StatusOK
	if c.health != nil {
		state := c.health.GetOverallState()
		resp.Status = state.String()
		resp.Components = c.health.GetAllComponents()
		if state == health.StateUnavailable {
			status = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp) // Ignore write error for health check
}

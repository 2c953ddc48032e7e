// Package health serves the gateway's liveness, readiness and startup
// probes.
//
// Liveness answers 200 while the process runs. Readiness runs every
// registered dependency check concurrently and answers 503 when any fails.
// Startup answers 503 until MarkStarted is called.
package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avagate/internal/observability"
)

// DefaultReadinessTimeout bounds one readiness probe.
const DefaultReadinessTimeout = 5 * time.Second

// Probe statuses.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusStarting = "starting"
)

// Check is one dependency probe.
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

// Pinger is implemented by the cache and the registry.
type Pinger interface {
	Ping(ctx context.Context) error
}

type funcCheck struct {
	name string
	fn   func(ctx context.Context) error
}

func (f *funcCheck) Name() string                    { return f.name }
func (f *funcCheck) Check(ctx context.Context) error { return f.fn(ctx) }

// CheckFunc adapts fn to a Check.
func CheckFunc(name string, fn func(ctx context.Context) error) Check {
	return &funcCheck{name: name, fn: fn}
}

// PingCheck probes p.Ping.
func PingCheck(name string, p Pinger) Check {
	return CheckFunc(name, p.Ping)
}

// Status is the body of a probe response.
type Status struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime,omitempty"`
	Version   string                  `json:"version,omitempty"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithReadinessTimeout bounds each readiness probe.
func WithReadinessTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithVersion sets the version reported by the detailed health endpoint.
func WithVersion(v string) Option {
	return func(h *Handler) {
		h.version = v
	}
}

// WithMetrics records probe outcomes.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// Handler runs health checks and serves the probe endpoints.
type Handler struct {
	mu        sync.RWMutex
	checks    []Check
	started   atomic.Bool
	logger    observability.Logger
	metrics   *Metrics
	timeout   time.Duration
	version   string
	startTime time.Time
}

// NewHandler creates a Handler.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		logger:    observability.NopLogger(),
		timeout:   DefaultReadinessTimeout,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddCheck registers a readiness check.
func (h *Handler) AddCheck(c Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// MarkStarted flips the startup probe to ready.
func (h *Handler) MarkStarted() {
	h.started.Store(true)
}

// Started reports whether MarkStarted was called.
func (h *Handler) Started() bool {
	return h.started.Load()
}

// Readiness runs every check and reports the aggregate.
func (h *Handler) Readiness(ctx context.Context) *Status {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := make([]Check, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := &Status{
		Status:    StatusOK,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]*CheckResult, len(checks)),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, c := range checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			duration := time.Since(start)

			result := &CheckResult{Status: StatusOK, Duration: duration.String()}
			if err != nil {
				result.Status = StatusError
				result.Error = err.Error()
				h.logger.Warn("readiness check failed",
					observability.String("check", c.Name()),
					observability.Duration("duration", duration),
					observability.Error(err),
				)
			}
			if h.metrics != nil {
				h.metrics.observeCheck(c.Name(), err == nil)
			}

			mu.Lock()
			defer mu.Unlock()
			status.Checks[c.Name()] = result
			if err != nil {
				status.Status = StatusError
			}
		}(c)
	}
	wg.Wait()

	return status
}

// LivenessHandler answers 200 while the process is up.
func (h *Handler) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.countProbe("liveness")
		c.JSON(http.StatusOK, gin.H{
			"status":    StatusOK,
			"timestamp": time.Now().UTC(),
		})
	}
}

// ReadinessHandler answers 200 only when every check passes.
func (h *Handler) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.countProbe("readiness")
		status := h.Readiness(c.Request.Context())
		code := http.StatusOK
		if status.Status != StatusOK {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}

// StartupHandler answers 200 once the gateway has been built.
func (h *Handler) StartupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.countProbe("startup")
		if !h.Started() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": StatusStarting})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": StatusOK})
	}
}

// HealthHandler reports readiness plus uptime and version.
func (h *Handler) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Readiness(c.Request.Context())
		status.Uptime = time.Since(h.startTime).Round(time.Second).String()
		status.Version = h.version
		code := http.StatusOK
		if status.Status != StatusOK {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}

// RegisterRoutes mounts the probe endpoints.
func (h *Handler) RegisterRoutes(engine gin.IRoutes) {
	engine.GET("/health", h.HealthHandler())
	engine.GET("/healthz", h.LivenessHandler())
	engine.GET("/livez", h.LivenessHandler())
	engine.GET("/readyz", h.ReadinessHandler())
	engine.GET("/startupz", h.StartupHandler())
}

func (h *Handler) countProbe(kind string) {
	if h.metrics != nil {
		h.metrics.checksTotal.WithLabelValues(kind).Inc()
	}
}

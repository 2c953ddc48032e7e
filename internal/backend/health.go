package backend

import (
	"context"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

// Health check defaults.
const (
	DefaultHealthCheckTimeout  = 5 * time.Second
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultHealthyThreshold    = 2
	DefaultUnhealthyThreshold  = 3
	DefaultHealthCheckPath     = "/health"
)

// HealthStatusFunc is called when a target's health flag flips.
type HealthStatusFunc func(target *model.BackendTarget, healthy bool)

// HealthCheckOption configures a HealthChecker.
type HealthCheckOption func(*HealthChecker)

// WithHealthCheckLogger sets the logger.
func WithHealthCheckLogger(logger observability.Logger) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.logger = logger
	}
}

// WithHealthCheckClient sets the HTTP client used for probes.
func WithHealthCheckClient(client *http.Client) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.client = client
	}
}

// WithHealthStatusCallback sets a callback for health flips.
func WithHealthStatusCallback(fn HealthStatusFunc) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.onStatusChange = fn
	}
}

// HealthChecker periodically probes backend targets. Targets with protocol
// grpc are probed with the gRPC health protocol, others with an HTTP GET.
type HealthChecker struct {
	targets        func() []*model.BackendTarget
	cfg            config.HealthCheckConfig
	client         *http.Client
	logger         observability.Logger
	onStatusChange HealthStatusFunc

	healthyThreshold   int
	unhealthyThreshold int

	mu              sync.Mutex
	running         bool
	stopCh          chan struct{}
	stoppedCh       chan struct{}
	healthyCounts   map[string]int
	unhealthyCounts map[string]int

	grpcMu    sync.Mutex
	grpcConns map[string]*grpc.ClientConn
}

// NewHealthChecker creates a checker over the targets returned by targets,
// which is consulted on every round so route reloads are picked up.
func NewHealthChecker(targets func() []*model.BackendTarget, cfg config.HealthCheckConfig, opts ...HealthCheckOption) *HealthChecker {
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = DefaultHealthCheckTimeout
	}

	hc := &HealthChecker{
		targets:            targets,
		cfg:                cfg,
		client:             &http.Client{Timeout: timeout},
		logger:             observability.NopLogger(),
		onStatusChange:     func(*model.BackendTarget, bool) {},
		healthyThreshold:   cfg.HealthyThreshold,
		unhealthyThreshold: cfg.UnhealthyThreshold,
		healthyCounts:      make(map[string]int),
		unhealthyCounts:    make(map[string]int),
		grpcConns:          make(map[string]*grpc.ClientConn),
	}
	if hc.healthyThreshold <= 0 {
		hc.healthyThreshold = DefaultHealthyThreshold
	}
	if hc.unhealthyThreshold <= 0 {
		hc.unhealthyThreshold = DefaultUnhealthyThreshold
	}
	for _, opt := range opts {
		opt(hc)
	}
	return hc
}

// Start runs the probe loop until ctx is done or Stop is called.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	hc.stopCh = make(chan struct{})
	hc.stoppedCh = make(chan struct{})
	hc.mu.Unlock()

	go hc.run(ctx)
}

// Stop stops the loop and closes pooled gRPC connections.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		hc.closeAllGRPCConns()
		return
	}
	hc.running = false
	close(hc.stopCh)
	stopped := hc.stoppedCh
	hc.mu.Unlock()

	<-stopped
	hc.closeAllGRPCConns()
}

func (hc *HealthChecker) run(ctx context.Context) {
	defer close(hc.stoppedCh)

	interval := hc.cfg.Interval.Duration()
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	hc.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hc.stopCh:
			return
		case <-ticker.C:
			hc.CheckAll(ctx)
		}
	}
}

// CheckAll probes every target once.
func (hc *HealthChecker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range hc.targets() {
		wg.Add(1)
		go func(t *model.BackendTarget) {
			defer wg.Done()
			hc.check(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (hc *HealthChecker) check(ctx context.Context, t *model.BackendTarget) {
	if ctx.Err() != nil {
		return
	}
	var err error
	if t.Protocol == "grpc" {
		err = hc.checkGRPC(ctx, t)
	} else {
		err = hc.checkHTTP(ctx, t)
	}
	if err != nil {
		hc.recordFailure(t, err)
		return
	}
	hc.recordSuccess(t)
}

type unhealthyStatusError struct {
	status string
}

func (e *unhealthyStatusError) Error() string {
	return "health check returned " + e.status
}

func (hc *HealthChecker) checkHTTP(ctx context.Context, t *model.BackendTarget) error {
	path := hc.cfg.Path
	if path == "" {
		path = DefaultHealthCheckPath
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL(path, ""), http.NoBody)
	if err != nil {
		return err
	}
	resp, err := hc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &unhealthyStatusError{status: resp.Status}
	}
	return nil
}

func (hc *HealthChecker) checkGRPC(ctx context.Context, t *model.BackendTarget) error {
	addr := t.Address()
	conn, err := hc.grpcConn(addr)
	if err != nil {
		return err
	}

	timeout := hc.cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = DefaultHealthCheckTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{
		Service: hc.cfg.GRPCService,
	})
	if err != nil {
		hc.closeGRPCConn(addr)
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return &unhealthyStatusError{status: resp.GetStatus().String()}
	}
	return nil
}

func (hc *HealthChecker) grpcConn(addr string) (*grpc.ClientConn, error) {
	hc.grpcMu.Lock()
	defer hc.grpcMu.Unlock()

	if conn, ok := hc.grpcConns[addr]; ok {
		state := conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return conn, nil
		}
		_ = conn.Close()
		delete(hc.grpcConns, addr)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	hc.grpcConns[addr] = conn
	return conn, nil
}

func (hc *HealthChecker) closeGRPCConn(addr string) {
	hc.grpcMu.Lock()
	defer hc.grpcMu.Unlock()

	if conn, ok := hc.grpcConns[addr]; ok {
		if err := conn.Close(); err != nil {
			hc.logger.Warn("failed to close gRPC connection",
				observability.String("addr", addr),
				observability.Error(err),
			)
		}
		delete(hc.grpcConns, addr)
	}
}

func (hc *HealthChecker) closeAllGRPCConns() {
	hc.grpcMu.Lock()
	defer hc.grpcMu.Unlock()

	for addr, conn := range hc.grpcConns {
		_ = conn.Close()
		delete(hc.grpcConns, addr)
	}
}

func (hc *HealthChecker) recordSuccess(t *model.BackendTarget) {
	hc.mu.Lock()
	key := t.Key()
	hc.healthyCounts[key]++
	hc.unhealthyCounts[key] = 0
	flip := hc.healthyCounts[key] >= hc.healthyThreshold && !t.Healthy()
	if flip {
		t.SetHealthy(true)
	}
	hc.mu.Unlock()

	if flip {
		hc.logger.Info("backend target became healthy",
			observability.String("backend", t.ServiceID),
			observability.String("address", t.Address()),
		)
		hc.onStatusChange(t, true)
	}
}

func (hc *HealthChecker) recordFailure(t *model.BackendTarget, err error) {
	hc.mu.Lock()
	key := t.Key()
	hc.unhealthyCounts[key]++
	hc.healthyCounts[key] = 0
	flip := hc.unhealthyCounts[key] >= hc.unhealthyThreshold && t.Healthy()
	if flip {
		t.SetHealthy(false)
	}
	hc.mu.Unlock()

	if flip {
		hc.logger.Warn("backend target became unhealthy",
			observability.String("backend", t.ServiceID),
			observability.String("address", t.Address()),
			observability.Error(err),
		)
		hc.onStatusChange(t, false)
	}
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/auth"
	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/health"
	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

// MetricsPath serves Prometheus metrics.
const MetricsPath = "/metrics"

var ginModeOnce sync.Once

// Server is the HTTP shell around a Pipeline. Probe and metrics endpoints
// are served directly; every other request goes through the pipeline.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	pipeline   *Pipeline
	cfg        config.ServerConfig
	maxBody    int64
	trusted    []netip.Prefix
	logger     observability.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds the gin engine. metrics may be nil.
func NewServer(cfg config.ServerConfig, pipeline *Pipeline, probes *health.Handler, metrics http.Handler, maxBody int64, logger observability.Logger) (*Server, error) {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	engine := gin.New()
	engine.HandleMethodNotAllowed = false
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}
	trusted, err := parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	s := &Server{
		engine:   engine,
		pipeline: pipeline,
		cfg:      cfg,
		maxBody:  maxBody,
		trusted:  trusted,
		logger:   logger,
	}

	engine.Use(s.recovery(), s.accessLog())
	probes.RegisterRoutes(engine)
	if metrics != nil {
		engine.GET(MetricsPath, gin.WrapH(metrics))
	}
	engine.NoRoute(s.handle)

	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handle(c *gin.Context) {
	// Only a terminating proxy may vouch for a client certificate.
	if !s.fromTrustedProxy(c.RemoteIP()) {
		c.Request.Header.Del(auth.HeaderCertFingerprint)
	}

	ctx, rc, err := NewRequestContext(c.Request, c.ClientIP(), s.maxBody, time.Now().UTC())
	if err != nil {
		s.logger.Warn("failed to read request", observability.Error(err))
		writeResponse(c, &model.GatewayResponse{
			Status:  http.StatusBadRequest,
			Headers: http.Header{"Content-Type": {"application/json"}},
			Body:    apierror.New(apierror.CodeMalformedJSON, "unreadable request body").Marshal("", ""),
		})
		return
	}
	writeResponse(c, s.pipeline.Handle(ctx, rc))
}

// parseTrustedProxies accepts IP addresses and CIDR ranges.
func parseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func (s *Server) fromTrustedProxy(remoteIP string) bool {
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func writeResponse(c *gin.Context, resp *model.GatewayResponse) {
	h := c.Writer.Header()
	for name, values := range resp.Headers {
		h[name] = append([]string(nil), values...)
	}
	c.Status(resp.Status)
	if len(resp.Body) > 0 && c.Request.Method != http.MethodHead {
		_, _ = c.Writer.Write(resp.Body)
	} else {
		c.Writer.WriteHeaderNow()
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic recovered",
					observability.Any("panic", r),
					observability.String("method", c.Request.Method),
					observability.String("path", c.Request.URL.Path),
					observability.String("stack", string(debug.Stack())),
				)
				c.Header("Content-Type", "application/json")
				c.AbortWithStatus(http.StatusInternalServerError)
				_, _ = c.Writer.Write(apierror.New(apierror.CodeInternal, "internal server error").Marshal("", ""))
			}
		}()
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []observability.Field{
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", status),
			observability.Duration("latency", time.Since(start)),
			observability.String("client_ip", c.ClientIP()),
			observability.String("request_id", c.Writer.Header().Get(HeaderRequestID)),
			observability.Int("body_size", c.Writer.Size()),
		}
		switch {
		case status >= 500:
			s.logger.Error("request completed", fields...)
		case status >= 400:
			s.logger.Warn("request completed", fields...)
		default:
			s.logger.Debug("request completed", fields...)
		}
	}
}

// Start listens on the configured address and serves until Stop. It
// returns once the listener is bound; serve errors are logged.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("server already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadTimeout:       s.cfg.ReadTimeout.Duration(),
		ReadHeaderTimeout: s.cfg.ReadTimeout.Duration(),
		WriteTimeout:      s.cfg.WriteTimeout.Duration(),
		IdleTimeout:       s.cfg.IdleTimeout.Duration(),
	}

	s.logger.Info("starting HTTP server",
		observability.String("address", ln.Addr().String()),
		observability.Duration("read_timeout", s.cfg.ReadTimeout.Duration()),
		observability.Duration("write_timeout", s.cfg.WriteTimeout.Duration()),
	)

	srv := s.httpServer
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", observability.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("stopping HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/circuitbreaker"
	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/retry"
)

// Headers injected into every backend request.
const (
	HeaderRequestID      = "X-Request-ID"
	HeaderTraceID        = "X-Trace-ID"
	HeaderSpanID         = "X-Span-ID"
	HeaderConsumerID     = "X-Consumer-ID"
	HeaderTenantID       = "X-Tenant-ID"
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderTraceParent    = "traceparent"
)

// maxResponseBody caps the buffered backend response.
const maxResponseBody = 64 << 20

// hopHeaders are not forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// credentialHeaders carry gateway credentials and are not forwarded.
var credentialHeaders = []string{
	"Authorization",
	"X-Client-Cert-Fingerprint",
}

// Attempt describes one backend call for observers.
type Attempt struct {
	Target   *model.BackendTarget
	RouteID  string
	Number   int
	Status   int
	Duration time.Duration
	Err      error
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithClient replaces the HTTP client.
func WithClient(client *http.Client) Option {
	return func(e *Executor) {
		e.client = client
	}
}

// WithAttemptHook registers fn to observe every attempt.
func WithAttemptHook(fn func(Attempt)) Option {
	return func(e *Executor) {
		e.onAttempt = fn
	}
}

// Executor sends requests to backend targets.
type Executor struct {
	client         *http.Client
	breakers       *circuitbreaker.Registry
	logger         observability.Logger
	defaultTimeout time.Duration
	onAttempt      func(Attempt)
}

// NewExecutor creates an Executor using breakers for per-target state.
func NewExecutor(cfg config.BackendConfig, breakers *circuitbreaker.Registry, opts ...Option) *Executor {
	e := &Executor{
		breakers:       breakers,
		logger:         observability.NopLogger(),
		defaultTimeout: cfg.DefaultTimeout.Duration(),
		onAttempt:      func(Attempt) {},
	}
	if e.defaultTimeout <= 0 {
		e.defaultTimeout = 30 * time.Second
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		e.client = NewClient(cfg)
	}
	return e
}

// Available reports whether target's circuit admits traffic. It is used as
// the router's availability check.
func (e *Executor) Available(target *model.BackendTarget) bool {
	return !e.breakers.IsOpen(target.Key())
}

// Execute forwards rc to the matched backend. A response from the backend
// is returned as is unless its status is retryable and retries run out.
// Failures are E9801 when the circuit rejects an attempt, E9002 when the
// last attempt timed out and E9001 otherwise.
func (e *Executor) Execute(ctx context.Context, rc *model.RequestContext, match *model.RouteMatch) (*model.GatewayResponse, error) {
	route, target := match.Route, match.Backend
	breaker := e.breakers.Get(target.Key())

	timeout := route.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	policy := retry.Policy{
		MaxRetries:     route.Retry.MaxRetries,
		InitialBackoff: route.Retry.BaseDelay,
		MaxBackoff:     route.Retry.MaxDelay,
		JitterFactor:   retry.DefaultJitterFactor,
	}

	var (
		lastErr     error
		lastStatus  int
		lastTimeout bool
		attempts    int
	)
	for attempt := 0; attempt <= route.Retry.MaxRetries; attempt++ {
		if err := breaker.Allow(); err != nil {
			return nil, apierror.Wrap(apierror.CodeCircuitOpen, "circuit breaker open", err).
				WithDetail("backend", target.ServiceID).
				WithRetryAfter(time.Second)
		}

		attempts++
		resp, err := e.attempt(ctx, rc, match, timeout, attempt)
		lastErr, lastTimeout, lastStatus = err, false, 0

		switch {
		case err != nil:
			lastTimeout = isTimeout(err)
			breaker.RecordFailure()
			e.logger.WithContext(ctx).Warn("backend attempt failed",
				observability.String("backend", target.ServiceID),
				observability.String("address", target.Address()),
				observability.Int("attempt", attempt+1),
				observability.Bool("timeout", lastTimeout),
				observability.Error(err),
			)
		case resp.Status >= http.StatusInternalServerError:
			breaker.RecordFailure()
			lastStatus = resp.Status
			if !route.Retry.Retryable(resp.Status) {
				return resp, nil
			}
		default:
			breaker.RecordSuccess()
			return resp, nil
		}

		if ctx.Err() != nil || attempt == route.Retry.MaxRetries {
			break
		}
		if err := retry.Sleep(ctx, policy.Backoff(attempt)); err != nil {
			break
		}
	}

	code, msg := apierror.CodeBackendError, "backend request failed"
	if lastTimeout {
		code, msg = apierror.CodeBackendTimeout, "backend request timed out"
	}
	gwErr := apierror.Wrap(code, fmt.Sprintf("%s after %d attempt(s)", msg, attempts), lastErr).
		WithDetail("backend", target.ServiceID).
		WithDetail("attempts", attempts)
	if lastStatus != 0 {
		gwErr = gwErr.WithDetail("status", lastStatus)
	}
	return nil, gwErr
}

func (e *Executor) attempt(ctx context.Context, rc *model.RequestContext, match *model.RouteMatch, timeout time.Duration, n int) (*model.GatewayResponse, error) {
	target := match.Backend
	target.Acquire()
	defer target.Release()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.send(attemptCtx, rc, target)
	a := Attempt{Target: target, RouteID: match.Route.ID, Number: n + 1, Duration: time.Since(start), Err: err}
	if resp != nil {
		a.Status = resp.Status
	}
	e.onAttempt(a)
	return resp, err
}

func (e *Executor) send(ctx context.Context, rc *model.RequestContext, target *model.BackendTarget) (*model.GatewayResponse, error) {
	var body io.Reader = http.NoBody
	if len(rc.Body) > 0 {
		body = bytes.NewReader(rc.Body)
	}
	req, err := http.NewRequestWithContext(ctx, rc.Method, target.URL(rc.Path, rc.RawQuery), body)
	if err != nil {
		return nil, err
	}
	req.Header = outboundHeaders(rc)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}

	headers := resp.Header.Clone()
	removeHeaders(headers, hopHeaders)
	return &model.GatewayResponse{
		Status:    resp.StatusCode,
		Headers:   headers,
		Body:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

func outboundHeaders(rc *model.RequestContext) http.Header {
	h := rc.Headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	removeHeaders(h, hopHeaders)
	removeHeaders(h, credentialHeaders)

	h.Set(HeaderRequestID, rc.RequestID)
	h.Set(HeaderTraceID, rc.TraceID)
	h.Set(HeaderSpanID, rc.SpanID)
	if rc.TraceID != "" && rc.SpanID != "" {
		h.Set(HeaderTraceParent, observability.FormatTraceParent(rc.TraceID, rc.SpanID, rc.Sampled))
	}
	if rc.ConsumerID != "" {
		h.Set(HeaderConsumerID, rc.ConsumerID)
	}
	if rc.TenantID != "" {
		h.Set(HeaderTenantID, rc.TenantID)
	}
	if rc.IdempotencyKey != "" {
		h.Set(HeaderIdempotencyKey, rc.IdempotencyKey)
	}
	if rc.ClientIP != "" {
		if prior := h.Get(HeaderForwardedFor); prior != "" {
			h.Set(HeaderForwardedFor, prior+", "+rc.ClientIP)
		} else {
			h.Set(HeaderForwardedFor, rc.ClientIP)
		}
	}
	return h
}

func removeHeaders(h http.Header, names []string) {
	for _, c := range h.Values("Connection") {
		for _, f := range strings.Split(c, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, n := range names {
		h.Del(n)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Package response decorates gateway responses before they are written to
// the caller.
package response

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/ratelimit"
)

// Response header names.
const (
	HeaderRequestID          = "X-Request-ID"
	HeaderTraceID            = "X-Trace-ID"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
	HeaderIdempotencyReplay  = "X-Idempotency-Replayed"
	HeaderDeprecation        = "Deprecation"
	HeaderSunset             = "Sunset"
)

// Meta carries pipeline state that shapes the response headers. Any field
// may be nil when the pipeline stopped before the stage that sets it.
type Meta struct {
	RateLimit *ratelimit.Decision
	Route     *model.RouteDefinition
}

// Formatter adds tracing, rate limit and security headers and removes
// internal headers.
type Formatter struct {
	hsts           string
	internal       map[string]struct{}
	internalPrefix string
	now            func() time.Time
}

// Option configures a Formatter.
type Option func(*Formatter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Formatter) {
		f.now = now
	}
}

// New creates a Formatter.
func New(cfg config.SecurityConfig, opts ...Option) *Formatter {
	f := &Formatter{
		internal:       make(map[string]struct{}, len(cfg.InternalHeaders)),
		internalPrefix: http.CanonicalHeaderKey(cfg.InternalHeaderPrefix),
		now:            time.Now,
	}
	if cfg.HSTSMaxAge > 0 {
		f.hsts = fmt.Sprintf("max-age=%d; includeSubDomains", cfg.HSTSMaxAge)
	}
	for _, h := range cfg.InternalHeaders {
		f.internal[http.CanonicalHeaderKey(h)] = struct{}{}
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Format decorates a successful or backend-produced response in place and
// returns it.
func (f *Formatter) Format(rc *model.RequestContext, resp *model.GatewayResponse, meta Meta) *model.GatewayResponse {
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	f.stripInternal(resp.Headers)
	f.decorate(rc, resp.Headers, meta)
	if rc.IsReplayed {
		resp.Headers.Set(HeaderIdempotencyReplay, "true")
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = f.now().UTC()
	}
	return resp
}

// FormatError renders err as the JSON error envelope.
func (f *Formatter) FormatError(rc *model.RequestContext, err error, meta Meta) *model.GatewayResponse {
	gerr := apierror.From(err)

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Cache-Control", "no-store")
	f.decorate(rc, headers, meta)
	if gerr.RetryAfter > 0 {
		headers.Set(HeaderRetryAfter, strconv.Itoa(apierror.RetryAfterSeconds(gerr.RetryAfter.Seconds())))
	}

	return &model.GatewayResponse{
		Status:    gerr.Status(),
		Headers:   headers,
		Body:      gerr.Marshal(rc.TraceID, rc.RequestID),
		Timestamp: f.now().UTC(),
	}
}

func (f *Formatter) decorate(rc *model.RequestContext, h http.Header, meta Meta) {
	if rc.RequestID != "" {
		h.Set(HeaderRequestID, rc.RequestID)
	}
	if rc.TraceID != "" {
		h.Set(HeaderTraceID, rc.TraceID)
	}

	if d := meta.RateLimit; d != nil && d.Limit > 0 {
		h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
		h.Set(HeaderRateLimitRemaining, strconv.Itoa(max(d.Remaining, 0)))
		h.Set(HeaderRateLimitReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	}

	if r := meta.Route; r != nil && r.Deprecated {
		h.Set(HeaderDeprecation, "true")
		if r.Sunset != "" {
			h.Set(HeaderSunset, r.Sunset)
		}
	}

	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
	if f.hsts != "" {
		h.Set("Strict-Transport-Security", f.hsts)
	}
}

func (f *Formatter) stripInternal(h http.Header) {
	for name := range h {
		canon := http.CanonicalHeaderKey(name)
		if _, ok := f.internal[canon]; ok {
			delete(h, name)
			continue
		}
		if f.internalPrefix != "" && strings.HasPrefix(canon, f.internalPrefix) {
			delete(h, name)
		}
	}
}

package model

import (
	"net/http"
	"net/url"
	"time"
)

// RequestContext carries per-request state through the pipeline. Identity
// and rate limit fields are filled in by the stages that resolve them.
type RequestContext struct {
	RequestID    string
	TraceID      string
	SpanID       string
	ParentSpanID string
	Sampled      bool

	Method     string
	Path       string
	RawQuery   string
	Query      url.Values
	Headers    http.Header
	Body       []byte
	ClientIP   string
	ReceivedAt time.Time

	Consumer      *ConsumerProfile
	ConsumerID    string
	TenantID      string
	Scopes        []string
	RateLimitTier string

	IdempotencyKey string
	IsReplayed     bool
}

// SetIdentity records the authenticated consumer on the context.
func (rc *RequestContext) SetIdentity(consumer *ConsumerProfile, scopes []string) {
	rc.Consumer = consumer
	rc.ConsumerID = consumer.ID
	rc.TenantID = consumer.TenantID
	rc.Scopes = scopes
	rc.RateLimitTier = consumer.RateLimitTier
}

// GatewayResponse is the wire-level response returned to a caller.
type GatewayResponse struct {
	Status    int         `json:"status"`
	Headers   http.Header `json:"headers,omitempty"`
	Body      []byte      `json:"body,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// IsSuccess reports whether the status is 2xx.
func (r *GatewayResponse) IsSuccess() bool {
	return r.Status >= 200 && r.Status < 300
}

// Clone returns a deep copy of r.
func (r *GatewayResponse) Clone() *GatewayResponse {
	c := *r
	c.Headers = r.Headers.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

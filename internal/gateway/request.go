package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vyrodovalexey/avagate/internal/auth"
	"github.com/vyrodovalexey/avagate/internal/idempotency"
	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

// HeaderRequestID carries a caller supplied request id.
const HeaderRequestID = "X-Request-ID"

const maxRequestIDLength = 128

// NewRequestContext builds the pipeline context for r. At most maxBody+1
// bytes of the body are read so the validator can tell an oversized body
// from one exactly at the limit; maxBody <= 0 reads everything.
//
// The returned context carries the inbound W3C trace context, if any.
func NewRequestContext(r *http.Request, clientIP string, maxBody int64, now time.Time) (context.Context, *model.RequestContext, error) {
	body, err := readBody(r.Body, maxBody)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read request body: %w", err)
	}

	rc := &model.RequestContext{
		RequestID:      requestID(r.Header.Get(HeaderRequestID)),
		Method:         r.Method,
		Path:           r.URL.Path,
		RawQuery:       r.URL.RawQuery,
		Query:          r.URL.Query(),
		Headers:        r.Header.Clone(),
		Body:           body,
		ClientIP:       clientIP,
		ReceivedAt:     now,
		IdempotencyKey: r.Header.Get(idempotency.HeaderIdempotencyKey),
	}

	// A certificate presented on this connection wins over a forwarded one.
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		rc.Headers.Set(auth.HeaderCertFingerprint, auth.CertificateFingerprint(r.TLS.PeerCertificates[0]))
	}

	if tp, ok := observability.ExtractTraceParent(r.Header); ok {
		rc.TraceID = tp.TraceID
		rc.ParentSpanID = tp.SpanID
		rc.Sampled = tp.Sampled
	} else {
		rc.TraceID = observability.NewTraceID()
		rc.Sampled = true
	}
	rc.SpanID = observability.NewSpanID()

	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return ctx, rc, nil
}

func readBody(body io.ReadCloser, maxBody int64) ([]byte, error) {
	if body == nil || body == http.NoBody {
		return nil, nil
	}
	defer body.Close()

	var reader io.Reader = body
	if maxBody > 0 {
		reader = io.LimitReader(body, maxBody+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// requestID keeps a sane caller supplied id and generates one otherwise.
func requestID(in string) string {
	if in == "" || len(in) > maxRequestIDLength {
		return uuid.NewString()
	}
	for i := 0; i < len(in); i++ {
		if c := in[i]; c < 0x21 || c > 0x7e {
			return uuid.NewString()
		}
	}
	return in
}

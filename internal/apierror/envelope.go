package apierror

import (
	"encoding/json"
	"math"
)

// Body is the "error" member of the JSON error envelope.
type Body struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	RetryAfter *int           `json:"retry_after,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
}

// Envelope is the wire format of every error response.
type Envelope struct {
	Error Body `json:"error"`
}

// Envelope builds the wire envelope for e.
func (e *GatewayError) Envelope(traceID, requestID string) Envelope {
	body := Body{
		Code:      e.Code,
		Message:   e.Message,
		Details:   e.Details,
		TraceID:   traceID,
		RequestID: requestID,
	}
	if e.RetryAfter > 0 {
		secs := RetryAfterSeconds(e.RetryAfter.Seconds())
		body.RetryAfter = &secs
	}
	return Envelope{Error: body}
}

// Marshal returns the JSON encoding of the envelope for e.
func (e *GatewayError) Marshal(traceID, requestID string) []byte {
	b, err := json.Marshal(e.Envelope(traceID, requestID))
	if err != nil {
		// Details carried a value json cannot encode.
		b, _ = json.Marshal(Envelope{Error: Body{
			Code:      e.Code,
			Message:   e.Message,
			TraceID:   traceID,
			RequestID: requestID,
		}})
	}
	return b
}

// RetryAfterSeconds rounds a retry hint up to whole seconds, never below one.
func RetryAfterSeconds(seconds float64) int {
	s := int(math.Ceil(seconds))
	if s < 1 {
		return 1
	}
	return s
}

package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

// DefaultHTTPPolicyTimeout bounds one call to an external decision endpoint.
const DefaultHTTPPolicyTimeout = 2 * time.Second

const maxDecisionBodySize = 1 << 20

// HTTPOption configures an HTTPEvaluator.
type HTTPOption func(*HTTPEvaluator)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTPEvaluator) {
		h.client = client
	}
}

// WithHTTPTimeout bounds each decision request.
func WithHTTPTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPEvaluator) {
		if d > 0 {
			h.client.Timeout = d
		}
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger observability.Logger) HTTPOption {
	return func(h *HTTPEvaluator) {
		h.logger = logger
	}
}

// WithHTTPHeaders adds headers to every decision request.
func WithHTTPHeaders(headers map[string]string) HTTPOption {
	return func(h *HTTPEvaluator) {
		h.headers = headers
	}
}

// HTTPEvaluator asks an OPA compatible endpoint for a decision. The request
// body is {"input": ...}; the endpoint answers {"result": true|false} or
// {"result": {"allow": true|false}}.
type HTTPEvaluator struct {
	client  *http.Client
	headers map[string]string
	logger  observability.Logger
}

// NewHTTPEvaluator creates an HTTP decision evaluator.
func NewHTTPEvaluator(opts ...HTTPOption) *HTTPEvaluator {
	h := &HTTPEvaluator{
		client: &http.Client{
			Timeout:   DefaultHTTPPolicyTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type decisionResponse struct {
	Result     json.RawMessage `json:"result"`
	DecisionID string          `json:"decision_id,omitempty"`
}

// Evaluate posts input to the policy URL.
func (h *HTTPEvaluator) Evaluate(ctx context.Context, policy *model.PolicyRef, input *Input) (bool, error) {
	if policy.URL == "" {
		return false, fmt.Errorf("policy url is empty")
	}

	body, err := json.Marshal(map[string]any{"input": input.Map()})
	if err != nil {
		return false, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, policy.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDecisionBodySize))
	if err != nil {
		return false, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("decision endpoint returned status %d", resp.StatusCode)
	}

	var dr decisionResponse
	if err := json.Unmarshal(raw, &dr); err != nil {
		return false, fmt.Errorf("failed to decode decision: %w", err)
	}
	// An undefined decision is a deny.
	if len(dr.Result) == 0 || string(dr.Result) == "null" {
		return false, nil
	}

	allowed, err := parseDecision(dr.Result)
	if err != nil {
		return false, err
	}
	h.logger.WithContext(ctx).Debug("external policy decision",
		observability.Bool("allowed", allowed),
		observability.String("decision_id", dr.DecisionID),
	)
	return allowed, nil
}

func parseDecision(result json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(result, &b); err == nil {
		return b, nil
	}
	var obj struct {
		Allow *bool `json:"allow"`
	}
	if err := json.Unmarshal(result, &obj); err != nil || obj.Allow == nil {
		return false, fmt.Errorf("unexpected decision result %s", string(result))
	}
	return *obj.Allow, nil
}

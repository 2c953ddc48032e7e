package async

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/retry"
)

// DefaultDeadLetterKey is the list that holds operation ids whose delivery
// was exhausted.
const DefaultDeadLetterKey = "webhook:dead_letter"

// backoffMultiplier spaces retries at base, 10*base, 100*base, ...
const backoffMultiplier = 10

// DeadLetterQueue receives operation ids whose delivery failed for good.
type DeadLetterQueue interface {
	PushList(ctx context.Context, key string, value []byte) error
}

// Delivery is the outcome of one webhook notification.
type Delivery struct {
	Status   model.DeliveryStatus
	Attempts int
	Err      error
}

// DeliveryHook observes delivery outcomes.
type DeliveryHook func(ctx context.Context, op *model.AsyncOperation, d Delivery)

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger observability.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherClient replaces the SSRF-safe HTTP client.
func WithDispatcherClient(client *http.Client) DispatcherOption {
	return func(d *Dispatcher) {
		d.client = client
	}
}

// WithValidator replaces the URL check run before every delivery.
func WithValidator(fn func(ctx context.Context, rawURL string) error) DispatcherOption {
	return func(d *Dispatcher) {
		d.validate = fn
	}
}

// WithDeliveryHook registers a callback for delivery outcomes.
func WithDeliveryHook(hook DeliveryHook) DispatcherOption {
	return func(d *Dispatcher) {
		d.onDelivery = hook
	}
}

// WithDispatcherClock overrides the time source used for signing.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// Dispatcher delivers signed operation results to consumer webhooks.
type Dispatcher struct {
	client        *http.Client
	validate      func(ctx context.Context, rawURL string) error
	limiter       *rate.Limiter
	deadLetters   DeadLetterQueue
	deadLetterKey string
	maxRetries    int
	baseDelay     time.Duration
	logger        observability.Logger
	onDelivery    DeliveryHook
	now           func() time.Time
}

// NewDispatcher creates a Dispatcher. Exhausted deliveries are pushed to dlq.
func NewDispatcher(cfg config.WebhookDeliveryConfig, dlq DeadLetterQueue, opts ...DispatcherOption) *Dispatcher {
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.DeliveriesPerSecond > 0 {
		limit = rate.Limit(cfg.DeliveriesPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	d := &Dispatcher{
		client:        newSafeClient(timeout),
		validate:      NewURLValidator(nil).Validate,
		limiter:       rate.NewLimiter(limit, burst),
		deadLetters:   dlq,
		deadLetterKey: cfg.DeadLetterKey,
		maxRetries:    cfg.MaxRetries,
		baseDelay:     cfg.BaseDelay.Duration(),
		logger:        observability.NopLogger(),
		now:           time.Now,
	}
	if d.deadLetterKey == "" {
		d.deadLetterKey = DefaultDeadLetterKey
	}
	if d.baseDelay <= 0 {
		d.baseDelay = time.Second
	}

	for _, opt := range opts {
		opt(d)
	}
	return d
}

func newSafeClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           SafeDialer(timeout).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(transport),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// DeadLetterKey returns the list key used for exhausted deliveries.
func (d *Dispatcher) DeadLetterKey() string {
	return d.deadLetterKey
}

// Deliver posts op to hook. It never returns an error to the caller; the
// outcome is reported in the returned Delivery and recorded on op.
func (d *Dispatcher) Deliver(ctx context.Context, op *model.AsyncOperation, hook *model.WebhookConfig) Delivery {
	logger := d.logger.WithContext(ctx).With(
		observability.String("operation_id", op.ID),
		observability.String("consumer_id", op.ConsumerID),
	)

	if err := d.validate(ctx, hook.URL); err != nil {
		logger.Warn("webhook url rejected", observability.Error(err))
		return d.finish(ctx, op, Delivery{Status: model.DeliveryFailed, Err: err})
	}

	body, err := CanonicalJSON(NewPayload(op))
	if err != nil {
		return d.finish(ctx, op, Delivery{Status: model.DeliveryFailed, Err: err})
	}

	policy := retry.Policy{
		MaxRetries:     d.maxRetries,
		InitialBackoff: d.baseDelay,
		MaxBackoff:     time.Hour,
		Multiplier:     backoffMultiplier,
	}
	if hook.MaxRetries > 0 {
		policy.MaxRetries = hook.MaxRetries
	}
	if hook.BaseDelay > 0 {
		policy.InitialBackoff = hook.BaseDelay
	}

	attempts := 0
	err = retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		attempts++
		if err := d.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		return d.post(ctx, op.ID, hook, body)
	}, func(attempt int, err error, backoff time.Duration) {
		logger.Warn("webhook delivery failed, will retry",
			observability.Int("attempt", attempt),
			observability.Duration("backoff", backoff),
			observability.Error(err),
		)
	})

	if err == nil {
		logger.Info("webhook delivered", observability.Int("attempts", attempts))
		return d.finish(ctx, op, Delivery{Status: model.DeliveryDelivered, Attempts: attempts})
	}

	if gerr := apierror.From(err); gerr != nil && gerr.Code == apierror.CodeInvalidWebhookURL {
		logger.Warn("webhook address rejected at connect", observability.Error(err))
		return d.finish(ctx, op, Delivery{Status: model.DeliveryFailed, Attempts: attempts, Err: err})
	}

	logger.Error("webhook delivery exhausted",
		observability.Int("attempts", attempts),
		observability.Error(err),
	)
	if pushErr := d.deadLetters.PushList(ctx, d.deadLetterKey, []byte(op.ID)); pushErr != nil {
		logger.Error("failed to enqueue dead letter", observability.Error(pushErr))
	}
	return d.finish(ctx, op, Delivery{Status: model.DeliveryDeadLetter, Attempts: attempts, Err: err})
}

func (d *Dispatcher) finish(ctx context.Context, op *model.AsyncOperation, res Delivery) Delivery {
	op.DeliveryStatus = res.Status
	op.DeliveryAttempts += res.Attempts
	op.LastDeliveryError = ""
	if res.Err != nil {
		op.LastDeliveryError = res.Err.Error()
	}
	if d.onDelivery != nil {
		d.onDelivery(ctx, op, res)
	}
	return res
}

// statusError is a non-2xx webhook answer.
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.status)
}

func (d *Dispatcher) post(ctx context.Context, operationID string, hook *model.WebhookConfig, body []byte) error {
	ts := d.now().Unix()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "avagate-webhook/1")
	req.Header.Set(HeaderOperationID, operationID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, Sign(hook.Secret, ts, body))

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrDisallowedAddress) {
			return retry.Permanent(apierror.Wrap(apierror.CodeInvalidWebhookURL, "webhook address rejected", err))
		}
		return apierror.Wrap(apierror.CodeWebhookFailed, "webhook request failed", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return apierror.Wrap(apierror.CodeWebhookFailed, "webhook rejected delivery", &statusError{status: resp.StatusCode})
}

package async

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/cache"
	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

// DefaultOperationTTL is how long an operation record is retained.
const DefaultOperationTTL = 30 * 24 * time.Hour

// DefaultPollPathPrefix is where operations are polled.
const DefaultPollPathPrefix = "/v1/operations"

// RunFunc performs the deferred work of an operation.
type RunFunc func(ctx context.Context) (*model.GatewayResponse, error)

// ConsumerSource loads consumer profiles for dead-letter replay.
type ConsumerSource interface {
	GetConsumer(ctx context.Context, id string) (*model.ConsumerProfile, error)
}

// SecretResolver turns a webhook secret reference into its value.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
		h.store.now = now
	}
}

// WithSecretResolver resolves webhook secrets before signing.
func WithSecretResolver(r SecretResolver) Option {
	return func(h *Handler) {
		h.secrets = r
	}
}

// WithConsumers sets the source used to find webhook configs on replay.
func WithConsumers(c ConsumerSource) Option {
	return func(h *Handler) {
		h.consumers = c
	}
}

// Handler accepts async requests, runs them in the background and serves
// their status.
type Handler struct {
	store      *Store
	dispatcher *Dispatcher
	dlq        DeadLetterSource
	consumers  ConsumerSource
	secrets    SecretResolver
	ttl        time.Duration
	pollPrefix string
	logger     observability.Logger
	now        func() time.Time

	wg sync.WaitGroup
}

// DeadLetterSource is the list the dispatcher parks failures on.
type DeadLetterSource interface {
	DeadLetterQueue
	PopList(ctx context.Context, key string) ([]byte, error)
	ListLen(ctx context.Context, key string) (int64, error)
}

// NewHandler creates a Handler. dlq is normally the same cache that backs
// store.
func NewHandler(store *Store, dispatcher *Dispatcher, dlq DeadLetterSource, cfg config.AsyncConfig, opts ...Option) *Handler {
	h := &Handler{
		store:      store,
		dispatcher: dispatcher,
		dlq:        dlq,
		ttl:        cfg.OperationTTL.Duration(),
		pollPrefix: strings.TrimSuffix(cfg.PollPathPrefix, "/"),
		logger:     observability.NopLogger(),
		now:        time.Now,
	}
	if h.ttl <= 0 {
		h.ttl = DefaultOperationTTL
	}
	if h.pollPrefix == "" {
		h.pollPrefix = DefaultPollPathPrefix
	}

	for _, opt := range opts {
		opt(h)
	}
	return h
}

// PollURL returns the path at which operation id can be polled.
func (h *Handler) PollURL(id string) string {
	return h.pollPrefix + "/" + id
}

// MatchPoll reports whether path addresses an operation and returns its id.
func (h *Handler) MatchPoll(method, path string) (string, bool) {
	if method != http.MethodGet {
		return "", false
	}
	rest, ok := strings.CutPrefix(path, h.pollPrefix+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

type acceptedBody struct {
	OperationID string                `json:"operation_id"`
	Status      model.OperationStatus `json:"status"`
	PollURL     string                `json:"poll_url"`
	CreatedAt   time.Time             `json:"created_at"`
	ExpiresAt   time.Time             `json:"expires_at"`
}

// Accept records a queued operation for rc, starts run in the background and
// returns the 202 response.
func (h *Handler) Accept(ctx context.Context, rc *model.RequestContext, routeID string, run RunFunc) (*model.GatewayResponse, error) {
	now := h.now().UTC()
	op := &model.AsyncOperation{
		ID:         uuid.NewString(),
		ConsumerID: rc.ConsumerID,
		TenantID:   rc.TenantID,
		RouteID:    routeID,
		Status:     model.OperationQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(h.ttl),
	}
	var hook *model.WebhookConfig
	if rc.Consumer != nil && rc.Consumer.Webhook != nil && rc.Consumer.Webhook.URL != "" {
		hook = rc.Consumer.Webhook
		op.WebhookURL = hook.URL
		op.DeliveryStatus = model.DeliveryPending
	}

	if err := h.store.Save(ctx, op); err != nil {
		return nil, apierror.Wrap(apierror.CodeServiceUnavailable, "operation store unavailable", err)
	}

	body, err := json.Marshal(acceptedBody{
		OperationID: op.ID,
		Status:      op.Status,
		PollURL:     h.PollURL(op.ID),
		CreatedAt:   op.CreatedAt,
		ExpiresAt:   op.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal accepted body: %w", err)
	}

	h.logger.WithContext(ctx).Info("operation accepted",
		observability.String("operation_id", op.ID),
		observability.String("route_id", routeID),
	)

	bg := context.WithoutCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.execute(bg, op.ID, hook, run)
	}()

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Location", h.PollURL(op.ID))
	return &model.GatewayResponse{
		Status:    http.StatusAccepted,
		Headers:   headers,
		Body:      body,
		Timestamp: now,
	}, nil
}

func (h *Handler) execute(ctx context.Context, id string, hook *model.WebhookConfig, run RunFunc) {
	logger := h.logger.WithContext(ctx).With(observability.String("operation_id", id))

	if _, err := h.store.Update(ctx, id, func(op *model.AsyncOperation) {
		op.Status = model.OperationRunning
	}); err != nil {
		logger.Error("failed to mark operation running", observability.Error(err))
	}

	resp, runErr := run(ctx)

	op, err := h.store.Update(ctx, id, func(op *model.AsyncOperation) {
		complete(op, resp, runErr, h.now().UTC())
	})
	if err != nil {
		logger.Error("failed to record operation outcome", observability.Error(err))
		return
	}
	logger.Info("operation finished", observability.String("status", string(op.Status)))

	if hook != nil {
		h.notify(ctx, op, hook)
	}
}

func complete(op *model.AsyncOperation, resp *model.GatewayResponse, runErr error, now time.Time) {
	op.CompletedAt = &now
	op.Progress = 100

	if runErr != nil {
		gerr := apierror.From(runErr)
		op.Status = model.OperationFailed
		op.Error = &model.OperationError{Code: string(gerr.Code), Message: gerr.Message}
		return
	}

	if resp == nil {
		op.Status = model.OperationFailed
		op.Error = &model.OperationError{Code: string(apierror.CodeInternal), Message: "no response"}
		return
	}
	op.Result = resultJSON(resp.Body)
	if resp.Status >= http.StatusBadRequest {
		op.Status = model.OperationFailed
		op.Error = &model.OperationError{
			Code:    string(apierror.CodeBackendError),
			Message: fmt.Sprintf("backend returned status %d", resp.Status),
		}
		return
	}
	op.Status = model.OperationCompleted
}

func resultJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return append(json.RawMessage(nil), body...)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

func (h *Handler) notify(ctx context.Context, op *model.AsyncOperation, hook *model.WebhookConfig) {
	resolved := *hook
	if h.secrets != nil && hook.Secret != "" {
		secret, err := h.secrets.Resolve(ctx, hook.Secret)
		if err != nil {
			h.logger.WithContext(ctx).Error("failed to resolve webhook secret",
				observability.String("operation_id", op.ID),
				observability.Error(err),
			)
			h.dispatcher.finish(ctx, op, Delivery{Status: model.DeliveryFailed, Err: err})
			h.saveDelivery(ctx, op)
			return
		}
		resolved.Secret = secret
	}

	h.dispatcher.Deliver(ctx, op, &resolved)
	h.saveDelivery(ctx, op)
}

func (h *Handler) saveDelivery(ctx context.Context, delivered *model.AsyncOperation) {
	_, err := h.store.Update(ctx, delivered.ID, func(op *model.AsyncOperation) {
		op.DeliveryStatus = delivered.DeliveryStatus
		op.DeliveryAttempts = delivered.DeliveryAttempts
		op.LastDeliveryError = delivered.LastDeliveryError
	})
	if err != nil {
		h.logger.WithContext(ctx).Error("failed to record delivery status",
			observability.String("operation_id", delivered.ID),
			observability.Error(err),
		)
	}
}

// Poll returns the current state of operation id to its owner.
func (h *Handler) Poll(ctx context.Context, rc *model.RequestContext, id string) (*model.GatewayResponse, error) {
	op, err := h.store.Get(ctx, id)
	if errors.Is(err, ErrOperationNotFound) {
		return nil, apierror.New(apierror.CodeOperationNotFound, "operation not found").
			WithDetail("operation_id", id)
	}
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeServiceUnavailable, "operation store unavailable", err)
	}
	if op.ConsumerID != rc.ConsumerID {
		return nil, apierror.New(apierror.CodeOperationForbidden, "operation belongs to another consumer")
	}
	now := h.now()
	if op.Expired(now) {
		return nil, apierror.New(apierror.CodeOperationExpired, "operation expired").
			WithDetail("operation_id", id)
	}

	body, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("marshal operation: %w", err)
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	return &model.GatewayResponse{
		Status:    http.StatusOK,
		Headers:   headers,
		Body:      body,
		Timestamp: now.UTC(),
	}, nil
}

// ReplayResult summarizes a dead-letter replay.
type ReplayResult struct {
	Processed int
	Delivered int
	Requeued  int
	Dropped   int
}

// ReplayDeadLetters re-attempts up to limit parked deliveries. A limit of zero
// replays everything currently parked. Deliveries that fail again are parked
// again by the dispatcher.
func (h *Handler) ReplayDeadLetters(ctx context.Context, limit int) (ReplayResult, error) {
	var res ReplayResult
	key := h.dispatcher.DeadLetterKey()

	n, err := h.dlq.ListLen(ctx, key)
	if err != nil {
		return res, fmt.Errorf("dead letter length: %w", err)
	}
	if limit > 0 && int64(limit) < n {
		n = int64(limit)
	}

	for i := int64(0); i < n; i++ {
		raw, err := h.dlq.PopList(ctx, key)
		if err != nil {
			if errors.Is(err, cache.ErrCacheMiss) {
				break
			}
			return res, fmt.Errorf("dead letter pop: %w", err)
		}
		res.Processed++
		id := string(raw)
		logger := h.logger.WithContext(ctx).With(observability.String("operation_id", id))

		op, err := h.store.Get(ctx, id)
		if err != nil {
			logger.Warn("dropping dead letter without operation", observability.Error(err))
			res.Dropped++
			continue
		}
		hook, err := h.webhookFor(ctx, op)
		if err != nil {
			logger.Warn("dropping dead letter without webhook", observability.Error(err))
			res.Dropped++
			continue
		}

		h.notify(ctx, op, hook)
		switch op.DeliveryStatus {
		case model.DeliveryDelivered:
			res.Delivered++
		case model.DeliveryDeadLetter:
			res.Requeued++
		default:
			res.Dropped++
		}
	}
	return res, nil
}

func (h *Handler) webhookFor(ctx context.Context, op *model.AsyncOperation) (*model.WebhookConfig, error) {
	if h.consumers == nil {
		return nil, errors.New("no consumer source configured")
	}
	consumer, err := h.consumers.GetConsumer(ctx, op.ConsumerID)
	if err != nil {
		return nil, err
	}
	if consumer.Webhook == nil || consumer.Webhook.URL == "" {
		return nil, errors.New("consumer has no webhook")
	}
	return consumer.Webhook, nil
}

// Wait blocks until every background operation has finished or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/registry"
)

// DefaultNATSSubject is used when no subject is configured.
const DefaultNATSSubject = "gateway.events"

// LogSink writes events to the structured log.
type LogSink struct {
	logger observability.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger observability.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Emit implements Sink.
func (s *LogSink) Emit(_ context.Context, e *Event) error {
	fields := []observability.Field{
		observability.String("event_id", e.ID),
		observability.String("event_type", e.Type),
	}
	if e.RequestID != "" {
		fields = append(fields, observability.String("request_id", e.RequestID))
	}
	if e.TraceID != "" {
		fields = append(fields, observability.String("trace_id", e.TraceID))
	}
	if e.ConsumerID != "" {
		fields = append(fields, observability.String("consumer_id", e.ConsumerID))
	}
	if e.RouteID != "" {
		fields = append(fields, observability.String("route_id", e.RouteID))
	}
	if e.Method != "" {
		fields = append(fields,
			observability.String("method", e.Method),
			observability.String("path", e.Path),
		)
	}
	if e.Status != 0 {
		fields = append(fields, observability.Int("status", e.Status))
	}
	if e.DurationMs > 0 {
		fields = append(fields, observability.Float64("duration_ms", e.DurationMs))
	}
	if e.ErrorCode != "" {
		fields = append(fields, observability.String("error_code", e.ErrorCode))
	}
	if len(e.Details) > 0 {
		fields = append(fields, observability.Any("details", e.Details))
	}

	if e.Status >= 500 {
		s.logger.Warn("gateway event", fields...)
	} else {
		s.logger.Info("gateway event", fields...)
	}
	return nil
}

// EventPersister is the part of the registry the RegistrySink needs.
type EventPersister interface {
	PersistEvent(ctx context.Context, rec registry.EventRecord) error
}

// RegistrySink persists events as audit records.
type RegistrySink struct {
	store EventPersister
}

// NewRegistrySink creates a RegistrySink.
func NewRegistrySink(store EventPersister) *RegistrySink {
	return &RegistrySink{store: store}
}

// Name implements Sink.
func (s *RegistrySink) Name() string { return "registry" }

// Emit implements Sink.
func (s *RegistrySink) Emit(ctx context.Context, e *Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return s.store.PersistEvent(ctx, registry.EventRecord{
		ID:         e.ID,
		Type:       e.Type,
		OccurredAt: e.OccurredAt,
		Payload:    payload,
	})
}

// MessagePublisher publishes raw messages. *nats.Conn satisfies it.
type MessagePublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events as JSON messages.
type NATSSink struct {
	pub     MessagePublisher
	subject string
}

// NewNATSSink creates a NATSSink. Each event is published to
// "{subject}.{event type}".
func NewNATSSink(pub MessagePublisher, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATSSink{pub: pub, subject: subject}
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Emit implements Sink.
func (s *NATSSink) Emit(_ context.Context, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := s.pub.Publish(s.subject+"."+e.Type, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// ConnectNATS opens a NATS connection for the event sink. The connection
// keeps reconnecting in the background; callers should Drain it on
// shutdown.
func ConnectNATS(url, clientName string, logger observability.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DrainTimeout(10 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", observability.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", observability.String("url", c.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return conn, nil
}

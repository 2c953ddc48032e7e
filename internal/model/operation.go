package model

import (
	"encoding/json"
	"time"
)

// OperationStatus is the lifecycle state of an async operation.
type OperationStatus string

// Operation statuses. completed, failed and expired are terminal.
const (
	OperationQueued    OperationStatus = "queued"
	OperationRunning   OperationStatus = "running"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
	OperationExpired   OperationStatus = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s OperationStatus) Terminal() bool {
	return s == OperationCompleted || s == OperationFailed || s == OperationExpired
}

// DeliveryStatus tracks the webhook notification of an operation.
type DeliveryStatus string

// Webhook delivery statuses.
const (
	DeliveryNone       DeliveryStatus = ""
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// WebhookConfig describes where and how operation results are pushed.
type WebhookConfig struct {
	URL        string
	Secret     string
	MaxRetries int
	BaseDelay  time.Duration
}

// OperationError is the failure recorded on a failed operation.
type OperationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsyncOperation is a long-running request accepted with 202.
type AsyncOperation struct {
	ID         string          `json:"operation_id"`
	ConsumerID string          `json:"consumer_id"`
	TenantID   string          `json:"tenant_id,omitempty"`
	RouteID    string          `json:"route_id,omitempty"`
	Status     OperationStatus `json:"status"`
	Progress   int             `json:"progress"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *OperationError `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`

	WebhookURL        string         `json:"webhook_url,omitempty"`
	DeliveryStatus    DeliveryStatus `json:"delivery_status,omitempty"`
	DeliveryAttempts  int            `json:"delivery_attempts,omitempty"`
	LastDeliveryError string         `json:"last_delivery_error,omitempty"`
}

// Expired reports whether the operation has outlived its retention at now.
func (o *AsyncOperation) Expired(now time.Time) bool {
	return o.Status == OperationExpired || !now.Before(o.ExpiresAt)
}

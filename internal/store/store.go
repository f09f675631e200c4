package store

import (
	"context"
	"errors"
	"time"

	"feedbackhub/internal/model"
)

// DeliveryStore persists the outbound delivery queue.
type DeliveryStore interface {
	// EnqueueDelivery inserts a pending delivery. A second delivery for the same
	// (webhook, event) pair returns ErrDuplicate.
	EnqueueDelivery(ctx context.Context, d model.Delivery) (string, error)
	// ClaimDueDeliveries atomically moves up to limit due deliveries to processing
	// and holds them for lease. Claims whose lease expired are due again.
	ClaimDueDeliveries(ctx context.Context, limit int, lease time.Duration) ([]model.Delivery, error)
	// UpdateDeliveryStatus records the outcome of an attempt. Terminal deliveries
	// return ErrTerminal.
	UpdateDeliveryStatus(ctx context.Context, id string, upd model.DeliveryUpdate) error
	GetDelivery(ctx context.Context, id string) (model.Delivery, error)
	ListDeliveries(ctx context.Context, f DeliveryFilter) ([]model.Delivery, string, error)
	// RetryDelivery enqueues a fresh copy of a failed delivery.
	RetryDelivery(ctx context.Context, id string) (model.Delivery, error)
	CountPending(ctx context.Context) (int, error)
}

// DeliveryFilter narrows ListDeliveries. Cursor is the last id of the previous page.
type DeliveryFilter struct {
	ProjectID string
	WebhookID string
	Status    string
	Cursor    string
	Limit     int
}

// WebhookStore persists webhook registrations.
type WebhookStore interface {
	CreateWebhook(ctx context.Context, w model.Webhook) (model.Webhook, error)
	GetWebhook(ctx context.Context, projectID, id string) (model.Webhook, error)
	ListWebhooks(ctx context.Context, projectID string) ([]model.Webhook, error)
	// ListWebhooksForEvent returns active webhooks of the project subscribed to eventType.
	ListWebhooksForEvent(ctx context.Context, projectID, eventType string) ([]model.Webhook, error)
	UpdateWebhookSecret(ctx context.Context, projectID, id, secret string) error
}

// ProjectStore holds project billing state.
type ProjectStore interface {
	CreateProject(ctx context.Context, p model.Project) (model.Project, error)
	GetProject(ctx context.Context, id string) (model.Project, error)
	FindByProviderCustomerID(ctx context.Context, customerID string) (model.Project, error)
	// UpdatePlan writes the billing state of one project in a single statement.
	UpdatePlan(ctx context.Context, projectID string, upd model.PlanUpdate) (model.Project, error)
	// SwapPlan writes upd only while the billing state of the project still
	// equals expect. It returns ErrConflict when the state has moved on.
	SwapPlan(ctx context.Context, projectID string, expect, upd model.PlanUpdate) (model.Project, error)
	// ListScheduledDowngrades returns canceled paid projects whose period ended at or before now.
	ListScheduledDowngrades(ctx context.Context, now time.Time) ([]model.Project, error)
}

// EventLedger records provider events that have been claimed or applied.
type EventLedger interface {
	GetProcessedEvent(ctx context.Context, eventID string) (model.ProcessedEvent, error)
	// ClaimEvent inserts a processing row for e.EventID. When the id already has a
	// row it returns that row and false. A processing row older than stale is
	// taken over; stale <= 0 never takes over.
	ClaimEvent(ctx context.Context, e model.ProcessedEvent, stale time.Duration) (model.ProcessedEvent, bool, error)
	// CompleteEvent stores the outcome of a claimed event.
	CompleteEvent(ctx context.Context, e model.ProcessedEvent) error
	// ReleaseEvent drops an unfinished claim so the event can be processed again.
	ReleaseEvent(ctx context.Context, eventID string) error
}

// Store is everything the server needs from persistence.
type Store interface {
	DeliveryStore
	WebhookStore
	ProjectStore
	EventLedger
	Ping(ctx context.Context) error
	Close() error
}

var (
	ErrNotFound  = errors.New("not found")
	ErrTerminal  = errors.New("delivery is in a terminal state")
	ErrDuplicate = errors.New("duplicate")
	ErrConflict  = errors.New("concurrent update")

	// ErrNotRetryable is returned when retrying a delivery that has not failed.
	ErrNotRetryable = errors.New("only failed deliveries can be retried")
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return defaultListLimit
	}
	return limit
}

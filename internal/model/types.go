package model

import (
	"encoding/json"
	"time"
)

// Delivery statuses. Delivered and failed are terminal.
const (
	DeliveryPending    = "pending"
	DeliveryProcessing = "processing"
	DeliveryRetrying   = "retrying"
	DeliveryDelivered  = "delivered"
	DeliveryFailed     = "failed"
)

// IsTerminalStatus reports whether a delivery in status s can no longer change.
func IsTerminalStatus(s string) bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// Payload formats a webhook can select.
const (
	FormatGeneric = "generic"
	FormatSlack   = "slack"
	FormatDiscord = "discord"
)

// Domain event tags that webhooks subscribe to.
const (
	EventFeedbackCreated  = "feedback.created"
	EventFeedbackUpdated  = "feedback.updated"
	EventFeedbackResolved = "feedback.resolved"
	EventWebhookTest      = "webhook.test"
)

// KnownEventTypes lists every tag a webhook may subscribe to.
var KnownEventTypes = []string{EventFeedbackCreated, EventFeedbackUpdated, EventFeedbackResolved, EventWebhookTest}

// Webhook is a project-owned delivery target. Secret is never serialized.
type Webhook struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	URL        string    `json:"url"`
	Secret     string    `json:"-"`
	Events     []string  `json:"events"`
	Format     string    `json:"format"`
	MaxRetries int       `json:"maxRetries"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Subscribes reports whether the webhook listens to eventType.
func (w Webhook) Subscribes(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Delivery is one queued obligation to notify a webhook about one event.
// URL and Secret are joined from the target webhook when claimed.
type Delivery struct {
	ID             string          `json:"id"`
	WebhookID      string          `json:"webhookId"`
	ProjectID      string          `json:"projectId"`
	EventType      string          `json:"eventType"`
	EventID        string          `json:"eventId"`
	Format         string          `json:"format"`
	Payload        json.RawMessage `json:"payload"`
	Signature      string          `json:"signature,omitempty"`
	Status         string          `json:"status"`
	AttemptCount   int             `json:"attemptCount"`
	MaxAttempts    int             `json:"maxAttempts"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt"`
	LastHTTPStatus int             `json:"lastHttpStatus,omitempty"`
	LastResponse   string          `json:"lastResponse,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	LastDurationMs int64           `json:"lastDurationMs,omitempty"`
	RetryOf        string          `json:"retryOf,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`

	URL    string `json:"url,omitempty"`
	Secret string `json:"-"`
}

// DeliveryUpdate carries the outcome of one attempt to the store.
type DeliveryUpdate struct {
	Status         string
	AttemptCount   int
	NextAttemptAt  time.Time
	HTTPStatusCode int
	ResponseBody   string
	ErrorMessage   string
	DurationMs     int64
	Signature      string
}

// Plans and subscription statuses of a project.
const (
	PlanFree = "free"
	PlanPro  = "pro"

	SubscriptionInactive = "inactive"
	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
	SubscriptionTrialing = "trialing"
)

// Project is the tenant record whose billing state inbound events mutate.
type Project struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Plan             string     `json:"plan"`
	CustomerID       string     `json:"customerId,omitempty"`
	SubscriptionID   string     `json:"subscriptionId,omitempty"`
	Status           string     `json:"status"`
	PeriodEnd        *time.Time `json:"periodEnd,omitempty"`
	LastPaymentError string     `json:"lastPaymentError,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// PlanUpdate is the full billing state written for a project in one statement.
type PlanUpdate struct {
	Plan             string
	Status           string
	PeriodEnd        *time.Time
	SubscriptionID   string
	LastPaymentError string
}

// PlanState returns the billing fields of p as the update that would rewrite them unchanged.
func (p Project) PlanState() PlanUpdate {
	return PlanUpdate{
		Plan:             p.Plan,
		Status:           p.Status,
		PeriodEnd:        p.PeriodEnd,
		SubscriptionID:   p.SubscriptionID,
		LastPaymentError: p.LastPaymentError,
	}
}

// EventProcessing is the ledger action of an event that has been claimed but not yet applied.
const EventProcessing = "processing"

// ProcessedEvent is the idempotency ledger row for one provider event.
type ProcessedEvent struct {
	EventID     string    `json:"eventId"`
	ProjectID   string    `json:"projectId,omitempty"`
	EventType   string    `json:"eventType"`
	Action      string    `json:"action"`
	ProcessedAt time.Time `json:"processedAt"`
}

package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
)

// EventKind is the closed set of provider events the router acts on.
type EventKind int

const (
	Unhandled EventKind = iota
	PaymentSucceeded
	PaymentFailed
	SubscriptionDeleted
	SubscriptionUpdated
)

func (k EventKind) String() string {
	switch k {
	case PaymentSucceeded:
		return "payment_succeeded"
	case PaymentFailed:
		return "payment_failed"
	case SubscriptionDeleted:
		return "subscription_deleted"
	case SubscriptionUpdated:
		return "subscription_updated"
	default:
		return "unhandled"
	}
}

func kindOf(t stripe.EventType) EventKind {
	switch t {
	case stripe.EventTypePaymentIntentSucceeded:
		return PaymentSucceeded
	case stripe.EventTypePaymentIntentPaymentFailed:
		return PaymentFailed
	case stripe.EventTypeCustomerSubscriptionDeleted:
		return SubscriptionDeleted
	case stripe.EventTypeCustomerSubscriptionUpdated:
		return SubscriptionUpdated
	default:
		return Unhandled
	}
}

// Event is a verified provider event. Exactly one of Payment and Subscription
// is set for handled kinds; both are nil for Unhandled.
type Event struct {
	ID      string
	Type    string
	Kind    EventKind
	Created time.Time

	Payment      *Payment
	Subscription *Subscription
}

type Payment struct {
	ID             string
	CustomerID     string
	FailureMessage string
}

type Subscription struct {
	ID                string
	CustomerID        string
	Status            stripe.SubscriptionStatus
	CancelAtPeriodEnd bool
	PeriodEnd         *time.Time
}

// periodShape reads current_period_end from the subscription itself or from
// its first item, whichever the API version populated.
type periodShape struct {
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (p periodShape) end() *time.Time {
	ts := p.CurrentPeriodEnd
	if ts == 0 && len(p.Items.Data) > 0 {
		ts = p.Items.Data[0].CurrentPeriodEnd
	}
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

// Parse decodes a provider envelope {id, type, data: {object}, created}.
// Call it only on a body that already passed verification.
func Parse(body []byte) (Event, error) {
	var raw stripe.Event
	if err := json.Unmarshal(body, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if raw.ID == "" || raw.Type == "" {
		return Event{}, fmt.Errorf("%w: id and type are required", ErrInvalidPayload)
	}
	evt := Event{
		ID:   raw.ID,
		Type: string(raw.Type),
		Kind: kindOf(raw.Type),
	}
	if raw.Created > 0 {
		evt.Created = time.Unix(raw.Created, 0).UTC()
	}
	if evt.Kind == Unhandled {
		return evt, nil
	}
	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return Event{}, fmt.Errorf("%w: %s has no data.object", ErrInvalidPayload, raw.Type)
	}

	switch evt.Kind {
	case PaymentSucceeded, PaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw.Data.Raw, &pi); err != nil {
			return Event{}, fmt.Errorf("%w: payment intent: %v", ErrInvalidPayload, err)
		}
		p := &Payment{ID: pi.ID}
		if pi.Customer != nil {
			p.CustomerID = pi.Customer.ID
		}
		if pi.LastPaymentError != nil {
			p.FailureMessage = pi.LastPaymentError.Msg
		}
		evt.Payment = p
	case SubscriptionDeleted, SubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw.Data.Raw, &sub); err != nil {
			return Event{}, fmt.Errorf("%w: subscription: %v", ErrInvalidPayload, err)
		}
		var period periodShape
		if err := json.Unmarshal(raw.Data.Raw, &period); err != nil {
			return Event{}, fmt.Errorf("%w: subscription period: %v", ErrInvalidPayload, err)
		}
		s := &Subscription{
			ID:                sub.ID,
			Status:            sub.Status,
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
			PeriodEnd:         period.end(),
		}
		if sub.Customer != nil {
			s.CustomerID = sub.Customer.ID
		}
		evt.Subscription = s
	}
	return evt, nil
}

// customerID returns the customer the event is about, if any.
func (e Event) customerID() string {
	switch {
	case e.Payment != nil:
		return e.Payment.CustomerID
	case e.Subscription != nil:
		return e.Subscription.CustomerID
	}
	return ""
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v83"

	"feedbackhub/internal/model"
	"feedbackhub/internal/store"
)

// Action tags reported for a processed event.
const (
	ActionActivated          = "activated"
	ActionMarkedPastDue      = "marked_past_due"
	ActionDowngraded         = "downgraded"
	ActionDowngradeScheduled = "downgrade_scheduled"
	ActionIgnored            = "ignored"
	ActionUnhandled          = "unhandled"
)

// DefaultPeriod is how long a successful payment extends a paid plan.
const DefaultPeriod = 30 * 24 * time.Hour

// Result describes what processing an event did.
type Result struct {
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	Action    string `json:"action"`
	ProjectID string `json:"projectId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Notifier tells a project owner about billing problems.
type Notifier interface {
	PaymentFailed(ctx context.Context, p model.Project, reason string) error
}

// LogNotifier records notifications in the service log.
type LogNotifier struct{}

func (LogNotifier) PaymentFailed(ctx context.Context, p model.Project, reason string) error {
	log.Warn().Str("project_id", p.ID).Str("customer_id", p.CustomerID).Str("reason", reason).Msg("payment failed notification")
	return nil
}

// Router maps verified events to project plan transitions.
type Router struct {
	Projects store.ProjectStore
	Notifier Notifier
	Period   time.Duration
	Now      func() time.Time
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Router) period() time.Duration {
	if r.Period > 0 {
		return r.Period
	}
	return DefaultPeriod
}

// maxSwapAttempts bounds how often Route re-reads a project whose billing
// state changed between the read and the write.
const maxSwapAttempts = 3

// Route applies evt to the project of its customer. Writing the same target
// state twice leaves the project unchanged. The write only lands on the state
// it was derived from, so a concurrent sweep or event is never overwritten.
func (r *Router) Route(ctx context.Context, evt Event) (Result, error) {
	res := Result{EventID: evt.ID, EventType: evt.Type}
	if evt.Kind == Unhandled {
		res.Action = ActionUnhandled
		return res, nil
	}
	for attempt := 1; ; attempt++ {
		p, err := r.resolve(ctx, evt)
		if err != nil {
			return res, err
		}
		res.ProjectID = p.ID

		var upd model.PlanUpdate
		res.Action, upd = r.plan(p, evt)
		if res.Action == ActionIgnored {
			return res, nil
		}
		updated, err := r.Projects.SwapPlan(ctx, p.ID, p.PlanState(), upd)
		if errors.Is(err, store.ErrConflict) && attempt < maxSwapAttempts {
			log.Debug().Str("project_id", p.ID).Str("event_id", evt.ID).Int("attempt", attempt).Msg("project changed concurrently; re-reading")
			continue
		}
		if err != nil {
			return res, fmt.Errorf("update plan for project %s: %w", p.ID, err)
		}
		if evt.Kind == PaymentFailed && r.Notifier != nil {
			if err := r.Notifier.PaymentFailed(ctx, updated, upd.LastPaymentError); err != nil {
				log.Error().Err(err).Str("project_id", p.ID).Msg("payment failed notification")
			}
		}
		return res, nil
	}
}

func (r *Router) plan(p model.Project, evt Event) (string, model.PlanUpdate) {
	switch evt.Kind {
	case PaymentSucceeded:
		return ActionActivated, r.activate(p, nil, "")
	case PaymentFailed:
		return ActionMarkedPastDue, markPastDue(p, evt.Payment.FailureMessage)
	case SubscriptionDeleted:
		return r.deleted(p, evt.Subscription)
	case SubscriptionUpdated:
		return r.updated(p, evt.Subscription)
	}
	return ActionIgnored, model.PlanUpdate{}
}

func (r *Router) resolve(ctx context.Context, evt Event) (model.Project, error) {
	customer := evt.customerID()
	if customer == "" {
		return model.Project{}, fmt.Errorf("%w: %s %s", ErrMissingCustomer, evt.Type, evt.ID)
	}
	p, err := r.Projects.FindByProviderCustomerID(ctx, customer)
	if errors.Is(err, store.ErrNotFound) {
		return model.Project{}, fmt.Errorf("%w %s", ErrProjectNotFound, customer)
	}
	if err != nil {
		return model.Project{}, fmt.Errorf("find project for customer %s: %w", customer, err)
	}
	return p, nil
}

func (r *Router) activate(p model.Project, periodEnd *time.Time, subscriptionID string) model.PlanUpdate {
	if periodEnd == nil {
		end := r.now().Add(r.period())
		periodEnd = &end
	}
	if subscriptionID == "" {
		subscriptionID = p.SubscriptionID
	}
	return model.PlanUpdate{
		Plan:           model.PlanPro,
		Status:         model.SubscriptionActive,
		PeriodEnd:      periodEnd,
		SubscriptionID: subscriptionID,
	}
}

func markPastDue(p model.Project, reason string) model.PlanUpdate {
	return model.PlanUpdate{
		Plan:             p.Plan,
		Status:           model.SubscriptionPastDue,
		PeriodEnd:        p.PeriodEnd,
		SubscriptionID:   p.SubscriptionID,
		LastPaymentError: reason,
	}
}

func downgrade() model.PlanUpdate {
	return model.PlanUpdate{Plan: model.PlanFree, Status: model.SubscriptionCanceled}
}

func (r *Router) deleted(p model.Project, sub *Subscription) (string, model.PlanUpdate) {
	if !sub.CancelAtPeriodEnd {
		return ActionDowngraded, downgrade()
	}
	end := sub.PeriodEnd
	if end == nil {
		end = p.PeriodEnd
	}
	if end == nil {
		now := r.now()
		end = &now
	}
	return ActionDowngradeScheduled, model.PlanUpdate{
		Plan:           p.Plan,
		Status:         model.SubscriptionCanceled,
		PeriodEnd:      end,
		SubscriptionID: p.SubscriptionID,
	}
}

func (r *Router) updated(p model.Project, sub *Subscription) (string, model.PlanUpdate) {
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return ActionActivated, r.activate(p, sub.PeriodEnd, sub.ID)
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid:
		return ActionDowngraded, downgrade()
	case stripe.SubscriptionStatusPastDue:
		return ActionMarkedPastDue, markPastDue(p, p.LastPaymentError)
	default:
		return ActionIgnored, model.PlanUpdate{}
	}
}

package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"feedbackhub/internal/model"
	"feedbackhub/internal/store"
)

type Publisher struct {
	Webhooks   store.WebhookStore
	Deliveries store.DeliveryStore
	Now        func() time.Time
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Webhooks: s, Deliveries: s, Now: time.Now}
}

func (p *Publisher) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Emit queues evt for every active webhook of the project subscribed to its type
// and returns how many deliveries were created. Re-emitting the same event id is a no-op.
func (p *Publisher) Emit(ctx context.Context, evt Event) (int, error) {
	if evt.Type == "" || evt.ProjectID == "" {
		return 0, errors.New("event type and project id are required")
	}
	subs, err := p.Webhooks.ListWebhooksForEvent(ctx, evt.ProjectID, evt.Type)
	if err != nil {
		return 0, fmt.Errorf("list webhooks: %w", err)
	}
	if len(subs) == 0 {
		return 0, nil
	}
	evt = p.normalize(evt)
	payload, err := Canonicalize(evt)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	n := 0
	var errs []error
	for _, w := range subs {
		created, err := p.enqueue(ctx, w, evt, payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", w.ID, err))
			continue
		}
		if created {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// EmitTo queues evt for one webhook regardless of its subscriptions; used for test pings.
func (p *Publisher) EmitTo(ctx context.Context, w model.Webhook, evt Event) (bool, error) {
	evt.ProjectID = w.ProjectID
	evt = p.normalize(evt)
	payload, err := Canonicalize(evt)
	if err != nil {
		return false, fmt.Errorf("encode event: %w", err)
	}
	return p.enqueue(ctx, w, evt, payload)
}

func (p *Publisher) normalize(evt Event) Event {
	if evt.ID == "" {
		evt.ID = "evt_" + uuid.New().String()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = p.now().UTC()
	}
	if evt.Data == nil {
		evt.Data = map[string]any{}
	}
	return evt
}

func (p *Publisher) enqueue(ctx context.Context, w model.Webhook, evt Event, payload []byte) (bool, error) {
	_, err := p.Deliveries.EnqueueDelivery(ctx, model.Delivery{
		WebhookID:   w.ID,
		ProjectID:   w.ProjectID,
		EventType:   evt.Type,
		EventID:     evt.ID,
		Format:      w.Format,
		Payload:     payload,
		MaxAttempts: w.MaxRetries,
	})
	if errors.Is(err, store.ErrDuplicate) {
		log.Debug().Str("webhook_id", w.ID).Str("event_id", evt.ID).Msg("delivery already queued")
		return false, nil
	}
	return err == nil, err
}

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"feedbackhub/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func seedMemory(t *testing.T) (*Memory, *fakeClock, model.Webhook) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.Now = clock.Now
	ctx := context.Background()
	if _, err := m.CreateProject(ctx, model.Project{ID: "p1", Name: "Acme", CustomerID: "cus_123"}); err != nil {
		t.Fatal(err)
	}
	w, err := m.CreateWebhook(ctx, model.Webhook{ProjectID: "p1", URL: "https://example.com/h", Secret: "whsec_1",
		Events: []string{model.EventFeedbackCreated}, Format: model.FormatGeneric, MaxRetries: 3, Active: true})
	if err != nil {
		t.Fatal(err)
	}
	return m, clock, w
}

func enqueue(t *testing.T, m *Memory, w model.Webhook, eventID string) string {
	t.Helper()
	id, err := m.EnqueueDelivery(context.Background(), model.Delivery{
		WebhookID: w.ID, ProjectID: w.ProjectID, EventType: model.EventFeedbackCreated, EventID: eventID,
		Format: w.Format, Payload: []byte(`{"id":"` + eventID + `"}`), MaxAttempts: w.MaxRetries,
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", eventID, err)
	}
	return id
}

func TestMemoryEnqueueDedupe(t *testing.T) {
	m, _, w := seedMemory(t)
	enqueue(t, m, w, "evt_1")
	_, err := m.EnqueueDelivery(context.Background(), model.Delivery{WebhookID: w.ID, EventID: "evt_1", MaxAttempts: 3})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}
	if n, _ := m.CountPending(context.Background()); n != 1 {
		t.Fatalf("pending = %d", n)
	}
}

func TestMemoryClaimIsExclusiveUntilLeaseExpires(t *testing.T) {
	m, clock, w := seedMemory(t)
	ctx := context.Background()
	enqueue(t, m, w, "evt_1")
	enqueue(t, m, w, "evt_2")

	first, err := m.ClaimDueDeliveries(ctx, 10, time.Minute)
	if err != nil || len(first) != 2 {
		t.Fatalf("first claim = %d, %v", len(first), err)
	}
	if first[0].URL != w.URL || first[0].Secret != w.Secret || first[0].Status != model.DeliveryProcessing {
		t.Fatalf("claim did not join target: %+v", first[0])
	}
	second, _ := m.ClaimDueDeliveries(ctx, 10, time.Minute)
	if len(second) != 0 {
		t.Fatalf("claimed twice: %d", len(second))
	}
	clock.Advance(2 * time.Minute)
	third, _ := m.ClaimDueDeliveries(ctx, 10, time.Minute)
	if len(third) != 2 {
		t.Fatalf("expired lease not reclaimable: %d", len(third))
	}
}

func TestMemoryClaimRespectsLimitAndSchedule(t *testing.T) {
	m, clock, w := seedMemory(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		enqueue(t, m, w, id)
	}
	got, _ := m.ClaimDueDeliveries(ctx, 2, time.Minute)
	if len(got) != 2 {
		t.Fatalf("limit ignored: %d", len(got))
	}
	next := clock.Now().Add(time.Hour)
	if err := m.UpdateDeliveryStatus(ctx, got[0].ID, model.DeliveryUpdate{Status: model.DeliveryRetrying, AttemptCount: 1, NextAttemptAt: next}); err != nil {
		t.Fatal(err)
	}
	rest, _ := m.ClaimDueDeliveries(ctx, 10, time.Minute)
	if len(rest) != 1 {
		t.Fatalf("want only the untouched delivery, got %d", len(rest))
	}
	clock.Advance(2 * time.Hour)
	later, _ := m.ClaimDueDeliveries(ctx, 10, time.Minute)
	if len(later) != 3 {
		t.Fatalf("retrying and expired leases should be due: %d", len(later))
	}
}

func TestMemoryTerminalIsImmutable(t *testing.T) {
	m, _, w := seedMemory(t)
	ctx := context.Background()
	id := enqueue(t, m, w, "evt_1")
	if err := m.UpdateDeliveryStatus(ctx, id, model.DeliveryUpdate{Status: model.DeliveryDelivered, AttemptCount: 1, HTTPStatusCode: 200}); err != nil {
		t.Fatal(err)
	}
	err := m.UpdateDeliveryStatus(ctx, id, model.DeliveryUpdate{Status: model.DeliveryRetrying, AttemptCount: 2})
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("want ErrTerminal, got %v", err)
	}
	d, _ := m.GetDelivery(ctx, id)
	if d.Status != model.DeliveryDelivered || d.AttemptCount != 1 {
		t.Fatalf("terminal delivery changed: %+v", d)
	}
}

func TestMemoryRejectsAttemptsBeyondMax(t *testing.T) {
	m, _, w := seedMemory(t)
	id := enqueue(t, m, w, "evt_1")
	err := m.UpdateDeliveryStatus(context.Background(), id, model.DeliveryUpdate{Status: model.DeliveryRetrying, AttemptCount: 4})
	if err == nil {
		t.Fatal("attempt count above max accepted")
	}
}

func TestMemoryRetryDelivery(t *testing.T) {
	m, _, w := seedMemory(t)
	ctx := context.Background()
	id := enqueue(t, m, w, "evt_1")
	if _, err := m.RetryDelivery(ctx, id); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("pending retry: want ErrNotRetryable, got %v", err)
	}
	if err := m.UpdateDeliveryStatus(ctx, id, model.DeliveryUpdate{Status: model.DeliveryFailed, AttemptCount: 3, ErrorMessage: "HTTP 500"}); err != nil {
		t.Fatal(err)
	}
	c, err := m.RetryDelivery(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if c.ID == id || c.Status != model.DeliveryPending || c.AttemptCount != 0 || c.RetryOf != id || c.EventID != "evt_1" {
		t.Fatalf("unexpected retry copy: %+v", c)
	}
	if _, err := m.RetryDelivery(ctx, id); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second retry: want ErrDuplicate, got %v", err)
	}
	orig, _ := m.GetDelivery(ctx, id)
	if orig.Status != model.DeliveryFailed {
		t.Fatalf("original changed: %s", orig.Status)
	}
}

func TestMemoryListDeliveriesPaging(t *testing.T) {
	m, _, w := seedMemory(t)
	for _, id := range []string{"e1", "e2", "e3"} {
		enqueue(t, m, w, id)
	}
	ctx := context.Background()
	page1, next, err := m.ListDeliveries(ctx, DeliveryFilter{ProjectID: "p1", Limit: 2})
	if err != nil || len(page1) != 2 || next == "" {
		t.Fatalf("page1 = %d next=%q err=%v", len(page1), next, err)
	}
	page2, next2, _ := m.ListDeliveries(ctx, DeliveryFilter{ProjectID: "p1", Limit: 2, Cursor: next})
	if len(page2) != 1 || next2 != "" {
		t.Fatalf("page2 = %d next=%q", len(page2), next2)
	}
	none, _, _ := m.ListDeliveries(ctx, DeliveryFilter{ProjectID: "other"})
	if len(none) != 0 {
		t.Fatalf("project filter ignored")
	}
}

func TestMemoryWebhooksForEvent(t *testing.T) {
	m, _, w := seedMemory(t)
	ctx := context.Background()
	if _, err := m.CreateWebhook(ctx, model.Webhook{ProjectID: "p1", URL: "https://example.com/off", Events: []string{model.EventFeedbackCreated}, MaxRetries: 3, Active: false}); err != nil {
		t.Fatal(err)
	}
	got, _ := m.ListWebhooksForEvent(ctx, "p1", model.EventFeedbackCreated)
	if len(got) != 1 || got[0].ID != w.ID {
		t.Fatalf("got %+v", got)
	}
	got[0].Events[0] = "mutated"
	again, _ := m.GetWebhook(ctx, "p1", w.ID)
	if again.Events[0] != model.EventFeedbackCreated {
		t.Fatal("caller mutation leaked into store")
	}
	if _, err := m.GetWebhook(ctx, "p2", w.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-project read: %v", err)
	}
}

func TestMemoryScheduledDowngrades(t *testing.T) {
	m, clock, _ := seedMemory(t)
	ctx := context.Background()
	past := clock.Now().Add(-time.Hour)
	future := clock.Now().Add(time.Hour)
	_, _ = m.CreateProject(ctx, model.Project{ID: "due", Plan: model.PlanPro, Status: model.SubscriptionCanceled, PeriodEnd: &past})
	_, _ = m.CreateProject(ctx, model.Project{ID: "later", Plan: model.PlanPro, Status: model.SubscriptionCanceled, PeriodEnd: &future})
	_, _ = m.CreateProject(ctx, model.Project{ID: "active", Plan: model.PlanPro, Status: model.SubscriptionActive, PeriodEnd: &past})

	got, err := m.ListScheduledDowngrades(ctx, clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "due" {
		t.Fatalf("got %+v", got)
	}
}

func TestMemoryEventClaims(t *testing.T) {
	m, clock, _ := seedMemory(t)
	ctx := context.Background()
	if _, err := m.GetProcessedEvent(ctx, "evt_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	e := model.ProcessedEvent{EventID: "evt_1", EventType: "payment_intent.succeeded"}
	if _, won, err := m.ClaimEvent(ctx, e, time.Minute); err != nil || !won {
		t.Fatalf("first claim won=%v err=%v", won, err)
	}
	prev, won, err := m.ClaimEvent(ctx, e, time.Minute)
	if err != nil || won || prev.Action != model.EventProcessing {
		t.Fatalf("second claim won=%v prev=%+v err=%v", won, prev, err)
	}

	if err := m.ReleaseEvent(ctx, "evt_1"); err != nil {
		t.Fatal(err)
	}
	if _, won, _ := m.ClaimEvent(ctx, e, time.Minute); !won {
		t.Fatal("released event could not be claimed again")
	}

	clock.Advance(2 * time.Minute)
	if _, won, _ := m.ClaimEvent(ctx, e, 0); won {
		t.Fatal("claim taken over without a timeout")
	}
	if _, won, _ := m.ClaimEvent(ctx, e, time.Minute); !won {
		t.Fatal("abandoned claim not taken over")
	}

	e.Action, e.ProjectID = "activated", "p1"
	if err := m.CompleteEvent(ctx, e); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)
	prev, won, _ = m.ClaimEvent(ctx, e, time.Minute)
	if won || prev.Action != "activated" || prev.ProjectID != "p1" {
		t.Fatalf("completed event reclaimed: won=%v prev=%+v", won, prev)
	}
	if err := m.ReleaseEvent(ctx, "evt_1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.GetProcessedEvent(ctx, "evt_1"); got.Action != "activated" || got.ProcessedAt.IsZero() {
		t.Fatalf("completed row dropped by release: %+v", got)
	}
	if err := m.CompleteEvent(ctx, model.ProcessedEvent{EventID: "evt_never"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("complete without claim: %v", err)
	}
}

func TestMemorySwapPlan(t *testing.T) {
	m, clock, _ := seedMemory(t)
	ctx := context.Background()
	end := clock.Now().Add(-time.Hour)
	p, err := m.UpdatePlan(ctx, "p1", model.PlanUpdate{Plan: model.PlanPro, Status: model.SubscriptionCanceled, PeriodEnd: &end})
	if err != nil {
		t.Fatal(err)
	}
	listed := p.PlanState()
	renewed := clock.Now().Add(30 * 24 * time.Hour)
	if _, err := m.UpdatePlan(ctx, "p1", model.PlanUpdate{Plan: model.PlanPro, Status: model.SubscriptionActive, PeriodEnd: &renewed}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SwapPlan(ctx, "p1", listed, model.PlanUpdate{Plan: model.PlanFree, Status: model.SubscriptionCanceled}); !errors.Is(err, ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	cur, _ := m.GetProject(ctx, "p1")
	if cur.Plan != model.PlanPro || cur.Status != model.SubscriptionActive {
		t.Fatalf("stale swap landed: %+v", cur)
	}
	got, err := m.SwapPlan(ctx, "p1", cur.PlanState(), model.PlanUpdate{Plan: model.PlanFree, Status: model.SubscriptionCanceled})
	if err != nil || got.Plan != model.PlanFree || got.PeriodEnd != nil {
		t.Fatalf("got=%+v err=%v", got, err)
	}
	if _, err := m.SwapPlan(ctx, "missing", listed, listed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

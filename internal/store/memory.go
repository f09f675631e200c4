package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"feedbackhub/internal/model"
)

// Memory is a simple in-memory store used when no database URL is set.
type Memory struct {
	mu  sync.Mutex
	Now func() time.Time

	webhooks   map[string]model.Webhook // id -> webhook
	deliveries map[string]*memDelivery  // id -> delivery state
	dedup      map[string]string        // webhook|event|retryOf -> delivery id
	projects   map[string]model.Project // id -> project
	customers  map[string]string        // provider customer id -> project id
	events     map[string]model.ProcessedEvent
}

func NewMemory() *Memory {
	return &Memory{
		Now:        time.Now,
		webhooks:   map[string]model.Webhook{},
		deliveries: map[string]*memDelivery{},
		dedup:      map[string]string{},
		projects:   map[string]model.Project{},
		customers:  map[string]string{},
		events:     map[string]model.ProcessedEvent{},
	}
}

// memDelivery augments Delivery with the claim lease.
type memDelivery struct {
	model.Delivery
	LockedUntil time.Time
}

func (m *Memory) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

// Webhooks

func (m *Memory) CreateWebhook(ctx context.Context, w model.Webhook) (model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if _, ok := m.webhooks[w.ID]; ok {
		return model.Webhook{}, ErrDuplicate
	}
	now := m.now()
	w.CreatedAt, w.UpdatedAt = now, now
	w.Events = append([]string(nil), w.Events...)
	m.webhooks[w.ID] = w
	return cloneWebhook(w), nil
}

func (m *Memory) GetWebhook(ctx context.Context, projectID, id string) (model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[id]
	if !ok || w.ProjectID != projectID {
		return model.Webhook{}, ErrNotFound
	}
	return cloneWebhook(w), nil
}

func (m *Memory) ListWebhooks(ctx context.Context, projectID string) ([]model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.webhooksWhere(func(w model.Webhook) bool { return w.ProjectID == projectID }), nil
}

func (m *Memory) ListWebhooksForEvent(ctx context.Context, projectID, eventType string) ([]model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.webhooksWhere(func(w model.Webhook) bool {
		return w.ProjectID == projectID && w.Active && w.Subscribes(eventType)
	}), nil
}

func (m *Memory) UpdateWebhookSecret(ctx context.Context, projectID, id, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[id]
	if !ok || w.ProjectID != projectID {
		return ErrNotFound
	}
	w.Secret = secret
	w.UpdatedAt = m.now()
	m.webhooks[id] = w
	return nil
}

func (m *Memory) webhooksWhere(keep func(model.Webhook) bool) []model.Webhook {
	out := []model.Webhook{}
	for _, w := range m.webhooks {
		if keep(w) {
			out = append(out, cloneWebhook(w))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func cloneWebhook(w model.Webhook) model.Webhook {
	w.Events = append([]string(nil), w.Events...)
	return w
}

// Webhook deliveries

func dedupKey(webhookID, eventID, retryOf string) string {
	return webhookID + "|" + eventID + "|" + retryOf
}

func (m *Memory) EnqueueDelivery(ctx context.Context, d model.Delivery) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueueLocked(d)
}

func (m *Memory) enqueueLocked(d model.Delivery) (string, error) {
	key := dedupKey(d.WebhookID, d.EventID, d.RetryOf)
	if _, ok := m.dedup[key]; ok {
		return "", ErrDuplicate
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := m.now()
	d.Status = model.DeliveryPending
	d.AttemptCount = 0
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = now
	}
	d.CreatedAt, d.UpdatedAt = now, now
	d.URL, d.Secret = "", ""
	m.deliveries[d.ID] = &memDelivery{Delivery: d}
	m.dedup[key] = d.ID
	return d.ID, nil
}

func (m *Memory) ClaimDueDeliveries(ctx context.Context, limit int, lease time.Duration) ([]model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	due := []*memDelivery{}
	for _, d := range m.deliveries {
		if !d.due(now) {
			continue
		}
		if w, ok := m.webhooks[d.WebhookID]; !ok || !w.Active {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]model.Delivery, 0, len(due))
	for _, d := range due {
		d.Status = model.DeliveryProcessing
		d.LockedUntil = now.Add(lease)
		d.UpdatedAt = now
		w := m.webhooks[d.WebhookID]
		c := d.Delivery
		c.URL, c.Secret = w.URL, w.Secret
		out = append(out, c)
	}
	return out, nil
}

func (d *memDelivery) due(now time.Time) bool {
	switch d.Status {
	case model.DeliveryPending, model.DeliveryRetrying:
		return !d.NextAttemptAt.After(now)
	case model.DeliveryProcessing:
		return !d.LockedUntil.After(now)
	}
	return false
}

func (m *Memory) UpdateDeliveryStatus(ctx context.Context, id string, upd model.DeliveryUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	if model.IsTerminalStatus(d.Status) {
		return fmt.Errorf("update delivery %s: %w", id, ErrTerminal)
	}
	if upd.AttemptCount > d.MaxAttempts {
		return fmt.Errorf("update delivery %s: attempt %d exceeds max %d", id, upd.AttemptCount, d.MaxAttempts)
	}
	d.Status = upd.Status
	d.AttemptCount = upd.AttemptCount
	d.NextAttemptAt = upd.NextAttemptAt
	d.LastHTTPStatus = upd.HTTPStatusCode
	d.LastResponse = upd.ResponseBody
	d.LastError = upd.ErrorMessage
	d.LastDurationMs = upd.DurationMs
	if upd.Signature != "" {
		d.Signature = upd.Signature
	}
	d.LockedUntil = time.Time{}
	d.UpdatedAt = m.now()
	return nil
}

func (m *Memory) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return model.Delivery{}, ErrNotFound
	}
	return d.Delivery, nil
}

func (m *Memory) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]model.Delivery, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := clampLimit(f.Limit)
	ids := make([]string, 0, len(m.deliveries))
	for id := range m.deliveries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := []model.Delivery{}
	var last string
	for _, id := range ids {
		if f.Cursor != "" && id <= f.Cursor {
			continue
		}
		d := m.deliveries[id]
		if f.ProjectID != "" && d.ProjectID != f.ProjectID {
			continue
		}
		if f.WebhookID != "" && d.WebhookID != f.WebhookID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, d.Delivery)
		last = id
		if len(out) == limit {
			break
		}
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (m *Memory) RetryDelivery(ctx context.Context, id string) (model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return model.Delivery{}, ErrNotFound
	}
	if d.Status != model.DeliveryFailed {
		return model.Delivery{}, ErrNotRetryable
	}
	c := model.Delivery{
		WebhookID:   d.WebhookID,
		ProjectID:   d.ProjectID,
		EventType:   d.EventType,
		EventID:     d.EventID,
		Format:      d.Format,
		Payload:     d.Payload,
		MaxAttempts: d.MaxAttempts,
		RetryOf:     d.ID,
	}
	newID, err := m.enqueueLocked(c)
	if err != nil {
		return model.Delivery{}, err
	}
	return m.deliveries[newID].Delivery, nil
}

func (m *Memory) CountPending(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.deliveries {
		if d.Status == model.DeliveryPending || d.Status == model.DeliveryRetrying {
			n++
		}
	}
	return n, nil
}

// Projects

func (m *Memory) CreateProject(ctx context.Context, p model.Project) (model.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if _, ok := m.projects[p.ID]; ok {
		return model.Project{}, ErrDuplicate
	}
	if p.CustomerID != "" {
		if _, ok := m.customers[p.CustomerID]; ok {
			return model.Project{}, ErrDuplicate
		}
		m.customers[p.CustomerID] = p.ID
	}
	if p.Plan == "" {
		p.Plan = model.PlanFree
	}
	if p.Status == "" {
		p.Status = model.SubscriptionInactive
	}
	p.PeriodEnd = copyTime(p.PeriodEnd)
	p.UpdatedAt = m.now()
	m.projects[p.ID] = p
	return cloneProject(p), nil
}

func (m *Memory) GetProject(ctx context.Context, id string) (model.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return model.Project{}, ErrNotFound
	}
	return cloneProject(p), nil
}

func (m *Memory) FindByProviderCustomerID(ctx context.Context, customerID string) (model.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.customers[customerID]
	if !ok {
		return model.Project{}, ErrNotFound
	}
	return cloneProject(m.projects[id]), nil
}

func (m *Memory) UpdatePlan(ctx context.Context, projectID string, upd model.PlanUpdate) (model.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return model.Project{}, ErrNotFound
	}
	p.Plan = upd.Plan
	p.Status = upd.Status
	p.PeriodEnd = copyTime(upd.PeriodEnd)
	p.SubscriptionID = upd.SubscriptionID
	p.LastPaymentError = upd.LastPaymentError
	p.UpdatedAt = m.now()
	m.projects[projectID] = p
	return cloneProject(p), nil
}

func (m *Memory) SwapPlan(ctx context.Context, projectID string, expect, upd model.PlanUpdate) (model.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return model.Project{}, ErrNotFound
	}
	if !samePlanState(p.PlanState(), expect) {
		return model.Project{}, ErrConflict
	}
	p.Plan = upd.Plan
	p.Status = upd.Status
	p.PeriodEnd = copyTime(upd.PeriodEnd)
	p.SubscriptionID = upd.SubscriptionID
	p.LastPaymentError = upd.LastPaymentError
	p.UpdatedAt = m.now()
	m.projects[projectID] = p
	return cloneProject(p), nil
}

func samePlanState(a, b model.PlanUpdate) bool {
	if a.Plan != b.Plan || a.Status != b.Status || a.SubscriptionID != b.SubscriptionID || a.LastPaymentError != b.LastPaymentError {
		return false
	}
	if a.PeriodEnd == nil || b.PeriodEnd == nil {
		return a.PeriodEnd == nil && b.PeriodEnd == nil
	}
	return a.PeriodEnd.Equal(*b.PeriodEnd)
}

func (m *Memory) ListScheduledDowngrades(ctx context.Context, now time.Time) ([]model.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Project{}
	for _, p := range m.projects {
		if p.Status == model.SubscriptionCanceled && p.Plan != model.PlanFree && p.PeriodEnd != nil && !p.PeriodEnd.After(now) {
			out = append(out, cloneProject(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneProject(p model.Project) model.Project {
	p.PeriodEnd = copyTime(p.PeriodEnd)
	return p
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Processed billing events

func (m *Memory) GetProcessedEvent(ctx context.Context, eventID string) (model.ProcessedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return model.ProcessedEvent{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) ClaimEvent(ctx context.Context, e model.ProcessedEvent, stale time.Duration) (model.ProcessedEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if prev, ok := m.events[e.EventID]; ok {
		abandoned := prev.Action == model.EventProcessing && stale > 0 && now.Sub(prev.ProcessedAt) >= stale
		if !abandoned {
			return prev, false, nil
		}
	}
	e.Action = model.EventProcessing
	e.ProcessedAt = now
	m.events[e.EventID] = e
	return e, true, nil
}

func (m *Memory) CompleteEvent(ctx context.Context, e model.ProcessedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.EventID]; !ok {
		return ErrNotFound
	}
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = m.now()
	}
	m.events[e.EventID] = e
	return nil
}

func (m *Memory) ReleaseEvent(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[eventID]; ok && e.Action == model.EventProcessing {
		delete(m.events, eventID)
	}
	return nil
}

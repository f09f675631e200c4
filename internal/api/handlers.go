package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"feedbackhub/internal/billing"
	"feedbackhub/internal/metrics"
	"feedbackhub/internal/model"
	"feedbackhub/internal/store"
	"feedbackhub/internal/webhooks"
)

const maxJSONBody = 1 << 20

// BillingWebhookHandler handles POST /v1/billing/webhook
func (s *Server) BillingWebhookHandler(w http.ResponseWriter, r *http.Request) {
	limit := s.Config.Billing.MaxBodyBytes
	if limit <= 0 {
		limit = 64 << 10
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, http.StatusRequestEntityTooLarge, "Payload Too Large", err.Error(), r.URL.Path)
			return
		}
		writeProblem(w, http.StatusBadRequest, "Unreadable body", err.Error(), r.URL.Path)
		return
	}
	res, err := s.Billing.Handle(r.Context(), r.Header, body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case billing.IsAuthError(err):
		writeProblem(w, http.StatusBadRequest, "Invalid signature", err.Error(), r.URL.Path)
	case errors.Is(err, billing.ErrInvalidPayload):
		writeProblem(w, http.StatusBadRequest, "Invalid payload", err.Error(), r.URL.Path)
	case errors.Is(err, billing.ErrMissingCustomer), errors.Is(err, billing.ErrProjectNotFound):
		writeProblem(w, http.StatusUnprocessableEntity, "Unresolvable event", err.Error(), r.URL.Path)
	case errors.Is(err, billing.ErrEventInProgress):
		writeProblem(w, http.StatusConflict, "Event in progress", err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Billing event failed", err.Error(), r.URL.Path)
	}
}

// EmitEventHandler handles POST /v1/events
func (s *Server) EmitEventHandler(w http.ResponseWriter, r *http.Request) {
	var evt webhooks.Event
	if err := decodeJSON(w, r, maxJSONBody, &evt); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if evt.ProjectID == "" || evt.Type == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid event", "projectId and type are required", r.URL.Path)
		return
	}
	n, err := s.Pub.Emit(r.Context(), evt)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Emit failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": n})
}

// CreateProjectHandler handles POST /v1/admin/projects
func (s *Server) CreateProjectHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		CustomerID string `json:"customerId"`
	}
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	p, err := s.Store.CreateProject(r.Context(), model.Project{ID: req.ID, Name: req.Name, CustomerID: req.CustomerID})
	if err != nil {
		writeStoreError(w, r, "Create project failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetProjectHandler handles GET /v1/projects/:projectID
func (s *Server) GetProjectHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.Store.GetProject(r.Context(), param(r, "projectID"))
	if err != nil {
		writeStoreError(w, r, "Get project failed", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreateWebhookHandler handles POST /v1/projects/:projectID/webhooks
func (s *Server) CreateWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var in webhooks.CreateWebhookInput
	if err := decodeJSON(w, r, maxJSONBody, &in); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	in.ProjectID = param(r, "projectID")
	wh, secret, err := s.Registry.Create(r.Context(), in)
	if errors.Is(err, webhooks.ErrInvalidWebhook) {
		writeProblem(w, http.StatusBadRequest, "Invalid webhook", err.Error(), r.URL.Path)
		return
	}
	if err != nil {
		writeStoreError(w, r, "Create webhook failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"webhook": wh, "secret": secret})
}

// ListWebhooksHandler handles GET /v1/projects/:projectID/webhooks
func (s *Server) ListWebhooksHandler(w http.ResponseWriter, r *http.Request) {
	items, err := s.Store.ListWebhooks(r.Context(), param(r, "projectID"))
	if err != nil {
		writeStoreError(w, r, "List webhooks failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// RotateSecretHandler handles POST /v1/projects/:projectID/webhooks/:id/rotate-secret
func (s *Server) RotateSecretHandler(w http.ResponseWriter, r *http.Request) {
	secret, err := s.Registry.RotateSecret(r.Context(), param(r, "projectID"), param(r, "id"))
	if err != nil {
		writeStoreError(w, r, "Rotate secret failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": param(r, "id"), "secret": secret})
}

// TestWebhookHandler handles POST /v1/projects/:projectID/webhooks/:id/test
func (s *Server) TestWebhookHandler(w http.ResponseWriter, r *http.Request) {
	wh, err := s.Store.GetWebhook(r.Context(), param(r, "projectID"), param(r, "id"))
	if err != nil {
		writeStoreError(w, r, "Test webhook failed", err)
		return
	}
	_, err = s.Pub.EmitTo(r.Context(), wh, webhooks.Event{
		Type: model.EventWebhookTest,
		Data: map[string]any{"message": "Test event from feedbackhub"},
	})
	if err != nil {
		writeStoreError(w, r, "Test webhook failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

// DeliveriesHandler handles GET /v1/admin/webhook-deliveries
func (s *Server) DeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r)
	q := r.URL.Query()
	f := store.DeliveryFilter{
		ProjectID: q.Get("projectId"),
		WebhookID: q.Get("webhookId"),
		Status:    q.Get("status"),
		Cursor:    q.Get("cursor"),
		Limit:     queryInt(r, "limit", 100),
	}
	if !p.IsAdmin() {
		f.ProjectID = p.Project
	}
	items, next, err := s.Store.ListDeliveries(r.Context(), f)
	if err != nil {
		writeStoreError(w, r, "List deliveries failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// DeliveryHandler handles GET /v1/admin/webhook-deliveries/:id
func (s *Server) DeliveryHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := s.ownedDelivery(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DeliveryRetryHandler handles POST /v1/admin/webhook-deliveries/:id/retry
func (s *Server) DeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := s.ownedDelivery(w, r)
	if !ok {
		return
	}
	retry, err := s.Store.RetryDelivery(r.Context(), d.ID)
	if err != nil {
		writeStoreError(w, r, "Retry delivery failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, retry)
}

// ownedDelivery loads :id and hides deliveries of other projects as not found.
func (s *Server) ownedDelivery(w http.ResponseWriter, r *http.Request) (model.Delivery, bool) {
	p, _ := principalFrom(r)
	d, err := s.Store.GetDelivery(r.Context(), param(r, "id"))
	if err == nil && !p.CanAccess(d.ProjectID) {
		err = store.ErrNotFound
	}
	if err != nil {
		writeStoreError(w, r, "Get delivery failed", err)
		return model.Delivery{}, false
	}
	return d, true
}

// ProcessDeliveriesHandler handles POST /v1/admin/webhooks/process
func (s *Server) ProcessDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	pending, err := s.Store.CountPending(r.Context())
	if err != nil {
		writeStoreError(w, r, "Count pending failed", err)
		return
	}
	metrics.PendingDeliveries.Set(float64(pending))
	sum, err := s.Worker.RunCycle(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Dispatch cycle failed", err.Error(), r.URL.Path)
		return
	}
	log.Info().Int("pending_before", pending).Int("total", sum.Total).Msg("dispatch cycle triggered")
	writeJSON(w, http.StatusOK, map[string]any{"pendingBefore": pending, "summary": sum})
}

// SweepHandler handles POST /v1/admin/billing/sweep
func (s *Server) SweepHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.Sweeper.Run(r.Context(), s.now())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Sweep failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"downgraded": n})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "time": s.now().UTC().Format(time.RFC3339)})
}

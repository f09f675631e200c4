package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"feedbackhub/internal/broker"
	"feedbackhub/internal/config"
	"feedbackhub/internal/metrics"
	"feedbackhub/internal/model"
	"feedbackhub/internal/store"
)

// ErrMissingSecret marks a delivery whose webhook has no signing secret.
var ErrMissingSecret = errors.New("webhook has no signing secret")

// Worker drains the delivery queue: claim, render, sign, execute, decide, persist.
type Worker struct {
	Store    store.DeliveryStore
	Executor *Executor
	Backoff  Backoff
	// Broker receives one event per attempt outcome for live tails. Optional.
	Broker broker.EventBroker
	// Limiter paces outbound requests across the whole cycle. Optional.
	Limiter *rate.Limiter

	BatchSize    int
	Concurrency  int
	Lease        time.Duration
	PollInterval time.Duration

	Now    func() time.Time
	Logger *zerolog.Logger
}

// Summary is the outcome of one dispatch cycle.
type Summary struct {
	Total         int   `json:"total"`
	Delivered     int   `json:"delivered"`
	Failed        int   `json:"failed"`
	Retrying      int   `json:"retrying"`
	AvgDurationMs int64 `json:"avgDurationMs"`
}

func NewWorker(s store.DeliveryStore, cfg config.WebhooksConfig) *Worker {
	exec := NewExecutor()
	if cfg.AttemptTimeout > 0 {
		exec.Timeout = cfg.AttemptTimeout
	}
	w := &Worker{
		Store:        s,
		Executor:     exec,
		Backoff:      Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		BatchSize:    cfg.BatchSize,
		Concurrency:  cfg.Concurrency,
		Lease:        cfg.Lease,
		PollInterval: cfg.PollInterval,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		w.Limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return w
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) log() *zerolog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return &log.Logger
}

func (w *Worker) batchSize() int {
	if w.BatchSize <= 0 {
		return 50
	}
	return w.BatchSize
}

func (w *Worker) concurrency() int {
	if w.Concurrency <= 0 {
		return 10
	}
	return w.Concurrency
}

// lease must outlast a full attempt so a live claim is never handed out twice.
func (w *Worker) lease() time.Duration {
	floor := 2 * DefaultAttemptTimeout
	if w.Executor != nil && w.Executor.Timeout > 0 {
		floor = 2 * w.Executor.Timeout
	}
	if w.Lease < floor {
		return floor
	}
	return w.Lease
}

// Start runs a cycle immediately and then every PollInterval until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	interval := w.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.runLogged(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) runLogged(ctx context.Context) {
	sum, err := w.RunCycle(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log().Error().Err(err).Msg("dispatch cycle failed")
		}
		return
	}
	if sum.Total > 0 {
		w.log().Info().
			Int("total", sum.Total).
			Int("delivered", sum.Delivered).
			Int("retrying", sum.Retrying).
			Int("failed", sum.Failed).
			Int64("avg_duration_ms", sum.AvgDurationMs).
			Msg("dispatch cycle")
	}
}

// RunCycle claims one batch of due deliveries and processes them concurrently.
// Attempts of a single delivery never overlap because the claim is exclusive.
// Once ctx is done no new attempt starts; attempts already sent run to their
// own timeout and are recorded. Unstarted claims return to the queue when
// their lease expires.
func (w *Worker) RunCycle(ctx context.Context) (Summary, error) {
	items, err := w.Store.ClaimDueDeliveries(ctx, w.batchSize(), w.lease())
	if err != nil {
		return Summary{}, fmt.Errorf("claim deliveries: %w", err)
	}
	metrics.DispatchCycles.Inc()
	metrics.DispatchClaimed.Observe(float64(len(items)))
	if len(items) == 0 {
		return Summary{}, nil
	}

	results := make([]attemptOutcome, len(items))
	var g errgroup.Group
	g.SetLimit(w.concurrency())
	for i, d := range items {
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = attemptOutcome{skipped: true}
				return nil
			}
			results[i] = w.process(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	var sum Summary
	var totalMs, timed int64
	for _, r := range results {
		if r.skipped {
			continue
		}
		sum.Total++
		switch r.status {
		case model.DeliveryDelivered:
			sum.Delivered++
		case model.DeliveryFailed:
			sum.Failed++
		case model.DeliveryRetrying:
			sum.Retrying++
		}
		if r.executed {
			totalMs += r.durationMs
			timed++
		}
	}
	if timed > 0 {
		sum.AvgDurationMs = totalMs / timed
	}
	return sum, nil
}

type attemptOutcome struct {
	status     string
	durationMs int64
	executed   bool
	skipped    bool
}

func (w *Worker) process(ctx context.Context, d model.Delivery) attemptOutcome {
	logger := w.log().With().
		Str("delivery_id", d.ID).
		Str("webhook_id", d.WebhookID).
		Str("event_type", d.EventType).
		Logger()

	// outcomes are written even if ctx ends mid-attempt
	settle := context.WithoutCancel(ctx)

	body, sig, err := w.prepare(d)
	if err != nil {
		// permanent: does not consume an attempt
		upd := model.DeliveryUpdate{
			Status:       model.DeliveryFailed,
			AttemptCount: d.AttemptCount,
			ErrorMessage: err.Error(),
		}
		w.persist(settle, &logger, d, upd)
		logger.Error().Err(err).Msg("delivery payload could not be prepared")
		metrics.WebhookDeliveries.WithLabelValues(d.EventType, model.DeliveryFailed).Inc()
		metrics.WebhookAttemptErrors.WithLabelValues("prepare").Inc()
		w.publish(d, upd, "")
		return attemptOutcome{status: model.DeliveryFailed}
	}

	if w.Limiter != nil {
		if err := w.Limiter.Wait(ctx); err != nil {
			// left claimed; the lease expires and another cycle picks it up
			return attemptOutcome{skipped: true}
		}
	}

	res := w.Executor.Execute(settle, Request{
		URL:       d.URL,
		Body:      body,
		Signature: sig,
		EventType: d.EventType,
		WebhookID: d.WebhookID,
	})
	attempt := d.AttemptCount + 1
	maxAttempts := d.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	dec := w.Backoff.Decide(attempt, maxAttempts, res.Success, w.now())
	upd := model.DeliveryUpdate{
		Status:         dec.Status,
		AttemptCount:   attempt,
		NextAttemptAt:  dec.NextAttemptAt,
		HTTPStatusCode: res.StatusCode,
		ResponseBody:   res.Body,
		ErrorMessage:   res.ErrorMessage(),
		DurationMs:     res.Duration.Milliseconds(),
		Signature:      sig,
	}
	w.persist(settle, &logger, d, upd)

	metrics.WebhookDeliveries.WithLabelValues(d.EventType, dec.Status).Inc()
	metrics.WebhookLatency.WithLabelValues(d.EventType, dec.Status).Observe(float64(upd.DurationMs))
	if res.ErrorKind != "" {
		metrics.WebhookAttemptErrors.WithLabelValues(res.ErrorKind).Inc()
	}

	ev := logger.Info()
	if dec.Status == model.DeliveryFailed {
		ev = logger.Warn()
	}
	ev.Str("status", dec.Status).
		Int("attempt", attempt).
		Int("max_attempts", maxAttempts).
		Int("http_status", res.StatusCode).
		Str("error_kind", res.ErrorKind).
		Int64("duration_ms", upd.DurationMs).
		Msg("webhook attempt")

	w.publish(d, upd, res.ErrorKind)
	return attemptOutcome{status: dec.Status, durationMs: upd.DurationMs, executed: true}
}

func (w *Worker) persist(ctx context.Context, logger *zerolog.Logger, d model.Delivery, upd model.DeliveryUpdate) {
	if err := w.Store.UpdateDeliveryStatus(ctx, d.ID, upd); err != nil {
		logger.Error().Err(err).Str("status", upd.Status).Msg("persist delivery outcome")
	}
}

// prepare renders the stored event for the webhook's format and signs the exact bytes.
func (w *Worker) prepare(d model.Delivery) ([]byte, string, error) {
	if d.Secret == "" {
		return nil, "", ErrMissingSecret
	}
	var evt Event
	dec := json.NewDecoder(bytes.NewReader(d.Payload))
	dec.UseNumber()
	if err := dec.Decode(&evt); err != nil {
		return nil, "", fmt.Errorf("decode event: %w", err)
	}
	body, err := Render(evt, d.Format)
	if err != nil {
		return nil, "", err
	}
	return body, SignBytes(body, d.Secret), nil
}

func (w *Worker) publish(d model.Delivery, upd model.DeliveryUpdate, errorKind string) {
	if w.Broker == nil {
		return
	}
	data := map[string]any{
		"id":           d.ID,
		"webhookId":    d.WebhookID,
		"projectId":    d.ProjectID,
		"eventType":    d.EventType,
		"eventId":      d.EventID,
		"status":       upd.Status,
		"attemptCount": upd.AttemptCount,
		"maxAttempts":  d.MaxAttempts,
		"httpStatus":   upd.HTTPStatusCode,
		"durationMs":   upd.DurationMs,
	}
	if upd.ErrorMessage != "" {
		data["error"] = upd.ErrorMessage
		data["errorKind"] = errorKind
	}
	if !upd.NextAttemptAt.IsZero() {
		data["nextAttemptAt"] = upd.NextAttemptAt.UTC().Format(time.RFC3339)
	}
	w.Broker.Publish(d.ProjectID, broker.Event{Type: "delivery." + upd.Status, Data: data})
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"feedbackhub/internal/config"
	"feedbackhub/internal/metrics"
	"feedbackhub/internal/store"
)

// Processor runs the inbound pipeline: verify, parse, claim, route, complete.
type Processor struct {
	Verifier Verifier
	Guard    *Guard
	Router   *Router
}

func NewProcessor(s store.Store, cfg config.BillingConfig) *Processor {
	return &Processor{
		Verifier: Verifier{Scheme: cfg.Scheme, Secret: cfg.WebhookSecret, Tolerance: cfg.Tolerance},
		Guard:    &Guard{Ledger: s, ClaimTimeout: cfg.ClaimTimeout},
		Router:   &Router{Projects: s, Notifier: LogNotifier{}, Period: cfg.Period},
	}
}

// Handle processes one inbound request body with its headers.
func (p *Processor) Handle(ctx context.Context, h http.Header, body []byte) (Result, error) {
	if err := p.Verifier.VerifyRequest(h, body); err != nil {
		reason := "invalid_signature"
		if errors.Is(err, ErrMissingSignature) {
			reason = "missing_signature"
		}
		metrics.BillingRejections.WithLabelValues(reason).Inc()
		log.Warn().Str("security", reason).Err(err).Msg("billing webhook rejected")
		return Result{}, err
	}
	evt, err := Parse(body)
	if err != nil {
		metrics.BillingRejections.WithLabelValues("invalid_payload").Inc()
		return Result{}, err
	}
	return p.Apply(ctx, evt)
}

// Apply routes a verified event unless its id was already claimed.
// Failed resolutions release the claim so a provider retry can succeed later.
func (p *Processor) Apply(ctx context.Context, evt Event) (Result, error) {
	logger := log.With().Str("event_id", evt.ID).Str("event_type", evt.Type).Logger()
	prev, claimed, err := p.Guard.Claim(ctx, evt)
	if errors.Is(err, ErrEventInProgress) {
		logger.Info().Msg("billing event is being processed by another request")
		metrics.BillingEvents.WithLabelValues(evt.Type, "in_progress").Inc()
		return Result{}, err
	}
	if err != nil {
		return Result{}, fmt.Errorf("claim billing event %s: %w", evt.ID, err)
	}
	if !claimed {
		logger.Info().Str("action", prev.Action).Msg("billing event already processed")
		metrics.BillingEvents.WithLabelValues(evt.Type, "duplicate").Inc()
		return prev, nil
	}

	start := time.Now()
	res, err := p.Router.Route(ctx, evt)
	// the ledger row must be settled even when the request is gone
	settle := context.WithoutCancel(ctx)
	if err != nil {
		reason := "resolution"
		switch {
		case errors.Is(err, ErrMissingCustomer):
			reason = "missing_customer"
		case errors.Is(err, ErrProjectNotFound):
			reason = "project_not_found"
		}
		metrics.BillingRejections.WithLabelValues(reason).Inc()
		logger.Error().Err(err).Msg("billing event not applied")
		if rerr := p.Guard.Release(settle, evt.ID); rerr != nil {
			logger.Error().Err(rerr).Msg("release billing event claim")
		}
		return res, err
	}
	if err := p.Guard.Complete(settle, res); err != nil {
		logger.Error().Err(err).Msg("record processed billing event")
		return res, err
	}
	metrics.BillingEvents.WithLabelValues(evt.Type, res.Action).Inc()
	logger.Info().
		Str("action", res.Action).
		Str("project_id", res.ProjectID).
		Dur("took", time.Since(start)).
		Msg("billing event processed")
	return res, nil
}

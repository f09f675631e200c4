package billing

import (
	"context"
	"time"

	"feedbackhub/internal/model"
	"feedbackhub/internal/store"
)

// DefaultClaimTimeout is how long a claimed event may stay unfinished before
// another delivery of it may take over.
const DefaultClaimTimeout = 5 * time.Minute

// Guard applies each provider event id at most once using the processed-event ledger.
type Guard struct {
	Ledger       store.EventLedger
	ClaimTimeout time.Duration
	Now          func() time.Time
}

func (g *Guard) claimTimeout() time.Duration {
	if g.ClaimTimeout > 0 {
		return g.ClaimTimeout
	}
	return DefaultClaimTimeout
}

// Claim reserves evt.ID for the caller. When the id was already applied it
// returns the recorded result with Duplicate set and false. When another
// caller holds the claim it returns ErrEventInProgress.
func (g *Guard) Claim(ctx context.Context, evt Event) (Result, bool, error) {
	rec, won, err := g.Ledger.ClaimEvent(ctx, model.ProcessedEvent{EventID: evt.ID, EventType: evt.Type}, g.claimTimeout())
	if err != nil {
		return Result{}, false, err
	}
	if won {
		return Result{}, true, nil
	}
	if rec.Action == model.EventProcessing {
		return Result{}, false, ErrEventInProgress
	}
	return Result{
		EventID:   rec.EventID,
		EventType: rec.EventType,
		Action:    rec.Action,
		ProjectID: rec.ProjectID,
		Duplicate: true,
	}, false, nil
}

// Complete records res as the outcome of a claimed event.
func (g *Guard) Complete(ctx context.Context, res Result) error {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	return g.Ledger.CompleteEvent(ctx, model.ProcessedEvent{
		EventID:     res.EventID,
		ProjectID:   res.ProjectID,
		EventType:   res.EventType,
		Action:      res.Action,
		ProcessedAt: now().UTC(),
	})
}

// Release gives up a claim so a provider retry can apply the event.
func (g *Guard) Release(ctx context.Context, eventID string) error {
	return g.Ledger.ReleaseEvent(ctx, eventID)
}

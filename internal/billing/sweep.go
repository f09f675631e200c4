package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"feedbackhub/internal/metrics"
	"feedbackhub/internal/store"
)

// Sweeper downgrades canceled projects once their paid period has ended.
type Sweeper struct {
	Projects store.ProjectStore
	Interval time.Duration
}

// Run downgrades every due project and returns how many were changed.
// A project whose billing state changed after it was listed is left alone.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (int, error) {
	due, err := s.Projects.ListScheduledDowngrades(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list scheduled downgrades: %w", err)
	}
	n := 0
	var errs []error
	for _, p := range due {
		_, err := s.Projects.SwapPlan(ctx, p.ID, p.PlanState(), downgrade())
		if errors.Is(err, store.ErrConflict) {
			log.Info().Str("project_id", p.ID).Msg("project changed since listing; downgrade skipped")
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("downgrade project %s: %w", p.ID, err))
			continue
		}
		n++
		metrics.BillingDowngrades.Inc()
		log.Info().Str("project_id", p.ID).Time("period_end", *p.PeriodEnd).Msg("scheduled downgrade applied")
	}
	return n, errors.Join(errs...)
}

// Start runs the sweep every Interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := s.Run(ctx, now); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("downgrade sweep failed")
			}
		}
	}
}

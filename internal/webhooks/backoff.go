package webhooks

import (
	"time"

	"feedbackhub/internal/model"
)

// Backoff is the retry schedule: Base·2^attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff retries after 1m, 2m, 4m ... up to an hour.
var DefaultBackoff = Backoff{Base: 30 * time.Second, Max: time.Hour}

// Decision is the next state of a delivery after an attempt.
type Decision struct {
	Status        string
	NextAttemptAt time.Time
}

// Delay returns the wait before the retry that follows attempt number attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	base, maximum := b.Base, b.Max
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	if maximum <= 0 {
		maximum = DefaultBackoff.Max
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maximum {
			return maximum
		}
	}
	if d > maximum {
		return maximum
	}
	return d
}

// Decide applies the retry policy to the outcome of attempt (1-based) out of maxAttempts.
func (b Backoff) Decide(attempt, maxAttempts int, success bool, now time.Time) Decision {
	switch {
	case success:
		return Decision{Status: model.DeliveryDelivered}
	case attempt >= maxAttempts:
		return Decision{Status: model.DeliveryFailed}
	default:
		return Decision{Status: model.DeliveryRetrying, NextAttemptAt: now.Add(b.Delay(attempt))}
	}
}

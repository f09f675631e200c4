package billing

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"feedbackhub/internal/webhooks"
)

const (
	SchemeStripe = "stripe"
	SchemeHMAC   = "hmac"

	HeaderStripeSignature = "Stripe-Signature"

	DefaultTolerance = 5 * time.Minute
)

// Verifier authenticates inbound billing webhooks against the shared secret.
type Verifier struct {
	Scheme    string
	Secret    string
	Tolerance time.Duration
}

// Header is the request header the scheme reads its signature from.
func (v Verifier) Header() string {
	if v.Scheme == SchemeHMAC {
		return webhooks.HeaderSignature
	}
	return HeaderStripeSignature
}

// VerifyRequest checks body against the signature header of h.
func (v Verifier) VerifyRequest(h http.Header, body []byte) error {
	return v.Verify(body, h.Get(v.Header()))
}

// Verify checks the raw body against a signature header value. It never parses the body.
func (v Verifier) Verify(body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	if v.Secret == "" {
		return fmt.Errorf("%w: no secret configured", ErrInvalidSignature)
	}
	switch v.Scheme {
	case SchemeHMAC:
		if !webhooks.VerifyBytes(body, signature, v.Secret) {
			return ErrInvalidSignature
		}
		return nil
	case SchemeStripe, "":
		tol := v.Tolerance
		if tol <= 0 {
			tol = DefaultTolerance
		}
		if err := webhook.ValidatePayloadWithTolerance(body, signature, v.Secret, tol); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown scheme %q", ErrInvalidSignature, v.Scheme)
	}
}

package billing

import "errors"

var (
	// ErrMissingSignature is returned when the request carries no signature header
	ErrMissingSignature = errors.New("missing billing webhook signature")

	// ErrInvalidSignature is returned when the signature does not match the body
	ErrInvalidSignature = errors.New("invalid billing webhook signature")

	// ErrInvalidPayload is returned when a verified body cannot be parsed into an event
	ErrInvalidPayload = errors.New("invalid billing webhook payload")

	// ErrMissingCustomer is returned when a handled event names no customer
	ErrMissingCustomer = errors.New("event has no customer id")

	// ErrProjectNotFound is returned when no project is linked to the event's customer
	ErrProjectNotFound = errors.New("project not found for customer")

	// ErrEventInProgress is returned when another request is still applying the same event id
	ErrEventInProgress = errors.New("billing event is already being processed")
)

// IsAuthError reports whether err means the request was not authentic.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingSignature) || errors.Is(err, ErrInvalidSignature)
}

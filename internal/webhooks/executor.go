package webhooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Outbound request headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEventType = "X-Event-Type"
	HeaderWebhookID = "X-Webhook-ID"
	HeaderVersion   = "X-Webhook-Version"

	ProtocolVersion = "1.0"
	userAgent       = "feedbackhub-webhooks/1.0"
)

// DefaultAttemptTimeout bounds one delivery attempt.
const DefaultAttemptTimeout = 30 * time.Second

// MaxResponseBytes caps the response body kept for the delivery log.
const MaxResponseBytes = 10 * 1024

// Error kinds of a failed attempt.
const (
	ErrorKindTimeout        = "timeout"
	ErrorKindNetwork        = "network"
	ErrorKindCanceled       = "canceled"
	ErrorKindHTTPStatus     = "http_status"
	ErrorKindInvalidRequest = "invalid_request"
)

var errAttemptTimeout = errors.New("delivery attempt timeout")

// Request is everything needed for one POST to a webhook endpoint.
type Request struct {
	URL       string
	Body      []byte
	Signature string
	EventType string
	WebhookID string
}

// AttemptResult is the transient outcome of one attempt.
type AttemptResult struct {
	Success    bool
	StatusCode int
	Body       string
	Duration   time.Duration
	ErrorKind  string
	Err        error
}

// ErrorMessage renders the failure for the delivery log.
func (r AttemptResult) ErrorMessage() string {
	if r.Success {
		return ""
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	if r.StatusCode != 0 {
		return fmt.Sprintf("HTTP %d", r.StatusCode)
	}
	return "delivery failed"
}

// Executor performs single delivery attempts. It never touches persisted state.
type Executor struct {
	HTTP    *http.Client
	Timeout time.Duration
}

// NewExecutor returns an executor that does not follow redirects.
func NewExecutor() *Executor {
	return &Executor{
		HTTP: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		Timeout: DefaultAttemptTimeout,
	}
}

// Execute POSTs the signed body and reports what happened.
func (e *Executor) Execute(ctx context.Context, in Request) AttemptResult {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	ctx, cancel := context.WithTimeoutCause(ctx, timeout, errAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.URL, bytes.NewReader(in.Body))
	if err != nil {
		return AttemptResult{ErrorKind: ErrorKindInvalidRequest, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderSignature, in.Signature)
	req.Header.Set(HeaderEventType, in.EventType)
	req.Header.Set(HeaderWebhookID, in.WebhookID)
	req.Header.Set(HeaderVersion, ProtocolVersion)

	client := e.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		res := AttemptResult{Duration: time.Since(start), Err: err, ErrorKind: ErrorKindNetwork}
		switch {
		case errors.Is(context.Cause(ctx), errAttemptTimeout):
			res.ErrorKind = ErrorKindTimeout
			res.Err = fmt.Errorf("timed out after %s: %w", timeout, err)
		case ctx.Err() != nil:
			res.ErrorKind = ErrorKindCanceled
			res.Err = fmt.Errorf("attempt canceled: %w", context.Cause(ctx))
		case isTimeout(ctx, err):
			res.ErrorKind = ErrorKindTimeout
		}
		return res
	}
	defer func() { _ = resp.Body.Close() }()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	_, _ = io.Copy(io.Discard, resp.Body)
	res := AttemptResult{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Duration:   time.Since(start),
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Success = true
		return res
	}
	res.ErrorKind = ErrorKindHTTPStatus
	res.Err = fmt.Errorf("HTTP %d", resp.StatusCode)
	if readErr != nil && isTimeout(ctx, readErr) {
		res.ErrorKind = ErrorKindTimeout
		res.Err = fmt.Errorf("timed out reading response: %w", readErr)
	}
	return res
}

// isTimeout reports whether the attempt hit its own deadline or a transport timeout.
// A canceled or expired caller context is not a timeout of the attempt.
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(context.Cause(ctx), errAttemptTimeout) {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

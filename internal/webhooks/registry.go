package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"feedbackhub/internal/model"
	"feedbackhub/internal/store"
)

const (
	DefaultMaxRetries = 3
	MaxMaxRetries     = 10
)

// ErrInvalidWebhook wraps every validation failure of a webhook registration.
var ErrInvalidWebhook = errors.New("invalid webhook")

// CreateWebhookInput is an owner's registration request.
type CreateWebhookInput struct {
	ProjectID  string   `json:"-"`
	URL        string   `json:"url"`
	Events     []string `json:"events"`
	Format     string   `json:"format"`
	MaxRetries int      `json:"maxRetries"`
	Active     *bool    `json:"active"`
}

// Registry creates webhooks and rotates their secrets. Secrets are only ever
// returned by these two calls.
type Registry struct {
	Webhooks store.WebhookStore
	Projects store.ProjectStore
	// AllowInsecureLocal permits plain http for loopback hosts.
	AllowInsecureLocal bool
}

func (r *Registry) Create(ctx context.Context, in CreateWebhookInput) (model.Webhook, string, error) {
	if _, err := r.Projects.GetProject(ctx, in.ProjectID); err != nil {
		return model.Webhook{}, "", err
	}
	if err := ValidateURL(in.URL, r.AllowInsecureLocal); err != nil {
		return model.Webhook{}, "", err
	}
	events, err := normalizeEvents(in.Events)
	if err != nil {
		return model.Webhook{}, "", err
	}
	format := strings.ToLower(strings.TrimSpace(in.Format))
	if format == "" {
		format = model.FormatGeneric
	}
	if !IsKnownFormat(format) {
		return model.Webhook{}, "", fmt.Errorf("%w: unknown format %q", ErrInvalidWebhook, in.Format)
	}
	retries := in.MaxRetries
	if retries == 0 {
		retries = DefaultMaxRetries
	}
	if retries < 1 || retries > MaxMaxRetries {
		return model.Webhook{}, "", fmt.Errorf("%w: maxRetries must be between 1 and %d", ErrInvalidWebhook, MaxMaxRetries)
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	secret, err := GenerateSecret()
	if err != nil {
		return model.Webhook{}, "", err
	}
	w, err := r.Webhooks.CreateWebhook(ctx, model.Webhook{
		ProjectID:  in.ProjectID,
		URL:        in.URL,
		Secret:     secret,
		Events:     events,
		Format:     format,
		MaxRetries: retries,
		Active:     active,
	})
	if err != nil {
		return model.Webhook{}, "", err
	}
	return w, secret, nil
}

// RotateSecret replaces the signing secret. Deliveries claimed afterwards are signed with the new one.
func (r *Registry) RotateSecret(ctx context.Context, projectID, id string) (string, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return "", err
	}
	if err := r.Webhooks.UpdateWebhookSecret(ctx, projectID, id, secret); err != nil {
		return "", err
	}
	return secret, nil
}

// ValidateURL requires https, except for loopback hosts when allowLoopbackHTTP is set.
func ValidateURL(raw string, allowLoopbackHTTP bool) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: url %q is not absolute", ErrInvalidWebhook, raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if allowLoopbackHTTP && isLoopbackHost(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("%w: url must use https", ErrInvalidWebhook)
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidWebhook, u.Scheme)
	}
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func normalizeEvents(in []string) ([]string, error) {
	known := map[string]bool{}
	for _, e := range model.KnownEventTypes {
		known[e] = true
	}
	seen := map[string]bool{}
	out := []string{}
	for _, e := range in {
		e = strings.TrimSpace(e)
		if !known[e] {
			return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidWebhook, e)
		}
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out, nil
}

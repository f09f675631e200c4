package webhooks

import (
	"context"
	"errors"
	"strings"
	"testing"

	"feedbackhub/internal/model"
	"feedbackhub/internal/store"
)

func newRegistry(t *testing.T, allowLocal bool) (*store.Memory, *Registry) {
	t.Helper()
	mem := store.NewMemory()
	if _, err := mem.CreateProject(context.Background(), model.Project{ID: "p1"}); err != nil {
		t.Fatal(err)
	}
	return mem, &Registry{Webhooks: mem, Projects: mem, AllowInsecureLocal: allowLocal}
}

func TestRegistryCreateDefaults(t *testing.T) {
	mem, r := newRegistry(t, false)
	w, secret, err := r.Create(context.Background(), CreateWebhookInput{
		ProjectID: "p1",
		URL:       "https://hooks.example.com/in",
		Events:    []string{model.EventFeedbackCreated, model.EventFeedbackCreated},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(secret, SecretPrefix) {
		t.Fatalf("secret %q", secret)
	}
	if w.Format != model.FormatGeneric || w.MaxRetries != DefaultMaxRetries || !w.Active {
		t.Fatalf("defaults not applied: %+v", w)
	}
	if len(w.Events) != 1 {
		t.Fatalf("events not deduplicated: %v", w.Events)
	}
	stored, err := mem.GetWebhook(context.Background(), "p1", w.ID)
	if err != nil || stored.Secret != secret {
		t.Fatalf("stored secret mismatch: %v", err)
	}
}

func TestRegistryCreateRejects(t *testing.T) {
	_, r := newRegistry(t, false)
	cases := map[string]CreateWebhookInput{
		"http":        {ProjectID: "p1", URL: "http://hooks.example.com/in"},
		"relative":    {ProjectID: "p1", URL: "/in"},
		"scheme":      {ProjectID: "p1", URL: "ftp://hooks.example.com"},
		"event":       {ProjectID: "p1", URL: "https://h.example", Events: []string{"order.paid"}},
		"format":      {ProjectID: "p1", URL: "https://h.example", Format: "teams"},
		"retries low": {ProjectID: "p1", URL: "https://h.example", MaxRetries: -1},
		"retries max": {ProjectID: "p1", URL: "https://h.example", MaxRetries: MaxMaxRetries + 1},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, err := r.Create(context.Background(), in); !errors.Is(err, ErrInvalidWebhook) {
				t.Fatalf("expected ErrInvalidWebhook, got %v", err)
			}
		})
	}
	if _, _, err := r.Create(context.Background(), CreateWebhookInput{ProjectID: "nope", URL: "https://h.example"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown project, got %v", err)
	}
}

func TestValidateURLLoopback(t *testing.T) {
	for _, u := range []string{"http://localhost:8080/h", "http://127.0.0.1/h", "http://[::1]:9000/h"} {
		if err := ValidateURL(u, true); err != nil {
			t.Fatalf("%s: %v", u, err)
		}
		if err := ValidateURL(u, false); err == nil {
			t.Fatalf("%s accepted without insecure flag", u)
		}
	}
	if err := ValidateURL("http://10.0.0.1/h", true); err == nil {
		t.Fatal("non-loopback http accepted")
	}
}

func TestRegistryRotateSecret(t *testing.T) {
	mem, r := newRegistry(t, false)
	w, old, err := r.Create(context.Background(), CreateWebhookInput{ProjectID: "p1", URL: "https://h.example"})
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := r.RotateSecret(context.Background(), "p1", w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh == old {
		t.Fatal("secret not rotated")
	}
	stored, _ := mem.GetWebhook(context.Background(), "p1", w.ID)
	if stored.Secret != fresh {
		t.Fatal("rotated secret not stored")
	}
	if _, err := r.RotateSecret(context.Background(), "p2", w.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cross-project rotate: %v", err)
	}
}

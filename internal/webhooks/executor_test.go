package webhooks

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestExecuteSendsHeaders(t *testing.T) {
	var got http.Header
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := NewExecutor()
	res := e.Execute(context.Background(), Request{
		URL:       srv.URL,
		Body:      []byte(`{"a":1}`),
		Signature: "abc123",
		EventType: "feedback.created",
		WebhookID: "wh_1",
	})
	if !res.Success || res.StatusCode != http.StatusNoContent || res.ErrorKind != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	checks := map[string]string{
		"Content-Type":        "application/json",
		"X-Webhook-Signature": "abc123",
		"X-Event-Type":        "feedback.created",
		"X-Webhook-Id":        "wh_1",
		"X-Webhook-Version":   "1.0",
		"User-Agent":          "feedbackhub-webhooks/1.0",
	}
	for k, v := range checks {
		if got.Get(k) != v {
			t.Fatalf("header %s = %q, want %q", k, got.Get(k), v)
		}
	}
	if body != `{"a":1}` {
		t.Fatalf("body = %q", body)
	}
}

func TestExecuteRedirectIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	res := NewExecutor().Execute(context.Background(), Request{URL: srv.URL, Body: []byte(`{}`)})
	if res.Success || res.StatusCode != http.StatusFound || res.ErrorKind != ErrorKindHTTPStatus {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.ErrorMessage() != "HTTP 302" {
		t.Fatalf("error message = %q", res.ErrorMessage())
	}
}

func TestExecuteTruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("x", 3*MaxResponseBytes)))
	}))
	defer srv.Close()

	res := NewExecutor().Execute(context.Background(), Request{URL: srv.URL, Body: []byte(`{}`)})
	if res.Success || res.StatusCode != 500 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Body) != MaxResponseBytes {
		t.Fatalf("body length = %d, want %d", len(res.Body), MaxResponseBytes)
	}
}

func TestExecuteTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	e := NewExecutor()
	e.Timeout = 50 * time.Millisecond
	res := e.Execute(context.Background(), Request{URL: srv.URL, Body: []byte(`{}`)})
	if res.Success || res.ErrorKind != ErrorKindTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if !strings.Contains(res.ErrorMessage(), "timed out after 50ms") {
		t.Fatalf("message %q", res.ErrorMessage())
	}
}

func TestExecuteCallerDeadlineIsNotAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	e := NewExecutor()
	e.Timeout = 5 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res := e.Execute(ctx, Request{URL: srv.URL, Body: []byte(`{}`)})
	if res.Success || res.ErrorKind != ErrorKindCanceled {
		t.Fatalf("expected canceled, got %+v", res)
	}
	if msg := res.ErrorMessage(); strings.Contains(msg, "timed out after") || !strings.Contains(msg, "canceled") {
		t.Fatalf("message %q", msg)
	}
}

func TestExecuteConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	res := NewExecutor().Execute(context.Background(), Request{URL: "http://" + addr, Body: []byte(`{}`)})
	if res.Success || res.ErrorKind != ErrorKindNetwork || res.Err == nil {
		t.Fatalf("expected network error, got %+v", res)
	}
}

func TestExecuteInvalidURL(t *testing.T) {
	res := NewExecutor().Execute(context.Background(), Request{URL: "://bad", Body: []byte(`{}`)})
	if res.ErrorKind != ErrorKindInvalidRequest {
		t.Fatalf("expected invalid_request, got %+v", res)
	}
}

package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"feedbackhub/internal/broker"
	"feedbackhub/internal/model"
	"feedbackhub/internal/store"
)

type recordStore struct {
	*store.Memory
	mu      sync.Mutex
	updates []UpdateRec
}

type UpdateRec struct {
	ID  string
	Upd model.DeliveryUpdate
}

func (r *recordStore) UpdateDeliveryStatus(ctx context.Context, id string, upd model.DeliveryUpdate) error {
	r.mu.Lock()
	r.updates = append(r.updates, UpdateRec{ID: id, Upd: upd})
	r.mu.Unlock()
	return r.Memory.UpdateDeliveryStatus(ctx, id, upd)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	rs      *recordStore
	clock   *testClock
	worker  *Worker
	webhook model.Webhook
}

func newFixture(t *testing.T, url string, maxRetries int) *fixture {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	mem := store.NewMemory()
	mem.Now = clock.Now
	rs := &recordStore{Memory: mem}
	ctx := context.Background()
	if _, err := mem.CreateProject(ctx, model.Project{ID: "p1"}); err != nil {
		t.Fatal(err)
	}
	wh, err := mem.CreateWebhook(ctx, model.Webhook{ProjectID: "p1", URL: url, Secret: "whsec_test",
		Events: []string{model.EventFeedbackCreated}, Format: model.FormatGeneric, MaxRetries: maxRetries, Active: true})
	if err != nil {
		t.Fatal(err)
	}
	exec := NewExecutor()
	exec.Timeout = 2 * time.Second
	w := &Worker{
		Store:    rs,
		Executor: exec,
		Backoff:  Backoff{Base: time.Second, Max: time.Minute},
		Now:      clock.Now,
	}
	return &fixture{rs: rs, clock: clock, worker: w, webhook: wh}
}

func (f *fixture) emit(t *testing.T, eventID string) string {
	t.Helper()
	p := &Publisher{Webhooks: f.rs, Deliveries: f.rs, Now: f.clock.Now}
	n, err := p.Emit(context.Background(), Event{ID: eventID, Type: model.EventFeedbackCreated, ProjectID: "p1", Data: map[string]any{"message": "hi"}})
	if err != nil || n != 1 {
		t.Fatalf("emit: n=%d err=%v", n, err)
	}
	list, _, _ := f.rs.ListDeliveries(context.Background(), store.DeliveryFilter{ProjectID: "p1"})
	for _, d := range list {
		if d.EventID == eventID {
			return d.ID
		}
	}
	t.Fatalf("delivery for %s not found", eventID)
	return ""
}

func closedURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return "http://" + addr
}

func TestWorkerDeliversSignedBody(t *testing.T) {
	var gotSig, gotType, gotID string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotType = r.Header.Get(HeaderEventType)
		gotID = r.Header.Get(HeaderWebhookID)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, 3)
	id := f.emit(t, "evt_1")

	sum, err := f.worker.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Total != 1 || sum.Delivered != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if gotType != model.EventFeedbackCreated || gotID != f.webhook.ID {
		t.Fatalf("missing headers: type=%q id=%q", gotType, gotID)
	}
	if !VerifyBytes(gotBody, gotSig, "whsec_test") {
		t.Fatalf("signature does not cover the sent body")
	}
	d, _ := f.rs.GetDelivery(context.Background(), id)
	if d.Status != model.DeliveryDelivered || d.AttemptCount != 1 || d.Signature != gotSig || d.LastHTTPStatus != 200 {
		t.Fatalf("unexpected delivery: %+v", d)
	}
}

// Three consecutive connection failures exhaust max_retries=3.
func TestWorkerFailsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, closedURL(t), 3)
	id := f.emit(t, "evt_a")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := f.worker.RunCycle(ctx); err != nil {
			t.Fatal(err)
		}
		f.clock.Advance(time.Hour)
	}
	d, _ := f.rs.GetDelivery(ctx, id)
	if d.Status != model.DeliveryFailed || d.AttemptCount != 3 {
		t.Fatalf("want failed after 3 attempts, got %s/%d", d.Status, d.AttemptCount)
	}
	if len(f.rs.updates) != 3 {
		t.Fatalf("updates = %d, want 3", len(f.rs.updates))
	}
	for i, u := range f.rs.updates {
		if u.Upd.AttemptCount != i+1 || u.Upd.AttemptCount > d.MaxAttempts {
			t.Fatalf("update %d attempt %d", i, u.Upd.AttemptCount)
		}
	}
	if f.rs.updates[0].Upd.Status != model.DeliveryRetrying || f.rs.updates[2].Upd.Status != model.DeliveryFailed {
		t.Fatalf("unexpected transitions: %+v", f.rs.updates)
	}
}

// HTTP 500 then HTTP 200 ends delivered on the second attempt.
func TestWorkerRetriesThenDelivers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("boom"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, 3)
	id := f.emit(t, "evt_b")
	ctx := context.Background()

	sum, _ := f.worker.RunCycle(ctx)
	if sum.Retrying != 1 {
		t.Fatalf("first cycle = %+v", sum)
	}
	d, _ := f.rs.GetDelivery(ctx, id)
	if d.LastHTTPStatus != 500 || d.LastResponse != "boom" || d.LastError != "HTTP 500" {
		t.Fatalf("first attempt not recorded: %+v", d)
	}
	if want := f.clock.Now().Add(2 * time.Second); !d.NextAttemptAt.Equal(want) {
		t.Fatalf("next attempt %s, want %s", d.NextAttemptAt, want)
	}

	// not due yet
	if sum, _ := f.worker.RunCycle(ctx); sum.Total != 0 {
		t.Fatalf("retried before backoff elapsed: %+v", sum)
	}
	f.clock.Advance(3 * time.Second)
	sum, _ = f.worker.RunCycle(ctx)
	if sum.Delivered != 1 {
		t.Fatalf("second cycle = %+v", sum)
	}
	d, _ = f.rs.GetDelivery(ctx, id)
	if d.Status != model.DeliveryDelivered || d.AttemptCount != 2 {
		t.Fatalf("want delivered after 2 attempts, got %s/%d", d.Status, d.AttemptCount)
	}
	if calls.Load() != 2 {
		t.Fatalf("endpoint called %d times", calls.Load())
	}
}

func TestWorkerAttemptsNeverExceedMax(t *testing.T) {
	for _, limit := range []int{1, 2, 5} {
		f := newFixture(t, closedURL(t), limit)
		id := f.emit(t, "evt_bound")
		for i := 0; i < limit+3; i++ {
			_, _ = f.worker.RunCycle(context.Background())
			f.clock.Advance(time.Hour)
		}
		d, _ := f.rs.GetDelivery(context.Background(), id)
		if d.AttemptCount != limit || d.Status != model.DeliveryFailed {
			t.Fatalf("max=%d: got %s/%d", limit, d.Status, d.AttemptCount)
		}
	}
}

func TestWorkerPrepareFailureIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, 3)
	ctx := context.Background()
	id, err := f.rs.EnqueueDelivery(ctx, model.Delivery{WebhookID: f.webhook.ID, ProjectID: "p1", EventType: model.EventFeedbackCreated,
		EventID: "evt_bad", Format: model.FormatSlack, Payload: json.RawMessage(`"not an event"`), MaxAttempts: 3})
	if err != nil {
		t.Fatal(err)
	}
	sum, _ := f.worker.RunCycle(ctx)
	if sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	d, _ := f.rs.GetDelivery(ctx, id)
	if d.Status != model.DeliveryFailed || d.AttemptCount != 0 || d.LastError == "" {
		t.Fatalf("unexpected delivery: %+v", d)
	}
	if calls.Load() != 0 {
		t.Fatal("endpoint called for unpreparable payload")
	}
}

func TestWorkerMissingSecretFails(t *testing.T) {
	f := newFixture(t, "https://example.invalid/hook", 3)
	ctx := context.Background()
	if err := f.rs.UpdateWebhookSecret(ctx, "p1", f.webhook.ID, ""); err != nil {
		t.Fatal(err)
	}
	id := f.emit(t, "evt_nosecret")
	_, _ = f.worker.RunCycle(ctx)
	d, _ := f.rs.GetDelivery(ctx, id)
	if d.Status != model.DeliveryFailed || d.LastError != ErrMissingSecret.Error() {
		t.Fatalf("unexpected delivery: %+v", d)
	}
}

func TestWorkerConcurrentBatchAndOutcomes(t *testing.T) {
	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		w.WriteHeader(204)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, 3)
	b := broker.NewBroker()
	tail := b.Subscribe("p1")
	defer b.Unsubscribe("p1", tail)
	f.worker.Broker = b
	f.worker.Concurrency = 3
	f.worker.BatchSize = 6
	for _, id := range []string{"e1", "e2", "e3", "e4", "e5", "e6", "e7"} {
		f.emit(t, id)
	}

	sum, err := f.worker.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Total != 6 || sum.Delivered != 6 {
		t.Fatalf("summary = %+v", sum)
	}
	if peak.Load() > 3 {
		t.Fatalf("concurrency limit exceeded: %d", peak.Load())
	}
	if pending, _ := f.rs.CountPending(context.Background()); pending != 1 {
		t.Fatalf("pending = %d, want 1 left for next cycle", pending)
	}
	got := 0
	for len(tail) > 0 {
		evt := <-tail
		if evt.Type != "delivery.delivered" || evt.Data["projectId"] != "p1" {
			t.Fatalf("unexpected outcome event: %+v", evt)
		}
		got++
	}
	if got != 6 {
		t.Fatalf("outcome events = %d", got)
	}
}

func TestWorkerStartStopsOnCancel(t *testing.T) {
	f := newFixture(t, closedURL(t), 3)
	f.worker.PollInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.worker.Start(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

// A caller deadline shorter than the endpoint's response time must not turn a
// successful attempt into a failure.
func TestWorkerFinishesAttemptAfterCallerDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, 1)
	id := f.emit(t, "evt_slow")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sum, err := f.worker.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Total != 1 || sum.Delivered != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	d, _ := f.rs.GetDelivery(context.Background(), id)
	if d.Status != model.DeliveryDelivered || d.AttemptCount != 1 || d.LastHTTPStatus != http.StatusOK {
		t.Fatalf("unexpected delivery: %+v", d)
	}
}

func TestWorkerCanceledCycleLeavesClaimsToLease(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, 3)
	id := f.emit(t, "evt_late")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := f.worker.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Total != 0 || hits.Load() != 0 || len(f.rs.updates) != 0 {
		t.Fatalf("attempt started after cancel: sum=%+v hits=%d", sum, hits.Load())
	}
	d, _ := f.rs.GetDelivery(context.Background(), id)
	if d.AttemptCount != 0 {
		t.Fatalf("attempt consumed: %+v", d)
	}

	f.clock.Advance(f.worker.lease() + time.Second)
	sum, err = f.worker.RunCycle(context.Background())
	if err != nil || sum.Delivered != 1 {
		t.Fatalf("after lease: sum=%+v err=%v", sum, err)
	}
}

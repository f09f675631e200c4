// Package api implements the HTTP surface of feedbackhub.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"feedbackhub/internal/auth"
	"feedbackhub/internal/billing"
	"feedbackhub/internal/broker"
	"feedbackhub/internal/config"
	"feedbackhub/internal/metrics"
	"feedbackhub/internal/ratelimit"
	"feedbackhub/internal/store"
	"feedbackhub/internal/webhooks"
)

type Server struct {
	Store    store.Store
	Pub      *webhooks.Publisher
	Registry *webhooks.Registry
	Worker   *webhooks.Worker
	Billing  *billing.Processor
	Sweeper  *billing.Sweeper
	Auth     *auth.Verifier
	Broker   broker.EventBroker
	// Limiter guards the public endpoints. Nil disables rate limiting.
	Limiter *ratelimit.Limiter

	Config *config.Config
	Now    func() time.Time
}

// NewServer wires every component from cfg around an opened store and broker.
// limits is the rate-limit backend; it is ignored when rate limiting is disabled.
func NewServer(cfg *config.Config, s store.Store, b broker.EventBroker, limits ratelimit.Store) *Server {
	worker := webhooks.NewWorker(s, cfg.Webhooks)
	worker.Broker = b
	srv := &Server{
		Store:    s,
		Pub:      webhooks.NewPublisher(s),
		Registry: &webhooks.Registry{Webhooks: s, Projects: s, AllowInsecureLocal: cfg.Webhooks.AllowInsecureLocal},
		Worker:   worker,
		Billing:  billing.NewProcessor(s, cfg.Billing),
		Sweeper:  &billing.Sweeper{Projects: s, Interval: cfg.Billing.SweepInterval},
		Auth:     auth.NewVerifier(cfg.Auth),
		Broker:   b,
		Config:   cfg,
		Now:      time.Now,
	}
	if cfg.RateLimit.Enabled && limits != nil {
		srv.Limiter = &ratelimit.Limiter{
			Store:      limits,
			Limit:      cfg.RateLimit.Requests,
			Window:     cfg.RateLimit.Window,
			TrustProxy: cfg.RateLimit.TrustProxy,
		}
	}
	return srv
}

// Routes builds the router wrapped in the access log middleware.
func (s *Server) Routes() http.Handler {
	r := httprouter.New()

	// Public, signed or rate limited
	r.POST("/v1/billing/webhook", s.wrap(s.limited("billing", s.BillingWebhookHandler)))
	r.POST("/v1/events", s.wrap(s.limited("events", s.authenticated(s.requireAdmin(s.EmitEventHandler)))))

	// Projects and their webhooks
	r.POST("/v1/admin/projects", s.wrap(s.authenticated(s.requireAdmin(s.CreateProjectHandler))))
	r.GET("/v1/projects/:projectID", s.wrap(s.authenticated(s.projectScoped(s.GetProjectHandler))))
	r.POST("/v1/projects/:projectID/webhooks", s.wrap(s.authenticated(s.projectScoped(s.CreateWebhookHandler))))
	r.GET("/v1/projects/:projectID/webhooks", s.wrap(s.authenticated(s.projectScoped(s.ListWebhooksHandler))))
	r.POST("/v1/projects/:projectID/webhooks/:id/rotate-secret", s.wrap(s.authenticated(s.projectScoped(s.RotateSecretHandler))))
	r.POST("/v1/projects/:projectID/webhooks/:id/test", s.wrap(s.authenticated(s.projectScoped(s.TestWebhookHandler))))

	// Admin: delivery queue
	r.POST("/v1/admin/webhooks/process", s.wrap(s.cronOrAdmin(s.ProcessDeliveriesHandler)))
	r.POST("/v1/admin/billing/sweep", s.wrap(s.cronOrAdmin(s.SweepHandler)))
	r.GET("/v1/admin/webhook-deliveries", s.wrap(s.authenticated(s.DeliveriesHandler)))
	r.GET("/v1/admin/webhook-deliveries/:id", s.wrap(s.authenticated(s.DeliveryHandler)))
	r.POST("/v1/admin/webhook-deliveries/:id/retry", s.wrap(s.authenticated(s.DeliveryRetryHandler)))
	r.GET("/v1/admin/streams/deliveries", s.wrap(s.authenticated(s.DeliveryStreamHandler)))

	// Ops
	r.Handler(http.MethodGet, "/metrics", metrics.Handler())
	r.GET("/healthz", s.wrap(s.HealthHandler))
	r.GET("/readyz", s.wrap(s.ReadyHandler))
	r.GET("/debug", s.wrap(s.authenticated(s.requireAdmin(s.DebugJSON))))

	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeProblem(w, http.StatusNotFound, "Not Found", "", req.URL.Path)
	})
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "", req.URL.Path)
	})
	return accessLog(r)
}

type ctxKeyParams struct{}

// wrap converts a HandlerFunc to httprouter.Handle, keeping params in the context.
func (s *Server) wrap(h http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), ctxKeyParams{}, ps)
		h(w, r.WithContext(ctx))
	}
}

func param(r *http.Request, name string) string {
	ps, _ := r.Context().Value(ctxKeyParams{}).(httprouter.Params)
	return ps.ByName(name)
}

func (s *Server) limited(scope string, next http.HandlerFunc) http.HandlerFunc {
	if s.Limiter == nil {
		return next
	}
	return s.Limiter.Middleware(scope, next).ServeHTTP
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

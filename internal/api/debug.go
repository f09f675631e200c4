package api

import (
	"net/http"
	"time"

	"feedbackhub/internal/buildinfo"
)

// DebugJSON reports build info, queue depth and the effective configuration with secrets masked.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build": buildinfo.Info(),
		"time":  s.now().UTC().Format(time.RFC3339),
	}
	if n, err := s.Store.CountPending(r.Context()); err == nil {
		info["pendingDeliveries"] = n
	}
	if s.Config != nil {
		masked := s.Config.Masked()
		info["config"] = map[string]any{
			"authMode":       masked.Auth.Mode,
			"hasDatabaseURL": s.Config.Database.URL != "",
			"hasRedisURL":    s.Config.Redis.URL != "",
			"billingScheme":  masked.Billing.Scheme,
			"webhooks":       masked.Webhooks,
			"rateLimit":      masked.RateLimit,
		}
	}
	writeJSON(w, http.StatusOK, info)
}

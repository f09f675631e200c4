package api

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"feedbackhub/internal/auth"
)

type ctxKeyPrincipal struct{}

func principalFrom(r *http.Request) (auth.Principal, bool) {
	p, ok := r.Context().Value(ctxKeyPrincipal{}).(auth.Principal)
	return p, ok
}

// authenticated requires a valid bearer token and stores the principal in the context.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := auth.BearerToken(r.Header.Get("Authorization"))
		if tok == "" {
			// browsers cannot set headers on websocket upgrades
			tok = r.URL.Query().Get("access_token")
		}
		pr, err := s.Auth.Verify(tok)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("authentication failed")
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyPrincipal{}, pr)))
	}
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p, _ := principalFrom(r); !p.IsAdmin() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
			return
		}
		next(w, r)
	}
}

// projectScoped lets admins and owners of the :projectID route parameter through.
func (s *Server) projectScoped(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p, _ := principalFrom(r); !p.CanAccess(param(r, "projectID")) {
			writeProblem(w, http.StatusForbidden, "Forbidden", "no access to project", r.URL.Path)
			return
		}
		next(w, r)
	}
}

// cronOrAdmin accepts the cron bearer secret or an admin token.
func (s *Server) cronOrAdmin(next http.HandlerFunc) http.HandlerFunc {
	admin := s.authenticated(s.requireAdmin(next))
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Auth.IsCron(auth.BearerToken(r.Header.Get("Authorization"))) {
			ctx := context.WithValue(r.Context(), ctxKeyPrincipal{}, auth.Principal{Subject: "cron", Role: auth.RoleAdmin})
			next(w, r.WithContext(ctx))
			return
		}
		admin(w, r)
	}
}

// Package auth verifies bearer tokens and extracts the calling principal.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"feedbackhub/internal/config"
)

const (
	ModeDev = "dev"
	ModeJWT = "jwt"

	RoleAdmin = "admin"
	RoleOwner = "owner"
)

var (
	ErrNoToken      = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Principal is the authenticated caller. Project is empty for admins.
type Principal struct {
	Subject string
	Project string
	Role    string
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// CanAccess reports whether the principal may manage projectID.
func (p Principal) CanAccess(projectID string) bool {
	return p.IsAdmin() || (p.Project != "" && p.Project == projectID)
}

// Claims are the HS256 token claims. Project is the "pid" claim.
type Claims struct {
	Project string `json:"pid,omitempty"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates tokens for one auth mode.
// Supports modes: dev (project:role, no signature) and jwt (HS256).
type Verifier struct {
	Mode       string
	Secret     []byte
	Issuer     string
	CronSecret string
}

func NewVerifier(cfg config.AuthConfig) *Verifier {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeDev
	}
	return &Verifier{Mode: mode, Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer, CronSecret: cfg.CronSecret}
}

func (v *Verifier) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrNoToken
	}
	if v.Mode == ModeDev {
		// token format: project:role, or "admin"
		if token == RoleAdmin {
			return Principal{Subject: "dev", Role: RoleAdmin}, nil
		}
		parts := strings.SplitN(token, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Principal{}, fmt.Errorf("%w: expected project:role", ErrInvalidToken)
		}
		return Principal{Subject: "dev", Project: parts[0], Role: strings.ToLower(parts[1])}, nil
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.Secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	role := strings.ToLower(claims.Role)
	if role == "" {
		role = RoleOwner
	}
	if role != RoleAdmin && claims.Project == "" {
		return Principal{}, fmt.Errorf("%w: missing project claim", ErrInvalidToken)
	}
	return Principal{Subject: claims.Subject, Project: claims.Project, Role: role}, nil
}

// Issue signs an HS256 token; used by the CLI to mint operator tokens.
func (v *Verifier) Issue(subject, project, role string, ttl time.Duration) (string, error) {
	if len(v.Secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	now := time.Now()
	claims := Claims{
		Project: project,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.Secret)
}

// IsCron reports whether token is the configured cron secret.
func (v *Verifier) IsCron(token string) bool {
	if v.CronSecret == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(v.CronSecret)) == 1
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

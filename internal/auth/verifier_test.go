package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestDevTokens(t *testing.T) {
	v := &Verifier{Mode: ModeDev}
	p, err := v.Verify("proj_1:owner")
	if err != nil {
		t.Fatal(err)
	}
	if p.Project != "proj_1" || p.Role != RoleOwner || p.IsAdmin() {
		t.Fatalf("principal %+v", p)
	}
	if !p.CanAccess("proj_1") || p.CanAccess("proj_2") {
		t.Fatal("project scoping wrong")
	}
	admin, err := v.Verify("admin")
	if err != nil || !admin.IsAdmin() || !admin.CanAccess("anything") {
		t.Fatalf("admin=%+v err=%v", admin, err)
	}
	if _, err := v.Verify("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTRoundTrip(t *testing.T) {
	v := &Verifier{Mode: ModeJWT, Secret: []byte("s3cret"), Issuer: "feedbackhub"}
	tok, err := v.Issue("ops@example.com", "", RoleAdmin, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	p, err := v.Verify(tok)
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsAdmin() || p.Subject != "ops@example.com" {
		t.Fatalf("principal %+v", p)
	}

	owner, _ := v.Issue("u1", "proj_9", RoleOwner, time.Hour)
	p, err = v.Verify(owner)
	if err != nil || p.Project != "proj_9" {
		t.Fatalf("owner=%+v err=%v", p, err)
	}
}

func TestJWTRejects(t *testing.T) {
	v := &Verifier{Mode: ModeJWT, Secret: []byte("s3cret"), Issuer: "feedbackhub"}
	other := &Verifier{Mode: ModeJWT, Secret: []byte("other"), Issuer: "feedbackhub"}
	wrongKey, _ := other.Issue("x", "", RoleAdmin, time.Hour)
	expired, _ := v.Issue("x", "", RoleAdmin, -time.Minute)
	noProject, _ := v.Issue("x", "", RoleOwner, time.Hour)
	wrongIssuer, _ := (&Verifier{Secret: []byte("s3cret"), Issuer: "someone"}).Issue("x", "", RoleAdmin, time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: RoleAdmin}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, tok := range map[string]string{
		"wrong key":    wrongKey,
		"expired":      expired,
		"no project":   noProject,
		"wrong issuer": wrongIssuer,
		"alg none":     none,
		"malformed":    "a.b.c",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
	if _, err := v.Verify(""); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestCronSecretAndBearer(t *testing.T) {
	v := &Verifier{CronSecret: "cron-abc"}
	if !v.IsCron("cron-abc") || v.IsCron("cron-abd") || v.IsCron("") {
		t.Fatal("cron secret comparison wrong")
	}
	if (&Verifier{}).IsCron("") {
		t.Fatal("empty cron secret must never match")
	}
	if got := BearerToken("Bearer  tok "); got != "tok" {
		t.Fatalf("got %q", got)
	}
	if got := BearerToken("Basic xyz"); got != "" {
		t.Fatalf("got %q", got)
	}
}

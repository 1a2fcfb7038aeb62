package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newJWTService(t *testing.T, seeds ...Seed) *Service {
	t.Helper()
	store, err := NewMemoryStore(seeds)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	svc, err := NewService(context.Background(), Config{
		Mode: ModeJWT,
		JWT: JWTOptions{
			Secret:   "unit-test-secret",
			Issuer:   "escrowd",
			Audience: []string{"escrow-api"},
		},
	}, store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func arbiterSeed() Seed {
	return Seed{
		Username:    "arbiter-1",
		Password:    "s3cret",
		Roles:       []string{RoleArbiter},
		Permissions: PermissionsForRole(RoleArbiter),
	}
}

func TestAuthenticateIssuesVerifiableTokens(t *testing.T) {
	svc := newJWTService(t, arbiterSeed())
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "arbiter-1", Password: "s3cret"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens to be issued")
	}
	if pair.TokenType != "Bearer" {
		t.Fatalf("unexpected token type %q", pair.TokenType)
	}

	subject, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	if err != nil {
		t.Fatalf("authenticate request: %v", err)
	}
	if subject.Username != "arbiter-1" {
		t.Fatalf("unexpected subject %q", subject.Username)
	}
	if !subject.HasPermission(PermDisputesVote) {
		t.Fatal("arbiter must hold the vote permission")
	}
	if subject.HasPermission(PermProjectsWrite) {
		t.Fatal("arbiter must not hold the project write permission")
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	svc := newJWTService(t, arbiterSeed())
	ctx := context.Background()

	if _, err := svc.Authenticate(ctx, TokenRequest{Username: "arbiter-1", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, TokenRequest{Username: "nobody", Password: "s3cret"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, TokenRequest{GrantType: "client_credentials"}); !errors.Is(err, ErrUnsupportedGrant) {
		t.Fatalf("expected ErrUnsupportedGrant, got %v", err)
	}
}

func TestAuthenticateRequestRejectsTamperedToken(t *testing.T) {
	svc := newJWTService(t, arbiterSeed())
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "arbiter-1", Password: "s3cret"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	parts := strings.Split(pair.AccessToken, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	// Refresh tokens must not pass as access tokens.
	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for refresh token, got %v", err)
	}

	if _, err := svc.AuthenticateRequest(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Basic dXNlcjpwYXNz"); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken for basic auth, got %v", err)
	}
}

func TestDisabledSeedCannotAuthenticate(t *testing.T) {
	seed := arbiterSeed()
	seed.Disabled = true
	svc := newJWTService(t, seed)

	if _, err := svc.Authenticate(context.Background(), TokenRequest{Username: "arbiter-1", Password: "s3cret"}); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("expected ErrSubjectRevoked, got %v", err)
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hashed, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !verifyPassword(hashed, "correct horse") {
		t.Fatal("expected password to verify")
	}
	if verifyPassword(hashed, "wrong horse") {
		t.Fatal("wrong password must not verify")
	}
	if _, err := HashPassword("  "); err == nil {
		t.Fatal("blank password must be rejected")
	}

	again, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if again == hashed {
		t.Fatal("hashes must be salted")
	}
}

func TestPermissionsForRole(t *testing.T) {
	if perms := PermissionsForRole(RoleOperator); len(perms) != 5 {
		t.Fatalf("operator should hold every permission, got %v", perms)
	}
	if perms := PermissionsForRole("Client"); len(perms) != 2 {
		t.Fatalf("role lookup should be case-insensitive, got %v", perms)
	}
	if perms := PermissionsForRole("ghost"); perms != nil {
		t.Fatalf("unknown role should have no permissions, got %v", perms)
	}
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc := newJWTService(t, arbiterSeed())
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "arbiter-1", Password: "s3cret"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	var seen *Subject
	handler := svc.Middleware(func(r *http.Request) []string {
		if strings.HasSuffix(r.URL.Path, "/votes") {
			return []string{PermDisputesVote}
		}
		return []string{PermProjectsWrite}
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	// No token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/disputes/1/votes", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	// Token without the required permission.
	req := httptest.NewRequest(http.MethodPost, "/projects", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	// Token with the required permission reaches the handler with a subject.
	req = httptest.NewRequest(http.MethodPost, "/disputes/1/votes", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if seen == nil || seen.Username != "arbiter-1" {
		t.Fatalf("expected subject in context, got %+v", seen)
	}
}

func TestNilServicePassesThrough(t *testing.T) {
	var svc *Service
	if svc.Enabled() {
		t.Fatal("nil service must report disabled")
	}

	called := false
	handler := svc.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/projects", nil))
	if !called {
		t.Fatal("nil service middleware must not block requests")
	}
}

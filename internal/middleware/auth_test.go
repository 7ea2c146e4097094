package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-jwt-secret"

func signToken(t *testing.T, sub, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func authedRequest(t *testing.T, token string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/admin/dlq", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestAuthMiddlewareStoresClaims(t *testing.T) {
	var gotUser, gotRole string
	handler := AuthMiddleware(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserID(r.Context())
		gotRole = Role(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, signToken(t, "u1", "authenticated")))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotUser != "u1" {
		t.Errorf("expected subject in context, got %q", gotUser)
	}
	if gotRole != "authenticated" {
		t.Errorf("expected role in context, got %q", gotRole)
	}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	handler := AuthMiddleware(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run without a token")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, ""))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

// A valid pharmacy token is not enough for operator surfaces.
func TestRequireRoleBlocksNonOperators(t *testing.T) {
	called := false
	handler := AuthMiddleware(testSecret)(RequireRole("service_role")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, signToken(t, "u1", "authenticated")))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a non-operator token, got %d", rec.Code)
	}
	if called {
		t.Error("handler must not run for a non-operator token")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, signToken(t, "ops-1", "service_role")))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for an operator token, got %d: %s", rec.Code, rec.Body.String())
	}
	if !called {
		t.Error("handler must run for an operator token")
	}
}

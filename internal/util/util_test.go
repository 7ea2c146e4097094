package util

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signHS256(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return signed
}

func TestValidateJWTHS256(t *testing.T) {
	claims := Claims{
		Email: "pharmacien@example.fr",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed := signHS256(t, "test-secret", claims)

	parsed, err := ValidateJWT(signed, "test-secret")
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if parsed.Subject != "user-1" {
		t.Errorf("unexpected subject: %q", parsed.Subject)
	}
	if parsed.Email != "pharmacien@example.fr" {
		t.Errorf("unexpected email: %q", parsed.Email)
	}
}

func TestValidateJWTWrongSecret(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed := signHS256(t, "right-secret", claims)

	if _, err := ValidateJWT(signed, "wrong-secret"); err == nil {
		t.Fatal("token signed with another secret must be rejected")
	}
}

func TestValidateJWTExpired(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	signed := signHS256(t, "test-secret", claims)

	if _, err := ValidateJWT(signed, "test-secret"); err == nil {
		t.Fatal("expired token must be rejected")
	}
}

func TestValidateJWTGarbage(t *testing.T) {
	if _, err := ValidateJWT("not-a-token", "secret"); err == nil {
		t.Fatal("garbage input must be rejected")
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name  string
		input string
		leak  string
	}{
		{"password assignment", `failed to connect: password=hunter2 host=db`, "hunter2"},
		{"bearer token", `retrying with token=eyJabc123 after 401`, "eyJabc123"},
		{"api key", `api_key: sk-livevalue`, "sk-livevalue"},
		{"secret env", `DB_SECRET=supersecret`, "supersecret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Redact(tt.input)
			if strings.Contains(out, tt.leak) {
				t.Errorf("Redact(%q) leaked %q: %q", tt.input, tt.leak, out)
			}
			if !strings.Contains(out, "[REDACTED]") {
				t.Errorf("Redact(%q) did not mask anything: %q", tt.input, out)
			}
		})
	}

	clean := "no credentials in this message"
	if got := Redact(clean); got != clean {
		t.Errorf("clean message must pass through unchanged, got %q", got)
	}
}

// ABOUTME: Unit tests for token verification and identity extraction
// ABOUTME: Covers signature, expiry, issuer, audience, and tenant checks

package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

// mintToken signs an HS256 token with the test secret. Claims supplied by
// the caller override the defaults.
func mintToken(t *testing.T, overrides jwt.MapClaims) string {
	t.Helper()

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  "user-123",
		"name": "Ada Lovelace",
		"iss":  "https://login.example.com/v2.0",
		"aud":  "api://parley",
		"tid":  "tenant-a",
		"iat":  now.Unix(),
		"exp":  now.Add(time.Hour).Unix(),
	}
	for k, v := range overrides {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return token
}

func testVerifier(params TrustParams) *Verifier {
	return NewVerifier(&StaticKeys{HMACSecret: testSecret}, params)
}

func TestVerifier_ValidToken(t *testing.T) {
	v := testVerifier(TrustParams{
		Issuers:  []string{"https://login.example.com/v2.0"},
		Audience: "api://parley",
	})

	id, err := v.Verify(t.Context(), mintToken(t, nil))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if id.SubjectID != "user-123" {
		t.Errorf("SubjectID = %q, want %q", id.SubjectID, "user-123")
	}
	if id.DisplayName != "Ada Lovelace" {
		t.Errorf("DisplayName = %q, want %q", id.DisplayName, "Ada Lovelace")
	}
	if id.TenantID != "tenant-a" {
		t.Errorf("TenantID = %q, want %q", id.TenantID, "tenant-a")
	}
}

func TestVerifier_InvalidToken(t *testing.T) {
	v := testVerifier(TrustParams{})

	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "empty token",
			token: "",
		},
		{
			name:  "garbage token",
			token: "not-a-jwt-token",
		},
		{
			name:  "malformed JWT",
			token: "header.payload.signature",
		},
		{
			name: "wrong secret",
			token: func() string {
				token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
					"sub": "user-123",
					"exp": time.Now().Add(time.Hour).Unix(),
				}).SignedString([]byte("different-secret"))
				return token
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(t.Context(), tt.token)
			if err == nil {
				t.Fatal("Verify() should have returned an error")
			}
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestVerifier_ExpiredToken(t *testing.T) {
	v := testVerifier(TrustParams{})

	token := mintToken(t, jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()})

	_, err := v.Verify(t.Context(), token)
	if err == nil {
		t.Fatal("Verify() should have returned an error for expired token")
	}
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestVerifier_UntrustedIssuer(t *testing.T) {
	v := testVerifier(TrustParams{
		Issuers: []string{"https://login.example.com/v2.0"},
	})

	token := mintToken(t, jwt.MapClaims{"iss": "https://evil.example.com"})

	_, err := v.Verify(t.Context(), token)
	if !errors.Is(err, ErrUntrustedIssuer) {
		t.Errorf("Verify() error = %v, want ErrUntrustedIssuer", err)
	}
}

func TestVerifier_IssuerCheckDisabledWhenUnconfigured(t *testing.T) {
	v := testVerifier(TrustParams{})

	token := mintToken(t, jwt.MapClaims{"iss": "https://anything.example.com"})

	if _, err := v.Verify(t.Context(), token); err != nil {
		t.Errorf("Verify() error = %v, want nil with no issuer list", err)
	}
}

func TestVerifier_AudienceMismatch(t *testing.T) {
	v := testVerifier(TrustParams{Audience: "api://parley"})

	token := mintToken(t, jwt.MapClaims{"aud": "api://other-app"})

	_, err := v.Verify(t.Context(), token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() error = %v, want ErrInvalidToken for audience mismatch", err)
	}
}

func TestVerifier_TenantAllowList(t *testing.T) {
	v := testVerifier(TrustParams{
		AllowedTenants: []string{"tenant-a", "tenant-b"},
	})

	t.Run("member tenant accepted", func(t *testing.T) {
		id, err := v.Verify(t.Context(), mintToken(t, jwt.MapClaims{"tid": "tenant-b"}))
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if id.TenantID != "tenant-b" {
			t.Errorf("TenantID = %q, want %q", id.TenantID, "tenant-b")
		}
	})

	t.Run("foreign tenant rejected", func(t *testing.T) {
		_, err := v.Verify(t.Context(), mintToken(t, jwt.MapClaims{"tid": "tenant-z"}))
		if !errors.Is(err, ErrTenantNotAllowed) {
			t.Errorf("Verify() error = %v, want ErrTenantNotAllowed", err)
		}
	})

	t.Run("missing tid rejected", func(t *testing.T) {
		_, err := v.Verify(t.Context(), mintToken(t, jwt.MapClaims{"tid": nil}))
		if !errors.Is(err, ErrTenantNotAllowed) {
			t.Errorf("Verify() error = %v, want ErrTenantNotAllowed", err)
		}
	})
}

func TestVerifier_EmptyAllowListAcceptsAllTenants(t *testing.T) {
	v := testVerifier(TrustParams{})

	if _, err := v.Verify(t.Context(), mintToken(t, jwt.MapClaims{"tid": "any-tenant"})); err != nil {
		t.Errorf("Verify() error = %v, want nil with empty allow-list", err)
	}
	if _, err := v.Verify(t.Context(), mintToken(t, jwt.MapClaims{"tid": nil})); err != nil {
		t.Errorf("Verify() error = %v, want nil for missing tid with empty allow-list", err)
	}
}

func TestVerifier_MissingSubject(t *testing.T) {
	v := testVerifier(TrustParams{})

	_, err := v.Verify(t.Context(), mintToken(t, jwt.MapClaims{"sub": nil}))
	if !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Verify() error = %v, want ErrMissingClaim", err)
	}
}

func TestVerifier_DisplayNameFallback(t *testing.T) {
	v := testVerifier(TrustParams{})

	t.Run("preferred_username when name absent", func(t *testing.T) {
		id, err := v.Verify(t.Context(), mintToken(t, jwt.MapClaims{
			"name":               nil,
			"preferred_username": "ada@example.com",
		}))
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if id.DisplayName != "ada@example.com" {
			t.Errorf("DisplayName = %q, want %q", id.DisplayName, "ada@example.com")
		}
	})

	t.Run("empty when both absent", func(t *testing.T) {
		id, err := v.Verify(t.Context(), mintToken(t, jwt.MapClaims{"name": nil}))
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if id.DisplayName != "" {
			t.Errorf("DisplayName = %q, want empty", id.DisplayName)
		}
	})
}

func TestVerifier_TenantAllowedHelper(t *testing.T) {
	open := testVerifier(TrustParams{})
	if !open.TenantAllowed("anything") {
		t.Error("TenantAllowed() = false with empty allow-list, want true")
	}

	closed := testVerifier(TrustParams{AllowedTenants: []string{"tenant-a"}})
	if !closed.TenantAllowed("tenant-a") {
		t.Error("TenantAllowed(tenant-a) = false, want true")
	}
	if closed.TenantAllowed("tenant-z") {
		t.Error("TenantAllowed(tenant-z) = true, want false")
	}
	if closed.TenantAllowed("") {
		t.Error("TenantAllowed(\"\") = true, want false")
	}
}

func TestIdentity_SameSubject(t *testing.T) {
	a := &Identity{SubjectID: "user-1"}
	b := &Identity{SubjectID: "user-1", DisplayName: "other fields differ"}
	c := &Identity{SubjectID: "user-2"}

	if !a.SameSubject(b) {
		t.Error("SameSubject() = false for equal subjects, want true")
	}
	if a.SameSubject(c) {
		t.Error("SameSubject() = true for different subjects, want false")
	}
	if a.SameSubject(nil) {
		t.Error("SameSubject(nil) = true, want false")
	}
	var nilID *Identity
	if nilID.SameSubject(a) {
		t.Error("nil.SameSubject() = true, want false")
	}
}

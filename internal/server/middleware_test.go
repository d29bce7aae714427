// ABOUTME: Tests for the channel auth middleware
// ABOUTME: Covers bearer extraction and verification outcomes

package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/parleybot/parley/internal/identity"
)

var middlewareTestSecret = []byte("middleware-test-secret-32-bytes!")

func middlewareTestVerifier() *identity.Verifier {
	return identity.NewVerifier(&identity.StaticKeys{HMACSecret: middlewareTestSecret}, identity.TrustParams{})
}

func mintChannelToken(t *testing.T) string {
	t.Helper()

	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "test-app-id",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}).SignedString(middlewareTestSecret)
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return token
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantToken  string
		wantErrMsg string
	}{
		{
			name:       "missing header",
			header:     "",
			wantErrMsg: "missing authorization header",
		},
		{
			name:       "wrong scheme",
			header:     "Basic dXNlcjpwYXNz",
			wantErrMsg: "invalid authorization header format",
		},
		{
			name:       "bearer with empty token",
			header:     "Bearer ",
			wantErrMsg: "empty token",
		},
		{
			name:      "valid bearer",
			header:    "Bearer abc.def.ghi",
			wantToken: "abc.def.ghi",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, errMsg := extractBearerToken(tt.header)
			if token != tt.wantToken {
				t.Errorf("token = %q, want %q", token, tt.wantToken)
			}
			if errMsg != tt.wantErrMsg {
				t.Errorf("errMsg = %q, want %q", errMsg, tt.wantErrMsg)
			}
		})
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	middleware := AuthMiddleware(middlewareTestVerifier(), testLogger())

	var handlerCalled bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/messages", nil)
	req.Header.Set("Authorization", "Bearer "+mintChannelToken(t))
	rec := httptest.NewRecorder()

	middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !handlerCalled {
		t.Error("handler should have been called")
	}
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	middleware := AuthMiddleware(middlewareTestVerifier(), testLogger())
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/messages", nil)
	rec := httptest.NewRecorder()

	middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	middleware := AuthMiddleware(middlewareTestVerifier(), testLogger())
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/messages", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()

	middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_ExpiredToken(t *testing.T) {
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "test-app-id",
		"iat": now.Add(-2 * time.Hour).Unix(),
		"exp": now.Add(-time.Hour).Unix(),
	}).SignedString(middlewareTestSecret)
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}

	middleware := AuthMiddleware(middlewareTestVerifier(), testLogger())
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/messages", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_NilLoggerNoPanic(t *testing.T) {
	middleware := AuthMiddleware(middlewareTestVerifier(), nil)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/messages", nil)
	rec := httptest.NewRecorder()

	// Should not panic
	middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

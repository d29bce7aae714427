// ABOUTME: JWT middleware authenticating inbound channel requests
// ABOUTME: Bearer token from the Authorization header, verified against channel trust params

package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/parleybot/parley/internal/identity"
)

// ChannelVerifier validates the channel-minted token on inbound requests.
type ChannelVerifier interface {
	Verify(ctx context.Context, rawToken string) (*identity.Identity, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// AuthMiddleware rejects requests whose bearer token does not verify against
// the channel trust parameters. The claims themselves are not consumed
// downstream; verification is the gate.
func AuthMiddleware(verifier ChannelVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "channel-auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			if _, err := verifier.Verify(r.Context(), token); err != nil {
				logger.Warn("rejected inbound request", "error", err)
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

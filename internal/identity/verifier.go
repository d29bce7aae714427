// ABOUTME: JWT verification turning raw tokens into Identities
// ABOUTME: Checks signature, expiry, issuer, audience, and tenant membership

package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Identity, error)
}

// TrustParams describe what makes a token acceptable.
type TrustParams struct {
	// Issuers is the set of acceptable "iss" values. Empty disables the
	// issuer check (development only).
	Issuers []string
	// Audience is the required "aud" value. Empty disables the check.
	Audience string
	// AllowedTenants restricts the "tid" claim. Empty accepts all tenants.
	AllowedTenants []string
}

// Verifier implements TokenVerifier against a key provider and trust params.
type Verifier struct {
	keys    KeyProvider
	issuers map[string]struct{}
	aud     string
	tenants map[string]struct{}
}

// NewVerifier creates a verifier. keys must not be nil.
func NewVerifier(keys KeyProvider, params TrustParams) *Verifier {
	v := &Verifier{
		keys:    keys,
		aud:     params.Audience,
		issuers: make(map[string]struct{}, len(params.Issuers)),
		tenants: make(map[string]struct{}, len(params.AllowedTenants)),
	}
	for _, iss := range params.Issuers {
		v.issuers[iss] = struct{}{}
	}
	for _, t := range params.AllowedTenants {
		v.tenants[t] = struct{}{}
	}
	return v
}

// Verify validates the raw token and extracts an Identity from its claims.
// The error is one of the package sentinels (possibly wrapped).
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	token, err := jwt.Parse(rawToken, func(token *jwt.Token) (interface{}, error) {
		return v.keys.Key(ctx, token)
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	if len(v.issuers) > 0 {
		iss, _ := claims.GetIssuer()
		if _, ok := v.issuers[iss]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUntrustedIssuer, iss)
		}
	}

	if v.aud != "" {
		auds, _ := claims.GetAudience()
		if !containsAudience(auds, v.aud) {
			return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
		}
	}

	tid, _ := claims["tid"].(string)
	if !v.TenantAllowed(tid) {
		return nil, fmt.Errorf("%w: %q", ErrTenantNotAllowed, tid)
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return &Identity{
		SubjectID:   sub,
		DisplayName: displayName(claims),
		TenantID:    tid,
		Claims:      claims,
	}, nil
}

// TenantAllowed reports whether the given tenant passes the allow-list.
// An empty allow-list accepts everything, including an empty tenant.
func (v *Verifier) TenantAllowed(tenantID string) bool {
	if len(v.tenants) == 0 {
		return true
	}
	_, ok := v.tenants[tenantID]
	return ok
}

func containsAudience(auds jwt.ClaimStrings, want string) bool {
	for _, a := range auds {
		if a == want {
			return true
		}
	}
	return false
}

// displayName picks a human-readable name out of the claim set.
func displayName(claims jwt.MapClaims) string {
	if name, ok := claims["name"].(string); ok && name != "" {
		return name
	}
	if upn, ok := claims["preferred_username"].(string); ok && upn != "" {
		return upn
	}
	return ""
}

// ABOUTME: Verified user identity model and the verification error taxonomy
// ABOUTME: An Identity only ever comes out of a successful token verification

package identity

import "errors"

// Verification errors
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token expired")
	ErrUntrustedIssuer  = errors.New("untrusted issuer")
	ErrTenantNotAllowed = errors.New("tenant not allowed")
	ErrMissingClaim     = errors.New("missing required claim")
)

// Identity is the immutable result of verifying a user token. Everything
// downstream (sessions, token records) keys off SubjectID; DisplayName and
// TenantID are informational.
type Identity struct {
	// SubjectID is the stable subject from the "sub" claim.
	SubjectID string
	// DisplayName is a human-readable name ("name" claim, falling back to
	// "preferred_username"). May be empty.
	DisplayName string
	// TenantID is the issuing tenant from the "tid" claim. May be empty
	// for non-tenanted issuers.
	TenantID string
	// Claims carries the full verified claim set for callers that need
	// more than the extracted fields.
	Claims map[string]any
}

// SameSubject reports whether two identities refer to the same subject.
// A nil identity never matches.
func (i *Identity) SameSubject(other *Identity) bool {
	if i == nil || other == nil {
		return false
	}
	return i.SubjectID == other.SubjectID
}

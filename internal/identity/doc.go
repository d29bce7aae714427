// Package identity verifies user and channel tokens for parley.
//
// # Verification
//
// A Verifier checks a raw JWT against configured trust parameters:
//
//   - Signature: resolved through a KeyProvider (static keys or a cached
//     JWKS endpoint)
//   - Expiry: expired tokens are rejected with ErrExpiredToken
//   - Issuer: the "iss" claim must be in the configured set
//   - Audience: the "aud" claim must contain the configured audience
//   - Tenant: the "tid" claim must pass the allow-list (empty list
//     accepts all tenants)
//
// Successful verification produces an Identity carrying the subject,
// display name, tenant, and the full claim set. No Identity is ever
// constructed from an unverified token.
//
// # Two trust domains
//
// The bot runs two verifiers with separate trust parameters: one for
// user tokens obtained through the OAuth connection, one for inbound
// Bot Framework requests on the messaging endpoint.
package identity

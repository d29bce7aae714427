// ABOUTME: Signing key resolution for token verification
// ABOUTME: Static keys for development, JWKS fetch with TTL cache for production

package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeyProvider resolves the verification key for a parsed (not yet verified)
// token. Implementations inspect the token header (alg, kid) and return the
// matching key material.
type KeyProvider interface {
	Key(ctx context.Context, token *jwt.Token) (any, error)
}

// StaticKeys serves keys from memory. The HMAC secret answers HS* tokens,
// the RSA map answers RS* tokens by kid.
type StaticKeys struct {
	HMACSecret []byte
	RSAKeys    map[string]*rsa.PublicKey
}

// Key implements KeyProvider.
func (s *StaticKeys) Key(_ context.Context, token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(s.HMACSecret) == 0 {
			return nil, fmt.Errorf("no HMAC secret configured")
		}
		return s.HMACSecret, nil
	case *jwt.SigningMethodRSA:
		kid, _ := token.Header["kid"].(string)
		key, ok := s.RSAKeys[kid]
		if !ok {
			return nil, fmt.Errorf("no key for kid %q", kid)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
}

// jwksDocument is the subset of RFC 7517 we consume.
type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSCache fetches a JWKS endpoint and caches the parsed RSA keys. An
// unknown kid triggers one refetch (key rollover); repeated misses fail
// until the cache TTL expires.
type JWKSCache struct {
	URL        string
	TTL        time.Duration
	HTTPClient *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewJWKSCache creates a JWKS-backed key provider with a 1 hour refresh TTL.
func NewJWKSCache(url string) *JWKSCache {
	return &JWKSCache{
		URL: url,
		TTL: time.Hour,
	}
}

// Key implements KeyProvider.
func (c *JWKSCache) Key(ctx context.Context, token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("token has no kid header")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < c.TTL {
		return key, nil
	}

	// Miss or stale cache: refetch once.
	if err := c.refreshLocked(ctx); err != nil {
		// A stale hit is better than failing verification outright.
		if key, ok := c.keys[kid]; ok {
			return key, nil
		}
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no key for kid %q", kid)
	}
	return key, nil
}

func (c *JWKSCache) refreshLocked(ctx context.Context) error {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return fmt.Errorf("building JWKS request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decoding JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := rsaKeyFromJWK(k)
		if err != nil {
			continue // skip malformed entries, keep the rest
		}
		keys[k.Kid] = pub
	}

	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

// rsaKeyFromJWK rebuilds an *rsa.PublicKey from base64url modulus and exponent.
func rsaKeyFromJWK(k jwksKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, fmt.Errorf("invalid exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

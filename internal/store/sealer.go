// ABOUTME: Token sealing for at-rest encryption of cached access tokens
// ABOUTME: NaCl secretbox with a random nonce prefixed to the ciphertext

package store

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrSealOpen is returned when sealed data cannot be decrypted, typically
// after a seal key change.
var ErrSealOpen = errors.New("cannot open sealed data")

const sealKeySize = 32

// Sealer encrypts token material before it reaches the database. A nil
// *Sealer is valid and passes data through unchanged (development only).
type Sealer struct {
	key [sealKeySize]byte
}

// NewSealer creates a sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != sealKeySize {
		return nil, fmt.Errorf("seal key must be %d bytes, got %d", sealKeySize, len(key))
	}
	s := &Sealer{}
	copy(s.key[:], key)
	return s, nil
}

// ParseSealKey turns a configured seal key string into key bytes. Accepts a
// raw 32-byte string or standard base64 decoding to 32 bytes. Empty input
// returns nil (sealing disabled).
func ParseSealKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if len(s) == sealKeySize {
		return []byte(s), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("seal key is neither %d raw bytes nor valid base64", sealKeySize)
	}
	if len(decoded) != sealKeySize {
		return nil, fmt.Errorf("decoded seal key must be %d bytes, got %d", sealKeySize, len(decoded))
	}
	return decoded, nil
}

// Seal encrypts plaintext. The random nonce is prepended to the returned
// ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if s == nil {
		return plaintext, nil
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open decrypts data produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if s == nil {
		return sealed, nil
	}

	if len(sealed) < 24 {
		return nil, ErrSealOpen
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return nil, ErrSealOpen
	}
	return plaintext, nil
}

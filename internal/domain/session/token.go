package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const (
	// LookupKeyLength is the fixed width of the lookup key prefix of a bearer value.
	LookupKeyLength = 16
	secretBytes     = 32
	// AuthScheme is the Authorization header scheme for session tokens.
	AuthScheme = "Token"
)

// Hasher computes secret digests. A non-empty pepper switches from plain
// SHA-512 to HMAC-SHA-512.
type Hasher struct {
	pepper []byte
}

// NewHasher returns a Hasher using pepper, which may be nil.
func NewHasher(pepper []byte) *Hasher {
	return &Hasher{pepper: pepper}
}

// Digest returns the hex digest of secret.
func (h *Hasher) Digest(secret string) string {
	if len(h.pepper) > 0 {
		mac := hmac.New(sha512.New, h.pepper)
		mac.Write([]byte(secret))
		return hex.EncodeToString(mac.Sum(nil))
	}
	sum := sha512.Sum512([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Matches compares the digest of secret against digest in constant time.
func (h *Hasher) Matches(secret, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(h.Digest(secret)), []byte(digest)) == 1
}

// newCredential returns a lookup key and a raw secret.
func newCredential() (lookupKey, secret string, err error) {
	key := make([]byte, LookupKeyLength/2)
	if _, err := rand.Read(key); err != nil {
		return "", "", fmt.Errorf("generate lookup key: %w", err)
	}
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(key), hex.EncodeToString(raw), nil
}

// ParseBearer splits a bearer value into its lookup key and secret.
func ParseBearer(value string) (lookupKey, secret string, err error) {
	if len(value) <= LookupKeyLength {
		return "", "", ErrAuthenticationFailed
	}
	return value[:LookupKeyLength], value[LookupKeyLength:], nil
}

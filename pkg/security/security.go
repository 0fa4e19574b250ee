// Package security holds the small set of cryptographic helpers the core
// needs: lab token generation for the microVM guest handshake, canonical
// event hashing for evidence dedup, and constant-time comparison for the
// internal admin token. Full secret-at-rest encryption is a neighbour
// concern (the HTTP/API layer owns credential storage) and is not built here.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// GenerateLabToken returns a URL-safe random token used to authenticate the
// guest-agent readiness handshake for a microVM lab. Only its presence, never
// its value, may ever be logged (spec §4.D).
func GenerateLabToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate lab token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// EventHash computes the canonical dedup key for an evidence event: the
// SHA-256 hex digest of "kind + timestamp + subject + key fields" joined by a
// fixed separator, per spec §4.K.
func EventHash(kind, timestamp, subject string, keyFields ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(timestamp))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	for _, f := range keyFields {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ManifestHash computes the evidence-manifest SHA-256 digest over the
// artifact names in the order given (the digest is order-sensitive), used
// to seal evidence at finalization time.
func ManifestHash(artifactNames []string) string {
	h := sha256.New()
	for _, name := range artifactNames {
		h.Write([]byte(name))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ConstantTimeEqual compares two secrets without leaking timing information,
// used to guard the internal admin token on pkg/adminapi endpoints.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

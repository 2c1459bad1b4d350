package oauth

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/oauth2"
)

// PKCE holds a code verifier and its S256 challenge.
type PKCE struct {
	// Verifier is 32 random bytes, base64url without padding.
	Verifier string

	// Challenge is BASE64URL(SHA256(Verifier)).
	Challenge string

	// Method is always "S256".
	Method string
}

// NewPKCE generates a verifier/challenge pair.
func NewPKCE() *PKCE {
	return NewPKCEFromVerifier(oauth2.GenerateVerifier())
}

// NewPKCEFromVerifier derives the challenge for an existing verifier.
func NewPKCEFromVerifier(verifier string) *PKCE {
	return &PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		Method:    "S256",
	}
}

// GenerateState returns 64 hex characters of secure randomness.
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

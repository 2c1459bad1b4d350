package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"regexp"
	"testing"
)

var hexState = regexp.MustCompile(`^[0-9a-f]{64,}$`)

func TestNewPKCE(t *testing.T) {
	p := NewPKCE()

	// 32 bytes base64url without padding is 43 characters.
	if len(p.Verifier) != 43 {
		t.Errorf("verifier length = %d, want 43", len(p.Verifier))
	}
	if _, err := base64.RawURLEncoding.DecodeString(p.Verifier); err != nil {
		t.Errorf("verifier is not raw base64url: %v", err)
	}

	sum := sha256.Sum256([]byte(p.Verifier))
	if want := base64.RawURLEncoding.EncodeToString(sum[:]); p.Challenge != want {
		t.Errorf("challenge = %q, want %q", p.Challenge, want)
	}
	if p.Method != "S256" {
		t.Errorf("method = %q", p.Method)
	}
}

func TestNewPKCE_Uniqueness(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		v := NewPKCE().Verifier
		if seen[v] {
			t.Fatal("duplicate verifier")
		}
		seen[v] = true
	}
}

func TestGenerateState(t *testing.T) {
	a, err := GenerateState()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateState()

	if !hexState.MatchString(a) {
		t.Errorf("state %q is not >=64 hex chars", a)
	}
	if a == b {
		t.Error("states should differ")
	}
}

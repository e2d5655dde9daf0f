package security

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func TestVerifyPKCE(t *testing.T) {
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)
	other := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
		wantErr   error
	}{
		{name: "matching pair", verifier: verifier, challenge: challenge, method: "S256"},
		{name: "other challenge", verifier: verifier, challenge: other, method: "S256", wantErr: ErrPKCEMismatch},
		{name: "plain rejected even if equal", verifier: verifier, challenge: verifier, method: "plain", wantErr: ErrPKCEMethodUnsupported},
		{name: "empty method", verifier: verifier, challenge: challenge, method: "", wantErr: ErrPKCEMethodUnsupported},
		{name: "verifier used as challenge", verifier: verifier, challenge: verifier, method: "S256", wantErr: ErrPKCEMismatch},
		{name: "short verifier", verifier: "abc", challenge: oauth2.S256ChallengeFromVerifier("abc"), method: "S256", wantErr: ErrPKCEMismatch},
		{name: "bad charset", verifier: strings.Repeat("a", 42) + "+", challenge: oauth2.S256ChallengeFromVerifier(strings.Repeat("a", 42) + "+"), method: "S256", wantErr: ErrPKCEMismatch},
		{name: "empty challenge", verifier: verifier, challenge: "", method: "S256", wantErr: ErrPKCEMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyPKCE(tt.verifier, tt.challenge, tt.method)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("VerifyPKCE() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifyPKCE() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyPKCEManyPairs(t *testing.T) {
	for i := 0; i < 50; i++ {
		v := oauth2.GenerateVerifier()
		if err := VerifyPKCE(v, oauth2.S256ChallengeFromVerifier(v), PKCEMethodS256); err != nil {
			t.Fatalf("pair %d failed: %v", i, err)
		}
	}
}

func TestValidatePKCEChallenge(t *testing.T) {
	challenge := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())

	tests := []struct {
		name      string
		challenge string
		method    string
		wantErr   error
	}{
		{name: "valid", challenge: challenge, method: "S256"},
		{name: "missing challenge", challenge: "", method: "S256", wantErr: ErrPKCEChallengeMissing},
		{name: "plain method", challenge: challenge, method: "plain", wantErr: ErrPKCEMethodUnsupported},
		{name: "missing method", challenge: challenge, method: "", wantErr: ErrPKCEMethodUnsupported},
		{name: "lowercase method", challenge: challenge, method: "s256", wantErr: ErrPKCEMethodUnsupported},
		{name: "too short", challenge: "abc", method: "S256", wantErr: ErrPKCEChallengeMissing},
		{name: "bad characters", challenge: strings.Repeat("a", 42) + "=", method: "S256", wantErr: ErrPKCEChallengeMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePKCEChallenge(tt.challenge, tt.method)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("ValidatePKCEChallenge() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidatePKCEChallenge() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

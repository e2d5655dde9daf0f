package security

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCEMethodS256 is the only code_challenge_method accepted.
const PKCEMethodS256 = "S256"

// RFC 7636 section 4.1 length bounds for verifiers; challenges share the
// alphabet and S256 challenges are always 43 characters.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

var (
	ErrPKCEMethodUnsupported = errors.New("unsupported code_challenge_method")
	ErrPKCEChallengeMissing  = errors.New("code_challenge is required")
	ErrPKCEMismatch          = errors.New("code_verifier does not match code_challenge")
)

// ValidatePKCEChallenge checks the parameters of an authorization request.
// Only S256 is accepted; "plain" is rejected.
func ValidatePKCEChallenge(challenge, method string) error {
	if challenge == "" {
		return ErrPKCEChallengeMissing
	}
	if method != PKCEMethodS256 {
		return fmt.Errorf("%w: %q (only S256 is supported)", ErrPKCEMethodUnsupported, method)
	}
	if !isPKCECharset(challenge) || len(challenge) < MinVerifierLength || len(challenge) > MaxVerifierLength {
		return fmt.Errorf("%w: malformed code_challenge", ErrPKCEChallengeMissing)
	}
	return nil
}

// VerifyPKCE checks verifier against challenge using the S256 transform.
func VerifyPKCE(verifier, challenge, method string) error {
	if method != PKCEMethodS256 {
		return fmt.Errorf("%w: %q", ErrPKCEMethodUnsupported, method)
	}
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength || !isPKCECharset(verifier) {
		return ErrPKCEMismatch
	}
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrPKCEMismatch
	}
	return nil
}

// isPKCECharset reports whether s uses only unreserved characters
// [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~".
func isPKCECharset(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

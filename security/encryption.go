package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// ErrMalformedBlob is returned when a sealed blob is not three base64 parts.
var ErrMalformedBlob = errors.New("malformed encrypted blob")

// Encryptor seals data at rest with AES-256-GCM.
//
// Sealed blobs use the textual format "nonce:tag:ciphertext", each part
// standard base64. A fresh random nonce is drawn for every Seal.
type Encryptor struct {
	key     []byte
	enabled bool
}

// NewEncryptor creates a new encryptor.
// If key is nil or empty, encryption is disabled.
// The key must be exactly 32 bytes for AES-256.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{enabled: false}, nil
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", KeySize, len(key))
	}

	k := make([]byte, KeySize)
	copy(k, key)
	return &Encryptor{
		key:     k,
		enabled: true,
	}, nil
}

// NewEncryptorFromBase64 decodes a base64 key and builds an encryptor.
// An empty string disables encryption.
func NewEncryptorFromBase64(encoded string) (*Encryptor, error) {
	if strings.TrimSpace(encoded) == "" {
		return NewEncryptor(nil)
	}
	key, err := KeyFromBase64(encoded)
	if err != nil {
		return nil, err
	}
	return NewEncryptor(key)
}

// IsEnabled returns true if encryption is enabled
func (e *Encryptor) IsEnabled() bool {
	return e != nil && e.enabled
}

func (e *Encryptor) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext and returns "nonce:tag:ciphertext".
func (e *Encryptor) Seal(plaintext []byte) (string, error) {
	if !e.IsEnabled() {
		return "", fmt.Errorf("encryption is not enabled")
	}

	gcm, err := e.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// GCM appends the tag to the ciphertext; split it out for the stored format.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	enc := base64.StdEncoding
	return enc.EncodeToString(nonce) + ":" + enc.EncodeToString(tag) + ":" + enc.EncodeToString(ciphertext), nil
}

// Open decrypts a blob produced by Seal. Any modification of the blob makes
// Open fail; it never returns partially decrypted data.
func (e *Encryptor) Open(blob string) ([]byte, error) {
	if !e.IsEnabled() {
		return nil, fmt.Errorf("encryption is not enabled")
	}

	parts := strings.Split(strings.TrimSpace(blob), ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 parts, got %d", ErrMalformedBlob, len(parts))
	}

	enc := base64.StdEncoding
	nonce, err := enc.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrMalformedBlob, err)
	}
	tag, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: tag: %v", ErrMalformedBlob, err)
	}
	ciphertext, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformedBlob, err)
	}

	gcm, err := e.aead()
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() || len(tag) != gcm.Overhead() {
		return nil, fmt.Errorf("%w: bad nonce or tag length", ErrMalformedBlob)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// GenerateKey generates a new 32-byte encryption key for AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded encryption key
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// KeyToBase64 encodes an encryption key to base64
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

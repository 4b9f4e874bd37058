// Package crypto seals OAuth tokens at rest.
package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters for deriving the sealing key from the configured secret.
const (
	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	keyLen       uint32 = chacha20poly1305.KeySize
)

// Format tags prefixed to every stored value.
const (
	tagPlain  byte = 0x00
	tagSealed byte = 0x01
)

// keySalt is fixed: the secret itself is expected to be high-entropy configuration.
var keySalt = []byte("stravasync/credential-key/v1")

var (
	// ErrMalformed indicates a stored value is too short or carries an unknown tag.
	ErrMalformed = errors.New("malformed sealed value")
	// ErrNoKey indicates a sealed value was read without a configured key.
	ErrNoKey = errors.New("sealed value requires a credential key")
)

// Sealer protects token strings before they reach the credential table.
// aad binds a value to its row and column so sealed values cannot be swapped.
type Sealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(stored, aad []byte) ([]byte, error)
}

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKey derives a 32-byte sealing key from secret using Argon2id.
func DeriveKey(secret []byte) []byte {
	return argon2.IDKey(secret, keySalt, argonTime, argonMemory, argonThreads, keyLen)
}

// AEAD seals with XChaCha20-Poly1305 and a random nonce.
type AEAD struct{ key []byte }

// NewSealer returns an AEAD sealer keyed from secret, or Plain when secret is empty.
func NewSealer(secret string) Sealer {
	if secret == "" {
		return Plain{}
	}
	return &AEAD{key: DeriveKey([]byte(secret))}
}

// Seal encrypts plaintext; the output is tag||nonce||ciphertext.
func (s *AEAD) Seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, tagSealed)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// Open decrypts a sealed value. Plain-tagged values are accepted so a key can
// be introduced without re-authorizing.
func (s *AEAD) Open(stored, aad []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, ErrMalformed
	}
	switch stored[0] {
	case tagPlain:
		return append([]byte(nil), stored[1:]...), nil
	case tagSealed:
	default:
		return nil, ErrMalformed
	}
	body := stored[1:]
	if len(body) < chacha20poly1305.NonceSizeX {
		return nil, ErrMalformed
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := body[:chacha20poly1305.NonceSizeX]
	ct := body[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}

// Plain stores values unsealed.
type Plain struct{}

// Seal tags plaintext as unsealed.
func (Plain) Seal(plaintext, _ []byte) ([]byte, error) {
	out := make([]byte, 0, 1+len(plaintext))
	out = append(out, tagPlain)
	return append(out, plaintext...), nil
}

// Open strips the tag; sealed values fail with ErrNoKey.
func (Plain) Open(stored, _ []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, ErrMalformed
	}
	switch stored[0] {
	case tagPlain:
		return append([]byte(nil), stored[1:]...), nil
	case tagSealed:
		return nil, ErrNoKey
	}
	return nil, ErrMalformed
}

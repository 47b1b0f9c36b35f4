package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

const (
	// ivSize is the GCM nonce length in bytes.
	ivSize = 12
	// tagSize is the GCM authentication tag length in bytes.
	tagSize = 16
)

// Algorithm is a supported symmetric cipher.
type Algorithm string

const (
	AlgorithmAES256GCM Algorithm = "AES-256-GCM"
	AlgorithmAES128GCM Algorithm = "AES-128-GCM"
)

// DefaultAlgorithm is used when none is configured.
const DefaultAlgorithm = AlgorithmAES256GCM

func (a Algorithm) Valid() bool {
	return a == AlgorithmAES256GCM || a == AlgorithmAES128GCM
}

// KeySize returns the key length in bytes, or 0 for an unknown algorithm.
func (a Algorithm) KeySize() int {
	switch a {
	case AlgorithmAES256GCM:
		return 32
	case AlgorithmAES128GCM:
		return 16
	}
	return 0
}

// Transformation is the cipher/mode/padding triple recorded with key configs.
func (a Algorithm) Transformation() string { return "AES/GCM/NoPadding" }

// Key is resolved key material with its prepared AEAD.
type Key struct {
	Version   int
	Algorithm Algorithm
	aead      cipher.AEAD
}

func newKey(version int, alg Algorithm, material []byte) (*Key, error) {
	if len(material) != alg.KeySize() {
		return nil, fmt.Errorf("%w: %s needs a %d-byte key, got %d", ErrValidation, alg, alg.KeySize(), len(material))
	}
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Key{Version: version, Algorithm: alg, aead: aead}, nil
}

// KeyResolver maps a key version to its material.
type KeyResolver interface {
	ResolveKey(version int) (*Key, error)
}

// Cipher encrypts and decrypts string values under versioned keys. The
// envelope is base64(iv || ciphertext || tag); the key version travels
// separately.
type Cipher struct {
	keys KeyResolver
	rand io.Reader
}

// NewCipher creates a Cipher over the given key resolver.
func NewCipher(keys KeyResolver) *Cipher {
	return &Cipher{keys: keys, rand: rand.Reader}
}

// Encrypt seals plaintext under the key of the given version with a fresh IV.
// Empty input returns empty output.
func (c *Cipher) Encrypt(plaintext string, version int) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	key, err := c.keys.ResolveKey(version)
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize, ivSize+len(plaintext)+tagSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", fmt.Errorf("encrypt: generate iv: %w", err)
	}

	// Seal appends ciphertext||tag to iv.
	sealed := key.aead.Seal(iv, iv, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt with the same key version.
// Empty input returns empty output.
func (c *Cipher) Decrypt(envelope string, version int) (string, error) {
	if envelope == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode: %v", ErrMalformedEnvelope, err)
	}
	if len(data) < ivSize {
		return "", fmt.Errorf("%w: %d bytes is shorter than the iv", ErrMalformedEnvelope, len(data))
	}

	key, err := c.keys.ResolveKey(version)
	if err != nil {
		return "", err
	}

	iv, sealed := data[:ivSize], data[ivSize:]
	plaintext, err := key.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: key version %d", ErrAuthenticationFailure, version)
	}
	return string(plaintext), nil
}

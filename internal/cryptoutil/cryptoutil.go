package cryptoutil

// Package cryptoutil reversibly protects credential secrets held in process
// memory. APICredential client secrets are sealed immediately after minting
// and opened only for the duration of a single token exchange, so plaintext
// never lingers in the Session.

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

// Sealer defines an interface for sealing/opening in-memory secrets.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Versioned prefix to allow future key/algorithm rotation.
const (
	sealedPrefixV1 = "v1:"
	noopPrefix     = "noop:"
)

// AESGCMSealer implements Sealer using AES-256-GCM with a process-lifetime
// key. The key never leaves the process and is regenerated on every start,
// matching the in-memory-only lifetime of the secrets it protects.
type AESGCMSealer struct {
	key []byte // 32 bytes
}

// NewProcessSealer generates a fresh 32-byte key and returns a sealer bound
// to it.
func NewProcessSealer() (*AESGCMSealer, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate process key: %w", err)
	}
	return NewAESGCMSealer(key)
}

// NewAESGCMSealer constructs a sealer from an explicit key. Key must be 32
// bytes (AES-256).
func NewAESGCMSealer(key []byte) (*AESGCMSealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("aes-gcm key must be 32 bytes, got %d", len(key))
	}
	return &AESGCMSealer{key: append([]byte(nil), key...)}, nil
}

// Seal encrypts plaintext with a random nonce and returns a versioned base64
// string holding nonce||ciphertext.
func (s *AESGCMSealer) Seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, readErr := io.ReadFull(rand.Reader, nonce); readErr != nil {
		return "", readErr
	}
	ct := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	buf := make([]byte, 0, len(nonce)+len(ct))
	buf = append(buf, nonce...)
	buf = append(buf, ct...)
	return sealedPrefixV1 + base64.StdEncoding.EncodeToString(buf), nil
}

// Open decrypts a versioned base64 string created by Seal.
func (s *AESGCMSealer) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, sealedPrefixV1) {
		return "", errors.New("unknown sealed-secret version")
	}
	data, err := base64.StdEncoding.DecodeString(sealed[len(sealedPrefixV1):])
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("sealed secret too short")
	}
	nonce, ct := data[:nonceSize], data[nonceSize:]
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// NoopSealer is useful for tests; it stores plaintext with a prefix marker.
type NoopSealer struct{}

func (NoopSealer) Seal(plaintext string) (string, error) {
	return noopPrefix + base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
}

func (NoopSealer) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, noopPrefix) {
		return "", errors.New("invalid noop sealed secret")
	}
	decoded, err := base64.StdEncoding.DecodeString(sealed[len(noopPrefix):])
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

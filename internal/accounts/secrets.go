package accounts

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// SecretBox seals streaming-platform credentials at rest.
type SecretBox struct {
	key [32]byte
}

// NewSecretBox builds a SecretBox from a base64 encoded 32 byte key.
func NewSecretBox(encodedKey string) (*SecretBox, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("accounts: decode secret key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("accounts: secret key must be 32 bytes, got %d", len(raw))
	}
	b := &SecretBox{}
	copy(b.key[:], raw)
	return b, nil
}

// Seal encrypts plain. The random nonce is prepended to the output.
func (b *SecretBox) Seal(plain string) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], []byte(plain), &nonce, &b.key), nil
}

// Open decrypts a value produced by Seal.
func (b *SecretBox) Open(sealed []byte) (string, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return "", errors.New("accounts: sealed secret too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", errors.New("accounts: sealed secret corrupted")
	}
	return string(plain), nil
}

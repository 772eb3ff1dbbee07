// Package secrets seals integration credentials before they reach the database.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	nonceSize = 24
)

var ErrDecrypt = errors.New("secret could not be decrypted")

// Sealer turns plaintext credentials into opaque blobs and back. An empty string seals to nil.
type Sealer interface {
	Seal(plaintext string) ([]byte, error)
	Open(sealed []byte) (string, error)
}

// Box seals with NaCl secretbox. Each blob is nonce || ciphertext.
type Box struct {
	key [KeySize]byte
}

func NewBox(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("secrets key must be %d bytes, got %d", KeySize, len(key))
	}
	b := &Box{}
	copy(b.key[:], key)
	return b, nil
}

// NewBoxFromHex parses a 64 character hex key.
func NewBoxFromHex(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("secrets key is not hex: %w", err)
	}
	return NewBox(key)
}

func (b *Box) Seal(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key), nil
}

func (b *Box) Open(sealed []byte) (string, error) {
	if len(sealed) == 0 {
		return "", nil
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(out), nil
}

// Plaintext stores credentials unsealed. Only for local development without SECRETS_KEY.
type Plaintext struct{}

func (Plaintext) Seal(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	return []byte(plaintext), nil
}

func (Plaintext) Open(sealed []byte) (string, error) {
	return string(sealed), nil
}

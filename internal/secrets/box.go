// Package secrets seals account credentials at rest.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var (
	ErrNoKey     = errors.New("secrets: master key is empty")
	ErrMalformed = errors.New("secrets: malformed sealed value")
	ErrOpen      = errors.New("secrets: cannot open sealed value")
)

// Box seals and opens short secrets with a key derived from the master key.
type Box struct {
	key [32]byte
}

func NewBox(masterKey string) (*Box, error) {
	if masterKey == "" {
		return nil, ErrNoKey
	}
	return &Box{key: sha256.Sum256([]byte(masterKey))}, nil
}

// Seal returns base64(nonce || ciphertext). The empty string stays empty so
// unset credentials remain distinguishable.
func (b *Box) Seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (b *Box) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) <= nonceSize+secretbox.Overhead {
		return "", ErrMalformed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrOpen
	}
	return string(plain), nil
}

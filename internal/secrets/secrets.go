// internal/secrets/secrets.go
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/nacl/secretbox"
)

// Box seals external-engine credentials before they hit the api_keys
// table. Key material comes from SECRETS_KEY, stretched to 32 bytes.
type Box struct {
	key [32]byte
}

func NewBox() (*Box, error) {
	raw := os.Getenv("SECRETS_KEY")
	if raw == "" {
		return nil, fmt.Errorf("SECRETS_KEY not set")
	}
	b := &Box{key: sha256.Sum256([]byte(raw))}
	return b, nil
}

func NewBoxWithKey(key [32]byte) *Box {
	return &Box{key: key}
}

func (b *Box) Seal(plaintext string) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key), nil
}

func (b *Box) Open(sealed []byte) (string, error) {
	if len(sealed) < 24 {
		return "", fmt.Errorf("sealed value too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &b.key)
	if !ok {
		return "", fmt.Errorf("failed to open sealed value")
	}
	return string(plaintext), nil
}

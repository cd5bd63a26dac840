package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the shortest accepted server secret
const MinSecretLength = 32

// ErrSealedValue is returned when a sealed value fails to open
var ErrSealedValue = errors.New("sealed value is corrupt or was sealed with another key")

// Keyring holds the keys derived from the server secret. Each purpose gets
// its own key so that no key is used for two jobs.
type Keyring struct {
	jwtKey  []byte
	urlKey  []byte
	sealKey []byte
}

// NewKeyring derives the session, URL signing and sealing keys from secret
func NewKeyring(secret string) (*Keyring, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("secret key must be at least %d characters", MinSecretLength)
	}

	derive := func(info string, n int) ([]byte, error) {
		key := make([]byte, n)
		r := hkdf.New(sha256.New, []byte(secret), nil, []byte("pub-registry "+info))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("failed to derive %s key: %w", info, err)
		}
		return key, nil
	}

	jwtKey, err := derive("session", 32)
	if err != nil {
		return nil, err
	}
	urlKey, err := derive("url", 32)
	if err != nil {
		return nil, err
	}
	sealKey, err := derive("seal", chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}

	return &Keyring{jwtKey: jwtKey, urlKey: urlKey, sealKey: sealKey}, nil
}

// URLKey returns the key for signing blob URLs
func (k *Keyring) URLKey() []byte {
	return k.urlKey
}

// Seal encrypts plaintext for storage at rest
func (k *Keyring) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(k.sealKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal
func (k *Keyring) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrSealedValue
	}

	aead, err := chacha20poly1305.NewX(k.sealKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrSealedValue
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrSealedValue
	}
	return string(plain), nil
}

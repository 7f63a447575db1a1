// Package crypto provides authenticated encryption for credential values
// stored at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	keyLen   = 32
	nonceLen = 12
	tagLen   = 16
)

var (
	// ErrInvalidFormat means an encoded value does not have the
	// iv:tag:ciphertext shape.
	ErrInvalidFormat = errors.New("crypto: invalid encoded format")
	// ErrAuthenticationFailed means the ciphertext was tampered with or was
	// encrypted under a different key.
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")
)

// Cipher encrypts and decrypts strings with AES-256-GCM. Encoded values have
// the form <iv_hex>:<tag_hex>:<ciphertext_hex>; the ciphertext segment is
// empty for empty plaintext.
type Cipher struct {
	aead cipher.AEAD
}

// New creates a Cipher from a 64-character hex key (32 bytes).
func New(keyHex string) (*Cipher, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: key is not valid hex: %w", err)
	}
	if len(key) != keyLen {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", keyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plain under a fresh random IV, so two calls with the same
// input produce different output.
func (c *Cipher) Encrypt(plain string) (string, error) {
	iv := make([]byte, nonceLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("crypto: generate iv: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, []byte(plain), nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens an encoded value. Anything that is not three hex segments
// with a well-formed IV fails with ErrInvalidFormat; a value that does not
// authenticate fails with ErrAuthenticationFailed.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", ErrInvalidFormat
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != nonceLen {
		return "", ErrInvalidFormat
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", ErrInvalidFormat
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrInvalidFormat
	}
	plain, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	return string(plain), nil
}

// Package auth implements browser authentication for the gateway: the signed
// session cookie, the short-lived WebSocket upgrade ticket, and Google
// sign-in for the single allow-listed identity.
package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const minSecretLen = 32

var (
	// ErrWeakSecret is returned by the signer constructors when the app
	// secret is too short to sign anything with.
	ErrWeakSecret = errors.New("auth: secret must be at least 32 characters")
	// ErrUnauthorized means a token or code could not be verified.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrIdentityNotAllowed means sign-in succeeded but the identity is not
	// the allow-listed one.
	ErrIdentityNotAllowed = errors.New("auth: identity not on the allow list")
)

// deriveKey expands the app secret into an independent 32-byte MAC key.
// Cookie and ticket keys are separated so the two token families can never
// be swapped for one another.
func deriveKey(secret, info string) ([]byte, error) {
	if len(secret) < minSecretLen {
		return nil, ErrWeakSecret
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("auth: derive key: %w", err)
	}
	return key, nil
}

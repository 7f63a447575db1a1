package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// CookieName is the session cookie issued after sign-in.
const CookieName = "gatehouse_session"

// CookieSigner mints and verifies signed session cookie values of the form
// <token>.<base64url(hmac_sha256(key, token))>.
type CookieSigner struct {
	key []byte
}

// NewCookieSigner derives the cookie MAC key from the app secret.
func NewCookieSigner(secret string) (*CookieSigner, error) {
	key, err := deriveKey(secret, "gatehouse session cookie v1")
	if err != nil {
		return nil, err
	}
	return &CookieSigner{key: key}, nil
}

// Mint generates a fresh opaque token and returns the signed cookie value.
func (s *CookieSigner) Mint() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	return token + "." + s.sign(token), nil
}

// Verify checks a cookie value in constant time and returns the embedded
// token. A value with a missing separator, a tampered byte, or a signature
// from a different secret is rejected.
func (s *CookieSigner) Verify(value string) (string, bool) {
	parts := strings.Split(value, ".")
	if len(parts) != 2 || parts[0] == "" {
		return "", false
	}
	want, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(parts[0]))
	if !hmac.Equal(mac.Sum(nil), want) {
		return "", false
	}
	return parts[0], true
}

func (s *CookieSigner) sign(payload string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

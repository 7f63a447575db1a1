package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TicketTTL is how long a WebSocket upgrade ticket stays valid. Tickets exist
// because browsers do not reliably attach cookies to WebSocket upgrades.
const TicketTTL = 30 * time.Second

// TicketIssuer mints and verifies stateless upgrade tickets of the form
// <ms_base36>.<nonce_b64url>.<base64url(hmac_sha256(key, payload))> where
// payload is the first two segments joined by ".".
type TicketIssuer struct {
	key []byte
}

// NewTicketIssuer derives the ticket MAC key from the app secret.
func NewTicketIssuer(secret string) (*TicketIssuer, error) {
	key, err := deriveKey(secret, "gatehouse ws ticket v1")
	if err != nil {
		return nil, err
	}
	return &TicketIssuer{key: key}, nil
}

// Mint issues a ticket bound to now.
func (t *TicketIssuer) Mint(now time.Time) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("auth: generate ticket nonce: %w", err)
	}
	payload := strconv.FormatInt(now.UnixMilli(), 36) + "." + base64.RawURLEncoding.EncodeToString(nonce)
	return payload + "." + t.sign(payload), nil
}

// Verify reports whether the ticket authenticates and was issued less than
// TicketTTL before now. Garbled tickets, an empty timestamp segment, or a MAC
// of the wrong length are all rejected without error.
func (t *TicketIssuer) Verify(ticket string, now time.Time) bool {
	parts := strings.Split(ticket, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return false
	}
	want, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, t.key)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(mac.Sum(nil), want) {
		return false
	}
	issuedMs, err := strconv.ParseInt(parts[0], 36, 64)
	if err != nil {
		return false
	}
	return now.Sub(time.UnixMilli(issuedMs)) < TicketTTL
}

func (t *TicketIssuer) sign(payload string) string {
	mac := hmac.New(sha256.New, t.key)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

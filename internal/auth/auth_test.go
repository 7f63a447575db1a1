package auth

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "test-secret-at-least-32-chars-long!!"

func newTestCookieSigner(t *testing.T) *CookieSigner {
	t.Helper()
	s, err := NewCookieSigner(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestTicketIssuer(t *testing.T) *TicketIssuer {
	t.Helper()
	ti, err := NewTicketIssuer(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	return ti
}

func TestSignerRejectsShortSecret(t *testing.T) {
	if _, err := NewCookieSigner("short"); err != ErrWeakSecret {
		t.Errorf("NewCookieSigner: got %v, want ErrWeakSecret", err)
	}
	if _, err := NewTicketIssuer(strings.Repeat("x", 31)); err != ErrWeakSecret {
		t.Errorf("NewTicketIssuer: got %v, want ErrWeakSecret", err)
	}
}

func TestCookieMintVerify(t *testing.T) {
	s := newTestCookieSigner(t)

	value, err := s.Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	token, ok := s.Verify(value)
	if !ok {
		t.Fatal("Verify rejected a freshly minted cookie")
	}
	if token == "" || token != strings.Split(value, ".")[0] {
		t.Errorf("Verify returned token %q, want first segment of %q", token, value)
	}

	// Two mints produce different opaque tokens.
	value2, err := s.Mint()
	if err != nil {
		t.Fatal(err)
	}
	if value == value2 {
		t.Error("two minted cookies are identical")
	}
}

func TestCookieVerifyRejectsTampering(t *testing.T) {
	s := newTestCookieSigner(t)
	value, err := s.Mint()
	if err != nil {
		t.Fatal(err)
	}

	// Flip one byte of the token segment.
	b := []byte(value)
	if b[0] == 'A' {
		b[0] = 'B'
	} else {
		b[0] = 'A'
	}
	if _, ok := s.Verify(string(b)); ok {
		t.Error("Verify accepted a tampered token segment")
	}

	// Flip one byte of the signature segment.
	b = []byte(value)
	last := len(b) - 1
	if b[last] == 'A' {
		b[last] = 'B'
	} else {
		b[last] = 'A'
	}
	if _, ok := s.Verify(string(b)); ok {
		t.Error("Verify accepted a tampered signature segment")
	}
}

func TestCookieVerifyRejectsWrongSecret(t *testing.T) {
	s := newTestCookieSigner(t)
	other, err := NewCookieSigner("another-secret-also-32-chars-long!!!")
	if err != nil {
		t.Fatal(err)
	}

	value, err := s.Mint()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := other.Verify(value); ok {
		t.Error("cookie minted under one secret verified under another")
	}
}

func TestCookieVerifyRejectsMalformed(t *testing.T) {
	s := newTestCookieSigner(t)
	for _, v := range []string{
		"",
		"noseparator",
		".signatureonly",
		"a.b.c",
		"token.!!!not-base64!!!",
	} {
		if _, ok := s.Verify(v); ok {
			t.Errorf("Verify(%q) accepted", v)
		}
	}
}

func TestTicketMintVerify(t *testing.T) {
	ti := newTestTicketIssuer(t)
	now := time.Now()

	ticket, err := ti.Mint(now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if !ti.Verify(ticket, now) {
		t.Error("freshly minted ticket rejected")
	}
	if !ti.Verify(ticket, now.Add(29*time.Second)) {
		t.Error("ticket rejected inside the validity window")
	}
	if ti.Verify(ticket, now.Add(30*time.Second)) {
		t.Error("ticket accepted at the validity boundary")
	}
	if ti.Verify(ticket, now.Add(5*time.Minute)) {
		t.Error("expired ticket accepted")
	}
}

func TestTicketVerifyRejectsTampering(t *testing.T) {
	ti := newTestTicketIssuer(t)
	now := time.Now()
	ticket, err := ti.Mint(now)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(ticket, ".")
	if len(parts) != 3 {
		t.Fatalf("ticket = %q, want 3 segments", ticket)
	}

	// Tamper each segment in turn.
	for i := range parts {
		tampered := make([]string, 3)
		copy(tampered, parts)
		tampered[i] = tampered[i][:len(tampered[i])-1] + "X"
		if ti.Verify(strings.Join(tampered, "."), now) {
			t.Errorf("ticket with tampered segment %d accepted", i)
		}
	}

	// Truncated MAC (different byte length) is rejected without panicking.
	short := parts[0] + "." + parts[1] + "." + parts[2][:8]
	if ti.Verify(short, now) {
		t.Error("ticket with truncated MAC accepted")
	}
}

func TestTicketVerifyRejectsMalformed(t *testing.T) {
	ti := newTestTicketIssuer(t)
	now := time.Now()
	for _, v := range []string{
		"",
		"one",
		"two.segments",
		".nonce.sig", // empty timestamp
		"ts..sig",    // empty nonce
		"a.b.c.d",
	} {
		if ti.Verify(v, now) {
			t.Errorf("Verify(%q) accepted", v)
		}
	}
}

func TestTicketDifferentSecret(t *testing.T) {
	ti := newTestTicketIssuer(t)
	other, err := NewTicketIssuer("another-secret-also-32-chars-long!!!")
	if err != nil {
		t.Fatal(err)
	}

	ticket, err := ti.Mint(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if other.Verify(ticket, time.Now()) {
		t.Error("ticket minted under one secret verified under another")
	}
}

// Cookie and ticket keys are derived with different HKDF info strings, so a
// cookie value can never pass as a ticket even though both come from the same
// app secret.
func TestCookieAndTicketKeysDiffer(t *testing.T) {
	s := newTestCookieSigner(t)
	ti := newTestTicketIssuer(t)

	if string(s.key) == string(ti.key) {
		t.Error("cookie and ticket MAC keys are identical")
	}
}

// Package debuglog keeps a bounded in-memory ring of recent log entries so the
// debug endpoint can show what the gateway has been doing without shell access.
// Entries are scrubbed of credentials before they are stored.
package debuglog

import (
	"regexp"
	"sync"
	"time"
)

// Capacity is the number of entries retained before the oldest are dropped.
const Capacity = 200

// Entry is a single captured log record.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Tag     string    `json:"tag,omitempty"`
	Message string    `json:"message"`
}

var (
	tokenFieldPattern = regexp.MustCompile(`"(access_token|refresh_token|id_token|client_secret|token)"\s*:\s*"[^"]*"`)
	bearerPattern     = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)
	apiKeyPattern     = regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]+`)
	jwtPattern        = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`)
)

// Scrub masks credentials that may appear in log output: bearer headers, token
// fields in JSON bodies, API keys, and anything shaped like a JWT.
func Scrub(s string) string {
	s = tokenFieldPattern.ReplaceAllString(s, `"$1":"[redacted]"`)
	s = bearerPattern.ReplaceAllString(s, "Bearer [redacted]")
	s = apiKeyPattern.ReplaceAllString(s, "[redacted]")
	s = jwtPattern.ReplaceAllString(s, "[redacted]")
	return s
}

// Buffer is a fixed-capacity ring of log entries. Safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	head    int // index of the oldest entry
	count   int
}

// NewBuffer creates a ring buffer holding up to capacity entries.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = Capacity
	}
	return &Buffer{entries: make([]Entry, capacity)}
}

// Add scrubs message and appends it to the ring, evicting the oldest entry
// once the ring is full.
func (b *Buffer) Add(level, tag, message string) {
	e := Entry{
		Time:    time.Now(),
		Level:   level,
		Tag:     tag,
		Message: Scrub(message),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	idx := (b.head + b.count) % len(b.entries)
	b.entries[idx] = e
	if b.count < len(b.entries) {
		b.count++
	} else {
		b.head = (b.head + 1) % len(b.entries)
	}
}

// Entries returns a snapshot of the buffered entries, oldest first.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.entries[(b.head+i)%len(b.entries)]
	}
	return out
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head, b.count = 0, 0
}

// Package secmem wraps in-memory secrets (XMPP passwords, the REST shared
// secret) so they are zeroable on shutdown and never
// leak through logging, formatting, or serialization by accident.
package secmem

import (
	"crypto/subtle"
	"fmt"
	"sync"
	"sync/atomic"
)

// SecureString holds sensitive data with best-effort memory zeroing.
// Go's GC may copy the backing array, so this is defense-in-depth, not a
// guarantee. Call Zero() in shutdown paths to overwrite the secret in place.
//
// Every formatting and serialization surface (String, GoString, Format,
// MarshalText, MarshalJSON) yields "[REDACTED]"; the plaintext is only
// reachable through Reveal.
type SecureString struct {
	mu         sync.Mutex
	data       []byte
	zeroed     bool
	warnedOnce atomic.Bool
}

const redacted = "[REDACTED]"

// NewSecureString creates a SecureString from the given string.
func NewSecureString(s string) *SecureString {
	b := make([]byte, len(s))
	copy(b, s)
	return &SecureString{data: b}
}

// Reveal returns the plaintext value. After Zero it returns "" and records
// (once) that a zeroed secret was read, which indicates a use-after-shutdown
// ordering bug in the caller.
func (s *SecureString) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.zeroed {
		s.warnedOnce.CompareAndSwap(false, true)
		return ""
	}
	return string(s.data)
}

// IsEmpty reports whether s holds no data (never set, or already zeroed).
func (s *SecureString) IsEmpty() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data) == 0
}

// IsZeroed reports whether Zero has been called. A nil SecureString was
// never populated, so it reports false.
func (s *SecureString) IsZeroed() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zeroed
}

// EqualString compares s against v in constant time. An empty SecureString
// never compares equal to anything, including the empty string.
func (s *SecureString) EqualString(v string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.zeroed || len(s.data) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(s.data, []byte(v)) == 1
}

// String satisfies fmt.Stringer with the redacted placeholder.
func (s *SecureString) String() string { return redacted }

// GoString prevents leakage via fmt.Printf("%#v", token).
func (s *SecureString) GoString() string { return redacted }

// Format redacts every fmt verb, including %q and %#v, which would
// otherwise re-quote or re-derive the value around Stringer.
func (s *SecureString) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, redacted)
}

// MarshalText redacts the value in text-based serializers.
func (s *SecureString) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// MarshalJSON redacts the value in JSON output.
func (s *SecureString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// UnmarshalJSON always fails: secrets enter the process through config
// resolution, never by deserializing arbitrary JSON into a SecureString.
func (s *SecureString) UnmarshalJSON([]byte) error {
	return fmt.Errorf("secmem: SecureString cannot be unmarshaled")
}

// Zero overwrites the backing byte slice with zeros.
func (s *SecureString) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
	s.zeroed = true
}

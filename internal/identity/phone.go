// Package identity canonicalizes the identifiers the engine compares:
// phone numbers reduced to digits. Both the flow controller and the
// dispatcher route through here so identity semantics never diverge
// between the two sides of the job state machine.
package identity

import (
	"errors"
	"strings"
)

// MinPhoneDigits is the shortest phone number accepted anywhere.
const MinPhoneDigits = 8

var ErrInvalidPhone = errors.New("phone must contain at least 8 digits")

// CanonicalPhone strips everything but digits from a phone-like identifier
// (including WhatsApp JIDs such as "4915112345678@s.whatsapp.net") and
// validates the minimum length.
func CanonicalPhone(s string) (string, error) {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < MinPhoneDigits {
		return "", ErrInvalidPhone
	}
	return digits, nil
}

// IsGroupChat reports whether a canonical target identifier refers to a
// WhatsApp group rather than a single user.
func IsGroupChat(id string) bool {
	return strings.HasSuffix(id, "@g.us")
}

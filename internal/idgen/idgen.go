// Package idgen generates the 12-character [a-z0-9] identifiers used for
// subdomains, request ids, and WebSocket stream ids, and validates
// subdomain labels against DNS-label constraints.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Length is the number of characters generated for an identifier.
const Length = 12

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// New draws a cryptographically seeded random Length-character identifier
// from the alphabet [a-z0-9].
func New() (string, error) {
	b := make([]byte, Length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("drawing random index: %w", err)
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b), nil
}

// MustNew draws an identifier, panicking on entropy-source failure (which
// should never happen on a supported platform), treating rand failures as
// fatal rather than threading an error through call sites that cannot
// meaningfully recover.
func MustNew() string {
	id, err := New()
	if err != nil {
		panic(err)
	}
	return id
}

// ValidateSubdomain checks a subdomain label against
// ^[a-z0-9]([a-z0-9-]*[a-z0-9])?$ with length 1..63.
func ValidateSubdomain(s string) error {
	if len(s) == 0 || len(s) > 63 {
		return fmt.Errorf("subdomain length %d out of range 1..63", len(s))
	}
	if !subdomainPattern.MatchString(s) {
		return fmt.Errorf("subdomain %q does not match required pattern", s)
	}
	return nil
}

// SanitizePrefix lowercases a user-supplied subdomain prefix and strips any
// character outside [a-z0-9-], collapsing repeated hyphens and trimming
// leading/trailing hyphens so the result satisfies ValidateSubdomain (when
// non-empty).
func SanitizePrefix(prefix string) string {
	lower := strings.ToLower(prefix)
	var b strings.Builder
	lastHyphen := false
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case r == '-':
			if !lastHyphen && b.Len() > 0 {
				b.WriteRune('-')
				lastHyphen = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > 63 {
		out = out[:63]
		out = strings.TrimRight(out, "-")
	}
	return out
}

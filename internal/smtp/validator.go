package smtp

import (
	"errors"
	"net/mail"
	"strings"
)

var errInvalidAddress = errors.New("invalid email address")

// ValidateEmailAddress accepts a bare envelope address: no display name,
// a local part, and a dotted domain.
func ValidateEmailAddress(addr string) error {
	if addr == "" || (strings.ContainsAny(addr, "<> \t") && !strings.HasPrefix(addr, "\"")) {
		return errInvalidAddress
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return err
	}
	if parsed.Name != "" || !IsValidDomain(ExtractDomain(parsed.Address)) {
		return errInvalidAddress
	}
	return nil
}

// ExtractDomain returns the part after the last "@", or "" when there is
// none.
func ExtractDomain(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 || i == len(email)-1 {
		return ""
	}
	return email[i+1:]
}

// IsValidDomain is a shape check: at least one dot, not leading or trailing.
func IsValidDomain(domain string) bool {
	if domain == "" || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return false
	}
	return strings.Contains(domain, ".")
}

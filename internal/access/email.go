package access

import (
	"slices"
	"strings"

	"field-access-control/internal/domain"
)

// ValidEmail performs a shallow syntax check. Addresses are confirmed by the
// one time login code, not here.
func ValidEmail(email string) error {
	if email == "" {
		return domain.Invalid("email is required")
	}

	// Must contain "@" and not be the first or last character
	at := strings.Index(email, "@")
	if at < 1 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") {
		return domain.Invalid("invalid email format")
	}

	return nil
}

// NormalizeEmail lower cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalize(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

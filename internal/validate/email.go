// Package validate normalizes and checks the addresses and endpoints the
// service accepts from configuration and upstream systems.
package validate

import (
	"errors"
	"regexp"
	"strings"
)

// Validation errors.
var (
	ErrEmpty        = errors.New("value is empty")
	ErrTooLong      = errors.New("value is too long")
	ErrInvalidEmail = errors.New("invalid email format")
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-']+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Email validates an address and returns it lowercased and trimmed.
// Length limits follow RFC 5321.
func Email(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrEmpty
	}
	if len(email) > 254 {
		return "", ErrTooLong
	}
	if !emailPattern.MatchString(email) {
		return "", ErrInvalidEmail
	}

	local, domain, _ := strings.Cut(email, "@")
	if len(local) > 64 {
		return "", ErrTooLong
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(email, "..") {
		return "", ErrInvalidEmail
	}
	if strings.HasPrefix(domain, "-") || strings.HasPrefix(domain, ".") {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// Emails normalizes a batch, dropping duplicates while keeping first-seen
// order. Invalid entries are returned separately.
func Emails(in []string) (valid []string, invalid []string) {
	seen := make(map[string]bool, len(in))
	for _, raw := range in {
		email, err := Email(raw)
		if err != nil {
			invalid = append(invalid, raw)
			continue
		}
		if seen[email] {
			continue
		}
		seen[email] = true
		valid = append(valid, email)
	}
	return valid, invalid
}

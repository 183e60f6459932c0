package validate

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// URL validation errors.
var (
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrDisallowedScheme = errors.New("URL scheme not allowed")
)

// URLConstraints restricts accepted URLs.
type URLConstraints struct {
	AllowedSchemes []string
	MaxLength      int
	// AllowPath permits a path component; endpoints that are only hosts
	// reject it.
	AllowPath bool
}

// Constraints for the kinds of endpoints in configuration.
var (
	// HTTPSEndpoint is an upstream REST API root.
	HTTPSEndpoint = URLConstraints{AllowedSchemes: []string{"https"}, MaxLength: 2048, AllowPath: true}
	// DevHTTPEndpoint also allows plain http for local stubs.
	DevHTTPEndpoint = URLConstraints{AllowedSchemes: []string{"https", "http"}, MaxLength: 2048, AllowPath: true}
	// DatabaseURL accepts Postgres connection URLs.
	DatabaseURL = URLConstraints{AllowedSchemes: []string{"postgres", "postgresql"}, AllowPath: true}
	// NATSURL accepts NATS server URLs.
	NATSURL = URLConstraints{AllowedSchemes: []string{"nats", "tls"}}
	// RedisURL accepts go-redis connection URLs.
	RedisURL = URLConstraints{AllowedSchemes: []string{"redis", "rediss"}, AllowPath: true}
)

// URL parses raw and checks it against c. The returned URL has no trailing
// slash in its path.
func URL(raw string, c URLConstraints) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmpty
	}
	if c.MaxLength > 0 && len(raw) > c.MaxLength {
		return nil, fmt.Errorf("%w: URL exceeds %d characters", ErrTooLong, c.MaxLength)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if len(c.AllowedSchemes) > 0 && !slices.Contains(c.AllowedSchemes, u.Scheme) {
		return nil, fmt.Errorf("%w: got %q, allowed: %v", ErrDisallowedScheme, u.Scheme, c.AllowedSchemes)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing hostname", ErrInvalidURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	if !c.AllowPath && u.Path != "" {
		return nil, fmt.Errorf("%w: unexpected path %q", ErrInvalidURL, u.Path)
	}
	return u, nil
}

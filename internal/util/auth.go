package util

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrMissingAuthHeader is returned when the Authorization header is missing
	ErrMissingAuthHeader = errors.New("missing Authorization header")
	// ErrInvalidAuthHeader is returned when the Authorization header format is invalid
	ErrInvalidAuthHeader = errors.New("invalid Authorization header format")
)

// ExtractBearerToken extracts the session token from an Authorization header.
// It expects the format "Bearer <token>" and returns the token part.
//
// Returns:
//   - token string if successful
//   - error if header is missing or malformed
//
// Example:
//
//	token, err := util.ExtractBearerToken(authHeader)
//	if err != nil {
//	    return err
//	}
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}

	// Check for "Bearer " prefix
	const bearerPrefix = "Bearer "
	const bearerPrefixLen = 7

	if len(authHeader) <= bearerPrefixLen || authHeader[:bearerPrefixLen] != bearerPrefix {
		return "", ErrInvalidAuthHeader
	}

	token := authHeader[bearerPrefixLen:]
	if token == "" {
		return "", ErrInvalidAuthHeader
	}

	return token, nil
}

// ConstantTimeEqual compares two secrets without leaking their common prefix
// length through timing.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ParseNetworks parses a comma separated list of CIDR ranges. Bare addresses
// are accepted as single-host ranges.
//
// Example:
//
//	nets, err := util.ParseNetworks("10.0.0.0/8, 192.168.1.7")
func ParseNetworks(list string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			ip := net.ParseIP(part)
			if ip == nil {
				return nil, fmt.Errorf("invalid network %q", part)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(part)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", part, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// IPInNetworks reports whether ip falls in any of nets
func IPInNetworks(ip string, nets []*net.IPNet) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// ContainsWeakPattern checks if a string contains any weak patterns.
// This is used for password and secret validation.
//
// Example:
//
//	if util.ContainsWeakPattern(secret, weakSecrets) {
//	    return errors.New("secret contains weak pattern")
//	}
func ContainsWeakPattern(s string, weakPatterns []string) (bool, string) {
	lowerS := strings.ToLower(s)
	for _, pattern := range weakPatterns {
		if strings.Contains(lowerS, pattern) {
			return true, pattern
		}
	}
	return false, ""
}

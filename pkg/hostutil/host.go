// Package hostutil validates host names taken from operator input: camera
// source URLs and configured service hosts.
package hostutil

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var ErrBadHost = errors.New("bad host")

// ValidateHost accepts an IP literal, with or without IPv6 brackets, or an
// RFC 1123 hostname. Ports are not accepted.
func ValidateHost(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrBadHost)
	}
	host := raw
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
		if ip := net.ParseIP(host); ip == nil || ip.To4() != nil {
			return fmt.Errorf("%w: bad IPv6 literal '%s'", ErrBadHost, raw)
		}
		return nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return nil
	}
	if strings.Contains(host, ":") {
		return fmt.Errorf("%w: bad IPv6 literal '%s'", ErrBadHost, raw)
	}
	if dottedDigits(host) {
		return fmt.Errorf("%w: bad IPv4 address '%s'", ErrBadHost, raw)
	}
	if !validHostname(host) {
		return fmt.Errorf("%w: bad hostname '%s'", ErrBadHost, raw)
	}
	return nil
}

// dottedDigits reports whether s is digits and dots only, i.e. meant as IPv4.
func dottedDigits(s string) bool {
	return strings.Trim(s, "0123456789.") == "" && strings.Contains(s, ".")
}

func validHostname(s string) bool {
	if len(s) > 253 {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if len(label) < 1 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-') {
				return false
			}
		}
	}
	return true
}

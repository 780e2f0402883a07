package security

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// Scheme sets accepted by ValidateEndpoint.
var (
	HTTPSchemes      = []string{"http", "https"}
	WebSocketSchemes = []string{"ws", "wss"}
)

// ValidateEndpoint checks an operator supplied vendor URL before any
// client is built from it. Hostnames are not resolved; literal addresses
// in link-local (cloud metadata), multicast and unspecified ranges are
// refused. Loopback and private addresses stay allowed so self-hosted
// gateways and test servers work.
func ValidateEndpoint(raw string, schemes []string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if !slices.Contains(schemes, strings.ToLower(u.Scheme)) {
		return fmt.Errorf("invalid URL scheme %q (only %v allowed)", u.Scheme, schemes)
	}
	if u.User != nil {
		return fmt.Errorf("URL must not embed credentials")
	}
	return ValidateHost(u.Hostname())
}

// ValidateHost checks a bare host name or literal IP
func ValidateHost(host string) error {
	if host == "" {
		return fmt.Errorf("missing host")
	}
	if strings.ContainsAny(host, "/?#@ ") {
		return fmt.Errorf("invalid host %q", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		return ValidateIP(ip)
	}
	return nil
}

// ValidateIP refuses addresses a vendor endpoint never lives on
func ValidateIP(ip net.IP) error {
	switch {
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified address not allowed: %s", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local address not allowed: %s", ip)
	case ip.IsMulticast():
		return fmt.Errorf("multicast address not allowed: %s", ip)
	}
	return nil
}

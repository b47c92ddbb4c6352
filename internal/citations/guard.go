// Package citations resolves the source URLs claimed by wave outputs and
// produces the citation report. Every candidate URL passes a safety guard
// before any network activity; unsafe targets are rejected outright, they
// are never "unreachable".
package citations

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// GuardError explains why a URL was rejected before fetching.
type GuardError struct {
	URL    string
	Reason string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("unsafe url %s: %s", e.URL, e.Reason)
}

// Guard rejects URLs that must never be fetched: non-HTTP schemes, embedded
// credentials, and hosts that resolve into loopback, private, or link-local
// address space. Literal IPs are judged without any DNS lookup.
func Guard(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &GuardError{URL: raw, Reason: "unparseable"}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return &GuardError{URL: raw, Reason: "scheme " + scheme + " is not allowed"}
	}
	if u.User != nil {
		return &GuardError{URL: raw, Reason: "embedded credentials"}
	}
	host := u.Hostname()
	if host == "" {
		return &GuardError{URL: raw, Reason: "empty host"}
	}
	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return &GuardError{URL: raw, Reason: "localhost"}
	}
	if ip := net.ParseIP(host); ip != nil {
		if reason := unsafeAddress(ip); reason != "" {
			return &GuardError{URL: raw, Reason: reason}
		}
	}
	return nil
}

// GuardResolved applies the same address checks to an already-resolved IP.
// The HTTP client calls this on dial so DNS answers cannot smuggle a public
// hostname into private address space.
func GuardResolved(ip net.IP) error {
	if reason := unsafeAddress(ip); reason != "" {
		return fmt.Errorf("resolved to %s address %s", reason, ip)
	}
	return nil
}

func unsafeAddress(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "loopback"
	case ip.IsPrivate():
		return "private"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "link-local"
	case ip.IsUnspecified():
		return "unspecified"
	}
	return ""
}

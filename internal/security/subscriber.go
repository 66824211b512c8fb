package security

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Hostnames that never belong in a webhook subscription, whatever they
// resolve to.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.google":          true,
}

// ValidateSubscriberURL checks that a webhook subscriber URL is safe to
// call from the server. It refuses loopback, private, link-local, and
// unspecified destinations, for the literal host and for every address
// the host resolves to.
func ValidateSubscriberURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}

	lower := strings.ToLower(host)
	if blockedHosts[lower] || strings.HasSuffix(lower, ".internal") {
		return fmt.Errorf("URL host %q is not allowed", host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	resolved, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, a := range resolved {
		addr, err := netip.ParseAddr(a)
		if err != nil {
			continue
		}
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case addr.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case addr.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}

// Package security holds the URL checks shared by the renderer and the
// page backend client.
package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// SafeURL reports whether raw may be emitted in an href or src attribute of
// rendered page content. Relative references, fragments and http(s)/mailto/tel
// links pass; script-capable schemes such as javascript: and data: do not.
// The returned string is trimmed of surrounding whitespace.
func SafeURL(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	// Browsers drop control characters and whitespace inside schemes
	// ("java\tscript:"), so check a squeezed copy.
	squeezed := strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return -1
		}
		return r
	}, s)

	u, err := url.Parse(squeezed)
	if err != nil {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "":
		// A colon before the first slash would be read as a scheme by browsers.
		if i := strings.IndexByte(squeezed, ':'); i >= 0 {
			if j := strings.IndexAny(squeezed, "/?#"); j < 0 || i < j {
				return "", false
			}
		}
		return s, true
	case "http", "https", "mailto", "tel":
		return s, true
	}
	return "", false
}

// UpstreamPolicy controls which hosts the page backend client may reach.
type UpstreamPolicy struct {
	// AllowPrivate permits loopback and private network hosts. Deployments
	// that run the page backend next to the engine set this.
	AllowPrivate bool
}

// ValidateUpstreamURL rejects backend URLs that could be used to reach
// internal infrastructure: non-http(s) schemes, localhost, loopback, private,
// link-local and unspecified addresses. Private targets pass when the policy
// allows them; link-local (cloud metadata) never does.
func ValidateUpstreamURL(rawURL string, policy UpstreamPolicy) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}

	ip := net.ParseIP(host)
	if ip != nil && (ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()) {
		return fmt.Errorf("requests to link-local addresses are not allowed")
	}
	if policy.AllowPrivate {
		return nil
	}

	hostLower := strings.ToLower(host)
	if hostLower == "localhost" || hostLower == "localhost.localdomain" {
		return fmt.Errorf("requests to localhost are not allowed")
	}
	if ip == nil {
		// Hostnames are not resolved here.
		return nil
	}
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("requests to loopback addresses are not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("requests to private network addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("requests to unspecified addresses are not allowed")
	}
	return nil
}

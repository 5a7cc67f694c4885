package syntax

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var hostnameRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// A normalized node domain: lower-case hostname, no scheme or path. The only allowed port is on the literal 'localhost' host.
type Domain string

// Parses, normalizes, and validates a raw URL or bare hostname in to a node domain.
//
// Hostnames must be DNS names, not IP addresses. noSSL indicates the input explicitly asked for plain http://.
func ParseDomain(raw string) (d Domain, noSSL bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("expected node domain, got empty string")
	}

	// handle case of bare hostname
	if !strings.Contains(raw, "://") {
		if strings.HasPrefix(raw, "localhost:") {
			raw = "http://" + raw
		} else {
			raw = "https://" + raw
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("invalid node domain: %w", err)
	}
	switch u.Scheme {
	case "https":
		// pass
	case "http":
		noSSL = true
	default:
		return "", false, fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		return "", false, fmt.Errorf("node domain must not have a path: %s", u.Path)
	}

	// 'localhost' (exact string) is allowed *with* a required port number
	if u.Hostname() == "localhost" {
		if u.Port() == "" {
			return "", false, fmt.Errorf("port number is required for localhost")
		}
		return Domain(u.Host), noSSL, nil
	}

	if u.Port() != "" {
		return "", false, fmt.Errorf("port number not allowed for non-local names")
	}
	if len(u.Host) > 253 || !hostnameRegex.MatchString(u.Host) {
		return "", false, fmt.Errorf("not a public hostname: %s", u.Host)
	}
	return Domain(strings.ToLower(u.Host)), noSSL, nil
}

func (d Domain) IsLocalhost() bool {
	return strings.HasPrefix(string(d), "localhost:")
}

// Base HTTP URL for the node: scheme and host, no trailing slash. Localhost is always plain http.
func (d Domain) BaseURL() string {
	if d.IsLocalhost() {
		return "http://" + string(d)
	}
	return "https://" + string(d)
}

func (d Domain) String() string {
	return string(d)
}

// Checks whether the domain matches one of the patterns exactly. A leading '*' on a pattern matches any suffix.
func (d Domain) MatchesAny(patterns []string) bool {
	for _, p := range patterns {
		if string(d) == p {
			return true
		}
		if strings.HasPrefix(p, "*") && strings.HasSuffix(string(d), p[1:]) {
			return true
		}
	}
	return false
}

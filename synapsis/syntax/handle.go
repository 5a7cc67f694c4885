package syntax

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var handleRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{1,32}$`)

// String type which represents a syntactically valid local handle: the part of "@alice@node.example" before the node domain.
//
// Handles are unique across the swarm (see the handle registry), so they never carry a domain themselves. Always use [ParseHandle] instead of wrapping strings directly, especially when working with input.
type Handle string

// Parses a local handle, tolerating a single leading '@'. The result is not normalized; see [Handle.Normalize].
func ParseHandle(raw string) (Handle, error) {
	raw = strings.TrimPrefix(raw, "@")
	if raw == "" {
		return "", errors.New("expected handle, got empty string")
	}
	if !handleRegex.MatchString(raw) {
		return "", fmt.Errorf("handle syntax didn't validate via regex: %s", raw)
	}
	return Handle(raw), nil
}

// Splits a qualified handle ("@alice@node.example" or "alice@node.example") in to the local handle and node domain parts.
//
// A bare handle ("alice") is returned with an empty domain.
func SplitQualified(raw string) (Handle, Domain, error) {
	raw = strings.TrimPrefix(raw, "@")
	local, domain, found := strings.Cut(raw, "@")
	h, err := ParseHandle(local)
	if err != nil {
		return "", "", err
	}
	if !found {
		return h.Normalize(), "", nil
	}
	d, _, err := ParseDomain(domain)
	if err != nil {
		return "", "", err
	}
	return h.Normalize(), d, nil
}

// Normalizes a raw handle string for comparison and registry keys: strips any leading '@' and lower-cases. Does not validate.
func NormalizeHandle(raw string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
}

func (h Handle) Normalize() Handle {
	return Handle(NormalizeHandle(string(h)))
}

// Formats the handle qualified with a node domain, eg "alice@node.example"
func (h Handle) Qualified(d Domain) string {
	return fmt.Sprintf("%s@%s", h.Normalize(), d)
}

func (h Handle) String() string {
	return string(h)
}

func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Handle) UnmarshalText(text []byte) error {
	handle, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = handle
	return nil
}

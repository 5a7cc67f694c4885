package syntax

import (
	"fmt"
	"strings"
)

// Decentralized identifier of a user, eg "did:synapsis:alice.node.example".
//
// Users on other nodes may carry any DID method; only the syntax is checked here. Use [ParseDID] on untrusted input.
type DID string

const maxDIDLength = 2048

// methods whose identifiers are case-insensitive, and compared lower-cased
var caseInsensitiveMethods = map[string]bool{
	"synapsis": true,
	"web":      true,
}

func isMethodChar(c byte) bool {
	return c >= 'a' && c <= 'z'
}

func isIdentifierChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == '-', c == ':', c == '%':
		return true
	}
	return false
}

func ParseDID(raw string) (DID, error) {
	if raw == "" {
		return "", fmt.Errorf("expected DID, got empty string")
	}
	if len(raw) > maxDIDLength {
		return "", fmt.Errorf("DID is too long (%d chars max)", maxDIDLength)
	}
	rest, ok := strings.CutPrefix(raw, "did:")
	if !ok {
		return "", fmt.Errorf("DID must start with 'did:'")
	}
	method, ident, ok := strings.Cut(rest, ":")
	if !ok || method == "" || ident == "" {
		return "", fmt.Errorf("DID needs a method and an identifier")
	}
	for i := 0; i < len(method); i++ {
		if !isMethodChar(method[i]) {
			return "", fmt.Errorf("invalid character in DID method: %q", method)
		}
	}
	for i := 0; i < len(ident); i++ {
		if !isIdentifierChar(ident[i]) {
			return "", fmt.Errorf("invalid character in DID identifier at position %d", i)
		}
	}
	// colons and percent-encoding are allowed inside the identifier, but not at the end
	if last := ident[len(ident)-1]; last == ':' || last == '%' {
		return "", fmt.Errorf("DID identifier can not end with %q", last)
	}
	return DID(raw), nil
}

func (d DID) parts() (string, string) {
	rest := strings.TrimPrefix(string(d), "did:")
	method, ident, _ := strings.Cut(rest, ":")
	return method, ident
}

func (d DID) Method() string {
	m, _ := d.parts()
	return strings.ToLower(m)
}

// Everything after the method, eg "alice.node.example".
func (d DID) Identifier() string {
	_, ident := d.parts()
	return ident
}

// Lower-cases DIDs with case-insensitive methods. Others are returned as-is.
func (d DID) Normalize() DID {
	if caseInsensitiveMethods[d.Method()] {
		return DID(strings.ToLower(string(d)))
	}
	return d
}

func (d DID) String() string {
	return string(d)
}

func (d DID) MarshalText() ([]byte, error) {
	return []byte(d), nil
}

func (d *DID) UnmarshalText(text []byte) error {
	did, err := ParseDID(string(text))
	if err != nil {
		return err
	}
	*d = did
	return nil
}

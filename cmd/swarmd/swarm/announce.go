package swarm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/synapsis-social/synapsis/cmd/swarmd/swarm/models"
	"github.com/synapsis-social/synapsis/synapsis/crypto"
	"github.com/synapsis-social/synapsis/synapsis/syntax"

	"github.com/araddon/dateparse"
	"github.com/rivo/uniseg"
)

const (
	// field excluded from the signed bytes of an announcement
	AnnounceSigField = "signature"

	maxNameGraphemes        = 64
	maxDescriptionGraphemes = 500
)

// Self-description a node sends to peers, and returns when announced to.
//
// Signed announcements carry the node key in PublicKey, and a signature over the canonical JSON of the announcement without 'signature'.
type Announce struct {
	Domain          string   `json:"domain"`
	Name            string   `json:"name,omitempty"`
	Description     string   `json:"description,omitempty"`
	LogoURL         string   `json:"logoUrl,omitempty"`
	PublicKey       string   `json:"publicKey,omitempty"`
	SoftwareVersion string   `json:"softwareVersion,omitempty"`
	UserCount       int64    `json:"userCount,omitempty"`
	PostCount       int64    `json:"postCount,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	IsNSFW          bool     `json:"isNsfw,omitempty"`
	Timestamp       string   `json:"timestamp,omitempty"`
	Signature       string   `json:"signature,omitempty"`

	raw []byte
}

// Parses an announcement received from a peer. Unknown fields are kept in the signed bytes, for forwards compatibility.
func ParseAnnounce(raw []byte) (*Announce, error) {
	var a Announce
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAnnounce, err)
	}
	a.raw = bytes.Clone(raw)
	return &a, nil
}

func graphemeLen(s string) int {
	n := 0
	gr := uniseg.NewGraphemes(s)
	for gr.Next() {
		n++
	}
	return n
}

// Checks the syntax of every field, returning the normalized node domain.
func (a *Announce) Validate() (syntax.Domain, bool, error) {
	d, noSSL, err := syntax.ParseDomain(a.Domain)
	if err != nil {
		return "", false, fmt.Errorf("%w: domain: %v", ErrBadAnnounce, err)
	}
	if graphemeLen(a.Name) > maxNameGraphemes {
		return "", false, fmt.Errorf("%w: name too long", ErrBadAnnounce)
	}
	if graphemeLen(a.Description) > maxDescriptionGraphemes {
		return "", false, fmt.Errorf("%w: description too long", ErrBadAnnounce)
	}
	if a.UserCount < 0 || a.PostCount < 0 {
		return "", false, fmt.Errorf("%w: negative counts", ErrBadAnnounce)
	}
	if a.PublicKey != "" {
		if _, err := crypto.ParsePublicMultibase(a.PublicKey); err != nil {
			return "", false, fmt.Errorf("%w: publicKey: %v", ErrBadAnnounce, err)
		}
	}
	if a.LogoURL != "" && !strings.HasPrefix(a.LogoURL, "https://") && !strings.HasPrefix(a.LogoURL, "http://") {
		return "", false, fmt.Errorf("%w: logoUrl must be http(s)", ErrBadAnnounce)
	}
	return d, noSSL, nil
}

// Known capabilities only, in a stable order.
func (a *Announce) NormalizedCapabilities() []string {
	have := map[string]bool{}
	for _, c := range a.Capabilities {
		have[strings.ToLower(strings.TrimSpace(c))] = true
	}
	out := []string{}
	for _, c := range models.AllCapabilities {
		if have[c] {
			out = append(out, c)
		}
	}
	return out
}

// Parses the announcement timestamp, tolerating the formats older nodes emit.
func (a *Announce) Time() (time.Time, error) {
	if a.Timestamp == "" {
		return time.Time{}, nil
	}
	return dateparse.ParseAny(a.Timestamp)
}

func (a *Announce) canonicalBytes() ([]byte, error) {
	raw := a.raw
	if raw == nil {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return crypto.CanonicalizeJSONWithout(raw, AnnounceSigField)
}

func (a *Announce) Bytes() ([]byte, error) {
	if a.raw != nil {
		return a.raw, nil
	}
	return json.Marshal(a)
}

// Stamps, keys, and signs the announcement in place.
func (a *Announce) Sign(priv *crypto.PrivateKeyP256, now time.Time) error {
	a.raw = nil
	a.Signature = ""
	a.PublicKey = priv.PublicKey().Multibase()
	a.Timestamp = now.UTC().Format(time.RFC3339Nano)
	canon, err := a.canonicalBytes()
	if err != nil {
		return err
	}
	sig, err := priv.SignBase64(canon)
	if err != nil {
		return err
	}
	a.Signature = sig
	return nil
}

func (a *Announce) IsSigned() bool {
	return a.Signature != ""
}

// Verifies the signature against the key carried in the announcement. Unsigned announcements return an error.
func (a *Announce) VerifySignature() (*crypto.PublicKeyP256, error) {
	if !a.IsSigned() || a.PublicKey == "" {
		return nil, fmt.Errorf("%w: unsigned", ErrBadAnnounce)
	}
	pub, err := crypto.ParsePublicMultibase(a.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: publicKey: %v", ErrBadAnnounce, err)
	}
	canon, err := a.canonicalBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAnnounce, err)
	}
	if err := pub.VerifyBase64(canon, a.Signature); err != nil {
		return nil, err
	}
	return pub, nil
}

func AnnounceFromNode(n *models.Node) *Announce {
	return &Announce{
		Domain:          n.Domain,
		Name:            n.Name,
		Description:     n.Description,
		LogoURL:         n.LogoURL,
		PublicKey:       n.PublicKey,
		SoftwareVersion: n.SoftwareVersion,
		UserCount:       n.UserCount,
		PostCount:       n.PostCount,
		Capabilities:    n.CapabilityList(),
		IsNSFW:          n.IsNSFW,
	}
}

package swarm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/synapsis-social/synapsis/synapsis/crypto"
	"github.com/synapsis-social/synapsis/synapsis/handles"
	"github.com/synapsis-social/synapsis/synapsis/syntax"
	"github.com/synapsis-social/synapsis/synapsis/verify"

	"github.com/araddon/dateparse"
)

// field excluded from the signed bytes of a handle push
const HandlesPushSigField = "signature"

// Batch of handle registry entries pushed by a node.
//
// Unsigned pushes are merged as relayed gossip. A push signed with the sender's pinned node key gives that node's own entries owner precedence.
type HandlesPush struct {
	Handles   []handles.Entry `json:"handles"`
	Timestamp string          `json:"timestamp,omitempty"`
	Signature string          `json:"signature,omitempty"`

	raw []byte
}

func ParseHandlesPush(raw []byte) (*HandlesPush, error) {
	var p HandlesPush
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, verify.RejectErr(verify.CodeMalformed, err, "invalid handle push")
	}
	p.raw = bytes.Clone(raw)
	return &p, nil
}

func (p *HandlesPush) canonicalBytes() ([]byte, error) {
	raw := p.raw
	if raw == nil {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return crypto.CanonicalizeJSONWithout(raw, HandlesPushSigField)
}

func (p *HandlesPush) Bytes() ([]byte, error) {
	if p.raw != nil {
		return p.raw, nil
	}
	return json.Marshal(p)
}

// Stamps and signs the push in place, with the sending node's key.
func (p *HandlesPush) Sign(priv *crypto.PrivateKeyP256, now time.Time) error {
	p.raw = nil
	p.Signature = ""
	p.Timestamp = now.UTC().Format(time.RFC3339Nano)
	canon, err := p.canonicalBytes()
	if err != nil {
		return err
	}
	sig, err := priv.SignBase64(canon)
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// Returns the domain which may claim owner precedence for this push: the sender, if the push is signed with its pinned key, and otherwise empty.
func (s *Swarm) handlesPushOwner(ctx context.Context, sender syntax.Domain, p *HandlesPush) (syntax.Domain, error) {
	if p.Signature == "" {
		return "", nil
	}
	node, err := s.Nodes.GetNode(ctx, sender)
	if errors.Is(err, ErrNodeNotFound) || (err == nil && node.PublicKey == "") {
		return "", verify.Reject(verify.CodeForbidden, "no pinned key for node %s", sender)
	}
	if err != nil {
		return "", err
	}
	ts, err := dateparse.ParseAny(p.Timestamp)
	if err != nil {
		return "", verify.RejectErr(verify.CodeInvalidTimestamp, err, "invalid handle push timestamp")
	}
	if skew := time.Since(ts); skew > s.Config.ActionWindow || skew < -s.Config.ActionWindow {
		return "", verify.Reject(verify.CodeInvalidTimestamp, "handle push timestamp outside window: %s", p.Timestamp)
	}
	pub, err := crypto.ParsePublicMultibase(node.PublicKey)
	if err != nil {
		return "", err
	}
	canon, err := p.canonicalBytes()
	if err != nil {
		return "", verify.RejectErr(verify.CodeMalformed, err, "invalid handle push")
	}
	if err := pub.VerifyBase64(canon, p.Signature); err != nil {
		verify.LogSecurity(s.Logger, verify.SecurityEvent(verify.CodeInvalidSignature), "handle push signature does not match pinned node key", "node", sender)
		return "", verify.RejectErr(verify.CodeInvalidSignature, err, "handle push signature does not match key for %s", sender)
	}
	return sender, nil
}

// Merges a handle push from another node into the registry.
func (s *Swarm) ImportHandles(ctx context.Context, sender syntax.Domain, p *HandlesPush) (*handles.UpsertResult, error) {
	owner, err := s.handlesPushOwner(ctx, sender, p)
	if err != nil {
		return nil, err
	}
	return s.Handles.Upsert(ctx, p.Handles, owner)
}

package verify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/synapsis-social/synapsis/synapsis/crypto"
	"github.com/synapsis-social/synapsis/synapsis/syntax"
)

// Name of the envelope field which carries the signature, and is excluded from the signed bytes.
const SigField = "sig"

// Signed user action envelope, as sent between nodes and by local clients.
//
// The signature covers the canonical JSON of the whole envelope, minus the 'sig' field.
type SignedAction struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
	DID    string          `json:"did"`
	Handle string          `json:"handle"`
	// unix epoch milliseconds
	TS    int64  `json:"ts"`
	Nonce string `json:"nonce"`
	Sig   string `json:"sig"`

	// the exact bytes received, if parsed from the wire
	raw []byte
}

// Parses a wire envelope. Unknown top-level fields are rejected, so the canonical bytes of the received envelope and of the parsed struct are always identical.
func ParseSignedAction(raw []byte) (*SignedAction, error) {
	var sa SignedAction
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sa); err != nil {
		return nil, RejectErr(CodeMalformed, err, "invalid signed action envelope")
	}
	if err := sa.validate(); err != nil {
		return nil, err
	}
	sa.raw = append([]byte{}, raw...)
	return &sa, nil
}

func (sa *SignedAction) validate() error {
	if sa.Action == "" {
		return Reject(CodeMalformed, "missing action")
	}
	if _, err := syntax.ParseDID(sa.DID); err != nil {
		return RejectErr(CodeMalformed, err, "invalid did")
	}
	if _, err := syntax.ParseHandle(sa.Handle); err != nil {
		return RejectErr(CodeMalformed, err, "invalid handle")
	}
	if sa.TS <= 0 {
		return Reject(CodeMalformed, "missing ts")
	}
	if sa.Nonce == "" || len(sa.Nonce) > 128 {
		return Reject(CodeMalformed, "nonce is required (max 128 chars)")
	}
	if sa.Sig == "" {
		return Reject(CodeMalformed, "missing sig")
	}
	return nil
}

// Canonical bytes which are signed: the envelope without 'sig'.
func (sa *SignedAction) CanonicalBytes() ([]byte, error) {
	raw := sa.raw
	if raw == nil {
		b, err := json.Marshal(sa)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	out, err := crypto.CanonicalizeJSONWithout(raw, SigField)
	if err != nil {
		return nil, RejectErr(CodeMalformed, err, "envelope can not be canonicalized")
	}
	return out, nil
}

// Bytes to send over the wire: the original bytes if this envelope was received, otherwise a fresh encoding.
func (sa *SignedAction) Bytes() ([]byte, error) {
	if sa.raw != nil {
		return sa.raw, nil
	}
	return json.Marshal(sa)
}

func (sa *SignedAction) Time() time.Time {
	return time.UnixMilli(sa.TS)
}

// Builds an unsigned envelope for an interaction. A random nonce is generated.
func NewSignedAction(inter Interaction, did syntax.DID, handle syntax.Handle, now time.Time) (*SignedAction, error) {
	data, err := json.Marshal(inter)
	if err != nil {
		return nil, fmt.Errorf("encoding %s data: %w", inter.Kind(), err)
	}
	return &SignedAction{
		Action: string(inter.Kind()),
		Data:   data,
		DID:    did.String(),
		Handle: handle.Normalize().String(),
		TS:     now.UnixMilli(),
		Nonce:  uuid.NewString(),
	}, nil
}

// Signs the envelope in place, with the actor's key.
func (sa *SignedAction) Sign(priv *crypto.PrivateKeyP256) error {
	sa.raw = nil
	sa.Sig = ""
	canon, err := sa.CanonicalBytes()
	if err != nil {
		return err
	}
	sig, err := priv.SignBase64(canon)
	if err != nil {
		return err
	}
	sa.Sig = sig
	return nil
}

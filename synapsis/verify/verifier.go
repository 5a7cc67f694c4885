package verify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/synapsis-social/synapsis/synapsis/crypto"
	"github.com/synapsis-social/synapsis/synapsis/syntax"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("verify")

// Maximum distance between an action's 'ts' and the local clock, in either direction.
const DefaultWindow = 5 * time.Minute

type Actor struct {
	DID        syntax.DID
	Handle     syntax.Handle
	NodeDomain syntax.Domain
}

// Qualified handle, eg "alice@node.example"
func (a Actor) String() string {
	return a.Handle.Qualified(a.NodeDomain)
}

// Outcome of successful verification.
type Verified struct {
	Actor       Actor
	Interaction Interaction
	// lower-case hex SHA-256 of Canonical
	ActionID  string
	Canonical []byte
	Key       *ResolvedKey
	Action    *SignedAction
}

// Verifies signed user actions: payload shape, freshness, key resolution, and signature.
//
// Replay protection is a separate step (see the replay package), keyed by [Verified.ActionID].
type Verifier struct {
	Keys   KeyResolver
	Window time.Duration
	// clock, for tests; defaults to time.Now
	Now    func() time.Time
	Logger *slog.Logger
}

func NewVerifier(keys KeyResolver) *Verifier {
	return &Verifier{
		Keys:   keys,
		Window: DefaultWindow,
		Now:    time.Now,
		Logger: slog.Default().With("system", "verify"),
	}
}

func (v *Verifier) Verify(ctx context.Context, sa *SignedAction) (*Verified, error) {
	ctx, span := tracer.Start(ctx, "Verify")
	defer span.End()
	start := time.Now()
	defer func() {
		verifyDuration.Observe(time.Since(start).Seconds())
	}()

	if sa == nil {
		return nil, Reject(CodeMalformed, "empty signed action")
	}
	span.SetAttributes(attribute.String("action", sa.Action), attribute.String("did", sa.DID))

	out, err := v.verify(ctx, sa)
	if err != nil {
		code := CodeOf(err)
		if code == "" {
			code = "INTERNAL"
		}
		verifyResults.WithLabelValues(sa.Action, string(code)).Inc()
		v.logRejection(sa, err)
		return nil, err
	}
	verifyResults.WithLabelValues(sa.Action, "OK").Inc()
	return out, nil
}

func (v *Verifier) verify(ctx context.Context, sa *SignedAction) (*Verified, error) {
	if err := sa.validate(); err != nil {
		return nil, err
	}
	inter, err := ParseInteraction(sa.Action, sa.Data)
	if err != nil {
		return nil, err
	}

	canonical, err := sa.CanonicalBytes()
	if err != nil {
		return nil, err
	}

	if err := v.checkFresh(sa.TS); err != nil {
		return nil, err
	}

	did := syntax.DID(sa.DID).Normalize()
	handle := syntax.Handle(sa.Handle).Normalize()
	nodeDomain, _, err := syntax.ParseDomain(inter.Route().ActorNodeDomain)
	if err != nil {
		return nil, RejectErr(CodeMalformed, err, "invalid actorNodeDomain")
	}

	rk, err := v.Keys.ResolveKey(ctx, did, nodeDomain)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, RejectErr(CodeUserNotFound, err, "no signing key for %s", did)
		}
		if _, ok := AsError(err); ok {
			return nil, err
		}
		return nil, RejectErr(CodePeerUnavailable, err, "resolving key for %s", did)
	}

	if rk.Handle != "" && rk.Handle.Normalize() != handle {
		return nil, Reject(CodeHandleMismatch, "%s is registered as %s, not %s", did, rk.Handle, handle)
	}
	if rk.NodeDomain != "" && rk.NodeDomain != nodeDomain {
		return nil, Reject(CodeHandleMismatch, "%s belongs to node %s, not %s", did, rk.NodeDomain, nodeDomain)
	}

	if err := rk.PublicKey.VerifyBase64(canonical, sa.Sig); err != nil {
		return nil, RejectErr(CodeInvalidSignature, err, "signature does not match key for %s", did)
	}

	return &Verified{
		Actor: Actor{
			DID:        did,
			Handle:     handle,
			NodeDomain: nodeDomain,
		},
		Interaction: inter,
		ActionID:    crypto.ActionID(canonical),
		Canonical:   canonical,
		Key:         rk,
		Action:      sa,
	}, nil
}

// The window boundary itself is accepted.
func (v *Verifier) checkFresh(tsMillis int64) error {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	window := v.Window
	if window == 0 {
		window = DefaultWindow
	}
	skew := now().Sub(time.UnixMilli(tsMillis))
	if skew > window || skew < -window {
		return Reject(CodeInvalidTimestamp, "timestamp outside of %s window (skew %s)", window, skew.Round(time.Millisecond))
	}
	return nil
}

func (v *Verifier) logRejection(sa *SignedAction, err error) {
	logger := v.Logger
	if logger == nil {
		logger = slog.Default()
	}
	verr, ok := AsError(err)
	if !ok {
		logger.Error("failed to verify signed action", "action", sa.Action, "did", sa.DID, "err", err)
		return
	}
	if verr.IsSecurity() {
		LogSecurity(logger, SecurityEvent(verr.Code), "rejected signed action", "action", sa.Action, "did", sa.DID, "handle", sa.Handle, "err", err)
		return
	}
	logger.Info("rejected signed action", "code", verr.Code, "action", sa.Action, "did", sa.DID, "err", err)
}

// Name of the security log event for a rejection code.
func SecurityEvent(code Code) string {
	switch code {
	case CodeInvalidSignature:
		return "invalid_signature"
	case CodeHandleMismatch:
		return "handle_mismatch"
	case CodeKeyConflict:
		return "key_conflict"
	case CodeReplayedNonce:
		return "replay"
	}
	return string(code)
}

package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/synapsis-social/synapsis/cmd/swarmd/swarm/models"
	"github.com/synapsis-social/synapsis/synapsis/handles"
	"github.com/synapsis-social/synapsis/synapsis/ratelimit"
	"github.com/synapsis-social/synapsis/synapsis/replay"
	"github.com/synapsis-social/synapsis/synapsis/syntax"
	"github.com/synapsis-social/synapsis/synapsis/verify"

	"go.opentelemetry.io/otel/attribute"
)

const (
	ReceiptAccepted  = "accepted"
	ReceiptDuplicate = "duplicate"
	ReceiptDelivered = "delivered"
)

// Receives signed interactions from other nodes and applies them to the local store, and delivers locally-originated interactions to the nodes which own their targets.
type Dispatcher struct {
	Store    Store
	Verifier *verify.Verifier
	Replay   replay.Guard
	// optional; updated with every verified actor
	Handles *handles.Registry
	// optional; used for domain bans and peer failure tracking
	Nodes  *NodeRegistry
	Client PeerClient
	// per actor DID
	ActorLimiter *ratelimit.Limiter
	// per sending node (or client IP)
	SourceLimiter *ratelimit.Limiter
	LocalDomain   syntax.Domain
	Logger        *slog.Logger
	Now           func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Charged before verification, against the sending node (or client IP).
func (d *Dispatcher) checkSourceLimit(source string) error {
	if d.SourceLimiter != nil && source != "" {
		if ok, retry := d.SourceLimiter.Allow(source); !ok {
			return verify.RateLimited(retry)
		}
	}
	return nil
}

// Charged only once the signature checks out, so that forged actions can not spend another actor's budget.
func (d *Dispatcher) checkActorLimit(did syntax.DID) error {
	if d.ActorLimiter != nil {
		if ok, retry := d.ActorLimiter.Allow(did.String()); !ok {
			return verify.RateLimited(retry)
		}
	}
	return nil
}

// Inbound pipeline for a signed interaction from another node: source rate limit, verify, actor rate limit, replay guard, apply, then record the actor's handle.
//
// A replayed action returns a [verify.Error] with [verify.RetryApplied], which callers report to the sender as success.
func (d *Dispatcher) Receive(ctx context.Context, sa *verify.SignedAction, source string) (*Receipt, error) {
	ctx, span := tracer.Start(ctx, "receiveInteraction")
	defer span.End()
	start := time.Now()

	action := "unknown"
	if sa != nil {
		action = sa.Action
		span.SetAttributes(attribute.String("action", sa.Action), attribute.String("source", source))
	}

	rcpt, err := d.receive(ctx, sa, source)
	result := "ok"
	if err != nil {
		result = string(verify.CodeOf(err))
		if result == "" {
			result = "error"
		}
	}
	interactionsReceived.WithLabelValues(action, result).Inc()
	interactionApplyDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
	return rcpt, err
}

func (d *Dispatcher) receive(ctx context.Context, sa *verify.SignedAction, source string) (*Receipt, error) {
	if sa == nil {
		return nil, verify.Reject(verify.CodeMalformed, "empty signed action")
	}
	if err := d.checkSourceLimit(source); err != nil {
		return nil, err
	}

	v, err := d.Verifier.Verify(ctx, sa)
	if err != nil {
		return nil, err
	}
	if err := d.checkActorLimit(v.Actor.DID); err != nil {
		return nil, err
	}
	if err := d.checkActorNode(ctx, v.Actor.NodeDomain); err != nil {
		return nil, err
	}
	if target := v.Interaction.Route().TargetNodeDomain; target != "" {
		td, _, err := syntax.ParseDomain(target)
		if err != nil || td != d.LocalDomain {
			return nil, verify.Reject(verify.CodeNotFound, "target is not on this node: %s", target)
		}
	}
	return d.accept(ctx, v)
}

func (d *Dispatcher) checkActorNode(ctx context.Context, domain syntax.Domain) error {
	if d.Nodes == nil || domain == d.LocalDomain {
		return nil
	}
	banned, err := d.Nodes.DomainIsBanned(ctx, domain)
	if err != nil {
		return err
	}
	if banned {
		return verify.Reject(verify.CodeForbidden, "actor node is banned: %s", domain)
	}
	return nil
}

// loaded target of an interaction
type target struct {
	post *models.Post
	user *models.User
}

func (d *Dispatcher) loadTarget(ctx context.Context, inter verify.Interaction) (*target, error) {
	switch inter.(type) {
	case *verify.LikeAction, *verify.UnlikeAction, *verify.RepostAction, *verify.UnrepostAction:
		id := verify.TargetPost(inter)
		p, err := d.Store.GetPost(ctx, id)
		if errors.Is(err, ErrPostNotFound) {
			return nil, verify.RejectErr(verify.CodeNotFound, err, "no post %s", id)
		}
		if err != nil {
			return nil, err
		}
		return &target{post: p}, nil
	default:
		h := verify.TargetHandle(inter)
		handle, err := syntax.ParseHandle(h)
		if err != nil {
			return nil, verify.RejectErr(verify.CodeMalformed, err, "invalid target handle")
		}
		u, err := d.Store.GetUserByHandle(ctx, handle)
		if errors.Is(err, ErrUserNotFound) {
			return nil, verify.RejectErr(verify.CodeNotFound, err, "no user %s", h)
		}
		if err != nil {
			return nil, err
		}
		return &target{user: u}, nil
	}
}

// Replay guard, then apply, for a verified interaction targeting this node.
func (d *Dispatcher) accept(ctx context.Context, v *verify.Verified) (*Receipt, error) {
	tgt, err := d.loadTarget(ctx, v.Interaction)
	if err != nil {
		return nil, err
	}

	err = d.Replay.Record(ctx, replay.Entry{
		ActionID:  v.ActionID,
		DID:       v.Actor.DID.String(),
		Nonce:     v.Action.Nonce,
		Timestamp: v.Action.Time(),
	})
	if errors.Is(err, replay.ErrReplayed) {
		verify.LogSecurity(d.Logger, verify.SecurityEvent(verify.CodeReplayedNonce), "duplicate signed action", "actionID", v.ActionID, "actor", v.Actor.String(), "action", v.Action.Action)
		return nil, verify.RejectErr(verify.CodeReplayedNonce, err, "action %s already applied", v.ActionID)
	}
	if err != nil {
		return nil, fmt.Errorf("recording action: %w", err)
	}

	changed, err := d.apply(ctx, v, tgt)
	if err != nil {
		// the sender will retry; the record must not turn that retry into a no-op
		if rerr := d.Replay.Release(context.WithoutCancel(ctx), v.ActionID); rerr != nil {
			d.Logger.Error("failed to release replay record", "actionID", v.ActionID, "err", rerr)
		}
		return nil, fmt.Errorf("applying %s: %w", v.Action.Action, err)
	}

	if d.Handles != nil && !v.Key.Local {
		if err := d.Handles.Observe(ctx, v.Actor.Handle, v.Actor.DID, v.Actor.NodeDomain, d.now()); err != nil {
			d.Logger.Error("failed to record observed handle", "actor", v.Actor.String(), "err", err)
		}
	}

	d.Logger.Debug("applied interaction", "action", v.Action.Action, "actor", v.Actor.String(), "changed", changed, "actionID", v.ActionID)
	return &Receipt{Status: ReceiptAccepted, ActionID: v.ActionID, Changed: changed}, nil
}

func remoteActor(a verify.Actor) models.RemoteActor {
	return models.RemoteActor{
		ActorDID:        a.DID.String(),
		ActorHandle:     a.Handle.String(),
		ActorNodeDomain: a.NodeDomain.String(),
	}
}

func (d *Dispatcher) apply(ctx context.Context, v *verify.Verified, tgt *target) (bool, error) {
	actor := remoteActor(v.Actor)
	switch inter := v.Interaction.(type) {
	case *verify.LikeAction:
		changed, err := d.Store.AddLike(ctx, tgt.post.ID, actor)
		if err == nil && changed {
			d.notify(ctx, tgt.post.AuthorID, models.NotificationLike, actor, tgt.post.ID, "", nil)
		}
		return changed, err
	case *verify.UnlikeAction:
		return d.Store.RemoveLike(ctx, tgt.post.ID, actor)
	case *verify.RepostAction:
		changed, err := d.Store.AddRepost(ctx, tgt.post.ID, actor)
		if err == nil && changed {
			d.notify(ctx, tgt.post.AuthorID, models.NotificationRepost, actor, tgt.post.ID, "", nil)
		}
		return changed, err
	case *verify.UnrepostAction:
		return d.Store.RemoveRepost(ctx, tgt.post.ID, actor)
	case *verify.FollowAction:
		changed, err := d.Store.AddFollower(ctx, tgt.user.ID, actor)
		if err == nil && changed {
			d.notify(ctx, tgt.user.ID, models.NotificationFollow, actor, "", "", nil)
		}
		return changed, err
	case *verify.UnfollowAction:
		return d.Store.RemoveFollower(ctx, tgt.user.ID, actor)
	case *verify.MentionAction:
		if err := d.createNotification(ctx, tgt.user.ID, models.NotificationMention, actor, inter.PostID, inter.Excerpt, nil); err != nil {
			return false, err
		}
		if tgt.user.IsBot && tgt.user.BotOwnerID != nil {
			botID := tgt.user.ID
			if err := d.createNotification(ctx, *tgt.user.BotOwnerID, models.NotificationMention, actor, inter.PostID, inter.Excerpt, &botID); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return false, verify.Reject(verify.CodeMalformed, "unsupported action: %s", v.Action.Action)
}

func (d *Dispatcher) createNotification(ctx context.Context, userID uint64, kind models.NotificationKind, actor models.RemoteActor, postID, excerpt string, viaBot *uint64) error {
	return d.Store.CreateNotification(ctx, &models.Notification{
		UserID:      userID,
		Kind:        kind,
		RemoteActor: actor,
		PostID:      postID,
		Excerpt:     excerpt,
		ViaBotID:    viaBot,
	})
}

// notifications for likes, reposts and follows are best-effort; the relationship is what counts
func (d *Dispatcher) notify(ctx context.Context, userID uint64, kind models.NotificationKind, actor models.RemoteActor, postID, excerpt string, viaBot *uint64) {
	if err := d.createNotification(ctx, userID, kind, actor, postID, excerpt, viaBot); err != nil {
		d.Logger.Error("failed to create notification", "kind", kind, "userID", userID, "err", err)
	}
}

// Handles a signed action from a local user. Targets on this node are applied directly; targets on other nodes are delivered to them.
func (d *Dispatcher) Submit(ctx context.Context, sa *verify.SignedAction) (*Receipt, error) {
	ctx, span := tracer.Start(ctx, "submitInteraction")
	defer span.End()

	if sa == nil {
		return nil, verify.Reject(verify.CodeMalformed, "empty signed action")
	}
	v, err := d.Verifier.Verify(ctx, sa)
	if err != nil {
		return nil, err
	}
	if err := d.checkActorLimit(v.Actor.DID); err != nil {
		return nil, err
	}
	if !v.Key.Local {
		return nil, verify.Reject(verify.CodeForbidden, "actor %s is not a user of this node", v.Actor.DID)
	}

	target := v.Interaction.Route().TargetNodeDomain
	if target == "" {
		return d.accept(ctx, v)
	}
	td, _, err := syntax.ParseDomain(target)
	if err != nil {
		return nil, verify.RejectErr(verify.CodeMalformed, err, "invalid targetNodeDomain")
	}
	if td == d.LocalDomain {
		return d.accept(ctx, v)
	}

	// local replay record stops a client from re-submitting the same action for re-delivery
	err = d.Replay.Record(ctx, replay.Entry{
		ActionID:  v.ActionID,
		DID:       v.Actor.DID.String(),
		Nonce:     sa.Nonce,
		Timestamp: sa.Time(),
	})
	if errors.Is(err, replay.ErrReplayed) {
		return nil, verify.RejectErr(verify.CodeReplayedNonce, err, "action %s already submitted", v.ActionID)
	}
	if err != nil {
		return nil, fmt.Errorf("recording action: %w", err)
	}
	rcpt, err := d.Deliver(ctx, td, sa)
	if err != nil {
		// undelivered, so the client may submit it again
		if rerr := d.Replay.Release(context.WithoutCancel(ctx), v.ActionID); rerr != nil {
			d.Logger.Error("failed to release replay record", "actionID", v.ActionID, "err", rerr)
		}
		return nil, err
	}
	return rcpt, nil
}

// POSTs a signed action to the inbox of the node which owns its target. The peer client retries transient failures, so delivery is at-least-once; the receiver de-duplicates.
func (d *Dispatcher) Deliver(ctx context.Context, targetDomain syntax.Domain, sa *verify.SignedAction) (*Receipt, error) {
	ctx, span := tracer.Start(ctx, "deliverInteraction")
	defer span.End()
	span.SetAttributes(attribute.String("target", targetDomain.String()))

	host := targetDomain.BaseURL()
	known := false
	if d.Nodes != nil {
		banned, err := d.Nodes.DomainIsBanned(ctx, targetDomain)
		if err != nil {
			return nil, err
		}
		if banned {
			deliveries.WithLabelValues("banned").Inc()
			return nil, verify.Reject(verify.CodeForbidden, "target node is banned: %s", targetDomain)
		}
		node, err := d.Nodes.GetNode(ctx, targetDomain)
		if err != nil && !errors.Is(err, ErrNodeNotFound) {
			return nil, err
		}
		if node != nil {
			known = true
			host = node.BaseURL()
		}
	}

	rcpt, err := d.Client.DeliverAction(ctx, host, sa)
	if err != nil {
		if verr, ok := verify.AsError(err); ok && verr.Retry() == verify.RetryApplied {
			deliveries.WithLabelValues("duplicate").Inc()
			return &Receipt{Status: ReceiptDuplicate}, nil
		}
		if verify.CodeOf(err) == verify.CodePeerUnavailable && known {
			if merr := d.Nodes.MarkFailure(context.WithoutCancel(ctx), targetDomain); merr != nil {
				d.Logger.Error("failed to record peer failure", "domain", targetDomain, "err", merr)
			}
		}
		deliveries.WithLabelValues("failed").Inc()
		d.Logger.Warn("interaction delivery failed", "target", targetDomain, "action", sa.Action, "err", err)
		return nil, err
	}
	deliveries.WithLabelValues("ok").Inc()
	if rcpt.Status == "" || rcpt.Status == ReceiptAccepted {
		rcpt.Status = ReceiptDelivered
	}
	return rcpt, nil
}

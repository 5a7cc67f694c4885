package verify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/synapsis-social/synapsis/synapsis/syntax"
)

// Action name in a signed envelope.
type Kind string

const (
	KindLike     Kind = "like"
	KindUnlike   Kind = "unlike"
	KindFollow   Kind = "follow"
	KindUnfollow Kind = "unfollow"
	KindMention  Kind = "mention"
	KindRepost   Kind = "repost"
	KindUnrepost Kind = "unrepost"
)

var AllKinds = []Kind{KindLike, KindUnlike, KindFollow, KindUnfollow, KindMention, KindRepost, KindUnrepost}

// One of [LikeAction], [UnlikeAction], [FollowAction], [UnfollowAction], [MentionAction], [RepostAction] or [UnrepostAction].
type Interaction interface {
	Kind() Kind
	Route() Routing
	validate() error
}

// Fields common to every interaction payload. ActorNodeDomain is the node which holds the actor's key; TargetNodeDomain is the node which owns the target (post or user).
type Routing struct {
	ActorNodeDomain  string `json:"actorNodeDomain"`
	TargetNodeDomain string `json:"targetNodeDomain,omitempty"`
}

func (r Routing) Route() Routing { return r }

func (r Routing) validate() error {
	if _, _, err := syntax.ParseDomain(r.ActorNodeDomain); err != nil {
		return fmt.Errorf("actorNodeDomain: %w", err)
	}
	if r.TargetNodeDomain != "" {
		if _, _, err := syntax.ParseDomain(r.TargetNodeDomain); err != nil {
			return fmt.Errorf("targetNodeDomain: %w", err)
		}
	}
	return nil
}

type postTarget struct {
	PostID string `json:"postId"`
}

func (p postTarget) validatePost() error {
	if p.PostID == "" || len(p.PostID) > 128 {
		return fmt.Errorf("postId is required (max 128 chars)")
	}
	return nil
}

type userTarget struct {
	TargetHandle string `json:"targetHandle"`
}

func (u userTarget) validateUser() error {
	if _, err := syntax.ParseHandle(u.TargetHandle); err != nil {
		return fmt.Errorf("targetHandle: %w", err)
	}
	return nil
}

type LikeAction struct {
	Routing
	postTarget
}

func (a *LikeAction) Kind() Kind { return KindLike }
func (a *LikeAction) validate() error {
	if err := a.Routing.validate(); err != nil {
		return err
	}
	return a.validatePost()
}

type UnlikeAction struct {
	Routing
	postTarget
}

func (a *UnlikeAction) Kind() Kind { return KindUnlike }
func (a *UnlikeAction) validate() error {
	if err := a.Routing.validate(); err != nil {
		return err
	}
	return a.validatePost()
}

type RepostAction struct {
	Routing
	postTarget
}

func (a *RepostAction) Kind() Kind { return KindRepost }
func (a *RepostAction) validate() error {
	if err := a.Routing.validate(); err != nil {
		return err
	}
	return a.validatePost()
}

type UnrepostAction struct {
	Routing
	postTarget
}

func (a *UnrepostAction) Kind() Kind { return KindUnrepost }
func (a *UnrepostAction) validate() error {
	if err := a.Routing.validate(); err != nil {
		return err
	}
	return a.validatePost()
}

type FollowAction struct {
	Routing
	userTarget
}

func (a *FollowAction) Kind() Kind { return KindFollow }
func (a *FollowAction) validate() error {
	if err := a.Routing.validate(); err != nil {
		return err
	}
	return a.validateUser()
}

type UnfollowAction struct {
	Routing
	userTarget
}

func (a *UnfollowAction) Kind() Kind { return KindUnfollow }
func (a *UnfollowAction) validate() error {
	if err := a.Routing.validate(); err != nil {
		return err
	}
	return a.validateUser()
}

// Notifies a local user that they were mentioned in a (possibly remote) post.
type MentionAction struct {
	Routing
	userTarget
	PostID  string `json:"postId"`
	Excerpt string `json:"excerpt,omitempty"`
}

func (a *MentionAction) Kind() Kind { return KindMention }
func (a *MentionAction) validate() error {
	if err := a.Routing.validate(); err != nil {
		return err
	}
	if err := a.validateUser(); err != nil {
		return err
	}
	if a.PostID == "" || len(a.PostID) > 128 {
		return fmt.Errorf("postId is required (max 128 chars)")
	}
	if len(a.Excerpt) > 500 {
		return fmt.Errorf("excerpt too long")
	}
	return nil
}

// Post identifier targeted by a post interaction, or empty for user interactions.
func TargetPost(i Interaction) string {
	switch a := i.(type) {
	case *LikeAction:
		return a.PostID
	case *UnlikeAction:
		return a.PostID
	case *RepostAction:
		return a.PostID
	case *UnrepostAction:
		return a.PostID
	case *MentionAction:
		return a.PostID
	}
	return ""
}

// Handle targeted by a user interaction, or empty for post interactions.
func TargetHandle(i Interaction) string {
	switch a := i.(type) {
	case *FollowAction:
		return a.TargetHandle
	case *UnfollowAction:
		return a.TargetHandle
	case *MentionAction:
		return a.TargetHandle
	}
	return ""
}

func newInteraction(kind Kind) (Interaction, bool) {
	switch kind {
	case KindLike:
		return &LikeAction{}, true
	case KindUnlike:
		return &UnlikeAction{}, true
	case KindFollow:
		return &FollowAction{}, true
	case KindUnfollow:
		return &UnfollowAction{}, true
	case KindMention:
		return &MentionAction{}, true
	case KindRepost:
		return &RepostAction{}, true
	case KindUnrepost:
		return &UnrepostAction{}, true
	}
	return nil, false
}

// Decodes and validates the 'data' of a signed envelope in to the strict payload type for the action. Unknown actions, unknown fields, and missing required fields are all [CodeMalformed].
func ParseInteraction(action string, data json.RawMessage) (Interaction, error) {
	inter, ok := newInteraction(Kind(action))
	if !ok {
		return nil, Reject(CodeMalformed, "unknown action: %q", action)
	}
	if len(data) == 0 {
		return nil, Reject(CodeMalformed, "missing data for action %s", action)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(inter); err != nil {
		return nil, RejectErr(CodeMalformed, err, "invalid %s data", action)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, Reject(CodeMalformed, "trailing data after %s payload", action)
	}
	if err := inter.validate(); err != nil {
		return nil, RejectErr(CodeMalformed, err, "invalid %s data", action)
	}
	return inter, nil
}

package swarm

import (
	"errors"
)

var (
	ErrNodeNotFound  = errors.New("unknown swarm node")
	ErrUserNotFound  = errors.New("unknown local user")
	ErrPostNotFound  = errors.New("unknown post")
	ErrDomainBanned  = errors.New("node domain is banned")
	ErrNewNodesLimit = errors.New("new node admission limit reached for today")
	ErrNodeKeyPinned = errors.New("announcement signed with a different key than the one pinned for this node")
	ErrBadAnnounce   = errors.New("invalid node announcement")
	ErrSelfAnnounce  = errors.New("node announced itself under our own domain")
	ErrBadCursor     = errors.New("invalid timeline cursor")
)

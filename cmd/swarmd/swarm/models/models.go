package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

type DomainBan struct {
	gorm.Model
	Domain string `gorm:"unique"`
}

// Swarm node capabilities, as advertised in announcements.
const (
	CapabilityHandles      = "handles"
	CapabilityGossip       = "gossip"
	CapabilityRelay        = "relay"
	CapabilitySearch       = "search"
	CapabilityInteractions = "interactions"
)

var AllCapabilities = []string{CapabilityHandles, CapabilityGossip, CapabilityRelay, CapabilitySearch, CapabilityInteractions}

// A known peer node. Rows are never deleted; nodes age out of the active set instead.
type Node struct {
	ID uint64 `gorm:"column:id;primarykey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	// hostname, without URL scheme. if localhost, must include a port number
	Domain string `gorm:"column:domain;uniqueIndex;not null"`
	NoSSL  bool   `gorm:"column:no_ssl;default:false"`

	Name            string `gorm:"column:name"`
	Description     string `gorm:"column:description"`
	LogoURL         string `gorm:"column:logo_url"`
	SoftwareVersion string `gorm:"column:software_version"`
	// multibase P-256 key the node signs announcements with; pinned on first signed contact
	PublicKey string `gorm:"column:public_key"`
	UserCount int64  `gorm:"column:user_count"`
	PostCount int64  `gorm:"column:post_count"`
	// comma-separated
	Capabilities string `gorm:"column:capabilities"`
	IsNSFW       bool   `gorm:"column:is_nsfw;default:false"`

	// last successful direct contact; zero for nodes only heard about through gossip
	LastSeenAt time.Time `gorm:"column:last_seen_at;index"`
	// consecutive failed contacts, reset on success
	FailureCount  int        `gorm:"column:failure_count;default:0"`
	LastFailureAt *time.Time `gorm:"column:last_failure_at"`
	// node which told us about this one, if learned via gossip
	DiscoveredVia string `gorm:"column:discovered_via"`
}

func (Node) TableName() string {
	return "swarm_node"
}

func (n *Node) CapabilityList() []string {
	if n.Capabilities == "" {
		return []string{}
	}
	return strings.Split(n.Capabilities, ",")
}

func (n *Node) HasCapability(c string) bool {
	for _, have := range n.CapabilityList() {
		if have == c {
			return true
		}
	}
	return false
}

func (n *Node) IsActive(now time.Time, staleAfter time.Duration) bool {
	return !n.LastSeenAt.IsZero() && now.Sub(n.LastSeenAt) <= staleAfter
}

// returns base HTTP URL for the node: scheme, hostname, optional port, no path segment
func (n *Node) BaseURL() string {
	scheme := "https"
	if n.NoSSL {
		scheme = "http"
	}
	return scheme + "://" + n.Domain
}

type User struct {
	ID  uint64 `gorm:"column:id;primarykey"`
	DID string `gorm:"column:did;uniqueIndex;not null"`
	// normalized local handle
	Handle      string `gorm:"column:handle;uniqueIndex;not null"`
	DisplayName string `gorm:"column:display_name"`
	AvatarURL   string `gorm:"column:avatar_url"`
	// multibase P-256 key which signs this user's actions
	PublicKey string `gorm:"column:public_key;not null"`
	IsNSFW    bool   `gorm:"column:is_nsfw;default:false"`
	IsBot     bool   `gorm:"column:is_bot;default:false"`
	// for bots, the local user who operates it
	BotOwnerID *uint64 `gorm:"column:bot_owner_id"`

	FollowersCount int64 `gorm:"column:followers_count;default:0;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (User) TableName() string {
	return "local_user"
}

type Post struct {
	ID       string `gorm:"column:id;primarykey"`
	AuthorID uint64 `gorm:"column:author_id;index;not null"`
	Author   *User  `gorm:"foreignKey:AuthorID"`
	Content  string `gorm:"column:content;not null"`
	LinkURL  string `gorm:"column:link_url"`
	IsNSFW   bool   `gorm:"column:is_nsfw;default:false"`

	LikesCount   int64 `gorm:"column:likes_count;default:0;not null"`
	RepostsCount int64 `gorm:"column:reposts_count;default:0;not null"`

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (Post) TableName() string {
	return "post"
}

// Actor identified by qualified handle, acting on local content. Usually remote; local actors carry the local node domain.
type RemoteActor struct {
	ActorDID        string `gorm:"column:actor_did;not null"`
	ActorHandle     string `gorm:"column:actor_handle;not null"`
	ActorNodeDomain string `gorm:"column:actor_node_domain;not null"`
}

type RemoteLike struct {
	ID     uint64 `gorm:"column:id;primarykey"`
	PostID string `gorm:"column:post_id;not null;uniqueIndex:idx_remote_like_actor"`
	RemoteActor
	ActorKey  string `gorm:"column:actor_key;not null;uniqueIndex:idx_remote_like_actor"`
	CreatedAt time.Time
}

func (RemoteLike) TableName() string {
	return "remote_like"
}

type RemoteRepost struct {
	ID     uint64 `gorm:"column:id;primarykey"`
	PostID string `gorm:"column:post_id;not null;uniqueIndex:idx_remote_repost_actor"`
	RemoteActor
	ActorKey  string `gorm:"column:actor_key;not null;uniqueIndex:idx_remote_repost_actor"`
	CreatedAt time.Time
}

func (RemoteRepost) TableName() string {
	return "remote_repost"
}

type RemoteFollower struct {
	ID     uint64 `gorm:"column:id;primarykey"`
	UserID uint64 `gorm:"column:user_id;not null;uniqueIndex:idx_remote_follower_actor"`
	RemoteActor
	ActorKey  string `gorm:"column:actor_key;not null;uniqueIndex:idx_remote_follower_actor"`
	CreatedAt time.Time
}

func (RemoteFollower) TableName() string {
	return "remote_follower"
}

type NotificationKind string

const (
	NotificationLike    = NotificationKind("like")
	NotificationRepost  = NotificationKind("repost")
	NotificationFollow  = NotificationKind("follow")
	NotificationMention = NotificationKind("mention")
)

type Notification struct {
	ID     uint64           `gorm:"column:id;primarykey"`
	UserID uint64           `gorm:"column:user_id;index;not null"`
	Kind   NotificationKind `gorm:"column:kind;not null"`
	RemoteActor
	PostID  string `gorm:"column:post_id"`
	Excerpt string `gorm:"column:excerpt"`
	// set when the notification was copied to a bot's owner
	ViaBotID  *uint64 `gorm:"column:via_bot_id"`
	Read      bool    `gorm:"column:read;default:false"`
	CreatedAt time.Time
}

func (Notification) TableName() string {
	return "notification"
}

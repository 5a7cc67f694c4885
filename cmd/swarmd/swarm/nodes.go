package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/synapsis-social/synapsis/cmd/swarmd/swarm/models"
	"github.com/synapsis-social/synapsis/synapsis/identity"
	"github.com/synapsis-social/synapsis/synapsis/syntax"
	"github.com/synapsis-social/synapsis/synapsis/verify"

	"github.com/RussellLuo/slidingwindow"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"
)

type NodeRegistryConfig struct {
	// this node; never stored as a peer
	LocalDomain syntax.Domain
	// nodes not contacted within this window drop out of the active set
	StaleAfter time.Duration
	// maximum number of previously unknown nodes admitted per day, outside of TrustedDomains
	NewNodesPerDayLimit int64
	// domains exempt from the per-day admission limit; '*' prefix matches suffixes
	TrustedDomains []string
	// what to do when a pinned node key changes
	KeyPolicy identity.Policy
	// accept localhost:<port> peers (for development)
	AllowLocalhost bool
}

func DefaultNodeRegistryConfig() NodeRegistryConfig {
	return NodeRegistryConfig{
		StaleAfter:          24 * time.Hour,
		NewNodesPerDayLimit: 50,
		KeyPolicy:           identity.PolicyWarn,
	}
}

// Known peer nodes, with health tracking and admission control.
type NodeRegistry struct {
	db     *gorm.DB
	Logger *slog.Logger
	Config NodeRegistryConfig
	// bounds admission of nodes we have never seen before
	NewNodeLimiter *slidingwindow.Limiter
	Now            func() time.Time
}

func NewNodeRegistry(db *gorm.DB, config NodeRegistryConfig) *NodeRegistry {
	return &NodeRegistry{
		db:             db,
		Logger:         slog.Default().With("system", "nodes"),
		Config:         config,
		NewNodeLimiter: perDayLimiter(config.NewNodesPerDayLimit),
		Now:            time.Now,
	}
}

func perDayLimiter(count int64) *slidingwindow.Limiter {
	lim, _ := slidingwindow.NewLimiter(time.Hour*24, count, func() (slidingwindow.Window, slidingwindow.StopFunc) {
		return slidingwindow.NewLocalWindow()
	})
	return lim
}

func (n *NodeRegistry) Migrate() error {
	if err := n.db.AutoMigrate(&models.DomainBan{}); err != nil {
		return err
	}
	return n.db.AutoMigrate(&models.Node{})
}

func (n *NodeRegistry) GetNode(ctx context.Context, domain syntax.Domain) (*models.Node, error) {
	ctx, span := tracer.Start(ctx, "getNode")
	defer span.End()

	var node models.Node
	if err := n.db.WithContext(ctx).Where("domain = ?", domain.String()).First(&node).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNodeNotFound
		}
		return nil, err
	}
	return &node, nil
}

type NodeQuery struct {
	ActiveOnly bool
	// id-based pagination
	Cursor uint64
	Limit  int
}

func (n *NodeRegistry) ListNodes(ctx context.Context, q NodeQuery) ([]models.Node, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	tx := n.db.WithContext(ctx).Model(&models.Node{}).Where("id > ?", q.Cursor)
	if q.ActiveOnly {
		tx = tx.Where("last_seen_at > ?", n.Now().Add(-n.Config.StaleAfter))
	}
	nodes := []models.Node{}
	if err := tx.Order("id").Limit(limit).Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

// Most recently seen active nodes first.
func (n *NodeRegistry) ActiveNodes(ctx context.Context, limit int) ([]models.Node, error) {
	nodes := []models.Node{}
	err := n.db.WithContext(ctx).
		Where("last_seen_at > ?", n.Now().Add(-n.Config.StaleAfter)).
		Order("last_seen_at DESC").
		Limit(limit).
		Find(&nodes).Error
	return nodes, err
}

// Nodes outside the active set (stale, or never contacted), fewest failures first. Gossip contacts a few of these each round, so they can recover or be admitted.
func (n *NodeRegistry) InactiveNodes(ctx context.Context, limit int) ([]models.Node, error) {
	nodes := []models.Node{}
	err := n.db.WithContext(ctx).
		Where("last_seen_at <= ?", n.Now().Add(-n.Config.StaleAfter)).
		Order("failure_count ASC").
		Order("last_seen_at DESC").
		Limit(limit).
		Find(&nodes).Error
	return nodes, err
}

// checks bans and the local domain; returns an error if the node may not be stored
func (n *NodeRegistry) admissible(ctx context.Context, domain syntax.Domain) error {
	if domain == n.Config.LocalDomain {
		return ErrSelfAnnounce
	}
	banned, err := n.DomainIsBanned(ctx, domain)
	if err != nil {
		return err
	}
	if banned {
		return ErrDomainBanned
	}
	return nil
}

// applies the per-day limit to a node not yet in the registry
func (n *NodeRegistry) admitNew(domain syntax.Domain) error {
	if domain.MatchesAny(n.Config.TrustedDomains) {
		return nil
	}
	if !n.NewNodeLimiter.Allow() {
		nodesRejected.WithLabelValues("daily_limit").Inc()
		return ErrNewNodesLimit
	}
	return nil
}

// Records a direct contact with a node, from its announcement. Creates the node if needed.
//
// Signed announcements are verified; the first signing key seen for a node is pinned, and later changes are handled per the configured key policy.
func (n *NodeRegistry) UpsertFromAnnounce(ctx context.Context, a *Announce) (*models.Node, error) {
	ctx, span := tracer.Start(ctx, "upsertFromAnnounce")
	defer span.End()

	domain, noSSL, err := a.Validate()
	if err != nil {
		nodesRejected.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if err := n.admissible(ctx, domain); err != nil {
		nodesRejected.WithLabelValues("banned").Inc()
		return nil, err
	}

	var signedKey string
	if a.IsSigned() {
		pub, err := a.VerifySignature()
		if err != nil {
			verify.LogSecurity(n.Logger, "invalid_signature", "rejected node announcement with bad signature", "domain", domain, "err", err)
			nodesRejected.WithLabelValues("signature").Inc()
			return nil, fmt.Errorf("%w: signature: %v", ErrBadAnnounce, err)
		}
		signedKey = pub.Multibase()
	}

	now := n.Now()
	node, err := n.GetNode(ctx, domain)
	if err != nil && !errors.Is(err, ErrNodeNotFound) {
		return nil, err
	}
	if node == nil {
		if err := n.admitNew(domain); err != nil {
			return nil, err
		}
		node = &models.Node{Domain: domain.String()}
		nodesDiscovered.WithLabelValues("announce").Inc()
		n.Logger.Info("new swarm node", "domain", domain, "signed", signedKey != "")
	}

	if err := n.checkPinnedKey(node, signedKey); err != nil {
		return nil, err
	}

	node.NoSSL = noSSL
	node.Name = norm.NFC.String(a.Name)
	node.Description = norm.NFC.String(a.Description)
	node.LogoURL = a.LogoURL
	node.SoftwareVersion = a.SoftwareVersion
	node.UserCount = a.UserCount
	node.PostCount = a.PostCount
	node.Capabilities = strings.Join(a.NormalizedCapabilities(), ",")
	node.IsNSFW = a.IsNSFW
	node.LastSeenAt = now
	node.FailureCount = 0
	node.LastFailureAt = nil
	if signedKey != "" && (node.PublicKey == "" || n.Config.KeyPolicy != identity.PolicyStrict) {
		node.PublicKey = signedKey
	}

	if err := n.db.WithContext(ctx).Save(node).Error; err != nil {
		return nil, fmt.Errorf("saving node %s: %w", domain, err)
	}
	return node, nil
}

func (n *NodeRegistry) checkPinnedKey(node *models.Node, signedKey string) error {
	if node.PublicKey == "" {
		return nil
	}
	if signedKey == "" {
		// pinned node sent an unsigned announcement
		if n.Config.KeyPolicy == identity.PolicyStrict {
			verify.LogSecurity(n.Logger, "node_key_missing", "rejected unsigned announcement from node with pinned key", "domain", node.Domain)
			nodesRejected.WithLabelValues("unsigned").Inc()
			return ErrNodeKeyPinned
		}
		return nil
	}
	if signedKey == node.PublicKey {
		return nil
	}
	switch n.Config.KeyPolicy {
	case identity.PolicyStrict:
		verify.LogSecurity(n.Logger, "node_key_change", "rejected announcement signed with a new node key", "domain", node.Domain, "pinnedKey", node.PublicKey, "newKey", signedKey)
		nodesRejected.WithLabelValues("key_pinned").Inc()
		return ErrNodeKeyPinned
	case identity.PolicyAllow:
		n.Logger.Info("node key changed", "domain", node.Domain, "oldKey", node.PublicKey, "newKey", signedKey)
	default:
		verify.LogSecurity(n.Logger, "node_key_change", "node signing key changed; accepting new key", "domain", node.Domain, "oldKey", node.PublicKey, "newKey", signedKey)
	}
	return nil
}

// Records a node heard about from a peer, without contacting it. Returns true if it was new.
//
// Learned nodes stay outside the active set until contacted directly.
func (n *NodeRegistry) Learn(ctx context.Context, raw string, via syntax.Domain) (bool, error) {
	domain, noSSL, err := syntax.ParseDomain(raw)
	if err != nil {
		return false, nil
	}
	if err := n.admissible(ctx, domain); err != nil {
		return false, nil
	}
	if _, err := n.GetNode(ctx, domain); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNodeNotFound) {
		return false, err
	}
	if err := n.admitNew(domain); err != nil {
		return false, err
	}
	node := models.Node{
		Domain:        domain.String(),
		NoSSL:         noSSL,
		DiscoveredVia: via.String(),
	}
	if err := n.db.WithContext(ctx).Create(&node).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, err
	}
	nodesDiscovered.WithLabelValues("gossip").Inc()
	n.Logger.Info("learned of swarm node", "domain", domain, "via", via)
	return true, nil
}

// Records a failed contact. The node keeps its last-seen time, and ages out of the active set on its own.
func (n *NodeRegistry) MarkFailure(ctx context.Context, domain syntax.Domain) error {
	now := n.Now()
	return n.db.WithContext(ctx).Model(&models.Node{}).Where("domain = ?", domain.String()).Updates(map[string]any{
		"failure_count":   gorm.Expr("failure_count + ?", 1),
		"last_failure_at": now,
	}).Error
}

// Records a successful contact which did not carry an announcement (eg, a timeline fetch).
func (n *NodeRegistry) MarkSeen(ctx context.Context, domain syntax.Domain) error {
	return n.db.WithContext(ctx).Model(&models.Node{}).Where("domain = ?", domain.String()).Updates(map[string]any{
		"last_seen_at":    n.Now(),
		"failure_count":   0,
		"last_failure_at": nil,
	}).Error
}

// Admin: clears a pinned node key, so the next signed announcement is trusted on first use.
func (n *NodeRegistry) ResetNodeKey(ctx context.Context, domain syntax.Domain) error {
	res := n.db.WithContext(ctx).Model(&models.Node{}).Where("domain = ?", domain.String()).Update("public_key", "")
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

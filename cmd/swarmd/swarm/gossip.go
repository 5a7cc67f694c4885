package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/synapsis-social/synapsis/cmd/swarmd/swarm/models"
	"github.com/synapsis-social/synapsis/synapsis/handles"
	"github.com/synapsis-social/synapsis/synapsis/syntax"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

type GossipConfig struct {
	// bootstrap nodes, contacted every round; domains or base URLs
	Seeds []string
	// maximum active nodes contacted per round, in addition to seeds
	MaxPeersPerRound int
	// inactive (stale or gossip-learned) nodes probed per round
	InactiveProbes int
	// concurrent peer contacts
	Concurrency int
	// cap on node domains sent, and accepted, per gossip message
	MaxNodesShared int
	// exchange handle registry deltas with peers which advertise the capability
	ExchangeHandles bool
}

func DefaultGossipConfig() GossipConfig {
	return GossipConfig{
		MaxPeersPerRound: 50,
		InactiveProbes:   5,
		Concurrency:      8,
		MaxNodesShared:   200,
		ExchangeHandles:  true,
	}
}

type PeerFailure struct {
	Domain string `json:"domain"`
	Error  string `json:"error"`
}

type RoundResult struct {
	Successful []string      `json:"successful"`
	Failed     []PeerFailure `json:"failed"`
	Peers      int           `json:"peers"`
	// nodes first heard of during this round
	Learned int `json:"learned"`
}

// Announces this node to peers and exchanges known nodes and handle registry deltas with them.
//
// Rounds are scheduled by the host process. Each peer is contacted independently; one failing peer never fails the round.
type Gossiper struct {
	Nodes   *NodeRegistry
	Handles *handles.Registry
	Client  PeerClient
	// builds this node's signed announcement
	Self   func(ctx context.Context) (*Announce, error)
	Config GossipConfig
	Logger *slog.Logger

	// highest change sequence (in the peer's log) received from each peer
	handlesPulled *xsync.MapOf[string, uint64]
	// highest local change sequence pushed to each peer
	handlesPushed *xsync.MapOf[string, uint64]
}

func NewGossiper(nodes *NodeRegistry, reg *handles.Registry, client PeerClient, self func(ctx context.Context) (*Announce, error), config GossipConfig) *Gossiper {
	return &Gossiper{
		Nodes:         nodes,
		Handles:       reg,
		Client:        client,
		Self:          self,
		Config:        config,
		Logger:        slog.Default().With("system", "gossip"),
		handlesPulled: xsync.NewMapOf[string, uint64](),
		handlesPushed: xsync.NewMapOf[string, uint64](),
	}
}

type gossipTarget struct {
	domain syntax.Domain
	host   string
	// nil for seeds not yet in the registry
	node *models.Node
}

func hostURL(d syntax.Domain, noSSL bool) string {
	if noSSL && !d.IsLocalhost() {
		return "http://" + d.String()
	}
	return d.BaseURL()
}

// Seeds, then active nodes (most recently seen first), then a few inactive nodes. Never includes the local node or banned domains.
func (g *Gossiper) targets(ctx context.Context) ([]gossipTarget, error) {
	seen := map[syntax.Domain]bool{g.Nodes.Config.LocalDomain: true}
	var out []gossipTarget
	add := func(t gossipTarget) {
		if seen[t.domain] {
			return
		}
		seen[t.domain] = true
		out = append(out, t)
	}

	for _, raw := range g.Config.Seeds {
		d, noSSL, err := syntax.ParseDomain(raw)
		if err != nil {
			g.Logger.Warn("ignoring invalid seed", "seed", raw, "err", err)
			continue
		}
		add(gossipTarget{domain: d, host: hostURL(d, noSSL)})
	}

	active, err := g.Nodes.ActiveNodes(ctx, g.Config.MaxPeersPerRound)
	if err != nil {
		return nil, err
	}
	inactive, err := g.Nodes.InactiveNodes(ctx, g.Config.InactiveProbes)
	if err != nil {
		return nil, err
	}
	for _, list := range [][]models.Node{active, inactive} {
		for i := range list {
			n := list[i]
			banned, err := g.Nodes.DomainIsBanned(ctx, syntax.Domain(n.Domain))
			if err != nil || banned {
				continue
			}
			add(gossipTarget{domain: syntax.Domain(n.Domain), host: n.BaseURL(), node: &n})
		}
	}
	return out, nil
}

// Runs one gossip round against seeds and known nodes.
func (g *Gossiper) RunRound(ctx context.Context) (*RoundResult, error) {
	ctx, span := tracer.Start(ctx, "gossipRound")
	defer span.End()
	gossipRounds.Inc()

	self, err := g.Self(ctx)
	if err != nil {
		return nil, fmt.Errorf("building self announcement: %w", err)
	}
	targets, err := g.targets(ctx)
	if err != nil {
		return nil, fmt.Errorf("selecting gossip targets: %w", err)
	}

	res := &RoundResult{
		Successful: []string{},
		Failed:     []PeerFailure{},
		Peers:      len(targets),
	}
	var mu sync.Mutex

	var eg errgroup.Group
	eg.SetLimit(max(1, g.Config.Concurrency))
	for _, t := range targets {
		eg.Go(func() error {
			learned, err := g.contactPeer(ctx, self, t)
			mu.Lock()
			defer mu.Unlock()
			res.Learned += learned
			if err != nil {
				gossipPeerResults.WithLabelValues("failed").Inc()
				res.Failed = append(res.Failed, PeerFailure{Domain: t.domain.String(), Error: err.Error()})
				return nil
			}
			gossipPeerResults.WithLabelValues("ok").Inc()
			res.Successful = append(res.Successful, t.domain.String())
			return nil
		})
	}
	// per-peer errors are collected, never returned
	_ = eg.Wait()

	sort.Strings(res.Successful)
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].Domain < res.Failed[j].Domain })
	g.Logger.Info("gossip round complete", "peers", res.Peers, "successful", len(res.Successful), "failed", len(res.Failed), "learned", res.Learned)
	return res, nil
}

func (g *Gossiper) contactPeer(ctx context.Context, self *Announce, t gossipTarget) (int, error) {
	logger := g.Logger.With("peer", t.domain)

	reply, err := g.Client.Announce(ctx, t.host, self)
	if err != nil {
		if t.node != nil {
			if merr := g.Nodes.MarkFailure(ctx, t.domain); merr != nil {
				logger.Error("failed to record peer failure", "err", merr)
			}
		}
		logger.Debug("peer announce failed", "err", err)
		return 0, err
	}
	replyDomain, _, err := syntax.ParseDomain(reply.Domain)
	if err != nil || replyDomain != t.domain {
		if t.node != nil {
			_ = g.Nodes.MarkFailure(ctx, t.domain)
		}
		return 0, fmt.Errorf("%w: peer answered as %q", ErrBadAnnounce, reply.Domain)
	}
	node, err := g.Nodes.UpsertFromAnnounce(ctx, reply)
	if err != nil {
		return 0, err
	}

	if !node.HasCapability(models.CapabilityGossip) {
		return 0, nil
	}
	learned, err := g.exchange(ctx, node)
	if err != nil {
		// the announce succeeded, so the peer is up; a failed exchange is not a failed contact
		logger.Warn("gossip exchange failed", "err", err)
	}
	return learned, nil
}

// Domains of recently contacted nodes, for sharing with peers.
func (g *Gossiper) activeDomains(ctx context.Context) ([]string, error) {
	active, err := g.Nodes.ActiveNodes(ctx, g.Config.MaxNodesShared)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(active))
	for _, n := range active {
		out = append(out, n.Domain)
	}
	return out, nil
}

func (g *Gossiper) shareHandles(peer *models.Node) bool {
	return g.Config.ExchangeHandles && g.Handles != nil && peer.HasCapability(models.CapabilityHandles)
}

func latestSeq(entries []handles.Entry, floor uint64) uint64 {
	for _, e := range entries {
		floor = max(floor, e.Seq)
	}
	return floor
}

func (g *Gossiper) exchange(ctx context.Context, peer *models.Node) (int, error) {
	nodes, err := g.activeDomains(ctx)
	if err != nil {
		return 0, err
	}
	msg := &GossipMessage{
		From:  g.Nodes.Config.LocalDomain.String(),
		Nodes: nodes,
	}

	var pushedUpTo uint64
	if g.shareHandles(peer) {
		pulled, _ := g.handlesPulled.Load(peer.Domain)
		msg.HandlesAfter = &pulled
		pushed, _ := g.handlesPushed.Load(peer.Domain)
		delta, err := g.Handles.Export(ctx, handles.Query{After: pushed, Limit: handles.MaxExportLimit})
		if err != nil {
			return 0, err
		}
		msg.Handles = delta
		pushedUpTo = latestSeq(delta, pushed)
	}

	reply, err := g.Client.Gossip(ctx, peer.BaseURL(), msg)
	if err != nil {
		return 0, err
	}
	if pushedUpTo > 0 {
		g.handlesPushed.Store(peer.Domain, pushedUpTo)
	}

	peerDomain := syntax.Domain(peer.Domain)
	learned := g.learnNodes(ctx, reply.Nodes, peerDomain)

	if g.shareHandles(peer) && len(reply.Handles) > 0 {
		// we dialed the peer by its domain, so its own assertions count as self-asserted
		ur, err := g.Handles.Upsert(ctx, reply.Handles, peerDomain)
		if err != nil {
			return learned, err
		}
		recordHandleMerge(ur)
		pulled, _ := g.handlesPulled.Load(peer.Domain)
		g.handlesPulled.Store(peer.Domain, latestSeq(reply.Handles, pulled))
	}
	return learned, nil
}

func recordHandleMerge(ur *handles.UpsertResult) {
	gossipHandlesMerged.WithLabelValues("added").Add(float64(ur.Added))
	gossipHandlesMerged.WithLabelValues("updated").Add(float64(ur.Updated))
	gossipHandlesMerged.WithLabelValues("unchanged").Add(float64(ur.Unchanged))
	gossipHandlesMerged.WithLabelValues("rejected").Add(float64(ur.Rejected))
}

func (g *Gossiper) learnNodes(ctx context.Context, domains []string, via syntax.Domain) int {
	if len(domains) > g.Config.MaxNodesShared {
		domains = domains[:g.Config.MaxNodesShared]
	}
	learned := 0
	for _, raw := range domains {
		ok, err := g.Nodes.Learn(ctx, raw, via)
		if errors.Is(err, ErrNewNodesLimit) {
			g.Logger.Info("new node limit reached; ignoring remaining gossiped nodes", "via", via)
			break
		}
		if err != nil {
			g.Logger.Error("failed to record gossiped node", "domain", raw, "via", via, "err", err)
			continue
		}
		if ok {
			learned++
		}
	}
	return learned
}

// Answers a peer's gossip message: learns the nodes it shares, merges its handle entries, and replies with our own view.
//
// The sender's identity is not authenticated on this path, so its handle entries are merged with third-party relay rules.
func (g *Gossiper) HandleGossip(ctx context.Context, msg *GossipMessage) (*GossipMessage, error) {
	ctx, span := tracer.Start(ctx, "handleGossip")
	defer span.End()

	from, _, err := syntax.ParseDomain(msg.From)
	if err != nil {
		return nil, fmt.Errorf("%w: from: %v", ErrBadAnnounce, err)
	}
	// peers announce before gossiping, so unknown senders are refused
	if _, err := g.Nodes.GetNode(ctx, from); err != nil {
		return nil, err
	}
	banned, err := g.Nodes.DomainIsBanned(ctx, from)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, ErrDomainBanned
	}

	g.learnNodes(ctx, msg.Nodes, from)

	if g.Handles != nil && len(msg.Handles) > 0 {
		if len(msg.Handles) > handles.MaxExportLimit {
			msg.Handles = msg.Handles[:handles.MaxExportLimit]
		}
		ur, err := g.Handles.Upsert(ctx, msg.Handles, "")
		if err != nil {
			return nil, err
		}
		recordHandleMerge(ur)
	}

	nodes, err := g.activeDomains(ctx)
	if err != nil {
		return nil, err
	}
	reply := &GossipMessage{
		From:  g.Nodes.Config.LocalDomain.String(),
		Nodes: nodes,
	}
	if g.Handles != nil && g.Config.ExchangeHandles && (msg.HandlesAfter != nil || msg.HandlesSince != nil) {
		q := handles.Query{Limit: handles.MaxExportLimit}
		if msg.HandlesAfter != nil {
			q.After = *msg.HandlesAfter
		} else {
			q.Since = *msg.HandlesSince
		}
		delta, err := g.Handles.Export(ctx, q)
		if err != nil {
			return nil, err
		}
		reply.Handles = delta
	}
	return reply, nil
}

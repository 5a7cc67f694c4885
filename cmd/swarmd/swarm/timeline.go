package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/synapsis-social/synapsis/cmd/swarmd/swarm/models"
	"github.com/synapsis-social/synapsis/synapsis/syntax"

	"github.com/araddon/dateparse"
	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type TimelineConfig struct {
	// defaults for requests which do not specify them
	MaxNodes     int
	PostsPerNode int
	// per remote node
	FetchTimeout time.Duration
	// aggregated results are cached this long; zero disables
	CacheTTL  time.Duration
	CacheSize int
	// optional, shares the cache between processes
	RedisURL string
}

func DefaultTimelineConfig() TimelineConfig {
	return TimelineConfig{
		MaxNodes:     10,
		PostsPerNode: 20,
		FetchTimeout: 4 * time.Second,
		CacheTTL:     30 * time.Second,
		CacheSize:    1000,
	}
}

const (
	maxTimelineNodes   = 50
	maxPostsPerNode    = 50
	previewConcurrency = 4
)

type TimelineRequest struct {
	MaxNodes     int
	PostsPerNode int
	IncludeNSFW  bool
}

// Outcome of fetching from one node during aggregation. Error is empty on success.
type SourceResult struct {
	NodeDomain string `json:"nodeDomain"`
	Count      int    `json:"count"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

type TimelineResult struct {
	Posts     []SwarmPost    `json:"posts"`
	Sources   []SourceResult `json:"sources"`
	FetchedAt time.Time      `json:"fetchedAt"`
}

// Builds the cross-node timeline: fans out to active nodes in parallel, and merges what comes back. Slow or failing nodes are reported in the sources, never fatal.
type Aggregator struct {
	Nodes  *NodeRegistry
	Store  Store
	Client PeerClient
	// optional link preview enrichment
	Previews    *PreviewFetcher
	LocalDomain syntax.Domain
	LocalNSFW   bool
	Config      TimelineConfig
	Logger      *slog.Logger

	cache *cache.Cache
}

func NewAggregator(nodes *NodeRegistry, store Store, client PeerClient, config TimelineConfig) (*Aggregator, error) {
	a := &Aggregator{
		Nodes:       nodes,
		Store:       store,
		Client:      client,
		LocalDomain: nodes.Config.LocalDomain,
		Config:      config,
		Logger:      slog.Default().With("system", "timeline"),
	}
	if config.CacheTTL > 0 {
		opts := &cache.Options{
			LocalCache: cache.NewTinyLFU(max(1, config.CacheSize), config.CacheTTL),
		}
		if config.RedisURL != "" {
			ropt, err := redis.ParseURL(config.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("could not configure redis timeline cache: %w", err)
			}
			opts.Redis = redis.NewClient(ropt)
		}
		a.cache = cache.New(opts)
	}
	return a, nil
}

func (a *Aggregator) normalize(req TimelineRequest) TimelineRequest {
	if req.MaxNodes <= 0 {
		req.MaxNodes = a.Config.MaxNodes
	}
	if req.MaxNodes > maxTimelineNodes {
		req.MaxNodes = maxTimelineNodes
	}
	if req.MaxNodes <= 0 {
		req.MaxNodes = 1
	}
	if req.PostsPerNode <= 0 {
		req.PostsPerNode = a.Config.PostsPerNode
	}
	if req.PostsPerNode > maxPostsPerNode {
		req.PostsPerNode = maxPostsPerNode
	}
	if req.PostsPerNode <= 0 {
		req.PostsPerNode = 20
	}
	return req
}

func (a *Aggregator) FetchTimeline(ctx context.Context, req TimelineRequest) (*TimelineResult, error) {
	ctx, span := tracer.Start(ctx, "fetchTimeline")
	defer span.End()

	req = a.normalize(req)
	if a.cache == nil {
		timelineFetches.WithLabelValues("disabled").Inc()
		return a.aggregate(ctx, req)
	}

	var res TimelineResult
	hit := true
	err := a.cache.Once(&cache.Item{
		Ctx:   ctx,
		Key:   fmt.Sprintf("timeline/%d/%d/%t", req.MaxNodes, req.PostsPerNode, req.IncludeNSFW),
		Value: &res,
		TTL:   a.Config.CacheTTL,
		Do: func(*cache.Item) (any, error) {
			hit = false
			return a.aggregate(ctx, req)
		},
	})
	if err != nil {
		return nil, err
	}
	if hit {
		timelineFetches.WithLabelValues("hit").Inc()
	} else {
		timelineFetches.WithLabelValues("miss").Inc()
	}
	return &res, nil
}

// Remote nodes to fetch from: active, not banned, and not NSFW unless requested.
func (a *Aggregator) remoteSources(ctx context.Context, req TimelineRequest) ([]models.Node, error) {
	want := req.MaxNodes - 1
	if want <= 0 {
		return nil, nil
	}
	// over-fetch, since some will be filtered out
	active, err := a.Nodes.ActiveNodes(ctx, want*2+5)
	if err != nil {
		return nil, err
	}
	out := []models.Node{}
	for _, n := range active {
		if len(out) >= want {
			break
		}
		if n.Domain == a.LocalDomain.String() {
			continue
		}
		if n.IsNSFW && !req.IncludeNSFW {
			continue
		}
		banned, err := a.Nodes.DomainIsBanned(ctx, syntax.Domain(n.Domain))
		if err != nil || banned {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (a *Aggregator) aggregate(ctx context.Context, req TimelineRequest) (*TimelineResult, error) {
	remotes, err := a.remoteSources(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("selecting timeline sources: %w", err)
	}

	// slot 0 is the local node
	sources := make([]SourceResult, len(remotes)+1)
	pages := make([][]SwarmPost, len(remotes)+1)

	var eg errgroup.Group
	eg.Go(func() error {
		start := time.Now()
		page, err := a.LocalPage(ctx, TimelineQuery{Limit: req.PostsPerNode})
		sources[0] = SourceResult{NodeDomain: a.LocalDomain.String(), DurationMs: time.Since(start).Milliseconds()}
		if err != nil {
			sources[0].Error = err.Error()
			return nil
		}
		pages[0] = page.Posts
		sources[0].Count = len(page.Posts)
		return nil
	})
	for i, n := range remotes {
		eg.Go(func() error {
			posts, res := a.fetchRemote(ctx, n, req.PostsPerNode)
			pages[i+1] = posts
			sources[i+1] = res
			return nil
		})
	}
	_ = eg.Wait()

	var all []SwarmPost
	for _, p := range pages {
		all = append(all, p...)
	}
	posts := mergePosts(all, req.IncludeNSFW)
	a.enrichPreviews(ctx, posts)

	return &TimelineResult{
		Posts:     posts,
		Sources:   sources,
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (a *Aggregator) fetchRemote(ctx context.Context, n models.Node, limit int) ([]SwarmPost, SourceResult) {
	res := SourceResult{NodeDomain: n.Domain}
	start := time.Now()
	timeout := a.Config.FetchTimeout
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page, err := a.Client.FetchTimeline(ctx, n.BaseURL(), TimelineQuery{Limit: limit})
	res.DurationMs = time.Since(start).Milliseconds()
	timelineSourceDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		timelineSourceResults.WithLabelValues("failed").Inc()
		res.Error = err.Error()
		a.Logger.Info("timeline source failed", "node", n.Domain, "err", err)
		// the caller's context may have been cancelled, so record against a fresh one
		if merr := a.Nodes.MarkFailure(context.WithoutCancel(ctx), syntax.Domain(n.Domain)); merr != nil {
			a.Logger.Error("failed to record peer failure", "node", n.Domain, "err", merr)
		}
		return nil, res
	}
	timelineSourceResults.WithLabelValues("ok").Inc()
	if err := a.Nodes.MarkSeen(context.WithoutCancel(ctx), syntax.Domain(n.Domain)); err != nil {
		a.Logger.Error("failed to record peer contact", "node", n.Domain, "err", err)
	}

	posts := page.Posts
	if len(posts) > limit {
		posts = posts[:limit]
	}
	// provenance is the node we asked, whatever the page claims
	nodeNSFW := n.IsNSFW || page.NodeIsNSFW
	for i := range posts {
		posts[i].NodeDomain = n.Domain
		posts[i].NodeIsNSFW = nodeNSFW
	}
	res.Count = len(posts)
	return posts, res
}

func (p *SwarmPost) isNSFW() bool {
	return p.IsNSFW || p.Author.IsNSFW || p.NodeIsNSFW
}

// Filters, de-duplicates by (node, post id), and sorts newest first. Timestamps are normalized to RFC 3339; posts with unparseable timestamps sort last.
func mergePosts(all []SwarmPost, includeNSFW bool) []SwarmPost {
	type keyed struct {
		post SwarmPost
		at   time.Time
	}
	seen := map[string]bool{}
	var kept []keyed
	for _, p := range all {
		if !includeNSFW && p.isNSFW() {
			continue
		}
		k := p.NodeDomain + "/" + p.ID
		if seen[k] {
			continue
		}
		seen[k] = true
		at, err := dateparse.ParseAny(p.CreatedAt)
		if err == nil {
			at = at.UTC()
			p.CreatedAt = at.Format(time.RFC3339Nano)
		}
		kept = append(kept, keyed{post: p, at: at})
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if !kept[i].at.Equal(kept[j].at) {
			return kept[i].at.After(kept[j].at)
		}
		if kept[i].post.NodeDomain != kept[j].post.NodeDomain {
			return kept[i].post.NodeDomain < kept[j].post.NodeDomain
		}
		return kept[i].post.ID < kept[j].post.ID
	})
	out := make([]SwarmPost, 0, len(kept))
	for _, k := range kept {
		out = append(out, k.post)
	}
	return out
}

// Best-effort: a failed preview leaves the post as it was.
func (a *Aggregator) enrichPreviews(ctx context.Context, posts []SwarmPost) {
	if a.Previews == nil {
		return
	}
	var eg errgroup.Group
	eg.SetLimit(previewConcurrency)
	for i := range posts {
		if posts[i].LinkURL == "" || posts[i].Preview != nil {
			continue
		}
		eg.Go(func() error {
			pv, err := a.Previews.Lookup(ctx, posts[i].LinkURL)
			if err != nil {
				a.Logger.Debug("no link preview", "url", posts[i].LinkURL, "err", err)
				return nil
			}
			posts[i].Preview = pv
			return nil
		})
	}
	_ = eg.Wait()
}

func swarmPost(p *models.Post, domain syntax.Domain, nodeNSFW bool) SwarmPost {
	sp := SwarmPost{
		ID:           p.ID,
		Content:      p.Content,
		LinkURL:      p.LinkURL,
		CreatedAt:    p.CreatedAt.UTC().Format(time.RFC3339Nano),
		IsNSFW:       p.IsNSFW,
		LikesCount:   p.LikesCount,
		RepostsCount: p.RepostsCount,
		NodeDomain:   domain.String(),
		NodeIsNSFW:   nodeNSFW,
	}
	if p.Author != nil {
		sp.Author = PostAuthor{
			DID:         p.Author.DID,
			Handle:      p.Author.Handle,
			DisplayName: p.Author.DisplayName,
			AvatarURL:   p.Author.AvatarURL,
			IsNSFW:      p.Author.IsNSFW,
			IsBot:       p.Author.IsBot,
		}
	}
	return sp
}

// One page of this node's own recent posts, as served on GET /swarm/timeline. The cursor is the creation time of the last post.
func (a *Aggregator) LocalPage(ctx context.Context, q TimelineQuery) (*TimelinePage, error) {
	pq := PostQuery{Limit: q.Limit}
	if pq.Limit <= 0 || pq.Limit > maxPostsPerNode {
		pq.Limit = a.Config.PostsPerNode
	}
	if q.Cursor != "" {
		before, err := dateparse.ParseAny(q.Cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadCursor, err)
		}
		pq.Before = before
	}
	posts, err := a.Store.RecentPosts(ctx, pq)
	if err != nil {
		return nil, err
	}
	page := &TimelinePage{
		Posts:      make([]SwarmPost, 0, len(posts)),
		NodeDomain: a.LocalDomain.String(),
		NodeIsNSFW: a.LocalNSFW,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	for i := range posts {
		page.Posts = append(page.Posts, swarmPost(&posts[i], a.LocalDomain, a.LocalNSFW))
	}
	if len(posts) == pq.Limit && len(posts) > 0 {
		page.Cursor = posts[len(posts)-1].CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return page, nil
}

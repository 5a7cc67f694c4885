package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/synapsis-social/synapsis/cmd/swarmd/swarm/models"
	"github.com/synapsis-social/synapsis/pkg/robusthttp"
	"github.com/synapsis-social/synapsis/synapsis/crypto"
	"github.com/synapsis-social/synapsis/synapsis/handles"
	"github.com/synapsis-social/synapsis/synapsis/identity"
	"github.com/synapsis-social/synapsis/synapsis/ratelimit"
	"github.com/synapsis-social/synapsis/synapsis/replay"
	"github.com/synapsis-social/synapsis/synapsis/syntax"
	"github.com/synapsis-social/synapsis/synapsis/verify"

	petname "github.com/dustinkirkland/golang-petname"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("swarm")

type SwarmConfig struct {
	// this node's public domain, eg "node.example" or "localhost:2470"
	Domain          string
	Name            string
	Description     string
	LogoURL         string
	SoftwareVersion string
	IsNSFW          bool
	Capabilities    []string
	UserAgent       string

	Nodes    NodeRegistryConfig
	Gossip   GossipConfig
	Timeline TimelineConfig
	Identity identity.CacheConfig
	// nil disables link previews
	Previews *PreviewConfig

	ActorRateLimit  ratelimit.Config
	SourceRateLimit ratelimit.Config

	// freshness window for signed actions
	ActionWindow time.Duration
	// if set, the replay guard uses redis instead of the database
	ReplayRedisURL string
	// per-node timeout for timeline fan-out
	FanoutTimeout time.Duration
}

func DefaultSwarmConfig() *SwarmConfig {
	src := ratelimit.DefaultConfig()
	src.Limit = 600
	return &SwarmConfig{
		SoftwareVersion: "synapsis-swarmd",
		Capabilities:    []string{models.CapabilityHandles, models.CapabilityGossip, models.CapabilityInteractions},
		Nodes:           DefaultNodeRegistryConfig(),
		Gossip:          DefaultGossipConfig(),
		Timeline:        DefaultTimelineConfig(),
		Identity:        identity.DefaultCacheConfig(),
		ActorRateLimit:  ratelimit.DefaultConfig(),
		SourceRateLimit: src,
		ActionWindow:    verify.DefaultWindow,
		FanoutTimeout:   4 * time.Second,
	}
}

// A swarm node: local store, peer registry, protocol components, and the wiring between them.
type Swarm struct {
	db     *gorm.DB
	Logger *slog.Logger
	Config SwarmConfig
	Domain syntax.Domain
	NoSSL  bool
	// signs this node's announcements
	NodeKey *crypto.PrivateKeyP256

	Store         *GormStore
	Nodes         *NodeRegistry
	Handles       *handles.Registry
	Identities    *identity.Cache
	Replay        replay.Guard
	Verifier      *verify.Verifier
	ActorLimiter  *ratelimit.Limiter
	SourceLimiter *ratelimit.Limiter
	Client        PeerClient
	Dispatcher    *Dispatcher
	Gossiper      *Gossiper
	Aggregator    *Aggregator
	Previews      *PreviewFetcher
}

// Wires up a swarm node. client may be nil, in which case an SSRF-protected HTTP peer client is used; fetcher likewise for identity documents.
func NewSwarm(db *gorm.DB, nodeKey *crypto.PrivateKeyP256, client PeerClient, fetcher identity.Fetcher, config *SwarmConfig) (*Swarm, error) {
	if config == nil {
		config = DefaultSwarmConfig()
	}
	domain, noSSL, err := syntax.ParseDomain(config.Domain)
	if err != nil {
		return nil, fmt.Errorf("invalid node domain: %w", err)
	}
	if nodeKey == nil {
		return nil, errors.New("node signing key is required")
	}
	if config.Name == "" {
		config.Name = petname.Generate(2, " ")
	}
	if config.UserAgent == "" {
		config.UserAgent = fmt.Sprintf("%s (+%s)", config.SoftwareVersion, domain.BaseURL())
	}

	s := &Swarm{
		db:      db,
		Logger:  slog.Default().With("system", "swarm"),
		Config:  *config,
		Domain:  domain,
		NoSSL:   noSSL,
		NodeKey: nodeKey,
	}

	if client == nil {
		client = NewHTTPPeerClient(domain.String(), config.UserAgent, config.FanoutTimeout)
	}
	s.Client = client
	if fetcher == nil {
		fetcher = &identity.HTTPFetcher{
			Client:    robusthttp.NewClient(robusthttp.WithSSRFProtection(), robusthttp.WithMaxRetries(1), robusthttp.WithTimeout(config.Identity.FetchTimeout)),
			UserAgent: config.UserAgent,
		}
	}

	s.Store = NewGormStore(db)

	nodesConfig := config.Nodes
	nodesConfig.LocalDomain = domain
	// seeds are operator-chosen, so exempt from the new node limit
	for _, seed := range config.Gossip.Seeds {
		if d, _, err := syntax.ParseDomain(seed); err == nil {
			nodesConfig.TrustedDomains = append(nodesConfig.TrustedDomains, d.String())
		}
	}
	s.Nodes = NewNodeRegistry(db, nodesConfig)
	s.Handles = handles.NewRegistry(db)

	s.Identities = identity.NewCache(db, fetcher, config.Identity)
	s.Identities.LocalDomain = domain

	if config.ReplayRedisURL != "" {
		// keys outlive the freshness window on both sides
		rg, err := replay.NewRedisGuard(config.ReplayRedisURL, 3*config.ActionWindow)
		if err != nil {
			return nil, err
		}
		s.Replay = rg
	} else {
		s.Replay = replay.NewGormGuard(db)
	}

	s.Verifier = verify.NewVerifier(&verify.ChainResolver{
		Resolvers: []verify.KeyResolver{
			&LocalDirectory{Store: s.Store, Domain: domain},
			s.Identities,
		},
	})
	s.Verifier.Window = config.ActionWindow

	s.ActorLimiter, err = ratelimit.NewLimiter("actor", config.ActorRateLimit)
	if err != nil {
		return nil, fmt.Errorf("actor rate limiter: %w", err)
	}
	s.SourceLimiter, err = ratelimit.NewLimiter("source", config.SourceRateLimit)
	if err != nil {
		return nil, fmt.Errorf("source rate limiter: %w", err)
	}

	s.Dispatcher = &Dispatcher{
		Store:         s.Store,
		Verifier:      s.Verifier,
		Replay:        s.Replay,
		Handles:       s.Handles,
		Nodes:         s.Nodes,
		Client:        client,
		ActorLimiter:  s.ActorLimiter,
		SourceLimiter: s.SourceLimiter,
		LocalDomain:   domain,
		Logger:        slog.Default().With("system", "dispatcher"),
	}

	s.Gossiper = NewGossiper(s.Nodes, s.Handles, client, s.SelfAnnounce, config.Gossip)

	s.Aggregator, err = NewAggregator(s.Nodes, s.Store, client, config.Timeline)
	if err != nil {
		return nil, err
	}
	s.Aggregator.LocalNSFW = config.IsNSFW
	if config.Previews != nil {
		pc := *config.Previews
		if pc.UserAgent == "" {
			pc.UserAgent = config.UserAgent
		}
		s.Previews, err = NewPreviewFetcher(pc)
		if err != nil {
			return nil, err
		}
		s.Aggregator.Previews = s.Previews
	}

	return s, nil
}

func (s *Swarm) MigrateDatabase() error {
	if err := s.Store.Migrate(); err != nil {
		return fmt.Errorf("migrating store: %w", err)
	}
	if err := s.Nodes.Migrate(); err != nil {
		return fmt.Errorf("migrating node registry: %w", err)
	}
	if err := s.Handles.Migrate(); err != nil {
		return fmt.Errorf("migrating handle registry: %w", err)
	}
	if err := s.Identities.Migrate(); err != nil {
		return fmt.Errorf("migrating identity cache: %w", err)
	}
	if gg, ok := s.Replay.(*replay.GormGuard); ok {
		if err := gg.Migrate(); err != nil {
			return fmt.Errorf("migrating replay guard: %w", err)
		}
	}
	return nil
}

func (s *Swarm) Healthcheck(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec("SELECT 1").Error
}

// Stops background identity refreshes.
func (s *Swarm) Close() {
	s.Identities.Close()
}

func (s *Swarm) capabilities() []string {
	a := Announce{Capabilities: s.Config.Capabilities}
	return a.NormalizedCapabilities()
}

// Builds and signs this node's current announcement.
func (s *Swarm) SelfAnnounce(ctx context.Context) (*Announce, error) {
	users, posts, err := s.Store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	domain := s.Domain.String()
	if s.NoSSL && !s.Domain.IsLocalhost() {
		domain = "http://" + domain
	}
	a := &Announce{
		Domain:          domain,
		Name:            s.Config.Name,
		Description:     s.Config.Description,
		LogoURL:         s.Config.LogoURL,
		SoftwareVersion: s.Config.SoftwareVersion,
		UserCount:       users,
		PostCount:       posts,
		Capabilities:    s.capabilities(),
		IsNSFW:          s.Config.IsNSFW,
	}
	if err := a.Sign(s.NodeKey, time.Now()); err != nil {
		return nil, err
	}
	return a, nil
}

// Handles an announcement pushed to us by a peer, and returns our own.
func (s *Swarm) AcceptAnnounce(ctx context.Context, a *Announce) (*Announce, error) {
	if _, err := s.Nodes.UpsertFromAnnounce(ctx, a); err != nil {
		return nil, err
	}
	return s.SelfAnnounce(ctx)
}

// Identity document for a local user, as served on the well-known identity endpoint.
func (s *Swarm) LocalIdentity(ctx context.Context, did syntax.DID) (*identity.RemoteIdentity, error) {
	u, err := s.Store.GetUserByDID(ctx, did)
	if err != nil {
		return nil, err
	}
	return &identity.RemoteIdentity{
		DID:        u.DID,
		Handle:     u.Handle,
		NodeDomain: s.Domain.String(),
		PublicKey:  u.PublicKey,
	}, nil
}

// Periodic maintenance: drops replay records outside the freshness window, and expired identity cache entries.
func (s *Swarm) Sweep(ctx context.Context) error {
	now := time.Now()
	var errs []error
	// a little slack beyond the window, for clock skew between nodes
	if n, err := s.Replay.Sweep(ctx, now.Add(-2*s.Config.ActionWindow)); err != nil {
		errs = append(errs, fmt.Errorf("replay sweep: %w", err))
	} else if n > 0 {
		s.Logger.Info("swept replay records", "count", n)
	}
	if n, err := s.Identities.PurgeExpired(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("identity purge: %w", err))
	} else if n > 0 {
		s.Logger.Info("purged expired identities", "count", n)
	}
	return errors.Join(errs...)
}

// Status code for a swarm error returned by core operations, for HTTP handlers.
func HTTPStatus(err error) int {
	if verr, ok := verify.AsError(err); ok {
		return verr.HTTPStatus()
	}
	switch {
	case errors.Is(err, ErrNodeNotFound), errors.Is(err, ErrUserNotFound), errors.Is(err, ErrPostNotFound), errors.Is(err, identity.ErrNotCached), errors.Is(err, handles.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDomainBanned), errors.Is(err, ErrNodeKeyPinned):
		return http.StatusForbidden
	case errors.Is(err, ErrBadAnnounce), errors.Is(err, ErrSelfAnnounce), errors.Is(err, ErrBadCursor), errors.Is(err, identity.ErrNoPendingKey):
		return http.StatusBadRequest
	case errors.Is(err, ErrNewNodesLimit):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

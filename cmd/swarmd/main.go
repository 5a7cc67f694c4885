package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	_ "go.uber.org/automaxprocs"
	_ "net/http/pprof"

	"github.com/synapsis-social/synapsis/cmd/swarmd/swarm"
	"github.com/synapsis-social/synapsis/internal/group"
	"github.com/synapsis-social/synapsis/internal/ticker"
	"github.com/synapsis-social/synapsis/synapsis/identity"
	"github.com/synapsis-social/synapsis/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting process", "err", err.Error())
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "swarmd",
		Usage:   "synapsis swarm node daemon",
		Version: versioninfo.Short(),
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"SYNAPSIS_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format (json or text)",
			EnvVars: []string{"SYNAPSIS_LOG_FMT"},
		},
		&cli.StringFlag{
			Name:    "host",
			Usage:   "base URL of the swarm node to talk to, for client commands",
			Value:   "http://localhost:2470",
			EnvVars: []string{"SYNAPSIS_HOST"},
		},
	}
	app.Commands = []*cli.Command{
		&cli.Command{
			Name:   "serve",
			Usage:  "run the swarm node daemon",
			Action: runSwarmd,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "domain",
					Usage:    "public domain of this node (eg, node.example, or localhost:2470 for development)",
					Required: true,
					EnvVars:  []string{"SYNAPSIS_DOMAIN", "NODE_DOMAIN"},
				},
				&cli.StringFlag{
					Name:    "name",
					Usage:   "display name of this node (random if not set)",
					EnvVars: []string{"SYNAPSIS_NODE_NAME"},
				},
				&cli.StringFlag{
					Name:    "description",
					Usage:   "short description, shown to other nodes",
					EnvVars: []string{"SYNAPSIS_NODE_DESCRIPTION"},
				},
				&cli.StringFlag{
					Name:    "logo-url",
					EnvVars: []string{"SYNAPSIS_NODE_LOGO_URL"},
				},
				&cli.BoolFlag{
					Name:    "nsfw",
					Usage:   "marks all content on this node as NSFW",
					EnvVars: []string{"SYNAPSIS_NODE_NSFW"},
				},
				&cli.StringFlag{
					Name:    "admin-password",
					Usage:   "secret password for accessing admin endpoints (random is used if not set)",
					EnvVars: []string{"SYNAPSIS_ADMIN_PASSWORD"},
				},
				&cli.StringFlag{
					Name:    "db-url",
					Usage:   "database connection string for the node database",
					Value:   "sqlite://data/swarmd/swarmd.sqlite",
					EnvVars: []string{"DATABASE_URL"},
				},
				&cli.IntFlag{
					Name:    "max-db-conn",
					Usage:   "limit on size of database connection pool",
					EnvVars: []string{"MAX_DB_CONNECTIONS"},
					Value:   40,
				},
				&cli.StringFlag{
					Name:    "node-key",
					Usage:   "path to the node signing key (JWK); generated if it does not exist",
					EnvVars: []string{"SYNAPSIS_NODE_KEY"},
				},
				&cli.StringFlag{
					Name:    "bind",
					Usage:   "IP or address, and port, to listen on for HTTP APIs",
					Value:   ":2470",
					EnvVars: []string{"SYNAPSIS_API_BIND"},
				},
				&cli.StringFlag{
					Name:    "metrics-listen",
					Usage:   "IP or address, and port, to listen on for prometheus metrics",
					Value:   ":2471",
					EnvVars: []string{"SYNAPSIS_METRICS_LISTEN"},
				},
				&cli.StringSliceFlag{
					Name:    "seeds",
					Usage:   "nodes contacted on every gossip round (domains or base URLs); multiple allowed",
					EnvVars: []string{"SYNAPSIS_SEEDS"},
				},
				&cli.StringSliceFlag{
					Name:    "trusted-domains",
					Usage:   "domains exempt from the new node admission limit; use wildcard prefix to match suffixes",
					EnvVars: []string{"SYNAPSIS_TRUSTED_DOMAINS"},
				},
				&cli.IntFlag{
					Name:    "new-nodes-per-day-limit",
					Value:   50,
					Usage:   "max number of previously unknown nodes admitted per day",
					EnvVars: []string{"SYNAPSIS_NEW_NODES_PER_DAY_LIMIT"},
				},
				&cli.BoolFlag{
					Name:    "allow-localhost-peers",
					Usage:   "accept localhost:<port> nodes, for local development",
					EnvVars: []string{"SYNAPSIS_ALLOW_LOCALHOST_PEERS"},
				},
				&cli.StringFlag{
					Name:    "key-policy",
					Usage:   "what to do when a remote key changes: strict, warn, or allow",
					Value:   string(identity.PolicyWarn),
					EnvVars: []string{"SYNAPSIS_KEY_POLICY"},
				},
				&cli.DurationFlag{
					Name:    "gossip-interval",
					Usage:   "time between gossip rounds",
					Value:   5 * time.Minute,
					EnvVars: []string{"SYNAPSIS_GOSSIP_INTERVAL"},
				},
				&cli.DurationFlag{
					Name:    "sweep-interval",
					Usage:   "time between replay record and identity cache sweeps",
					Value:   10 * time.Minute,
					EnvVars: []string{"SYNAPSIS_SWEEP_INTERVAL"},
				},
				&cli.DurationFlag{
					Name:    "reconcile-interval",
					Usage:   "time between like/repost/follower counter reconciliation runs",
					Value:   6 * time.Hour,
					EnvVars: []string{"SYNAPSIS_RECONCILE_INTERVAL"},
				},
				&cli.IntFlag{
					Name:    "actor-rate-limit",
					Usage:   "max interactions per minute from a single actor",
					Value:   60,
					EnvVars: []string{"SYNAPSIS_ACTOR_RATE_LIMIT"},
				},
				&cli.IntFlag{
					Name:    "source-rate-limit",
					Usage:   "max interactions per minute from a single sending node",
					Value:   600,
					EnvVars: []string{"SYNAPSIS_SOURCE_RATE_LIMIT"},
				},
				&cli.StringFlag{
					Name:    "replay-redis-url",
					Usage:   "redis server for the replay guard, shared by all processes of this node",
					EnvVars: []string{"SYNAPSIS_REPLAY_REDIS_URL"},
				},
				&cli.StringFlag{
					Name:    "timeline-redis-url",
					Usage:   "redis server for the aggregated timeline cache",
					EnvVars: []string{"SYNAPSIS_TIMELINE_REDIS_URL"},
				},
				&cli.BoolFlag{
					Name:    "disable-link-previews",
					EnvVars: []string{"SYNAPSIS_DISABLE_LINK_PREVIEWS"},
				},
				&cli.StringFlag{
					Name:    "env",
					Value:   "dev",
					EnvVars: []string{"ENVIRONMENT"},
					Usage:   "declared hosting environment (prod, qa, etc); used in metrics",
				},
				&cli.BoolFlag{
					Name: "enable-db-tracing",
				},
				&cli.BoolFlag{
					Name: "enable-jaeger-tracing",
				},
				&cli.StringFlag{
					Name:    "jaeger-endpoint",
					Value:   "http://localhost:14268/api/traces",
					EnvVars: []string{"SYNAPSIS_JAEGER_ENDPOINT"},
				},
				&cli.StringFlag{
					Name:    "otel-exporter-otlp-endpoint",
					EnvVars: []string{"OTEL_EXPORTER_OTLP_ENDPOINT"},
				},
			},
		},
		// client commands defined in client.go
		cmdKeygen,
		cmdSignAction,
		cmdPeers,
		cmdResolveHandle,
	}
	return app.Run(args)
}

func configLogger(cctx *cli.Context) (*slog.Logger, error) {
	return cliutil.SetupSlog(cliutil.LogOptions{
		LogLevel:  cctx.String("log-level"),
		LogFormat: cctx.String("log-format"),
	})
}

func swarmConfig(cctx *cli.Context) (*swarm.SwarmConfig, error) {
	config := swarm.DefaultSwarmConfig()
	config.Domain = cctx.String("domain")
	config.Name = cctx.String("name")
	config.Description = cctx.String("description")
	config.LogoURL = cctx.String("logo-url")
	config.IsNSFW = cctx.Bool("nsfw")
	config.SoftwareVersion = fmt.Sprintf("synapsis-swarmd/%s", versioninfo.Short())

	policy, err := identity.ParsePolicy(cctx.String("key-policy"))
	if err != nil {
		return nil, err
	}
	config.Identity.Policy = policy
	config.Nodes.KeyPolicy = policy
	config.Nodes.TrustedDomains = cctx.StringSlice("trusted-domains")
	config.Nodes.NewNodesPerDayLimit = cctx.Int64("new-nodes-per-day-limit")
	config.Nodes.AllowLocalhost = cctx.Bool("allow-localhost-peers")
	config.Gossip.Seeds = cctx.StringSlice("seeds")

	config.ActorRateLimit.Limit = cctx.Int64("actor-rate-limit")
	config.SourceRateLimit.Limit = cctx.Int64("source-rate-limit")

	config.ReplayRedisURL = cctx.String("replay-redis-url")
	config.Timeline.RedisURL = cctx.String("timeline-redis-url")
	if !cctx.Bool("disable-link-previews") {
		pc := swarm.DefaultPreviewConfig()
		config.Previews = &pc
	}
	return config, nil
}

func runSwarmd(cctx *cli.Context) error {
	ctx := cctx.Context
	logger, err := configLogger(cctx)
	if err != nil {
		return err
	}

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	dburl := cctx.String("db-url")
	maxConn := cctx.Int("max-db-conn")
	logger.Info("configuring database", "url", dburl, "maxConn", maxConn)
	db, err := cliutil.SetupDatabase(dburl, maxConn)
	if err != nil {
		return err
	}

	keyPath := cctx.String("node-key")
	if keyPath == "" {
		keyPath, err = cliutil.DefaultKeyPath()
		if err != nil {
			return err
		}
	}
	nodeKey, created, err := cliutil.LoadOrGenerateKey(keyPath, cctx.String("domain"))
	if err != nil {
		return fmt.Errorf("loading node key: %w", err)
	}
	if created {
		logger.Info("generated new node signing key", "path", keyPath)
	}
	logger.Info("node signing key", "publicKey", nodeKey.PublicKey().Multibase())

	config, err := swarmConfig(cctx)
	if err != nil {
		return err
	}

	svcConfig := DefaultServiceConfig()
	if cctx.IsSet("admin-password") {
		svcConfig.AdminPassword = cctx.String("admin-password")
	} else {
		var rblob [10]byte
		_, _ = rand.Read(rblob[:])
		svcConfig.AdminPassword = base64.URLEncoding.EncodeToString(rblob[:])
		logger.Info("generated random admin password", "username", "admin", "password", svcConfig.AdminPassword)
	}

	logger.Info("constructing swarm node", "domain", config.Domain)
	s, err := swarm.NewSwarm(db, nodeKey, nil, nil, config)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.MigrateDatabase(); err != nil {
		return err
	}

	svc, err := NewService(s, svcConfig)
	if err != nil {
		return err
	}

	// start metrics endpoint
	go func() {
		if err := svc.StartMetrics(cctx.String("metrics-listen")); err != nil {
			logger.Error("failed to start metrics endpoint", "err", err)
			os.Exit(1)
		}
	}()

	// start observability/tracing (OTEL and jaeger)
	shutdownTracing, err := setupOTEL(cctx)
	if err != nil {
		return err
	}
	defer shutdownTracing()
	if cctx.Bool("enable-db-tracing") {
		if err := cliutil.EnableDatabaseTracing(db); err != nil {
			return err
		}
	}

	// background jobs run until shutdown
	bg := group.New(group.WithContext(context.WithoutCancel(ctx)), group.WithLogger(logger))
	for _, task := range backgroundTasks(s, cctx) {
		bg.Add(task.Name, func(ctx context.Context) error {
			return ticker.Periodically(ctx, logger, task)
		})
	}
	bg.Add("actor-limiter", func(ctx context.Context) error {
		return s.ActorLimiter.Run(ctx, time.Minute)
	})
	bg.Add("source-limiter", func(ctx context.Context) error {
		return s.SourceLimiter.Run(ctx, time.Minute)
	})

	svcErr := make(chan error, 1)
	go func() {
		err := svc.StartAPI(cctx.String("bind"))
		svcErr <- err
	}()

	logger.Info("startup complete")
	select {
	case <-signals:
		logger.Info("received shutdown signal")
	case err := <-svcErr:
		if err != nil {
			logger.Error("error during startup", "err", err)
		}
		logger.Info("shutting down")
	}

	bg.Stop()
	for _, err := range svc.Shutdown() {
		logger.Error("error during shutdown", "err", err)
	}
	if err := bg.Wait(); err != nil && ctx.Err() == nil {
		logger.Debug("background jobs exited", "err", err)
	}

	logger.Info("shutdown complete")

	return nil
}

func backgroundTasks(s *swarm.Swarm, cctx *cli.Context) []ticker.Task {
	return []ticker.Task{
		{
			Name:       "gossip",
			Interval:   cctx.Duration("gossip-interval"),
			RunAtStart: true,
			Fn: func(ctx context.Context) error {
				res, err := s.Gossiper.RunRound(ctx)
				if err != nil {
					return err
				}
				s.Logger.Info("gossip round finished", "peers", res.Peers, "successful", len(res.Successful), "failed", len(res.Failed), "learned", res.Learned)
				return nil
			},
		},
		{
			Name:     "sweep",
			Interval: cctx.Duration("sweep-interval"),
			Fn:       s.Sweep,
		},
		{
			Name:     "reconcile",
			Interval: cctx.Duration("reconcile-interval"),
			Fn: func(ctx context.Context) error {
				fixed, err := s.Store.Reconcile(ctx)
				if err != nil {
					return err
				}
				if fixed > 0 {
					s.Logger.Warn("reconciled drifted counters", "rows", fixed)
				}
				return nil
			},
		},
	}
}

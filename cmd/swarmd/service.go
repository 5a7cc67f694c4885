package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/synapsis-social/synapsis/cmd/swarmd/swarm"
	"github.com/synapsis-social/synapsis/synapsis/identity"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

type ServiceConfig struct {
	// password for the "admin" user on /admin/* routes (HTTP basic auth)
	AdminPassword string
	// max request body size, in echo's notation
	BodyLimit string
	// applies to reads and writes of each API request
	HTTPTimeout time.Duration
	// where request metrics are registered; defaults to the global prometheus registry
	Registerer prometheus.Registerer
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		BodyLimit:   "2M",
		HTTPTimeout: time.Minute,
	}
}

// HTTP surface of a swarm node: node-to-node protocol routes, the local action API, and admin routes.
type Service struct {
	logger *slog.Logger
	swarm  *swarm.Swarm
	config ServiceConfig

	echo    *echo.Echo
	httpd   *http.Server
	metrics *http.Server
}

func NewService(s *swarm.Swarm, config ServiceConfig) (*Service, error) {
	if config.AdminPassword == "" {
		return nil, errors.New("admin password is required")
	}
	if config.BodyLimit == "" {
		config.BodyLimit = DefaultServiceConfig().BodyLimit
	}
	svc := &Service{
		logger: slog.Default().With("system", "service"),
		swarm:  s,
		config: config,
	}
	svc.echo = svc.routes()
	return svc, nil
}

func (svc *Service) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(slogecho.New(svc.logger))
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("swarmd"))
	reg := svc.config.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "swarmd",
		Registerer: reg,
	}))
	e.Use(middleware.BodyLimit(svc.config.BodyLimit))
	e.HTTPErrorHandler = svc.errorHandler

	e.GET("/", svc.HandleHomeMessage)
	e.GET("/_health", svc.HandleHealthCheck)

	e.GET(wellKnownNodePath, svc.handleWellKnownNode)
	e.GET(identity.WellKnownIdentityPath, svc.handleWellKnownIdentity)
	e.GET(wellKnownHandlesPath, svc.handleGetHandles)
	e.POST(wellKnownHandlesPath, svc.handlePostHandles)

	e.POST(swarm.AnnouncePath, svc.handleAnnounce)
	e.POST(swarm.GossipPath, svc.handleGossip)
	e.GET("/swarm/nodes", svc.handleListNodes)
	e.GET(swarm.TimelinePath, svc.handleTimeline)
	e.GET("/swarm/aggregate", svc.handleAggregate)
	e.POST(swarm.InteractionsPath, svc.handleInteractions)

	// push-based distribution was replaced by pull aggregation
	e.POST("/swarm/push", svc.handleGone)
	e.POST("/swarm/posts/push", svc.handleGone)

	e.POST("/api/actions", svc.handleSubmitAction)

	admin := e.Group("/admin", svc.adminAuthMiddleware())
	admin.POST("/identity/accept", svc.handleAdminAcceptKey)
	admin.POST("/identity/forget", svc.handleAdminForgetIdentity)
	admin.GET("/identity/changed", svc.handleAdminListChangedKeys)
	admin.GET("/domains/ban", svc.handleAdminListDomainBans)
	admin.POST("/domains/ban", svc.handleAdminBanDomain)
	admin.POST("/domains/unban", svc.handleAdminUnbanDomain)
	admin.POST("/nodes/resetKey", svc.handleAdminResetNodeKey)
	admin.POST("/gossip/run", svc.handleAdminRunGossip)
	admin.POST("/reconcile", svc.handleAdminReconcile)

	return e
}

// Requires HTTP basic auth with username "admin" and the configured password.
func (svc *Service) adminAuthMiddleware() echo.MiddlewareFunc {
	return middleware.BasicAuthWithConfig(middleware.BasicAuthConfig{
		Validator: func(username, password string, c echo.Context) (bool, error) {
			if subtle.ConstantTimeCompare([]byte(username), []byte("admin")) == 1 &&
				subtle.ConstantTimeCompare([]byte(password), []byte(svc.config.AdminPassword)) == 1 {
				return true, nil
			}
			svc.logger.Warn("admin auth failed", "username", username, "remote", c.RealIP())
			return false, nil
		},
		Realm: "swarmd",
	})
}

func (svc *Service) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	body := swarm.GenericError{Error: "InternalError", Message: "internal error"}

	var herr *echo.HTTPError
	if errors.As(err, &herr) {
		code = herr.Code
		body.Error = http.StatusText(code)
		body.Message = fmt.Sprint(herr.Message)
	} else {
		code, body = errorBody(err)
	}
	if code >= 500 {
		svc.logger.Warn("swarmd-http-internal-error", "path", c.Path(), "err", err)
	}
	if err := c.JSON(code, body); err != nil {
		svc.logger.Error("failed to write http error", "err", err)
	}
}

func (svc *Service) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	svc.echo.ServeHTTP(rw, req)
}

func (svc *Service) StartAPI(listen string) error {
	var lc net.ListenConfig
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	li, err := lc.Listen(ctx, "tcp", listen)
	if err != nil {
		return err
	}
	return svc.StartWithListener(li)
}

func (svc *Service) StartWithListener(listen net.Listener) error {
	svc.httpd = &http.Server{
		Handler:        svc,
		ReadTimeout:    svc.config.HTTPTimeout,
		WriteTimeout:   svc.config.HTTPTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	svc.logger.Info("starting API server", "bind", listen.Addr().String())
	if err := svc.httpd.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (svc *Service) StartMetrics(listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	svc.metrics = &http.Server{Addr: listen, Handler: mux}
	if err := svc.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (svc *Service) Shutdown() []error {
	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if svc.httpd != nil {
		if err := svc.httpd.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if svc.metrics != nil {
		if err := svc.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

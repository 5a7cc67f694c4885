package main

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/synapsis-social/synapsis/cmd/swarmd/swarm"
	"github.com/synapsis-social/synapsis/synapsis/handles"
	"github.com/synapsis-social/synapsis/synapsis/syntax"
	"github.com/synapsis-social/synapsis/synapsis/verify"

	"github.com/labstack/echo/v4"
)

const (
	wellKnownNodePath    = "/.well-known/synapsis-node"
	wellKnownHandlesPath = "/.well-known/synapsis-handles"
)

type HealthStatus struct {
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

var homeMessage string = `
.########.##......##....###....########..##.....##
.##.......##..##..##...##.##...##.....##.###...###
.##.......##..##..##..##...##..##.....##.####.####
.########.##..##..##.##.....##.########..##.###.##
.......##.##..##..##.#########.##...##...##.....##
.##....##.##..##..##.##.....##.##....##..##.....##
.########..###..###..##.....##.##.....##.##.....##

This is a synapsis swarm node, running the 'swarmd' daemon.

Node announcement:  /.well-known/synapsis-node
Interaction inbox:  /swarm/interactions
`

func (svc *Service) HandleHomeMessage(c echo.Context) error {
	return c.String(http.StatusOK, homeMessage)
}

func (svc *Service) HandleHealthCheck(c echo.Context) error {
	if err := svc.swarm.Healthcheck(c.Request().Context()); err != nil {
		svc.logger.Error("healthcheck can't connect to database", "err", err)
		return c.JSON(http.StatusInternalServerError, HealthStatus{Status: "error", Message: "can't connect to database"})
	}
	return c.JSON(http.StatusOK, HealthStatus{Status: "ok"})
}

// Maps an error from the swarm core to a status code and JSON body.
func errorBody(err error) (int, swarm.GenericError) {
	if verr, ok := verify.AsError(err); ok {
		return verr.HTTPStatus(), swarm.GenericError{
			Error:   string(verr.Code),
			Message: verr.Message,
			Retry:   string(verr.Retry()),
		}
	}
	status := swarm.HTTPStatus(err)
	name := "InternalError"
	msg := "internal error"
	switch status {
	case http.StatusNotFound:
		name = "NotFound"
	case http.StatusForbidden:
		name = "Forbidden"
	case http.StatusBadRequest:
		name = "BadRequest"
	case http.StatusTooManyRequests:
		name = "RateLimitExceeded"
	}
	if status < 500 {
		msg = err.Error()
	}
	return status, swarm.GenericError{Error: name, Message: msg}
}

func (svc *Service) sendError(c echo.Context, err error) error {
	status, body := errorBody(err)
	if verr, ok := verify.AsError(err); ok && verr.RetryAfter > 0 {
		secs := int(verr.RetryAfter.Round(time.Second) / time.Second)
		c.Response().Header().Set("Retry-After", strconv.Itoa(max(1, secs)))
	}
	if status >= 500 {
		svc.logger.Warn("request failed", "path", c.Path(), "err", err)
	}
	return c.JSON(status, body)
}

func badRequest(format string, args ...any) error {
	return &echo.HTTPError{Code: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func readBody(c echo.Context) ([]byte, error) {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, badRequest("failed to read request body: %s", err)
	}
	if len(raw) == 0 {
		return nil, badRequest("empty request body")
	}
	return raw, nil
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, badRequest("invalid %s parameter: %q", name, raw)
	}
	return v, nil
}

func (svc *Service) handleWellKnownNode(c echo.Context) error {
	a, err := svc.swarm.SelfAnnounce(c.Request().Context())
	if err != nil {
		return err
	}
	b, err := a.Bytes()
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, b)
}

func (svc *Service) handleWellKnownIdentity(c echo.Context) error {
	did, err := syntax.ParseDID(c.QueryParam("did"))
	if err != nil {
		return badRequest("invalid did parameter: %s", err)
	}
	ri, err := svc.swarm.LocalIdentity(c.Request().Context(), did)
	if err != nil {
		return svc.sendError(c, err)
	}
	return c.JSON(http.StatusOK, ri)
}

type HandlesBody struct {
	Handles []handles.Entry `json:"handles"`
}

func (svc *Service) handleGetHandles(c echo.Context) error {
	q := handles.Query{Handle: c.QueryParam("handle")}
	if raw := c.QueryParam("since"); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return badRequest("invalid since parameter: %s", err)
		}
		q.Since = since
	}
	if raw := c.QueryParam("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return badRequest("invalid after parameter: %q", raw)
		}
		q.After = after
	}
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		return err
	}
	q.Limit = limit

	entries, err := svc.swarm.Handles.Export(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, HandlesBody{Handles: entries})
}

// Imports handle assertions pushed by a peer. The sending node, from the node header, decides whether each entry is an owner assertion or relayed.
func (svc *Service) handlePostHandles(c echo.Context) error {
	source, _, err := syntax.ParseDomain(c.Request().Header.Get(swarm.NodeHeader))
	if err != nil {
		return badRequest("missing or invalid %s header", swarm.NodeHeader)
	}
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	push, err := swarm.ParseHandlesPush(raw)
	if err != nil {
		return svc.sendError(c, err)
	}
	if len(push.Handles) == 0 {
		return badRequest("at least one handle entry is required")
	}
	if len(push.Handles) > handles.MaxExportLimit {
		return badRequest("too many handle entries (max %d)", handles.MaxExportLimit)
	}
	ctx := c.Request().Context()
	if banned, err := svc.swarm.Nodes.DomainIsBanned(ctx, source); err != nil {
		return err
	} else if banned {
		return svc.sendError(c, swarm.ErrDomainBanned)
	}

	res, err := svc.swarm.ImportHandles(ctx, source, push)
	if err != nil {
		return svc.sendError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (svc *Service) handleAnnounce(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	a, err := swarm.ParseAnnounce(raw)
	if err != nil {
		return svc.sendError(c, err)
	}
	reply, err := svc.swarm.AcceptAnnounce(c.Request().Context(), a)
	if err != nil {
		return svc.sendError(c, err)
	}
	b, err := reply.Bytes()
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, b)
}

func (svc *Service) handleGossip(c echo.Context) error {
	var msg swarm.GossipMessage
	if err := c.Bind(&msg); err != nil {
		return err
	}
	if msg.From == "" {
		msg.From = c.Request().Header.Get(swarm.NodeHeader)
	}
	reply, err := svc.swarm.Gossiper.HandleGossip(c.Request().Context(), &msg)
	if err != nil {
		return svc.sendError(c, err)
	}
	return c.JSON(http.StatusOK, reply)
}

type NodeView struct {
	*swarm.Announce
	Active        bool       `json:"active"`
	LastSeenAt    *time.Time `json:"lastSeenAt,omitempty"`
	DiscoveredVia string     `json:"discoveredVia,omitempty"`
}

type ListNodesResponse struct {
	Nodes  []NodeView `json:"nodes"`
	Cursor string     `json:"cursor,omitempty"`
}

func (svc *Service) handleListNodes(c echo.Context) error {
	q := swarm.NodeQuery{}
	if raw := c.QueryParam("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return badRequest("invalid active parameter: %q", raw)
		}
		q.ActiveOnly = active
	}
	if raw := c.QueryParam("cursor"); raw != "" {
		cursor, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return badRequest("invalid cursor parameter: %q", raw)
		}
		q.Cursor = cursor
	}
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		return err
	}
	if limit > 1000 {
		limit = 1000
	}
	q.Limit = limit

	nodes, err := svc.swarm.Nodes.ListNodes(c.Request().Context(), q)
	if err != nil {
		return err
	}
	now := time.Now()
	resp := ListNodesResponse{Nodes: make([]NodeView, 0, len(nodes))}
	for i := range nodes {
		n := &nodes[i]
		view := NodeView{
			Announce:      swarm.AnnounceFromNode(n),
			Active:        n.IsActive(now, svc.swarm.Nodes.Config.StaleAfter),
			DiscoveredVia: n.DiscoveredVia,
		}
		if !n.LastSeenAt.IsZero() {
			seen := n.LastSeenAt
			view.LastSeenAt = &seen
		}
		resp.Nodes = append(resp.Nodes, view)
	}
	if len(nodes) == limit && limit > 0 {
		resp.Cursor = strconv.FormatUint(nodes[len(nodes)-1].ID, 10)
	}
	return c.JSON(http.StatusOK, resp)
}

func (svc *Service) handleTimeline(c echo.Context) error {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return err
	}
	page, err := svc.swarm.Aggregator.LocalPage(c.Request().Context(), swarm.TimelineQuery{
		Limit:  limit,
		Cursor: c.QueryParam("cursor"),
	})
	if err != nil {
		return svc.sendError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

func (svc *Service) handleAggregate(c echo.Context) error {
	req := swarm.TimelineRequest{}
	var err error
	if req.MaxNodes, err = queryInt(c, "maxNodes", 0); err != nil {
		return err
	}
	if req.PostsPerNode, err = queryInt(c, "postsPerNode", 0); err != nil {
		return err
	}
	if raw := c.QueryParam("includeNsfw"); raw != "" {
		if req.IncludeNSFW, err = strconv.ParseBool(raw); err != nil {
			return badRequest("invalid includeNsfw parameter: %q", raw)
		}
	}
	res, err := svc.swarm.Aggregator.FetchTimeline(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// Reply to a replayed action. The effect already happened, so the sender should treat it as delivered.
type DuplicateReceipt struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Retry  string `json:"retry"`
}

func (svc *Service) handleInteractions(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	sa, err := verify.ParseSignedAction(raw)
	if err != nil {
		return svc.sendError(c, err)
	}

	source := c.Request().Header.Get(swarm.NodeHeader)
	if d, _, err := syntax.ParseDomain(source); err == nil {
		source = d.String()
	} else {
		source = c.RealIP()
	}

	rcpt, err := svc.swarm.Dispatcher.Receive(c.Request().Context(), sa, source)
	if err != nil {
		if verr, ok := verify.AsError(err); ok && verr.Retry() == verify.RetryApplied {
			return c.JSON(http.StatusOK, DuplicateReceipt{
				Status: swarm.ReceiptDuplicate,
				Error:  string(verr.Code),
				Retry:  string(verify.RetryApplied),
			})
		}
		return svc.sendError(c, err)
	}
	return c.JSON(http.StatusAccepted, rcpt)
}

func (svc *Service) handleSubmitAction(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	sa, err := verify.ParseSignedAction(raw)
	if err != nil {
		return svc.sendError(c, err)
	}
	rcpt, err := svc.swarm.Dispatcher.Submit(c.Request().Context(), sa)
	if err != nil {
		if verify.CodeOf(err) == verify.CodeReplayedNonce {
			return c.JSON(http.StatusConflict, swarm.GenericError{Error: string(verify.CodeReplayedNonce), Message: "action was already submitted"})
		}
		return svc.sendError(c, err)
	}
	status := http.StatusOK
	if rcpt.Status == swarm.ReceiptAccepted {
		status = http.StatusAccepted
	}
	return c.JSON(status, rcpt)
}

func (svc *Service) handleGone(c echo.Context) error {
	path := strings.TrimPrefix(c.Path(), "/swarm/")
	return c.JSON(http.StatusGone, swarm.GenericError{
		Error:   "Gone",
		Message: fmt.Sprintf("%s is no longer supported; nodes pull timelines from %s", path, swarm.TimelinePath),
	})
}

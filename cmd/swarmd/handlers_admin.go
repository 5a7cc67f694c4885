package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/synapsis-social/synapsis/cmd/swarmd/swarm"
	"github.com/synapsis-social/synapsis/synapsis/identity"
	"github.com/synapsis-social/synapsis/synapsis/syntax"

	"github.com/labstack/echo/v4"
)

func bindDID(c echo.Context) (syntax.DID, error) {
	var body map[string]string
	if err := c.Bind(&body); err != nil {
		return "", err
	}
	didField, ok := body["did"]
	if !ok {
		return "", &echo.HTTPError{
			Code:    http.StatusBadRequest,
			Message: "must specify DID parameter in body",
		}
	}
	did, err := syntax.ParseDID(didField)
	if err != nil {
		return "", &echo.HTTPError{Code: http.StatusBadRequest, Message: err.Error()}
	}
	return did, nil
}

func bindDomain(c echo.Context) (string, error) {
	var body map[string]string
	if err := c.Bind(&body); err != nil {
		return "", err
	}
	domain, ok := body["domain"]
	if !ok || domain == "" {
		return "", &echo.HTTPError{
			Code:    http.StatusBadRequest,
			Message: "must specify domain in body",
		}
	}
	return domain, nil
}

// Trusts the key which was observed for a DID but held back by the strict key policy.
func (svc *Service) handleAdminAcceptKey(c echo.Context) error {
	did, err := bindDID(c)
	if err != nil {
		return err
	}
	entry, err := svc.swarm.Identities.AcceptPendingKey(c.Request().Context(), did)
	if err != nil {
		if errors.Is(err, identity.ErrNotCached) {
			return &echo.HTTPError{Code: http.StatusNotFound, Message: "identity not cached"}
		}
		if errors.Is(err, identity.ErrNoPendingKey) {
			return &echo.HTTPError{Code: http.StatusBadRequest, Message: "no pending key for identity"}
		}
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":   "true",
		"did":       entry.DID,
		"publicKey": entry.PublicKey,
	})
}

// Drops the cached identity, so the next action from the DID is treated as a first use.
func (svc *Service) handleAdminForgetIdentity(c echo.Context) error {
	did, err := bindDID(c)
	if err != nil {
		return err
	}
	if err := svc.swarm.Identities.Forget(c.Request().Context(), did); err != nil {
		if errors.Is(err, identity.ErrNotCached) {
			return &echo.HTTPError{Code: http.StatusNotFound, Message: "identity not cached"}
		}
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success": "true",
	})
}

type changedKey struct {
	DID          string     `json:"did"`
	Handle       string     `json:"handle,omitempty"`
	NodeDomain   string     `json:"nodeDomain"`
	PublicKey    string     `json:"publicKey"`
	PendingKey   string     `json:"pendingKey,omitempty"`
	Status       string     `json:"status"`
	KeyChangedAt *time.Time `json:"keyChangedAt,omitempty"`
}

func (svc *Service) handleAdminListChangedKeys(c echo.Context) error {
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		return err
	}
	entries, err := svc.swarm.Identities.ListChanged(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	out := make([]changedKey, 0, len(entries))
	for _, e := range entries {
		out = append(out, changedKey{
			DID:          e.DID,
			Handle:       e.Handle,
			NodeDomain:   e.NodeDomain,
			PublicKey:    e.PublicKey,
			PendingKey:   e.PendingKey,
			Status:       string(e.Status),
			KeyChangedAt: e.KeyChangedAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"identities": out,
	})
}

func (svc *Service) handleAdminListDomainBans(c echo.Context) error {
	bans, err := svc.swarm.Nodes.ListDomainBans(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]string, 0, len(bans))
	for _, b := range bans {
		out = append(out, b.Domain)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"banned_domains": out,
	})
}

func (svc *Service) handleAdminBanDomain(c echo.Context) error {
	domain, err := bindDomain(c)
	if err != nil {
		return err
	}
	if err := svc.swarm.Nodes.CreateDomainBan(c.Request().Context(), domain); err != nil {
		return &echo.HTTPError{
			Code:    http.StatusInternalServerError,
			Message: fmt.Errorf("failed to create domain ban: %w", err).Error(),
		}
	}
	svc.logger.Info("domain banned", "domain", domain)
	return c.JSON(http.StatusOK, map[string]any{
		"success": "true",
	})
}

func (svc *Service) handleAdminUnbanDomain(c echo.Context) error {
	domain, err := bindDomain(c)
	if err != nil {
		return err
	}
	if err := svc.swarm.Nodes.RemoveDomainBan(c.Request().Context(), domain); err != nil {
		return &echo.HTTPError{
			Code:    http.StatusInternalServerError,
			Message: fmt.Errorf("failed to remove domain ban: %w", err).Error(),
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success": "true",
	})
}

// Unpins a node's announcement key, so the next signed announce pins whatever key it carries.
func (svc *Service) handleAdminResetNodeKey(c echo.Context) error {
	raw, err := bindDomain(c)
	if err != nil {
		return err
	}
	domain, _, err := syntax.ParseDomain(raw)
	if err != nil {
		return &echo.HTTPError{Code: http.StatusBadRequest, Message: err.Error()}
	}
	if err := svc.swarm.Nodes.ResetNodeKey(c.Request().Context(), domain); err != nil {
		if errors.Is(err, swarm.ErrNodeNotFound) {
			return &echo.HTTPError{Code: http.StatusNotFound, Message: "node not found"}
		}
		return err
	}
	svc.logger.Warn("operator reset pinned node key", "domain", domain)
	return c.JSON(http.StatusOK, map[string]any{
		"success": "true",
	})
}

func (svc *Service) handleAdminRunGossip(c echo.Context) error {
	res, err := svc.swarm.Gossiper.RunRound(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (svc *Service) handleAdminReconcile(c echo.Context) error {
	fixed, err := svc.swarm.Store.Reconcile(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success": "true",
		"fixed":   strconv.FormatInt(fixed, 10),
	})
}

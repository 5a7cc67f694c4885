package swarm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/synapsis-social/synapsis/cmd/swarmd/swarm/models"
	"github.com/synapsis-social/synapsis/synapsis/syntax"

	"gorm.io/gorm"
)

// DomainIsBanned checks if the given node domain is banned. It checks all domain suffixes.
//
// Domain is assumed to have been parsed/normalized (eg, lower-case). Localhost is only banned when AllowLocalhost is not configured.
func (n *NodeRegistry) DomainIsBanned(ctx context.Context, domain syntax.Domain) (bool, error) {
	hostname := domain.String()
	if domain.IsLocalhost() {
		return !n.Config.AllowLocalhost, nil
	}

	// otherwise we shouldn't have a port/colon
	if strings.Contains(hostname, ":") {
		return false, fmt.Errorf("unexpected colon in hostname: %s", hostname)
	}

	// try entire host, and then all domain suffixes
	segments := strings.Split(hostname, ".")
	for i := 0; i < len(segments)-1; i++ {
		dchk := strings.Join(segments[i:], ".")
		found, err := n.findDomainBan(ctx, dchk)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

func (n *NodeRegistry) findDomainBan(ctx context.Context, domain string) (bool, error) {
	var ban models.DomainBan
	if err := n.db.WithContext(ctx).Model(&models.DomainBan{}).Where("domain = ?", domain).First(&ban).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (n *NodeRegistry) CreateDomainBan(ctx context.Context, domain string) error {
	domainBan := models.DomainBan{Domain: strings.ToLower(domain)}
	return n.db.WithContext(ctx).Create(&domainBan).Error
}

func (n *NodeRegistry) RemoveDomainBan(ctx context.Context, domain string) error {
	return n.db.WithContext(ctx).Unscoped().Delete(&models.DomainBan{}, "domain = ?", strings.ToLower(domain)).Error
}

// returns all domain bans
func (n *NodeRegistry) ListDomainBans(ctx context.Context) ([]models.DomainBan, error) {
	bans := []models.DomainBan{}
	if err := n.db.WithContext(ctx).Model(&models.DomainBan{}).Find(&bans).Error; err != nil {
		return nil, err
	}
	return bans, nil
}

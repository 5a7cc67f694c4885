package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/synapsis-social/synapsis/synapsis/crypto"
	"github.com/synapsis-social/synapsis/synapsis/syntax"
	"github.com/synapsis-social/synapsis/synapsis/verify"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var (
	// Returned (wrapped in a [verify.Error]) for any action by a DID with an unresolved key conflict, under the strict policy.
	ErrKeyConflict   = errors.New("identity: signing key changed; awaiting operator resolution")
	ErrNoPendingKey  = errors.New("identity: no pending key change for DID")
	ErrNotCached     = errors.New("identity: DID not in cache")
	ErrInvalidRemote = errors.New("identity: invalid identity document")
)

// What to do when an owning node starts serving a different key for a cached DID.
type Policy string

const (
	// keep the old key, refuse all actions for the DID until an operator accepts or forgets the new key
	PolicyStrict = Policy("strict")
	// switch to the new key, and keep logging a security warning on each use until acknowledged
	PolicyWarn = Policy("warn")
	// switch to the new key silently
	PolicyAllow = Policy("allow")
)

func ParsePolicy(raw string) (Policy, error) {
	switch Policy(raw) {
	case PolicyStrict, PolicyWarn, PolicyAllow:
		return Policy(raw), nil
	case "":
		return PolicyWarn, nil
	}
	return "", fmt.Errorf("unknown key change policy: %q (expected strict, warn, or allow)", raw)
}

type CacheConfig struct {
	Policy Policy
	// how long a fetched key is trusted before it must be re-validated synchronously
	TTL time.Duration
	// minimum gap between background refreshes of the same DID
	RefreshInterval time.Duration
	// timeout for each fetch from an owning node
	FetchTimeout time.Duration
	// in-process front cache size and lifetime
	Capacity int
	FrontTTL time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Policy:          PolicyWarn,
		TTL:             7 * 24 * time.Hour,
		RefreshInterval: time.Minute,
		FetchTimeout:    5 * time.Second,
		Capacity:        50_000,
		FrontTTL:        10 * time.Minute,
	}
}

type Resolution struct {
	PublicKey  *crypto.PublicKeyP256
	Handle     syntax.Handle
	NodeDomain syntax.Domain
	FromCache  bool
	IsFirstUse bool
	// the trusted key replaced an earlier one, and this has not been acknowledged by an operator
	KeyChanged bool
}

type KeyChangeEvent struct {
	DID        syntax.DID
	NodeDomain syntax.Domain
	OldKey     string
	NewKey     string
	Policy     Policy
	At         time.Time
}

type frontEntry struct {
	entry CacheEntry
	// last time a refresh was started for this DID
	checkedAt time.Time
}

// Trust-on-first-use cache of remote signing keys, persisted in the node database with an in-process LRU in front.
//
// A cache hit is returned immediately and triggers a background refresh (at most once per RefreshInterval per DID). Expired entries are re-validated synchronously.
type Cache struct {
	// the local node; DIDs claimed by it are never fetched
	LocalDomain syntax.Domain
	Logger      *slog.Logger
	// called when a background refresh finishes
	OnRefresh func(did syntax.DID, err error)
	// called for every observed key change, whatever the policy
	OnKeyChange func(KeyChangeEvent)
	Now         func() time.Time

	db      *gorm.DB
	fetcher Fetcher
	config  CacheConfig
	front   *expirable.LRU[syntax.DID, frontEntry]
	sf      singleflight.Group

	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

func NewCache(db *gorm.DB, fetcher Fetcher, config CacheConfig) *Cache {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Cache{
		Logger:   slog.Default().With("system", "identity"),
		Now:      time.Now,
		db:       db,
		fetcher:  fetcher,
		config:   config,
		front:    expirable.NewLRU[syntax.DID, frontEntry](config.Capacity, nil, config.FrontTTL),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
}

func (c *Cache) Migrate() error {
	return c.db.AutoMigrate(&CacheEntry{})
}

func (c *Cache) Policy() Policy {
	return c.config.Policy
}

// Cancels in-flight background refreshes and waits for them to exit.
func (c *Cache) Close() {
	c.bgCancel()
	c.bg.Wait()
}

// Waits for in-flight background refreshes, without cancelling them.
func (c *Cache) WaitIdle() {
	c.bg.Wait()
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Cache) load(ctx context.Context, did syntax.DID) (*frontEntry, error) {
	if fe, ok := c.front.Get(did); ok {
		return &fe, nil
	}
	var e CacheEntry
	if err := c.db.WithContext(ctx).Where("did = ?", did.String()).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading identity cache entry: %w", err)
	}
	fe := frontEntry{entry: e}
	c.front.Add(did, fe)
	return &fe, nil
}

// Resolves the trusted signing key for a remote DID, fetching it from nodeDomain on first use.
func (c *Cache) Resolve(ctx context.Context, did syntax.DID, nodeDomain syntax.Domain) (*Resolution, error) {
	did = did.Normalize()
	fe, err := c.load(ctx, did)
	if err != nil {
		return nil, err
	}

	if fe == nil {
		cacheMisses.Inc()
		entry, created, err := c.firstUse(ctx, did, nodeDomain)
		if err != nil {
			return nil, err
		}
		res, err := c.resolution(entry)
		if err != nil {
			return nil, err
		}
		res.IsFirstUse = created
		if created {
			c.Logger.Info("trusting identity key on first use", "did", did, "nodeDomain", nodeDomain)
		}
		return res, nil
	}

	entry := fe.entry
	if err := c.checkConflict(&entry); err != nil {
		return nil, err
	}

	now := c.now()
	if now.After(entry.ExpiresAt) {
		cacheMisses.Inc()
		updated, err := c.refresh(ctx, did, syntax.Domain(entry.NodeDomain))
		if err != nil {
			return nil, fmt.Errorf("re-validating expired identity for %s: %w", did, err)
		}
		if err := c.checkConflict(updated); err != nil {
			return nil, err
		}
		return c.resolution(updated)
	}

	cacheHits.Inc()
	if now.Sub(fe.checkedAt) >= c.config.RefreshInterval {
		c.front.Add(did, frontEntry{entry: entry, checkedAt: now})
		c.refreshInBackground(did, syntax.Domain(entry.NodeDomain))
	}

	res, err := c.resolution(&entry)
	if err != nil {
		return nil, err
	}
	res.FromCache = true
	if res.KeyChanged && c.config.Policy == PolicyWarn {
		verify.LogSecurity(c.Logger, "key_change_in_use", "accepting action signed with a changed identity key", "did", did, "nodeDomain", entry.NodeDomain, "changedAt", entry.KeyChangedAt)
	}
	return res, nil
}

// Implements [verify.KeyResolver].
func (c *Cache) ResolveKey(ctx context.Context, did syntax.DID, nodeDomain syntax.Domain) (*verify.ResolvedKey, error) {
	if c.LocalDomain != "" && nodeDomain == c.LocalDomain {
		return nil, verify.ErrKeyNotFound
	}
	res, err := c.Resolve(ctx, did, nodeDomain)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, fmt.Errorf("%w: %v", verify.ErrKeyNotFound, err)
		}
		return nil, err
	}
	return &verify.ResolvedKey{
		PublicKey:  res.PublicKey,
		Handle:     res.Handle,
		NodeDomain: res.NodeDomain,
		FirstUse:   res.IsFirstUse,
		FromCache:  res.FromCache,
		KeyChanged: res.KeyChanged,
	}, nil
}

func (c *Cache) checkConflict(e *CacheEntry) error {
	if e.Status == KeyStatusConflict && c.config.Policy == PolicyStrict {
		return verify.RejectErr(verify.CodeKeyConflict, ErrKeyConflict, "identity key for %s changed on %s", e.DID, e.NodeDomain)
	}
	return nil
}

func (c *Cache) resolution(e *CacheEntry) (*Resolution, error) {
	pub, err := crypto.ParsePublicMultibase(e.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("corrupt cached key for %s: %w", e.DID, err)
	}
	return &Resolution{
		PublicKey:  pub,
		Handle:     syntax.Handle(e.Handle),
		NodeDomain: syntax.Domain(e.NodeDomain),
		KeyChanged: e.KeyChangedAt != nil,
	}, nil
}

type validatedRemote struct {
	key    string
	handle syntax.Handle
}

// fetches and checks that the document is about the requested DID, is served by the node which owns it, and carries a parseable key
func (c *Cache) fetch(ctx context.Context, did syntax.DID, nodeDomain syntax.Domain) (*validatedRemote, error) {
	if nodeDomain == "" {
		return nil, fmt.Errorf("%w: no owning node for %s", ErrInvalidRemote, did)
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.FetchTimeout)
	defer cancel()

	ri, err := c.fetcher.FetchIdentity(ctx, did, nodeDomain)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			refreshes.WithLabelValues("not_found").Inc()
		} else {
			refreshes.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	if syntax.DID(ri.DID).Normalize() != did {
		refreshes.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: document is for %q, not %s", ErrInvalidRemote, ri.DID, did)
	}
	if ri.NodeDomain != "" {
		served, _, err := syntax.ParseDomain(ri.NodeDomain)
		if err != nil || served != nodeDomain {
			refreshes.WithLabelValues("invalid").Inc()
			return nil, fmt.Errorf("%w: %s claims owner %q", ErrInvalidRemote, nodeDomain, ri.NodeDomain)
		}
	}
	handle, err := syntax.ParseHandle(ri.Handle)
	if err != nil {
		refreshes.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidRemote, err)
	}
	pub, err := crypto.ParsePublicMultibase(ri.PublicKey)
	if err != nil {
		refreshes.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidRemote, err)
	}
	refreshes.WithLabelValues("ok").Inc()
	return &validatedRemote{key: pub.Multibase(), handle: handle.Normalize()}, nil
}

type firstUseResult struct {
	entry   *CacheEntry
	created bool
}

func (c *Cache) firstUse(ctx context.Context, did syntax.DID, nodeDomain syntax.Domain) (*CacheEntry, bool, error) {
	v, err, _ := c.sf.Do("first:"+did.String(), func() (any, error) {
		remote, err := c.fetch(ctx, did, nodeDomain)
		if err != nil {
			return nil, err
		}
		now := c.now()
		e := CacheEntry{
			DID:        did.String(),
			PublicKey:  remote.key,
			Handle:     remote.handle.String(),
			NodeDomain: nodeDomain.String(),
			FetchedAt:  now,
			ExpiresAt:  now.Add(c.config.TTL),
			Status:     KeyStatusTrusted,
		}
		if err := c.db.WithContext(ctx).Create(&e).Error; err != nil {
			// lost a race with another process; use the winner's row
			var existing CacheEntry
			if lerr := c.db.WithContext(ctx).Where("did = ?", did.String()).First(&existing).Error; lerr == nil {
				c.front.Add(did, frontEntry{entry: existing, checkedAt: now})
				return &firstUseResult{entry: &existing}, nil
			}
			return nil, fmt.Errorf("saving identity cache entry: %w", err)
		}
		c.front.Add(did, frontEntry{entry: e, checkedAt: now})
		return &firstUseResult{entry: &e, created: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(*firstUseResult)
	return res.entry, res.created, nil
}

func (c *Cache) refreshInBackground(did syntax.DID, nodeDomain syntax.Domain) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		_, err := c.refresh(c.bgCtx, did, nodeDomain)
		if err != nil {
			c.Logger.Warn("background identity refresh failed", "did", did, "nodeDomain", nodeDomain, "err", err)
		}
		if c.OnRefresh != nil {
			c.OnRefresh(did, err)
		}
	}()
}

// Fetches the current key from the owning node and applies the key change policy.
func (c *Cache) refresh(ctx context.Context, did syntax.DID, nodeDomain syntax.Domain) (*CacheEntry, error) {
	v, err, _ := c.sf.Do("refresh:"+did.String(), func() (any, error) {
		remote, err := c.fetch(ctx, did, nodeDomain)
		if err != nil {
			return nil, err
		}

		var e CacheEntry
		if err := c.db.WithContext(ctx).Where("did = ?", did.String()).First(&e).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// forgotten while the fetch was in flight
				entry, _, err := c.firstUse(ctx, did, nodeDomain)
				return entry, err
			}
			return nil, err
		}

		now := c.now()
		e.FetchedAt = now
		e.ExpiresAt = now.Add(c.config.TTL)
		e.Handle = remote.handle.String()

		if remote.key != e.PublicKey && remote.key != e.PendingKey {
			c.applyKeyChange(&e, remote.key, now)
		}

		if err := c.db.WithContext(ctx).Save(&e).Error; err != nil {
			return nil, fmt.Errorf("updating identity cache entry: %w", err)
		}
		c.front.Add(did, frontEntry{entry: e, checkedAt: now})
		return &e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CacheEntry), nil
}

func (c *Cache) applyKeyChange(e *CacheEntry, newKey string, now time.Time) {
	ev := KeyChangeEvent{
		DID:        syntax.DID(e.DID),
		NodeDomain: syntax.Domain(e.NodeDomain),
		OldKey:     e.PublicKey,
		NewKey:     newKey,
		Policy:     c.config.Policy,
		At:         now,
	}
	keyChanges.WithLabelValues(string(c.config.Policy)).Inc()

	switch c.config.Policy {
	case PolicyStrict:
		e.PendingKey = newKey
		e.Status = KeyStatusConflict
		e.KeyChangedAt = &now
		verify.LogSecurity(c.Logger, "key_change", "identity key changed; refusing actions until resolved", "did", e.DID, "nodeDomain", e.NodeDomain, "oldKey", ev.OldKey, "newKey", newKey, "policy", c.config.Policy)
	case PolicyAllow:
		e.PublicKey = newKey
		c.Logger.Info("identity key changed", "did", e.DID, "nodeDomain", e.NodeDomain, "oldKey", ev.OldKey, "newKey", newKey, "policy", c.config.Policy)
	default:
		e.PublicKey = newKey
		e.KeyChangedAt = &now
		verify.LogSecurity(c.Logger, "key_change", "identity key changed; accepting new key", "did", e.DID, "nodeDomain", e.NodeDomain, "oldKey", ev.OldKey, "newKey", newKey, "policy", c.config.Policy)
	}

	if c.OnKeyChange != nil {
		c.OnKeyChange(ev)
	}
}

// Operator resolution of a key change: trusts the pending key (strict policy) and clears the change flag.
func (c *Cache) AcceptPendingKey(ctx context.Context, did syntax.DID) (*CacheEntry, error) {
	did = did.Normalize()
	var e CacheEntry
	if err := c.db.WithContext(ctx).Where("did = ?", did.String()).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotCached
		}
		return nil, err
	}
	if e.PendingKey == "" && e.KeyChangedAt == nil {
		return nil, ErrNoPendingKey
	}
	old := e.PublicKey
	if e.PendingKey != "" {
		e.PublicKey = e.PendingKey
	}
	e.PendingKey = ""
	e.Status = KeyStatusTrusted
	e.KeyChangedAt = nil
	e.ExpiresAt = c.now().Add(c.config.TTL)
	if err := c.db.WithContext(ctx).Save(&e).Error; err != nil {
		return nil, err
	}
	c.front.Remove(did)
	c.Logger.Warn("operator accepted identity key", "security", "key_accept", "did", did, "oldKey", old, "newKey", e.PublicKey)
	return &e, nil
}

// Operator resolution of a key change: drops everything known about the DID, so its next action is a first use.
func (c *Cache) Forget(ctx context.Context, did syntax.DID) error {
	did = did.Normalize()
	res := c.db.WithContext(ctx).Where("did = ?", did.String()).Delete(&CacheEntry{})
	if res.Error != nil {
		return res.Error
	}
	c.front.Remove(did)
	if res.RowsAffected == 0 {
		return ErrNotCached
	}
	c.Logger.Warn("operator forgot identity key", "security", "key_forget", "did", did)
	return nil
}

// Lists entries with an unresolved conflict or unacknowledged key change, for operators.
func (c *Cache) ListChanged(ctx context.Context, limit int) ([]CacheEntry, error) {
	var out []CacheEntry
	err := c.db.WithContext(ctx).Where("key_changed_at IS NOT NULL").Order("key_changed_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// Deletes trusted entries which expired before the cutoff. Conflicts are kept for operators.
func (c *Cache) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res := c.db.WithContext(ctx).Where("expires_at < ? AND status = ?", before, KeyStatusTrusted).Delete(&CacheEntry{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		c.front.Purge()
	}
	return res.RowsAffected, nil
}

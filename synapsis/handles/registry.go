package handles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/synapsis-social/synapsis/synapsis/syntax"
	"github.com/synapsis-social/synapsis/synapsis/verify"
	"github.com/synapsis-social/synapsis/util/cliutil"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("handle not found in registry")

const (
	DefaultExportLimit = 100
	MaxExportLimit     = 1000

	// attempts at a write which lost a race on the handle or sequence index
	maxUpsertAttempts = 3
)

// Wire form of a registry entry, as exchanged between nodes.
type Entry struct {
	Handle     string    `json:"handle"`
	DID        string    `json:"did"`
	NodeDomain string    `json:"nodeDomain"`
	UpdatedAt  time.Time `json:"updatedAt"`
	// position in the exporting node's change log, for use as an export cursor; ignored on import
	Seq uint64 `json:"seq,omitempty"`
}

type UpsertResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	// accepted, but the mapping was already known
	Unchanged int `json:"unchanged"`
	// invalid, or lost conflict resolution
	Rejected int `json:"rejected"`
}

type Query struct {
	// exact (normalized) handle; empty for all
	Handle string
	// only entries asserted strictly after this time
	Since time.Time
	// only entries written locally after this change sequence
	After uint64
	Limit int
}

// Distributed handle → (did, nodeDomain) directory. Each node holds a full copy, merged from owner assertions and relayed gossip.
type Registry struct {
	db     *gorm.DB
	Logger *slog.Logger
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{
		db:     db,
		Logger: slog.Default().With("system", "handles"),
	}
}

func (r *Registry) Migrate() error {
	return r.db.AutoMigrate(&HandleRecord{})
}

type normalized struct {
	handle     syntax.Handle
	did        syntax.DID
	nodeDomain syntax.Domain
	updatedAt  time.Time
}

func normalizeEntry(e Entry) (*normalized, error) {
	h, err := syntax.ParseHandle(syntax.NormalizeHandle(e.Handle))
	if err != nil {
		return nil, err
	}
	did, err := syntax.ParseDID(e.DID)
	if err != nil {
		return nil, err
	}
	d, _, err := syntax.ParseDomain(e.NodeDomain)
	if err != nil {
		return nil, err
	}
	if e.UpdatedAt.IsZero() {
		return nil, fmt.Errorf("missing updatedAt for handle %s", h)
	}
	return &normalized{
		handle:     h.Normalize(),
		did:        did.Normalize(),
		nodeDomain: d,
		updatedAt:  e.UpdatedAt.UTC(),
	}, nil
}

// Decides whether an incoming assertion replaces the stored mapping.
//
// The owning node (source equal to the asserted node domain) wins ties, and may move a handle on to itself regardless of time. Relayed assertions must be strictly newer.
func accepts(stored *HandleRecord, in *normalized, source syntax.Domain) bool {
	if stored == nil {
		return true
	}
	if source != "" && in.nodeDomain == source {
		return !in.updatedAt.Before(stored.AssertedAt) || stored.NodeDomain != in.nodeDomain.String()
	}
	return in.updatedAt.After(stored.AssertedAt)
}

type outcome int

const (
	outcomeAdded outcome = iota
	outcomeUpdated
	outcomeUnchanged
	outcomeRejected
)

func (o outcome) String() string {
	switch o {
	case outcomeAdded:
		return "added"
	case outcomeUpdated:
		return "updated"
	case outcomeUnchanged:
		return "unchanged"
	}
	return "rejected"
}

// Merges a batch of assertions. sourceDomain is the node which sent them (empty when unknown, which treats every entry as relayed).
//
// Invalid entries are counted as rejected and do not fail the batch.
func (r *Registry) Upsert(ctx context.Context, entries []Entry, sourceDomain syntax.Domain) (*UpsertResult, error) {
	var res UpsertResult
	for _, e := range entries {
		n, err := normalizeEntry(e)
		if err != nil {
			r.Logger.Debug("skipping invalid handle registry entry", "handle", e.Handle, "source", sourceDomain, "err", err)
			res.Rejected++
			upserts.WithLabelValues("invalid", relayedLabel(nil, sourceDomain)).Inc()
			continue
		}
		out, err := r.upsertOne(ctx, n, sourceDomain)
		if err != nil {
			return &res, err
		}
		upserts.WithLabelValues(out.String(), relayedLabel(n, sourceDomain)).Inc()
		switch out {
		case outcomeAdded:
			res.Added++
		case outcomeUpdated:
			res.Updated++
		case outcomeUnchanged:
			res.Unchanged++
		default:
			res.Rejected++
		}
	}
	return &res, nil
}

func relayedLabel(n *normalized, source syntax.Domain) string {
	if n != nil && source != "" && n.nodeDomain == source {
		return "false"
	}
	return "true"
}

func (r *Registry) upsertOne(ctx context.Context, n *normalized, source syntax.Domain) (outcome, error) {
	var out outcome
	var err error
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		out, err = r.tryUpsert(ctx, n, source)
		// concurrent write of the same handle, or of the next sequence number; re-run against the winning row
		if !cliutil.IsDuplicateKey(err) {
			break
		}
	}
	if err != nil {
		return outcomeRejected, fmt.Errorf("upserting handle %s: %w", n.handle, err)
	}
	return out, nil
}

// Next change sequence. A concurrent writer which picks the same value fails on the unique index and retries, so sequences become visible in order.
func nextSeq(tx *gorm.DB) (uint64, error) {
	var top uint64
	if err := tx.Model(&HandleRecord{}).Select("COALESCE(MAX(seq), 0)").Scan(&top).Error; err != nil {
		return 0, err
	}
	return top + 1, nil
}

func (r *Registry) tryUpsert(ctx context.Context, n *normalized, source syntax.Domain) (outcome, error) {
	var out outcome
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored HandleRecord
		err := tx.Where("handle = ?", n.handle.String()).First(&stored).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			seq, err := nextSeq(tx)
			if err != nil {
				return err
			}
			rec := HandleRecord{
				Seq:        seq,
				Handle:     n.handle.String(),
				DID:        n.did.String(),
				NodeDomain: n.nodeDomain.String(),
				AssertedAt: n.updatedAt,
				Source:     source.String(),
			}
			out = outcomeAdded
			return tx.Create(&rec).Error
		}

		moved := stored.DID != n.did.String() || stored.NodeDomain != n.nodeDomain.String()
		if !accepts(&stored, n, source) {
			out = outcomeRejected
			if moved {
				verify.LogSecurity(r.Logger, "handle_hijack_attempt", "rejected handle registry overwrite",
					"handle", n.handle, "storedDID", stored.DID, "storedNode", stored.NodeDomain, "assertedDID", n.did, "assertedNode", n.nodeDomain,
					"source", source, "storedAt", stored.AssertedAt, "assertedAt", n.updatedAt)
			}
			return nil
		}

		if !moved {
			out = outcomeUnchanged
			if !n.updatedAt.After(stored.AssertedAt) {
				return nil
			}
			seq, err := nextSeq(tx)
			if err != nil {
				return err
			}
			return tx.Model(&stored).Updates(map[string]any{"asserted_at": n.updatedAt, "source": source.String(), "seq": seq}).Error
		}

		verify.LogSecurity(r.Logger, "handle_reassigned", "handle registry mapping changed",
			"handle", n.handle, "oldDID", stored.DID, "oldNode", stored.NodeDomain, "newDID", n.did, "newNode", n.nodeDomain, "source", source)
		out = outcomeUpdated
		seq, err := nextSeq(tx)
		if err != nil {
			return err
		}
		return tx.Model(&stored).Updates(map[string]any{
			"did":         n.did.String(),
			"node_domain": n.nodeDomain.String(),
			"asserted_at": n.updatedAt,
			"source":      source.String(),
			"seq":         seq,
		}).Error
	})
	return out, err
}

// Records a handle observed on a verified action. The actor's node is treated as having asserted the mapping at observation time.
func (r *Registry) Observe(ctx context.Context, handle syntax.Handle, did syntax.DID, nodeDomain syntax.Domain, at time.Time) error {
	_, err := r.Upsert(ctx, []Entry{{
		Handle:     handle.String(),
		DID:        did.String(),
		NodeDomain: nodeDomain.String(),
		UpdatedAt:  at,
	}}, nodeDomain)
	return err
}

func (r *Registry) Lookup(ctx context.Context, handle string) (*Entry, error) {
	var rec HandleRecord
	err := r.db.WithContext(ctx).Where("handle = ?", syntax.NormalizeHandle(handle)).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e := rec.Entry()
	return &e, nil
}

// Entries in local change order, for export and gossip deltas. An accepted change always moves its entry past every earlier cursor, even when its assertion time is older.
func (r *Registry) Export(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultExportLimit
	}
	if limit > MaxExportLimit {
		limit = MaxExportLimit
	}

	tx := r.db.WithContext(ctx).Model(&HandleRecord{})
	if q.Handle != "" {
		tx = tx.Where("handle = ?", syntax.NormalizeHandle(q.Handle))
	}
	if !q.Since.IsZero() {
		tx = tx.Where("asserted_at > ?", q.Since.UTC())
	}
	if q.After > 0 {
		tx = tx.Where("seq > ?", q.After)
	}

	var recs []HandleRecord
	if err := tx.Order("seq ASC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].Entry())
	}
	return out, nil
}

// Entries owned by a node, eg to list a node's own users.
func (r *Registry) ByNode(ctx context.Context, nodeDomain syntax.Domain, limit int) ([]Entry, error) {
	var recs []HandleRecord
	if err := r.db.WithContext(ctx).Where("node_domain = ?", nodeDomain.String()).Order("handle ASC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].Entry())
	}
	return out, nil
}

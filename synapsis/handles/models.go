package handles

import (
	"time"
)

// Persisted handle registry row. Handles are stored normalized.
type HandleRecord struct {
	ID         uint64 `gorm:"column:id;primarykey"`
	Handle     string `gorm:"column:handle;uniqueIndex;not null"`
	DID        string `gorm:"column:did;index;not null"`
	NodeDomain string `gorm:"column:node_domain;index;not null"`
	// when the owning node last asserted this mapping; drives conflict resolution
	AssertedAt time.Time `gorm:"column:asserted_at;index"`
	// node which delivered the current mapping (empty for local observations)
	Source string `gorm:"column:source"`
	// local change sequence, bumped whenever the row is written; export cursors run on this, not on AssertedAt
	Seq       uint64 `gorm:"column:seq;uniqueIndex;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (HandleRecord) TableName() string {
	return "handle_registry"
}

func (r *HandleRecord) Entry() Entry {
	return Entry{
		Handle:     r.Handle,
		DID:        r.DID,
		NodeDomain: r.NodeDomain,
		UpdatedAt:  r.AssertedAt.UTC(),
		Seq:        r.Seq,
	}
}

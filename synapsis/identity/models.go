package identity

import (
	"time"
)

type KeyStatus string

const (
	// current key is trusted
	KeyStatusTrusted = KeyStatus("trusted")
	// a different key was observed under the strict policy; actions are refused until an operator resolves it
	KeyStatusConflict = KeyStatus("conflict")
)

// Persisted trust-on-first-use record for a remote DID.
type CacheEntry struct {
	ID  uint64 `gorm:"column:id;primarykey"`
	DID string `gorm:"column:did;uniqueIndex;not null"`

	// multibase public key which is currently trusted
	PublicKey  string `gorm:"column:public_key;not null"`
	Handle     string `gorm:"column:handle"`
	NodeDomain string `gorm:"column:node_domain;index"`

	FetchedAt time.Time `gorm:"column:fetched_at"`
	ExpiresAt time.Time `gorm:"column:expires_at;index"`

	Status KeyStatus `gorm:"column:status;default:trusted"`
	// key observed on refresh but not trusted (strict policy only)
	PendingKey string `gorm:"column:pending_key"`
	// set when the trusted key was replaced, or a conflict was recorded; cleared by an operator
	KeyChangedAt *time.Time `gorm:"column:key_changed_at"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (CacheEntry) TableName() string {
	return "identity_cache"
}

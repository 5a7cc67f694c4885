package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/synapsis-social/synapsis/util/cliutil"
	"gorm.io/gorm"
)

type SignedActionRecord struct {
	ID           uint64    `gorm:"column:id;primarykey"`
	ActionIDHash string    `gorm:"column:action_id_hash;uniqueIndex;not null"`
	DID          string    `gorm:"column:did;not null"`
	Nonce        string    `gorm:"column:nonce;not null"`
	Timestamp    time.Time `gorm:"column:timestamp;index;not null"`
	CreatedAt    time.Time
}

func (SignedActionRecord) TableName() string {
	return "signed_action"
}

// Guard backed by a unique index in the node's SQL database.
type GormGuard struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewGormGuard(db *gorm.DB) *GormGuard {
	return &GormGuard{
		db:     db,
		logger: slog.Default().With("system", "replay"),
	}
}

func (g *GormGuard) Migrate() error {
	return g.db.AutoMigrate(&SignedActionRecord{})
}

func (g *GormGuard) Record(ctx context.Context, e Entry) error {
	rec := SignedActionRecord{
		ActionIDHash: e.ActionID,
		DID:          e.DID,
		Nonce:        e.Nonce,
		Timestamp:    e.Timestamp.UTC(),
	}
	if err := g.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if cliutil.IsDuplicateKey(err) {
			replaysDetected.WithLabelValues("gorm").Inc()
			return ErrReplayed
		}
		return fmt.Errorf("recording signed action: %w", err)
	}
	actionsRecorded.WithLabelValues("gorm").Inc()
	return nil
}

func (g *GormGuard) Release(ctx context.Context, actionID string) error {
	if err := g.db.WithContext(ctx).Where("action_id_hash = ?", actionID).Delete(&SignedActionRecord{}).Error; err != nil {
		return fmt.Errorf("releasing signed action: %w", err)
	}
	actionsReleased.WithLabelValues("gorm").Inc()
	return nil
}

func (g *GormGuard) Sweep(ctx context.Context, before time.Time) (int64, error) {
	res := g.db.WithContext(ctx).Where("timestamp < ?", before.UTC()).Delete(&SignedActionRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweeping signed actions: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		g.logger.Debug("swept expired signed action records", "count", res.RowsAffected)
	}
	recordsSwept.Add(float64(res.RowsAffected))
	return res.RowsAffected, nil
}

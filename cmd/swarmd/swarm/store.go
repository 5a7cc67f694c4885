package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/synapsis-social/synapsis/cmd/swarmd/swarm/models"
	"github.com/synapsis-social/synapsis/synapsis/crypto"
	"github.com/synapsis-social/synapsis/synapsis/syntax"
	"github.com/synapsis-social/synapsis/synapsis/verify"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Local persistence of users, posts, and the relationships remote actors hold with them.
//
// Relationship mutations report whether they changed anything, so repeated deliveries of the same action have one effect.
type Store interface {
	GetUserByHandle(ctx context.Context, handle syntax.Handle) (*models.User, error)
	GetUserByDID(ctx context.Context, did syntax.DID) (*models.User, error)
	GetUserByID(ctx context.Context, id uint64) (*models.User, error)
	GetPost(ctx context.Context, id string) (*models.Post, error)
	RecentPosts(ctx context.Context, q PostQuery) ([]models.Post, error)

	AddLike(ctx context.Context, postID string, actor models.RemoteActor) (bool, error)
	RemoveLike(ctx context.Context, postID string, actor models.RemoteActor) (bool, error)
	AddRepost(ctx context.Context, postID string, actor models.RemoteActor) (bool, error)
	RemoveRepost(ctx context.Context, postID string, actor models.RemoteActor) (bool, error)
	AddFollower(ctx context.Context, userID uint64, actor models.RemoteActor) (bool, error)
	RemoveFollower(ctx context.Context, userID uint64, actor models.RemoteActor) (bool, error)

	CreateNotification(ctx context.Context, n *models.Notification) error
	Counts(ctx context.Context) (users int64, posts int64, err error)
	Reconcile(ctx context.Context) (int64, error)
}

type PostQuery struct {
	Limit int
	// only posts created strictly before this time
	Before time.Time
}

var _ Store = (*GormStore)(nil)

type GormStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:     db,
		logger: slog.Default().With("system", "store"),
	}
}

func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(
		&models.User{},
		&models.Post{},
		&models.RemoteLike{},
		&models.RemoteRepost{},
		&models.RemoteFollower{},
		&models.Notification{},
	)
}

// Stable identity of an actor for relationship uniqueness.
func actorKey(a models.RemoteActor) string {
	return strings.ToLower(syntax.Handle(a.ActorHandle).Qualified(syntax.Domain(a.ActorNodeDomain)))
}

func (s *GormStore) CreateUser(ctx context.Context, u *models.User) error {
	u.Handle = syntax.NormalizeHandle(u.Handle)
	if _, err := crypto.ParsePublicMultibase(u.PublicKey); err != nil {
		return fmt.Errorf("user signing key: %w", err)
	}
	return s.db.WithContext(ctx).Create(u).Error
}

func (s *GormStore) CreatePost(ctx context.Context, p *models.Post) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *GormStore) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Where(where, arg).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *GormStore) GetUserByHandle(ctx context.Context, handle syntax.Handle) (*models.User, error) {
	return s.getUser(ctx, "handle = ?", handle.Normalize().String())
}

func (s *GormStore) GetUserByDID(ctx context.Context, did syntax.DID) (*models.User, error) {
	return s.getUser(ctx, "did = ?", did.Normalize().String())
}

func (s *GormStore) GetUserByID(ctx context.Context, id uint64) (*models.User, error) {
	return s.getUser(ctx, "id = ?", id)
}

func (s *GormStore) GetPost(ctx context.Context, id string) (*models.Post, error) {
	var p models.Post
	if err := s.db.WithContext(ctx).Preload("Author").Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPostNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *GormStore) RecentPosts(ctx context.Context, q PostQuery) ([]models.Post, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	tx := s.db.WithContext(ctx).Preload("Author").Order("created_at DESC").Order("id DESC").Limit(limit)
	if !q.Before.IsZero() {
		tx = tx.Where("created_at < ?", q.Before)
	}
	var posts []models.Post
	if err := tx.Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

// inserts the relationship row if absent, and bumps the counter only when the row is new
func (s *GormStore) addRelationship(ctx context.Context, row any, counterModel any, counterID any, column string) (bool, error) {
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}
		created = true
		return tx.Model(counterModel).Where("id = ?", counterID).UpdateColumn(column, gorm.Expr(column+" + ?", 1)).Error
	})
	return created, err
}

// deletes the relationship row if present, and decrements the counter (never below zero) only when a row went away
func (s *GormStore) removeRelationship(ctx context.Context, row any, where string, args []any, counterModel any, counterID any, column string) (bool, error) {
	removed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where(where, args...).Delete(row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		removed = true
		return tx.Model(counterModel).Where("id = ?", counterID).
			UpdateColumn(column, gorm.Expr(fmt.Sprintf("CASE WHEN %s > 0 THEN %s - 1 ELSE 0 END", column, column))).Error
	})
	return removed, err
}

func (s *GormStore) AddLike(ctx context.Context, postID string, actor models.RemoteActor) (bool, error) {
	row := &models.RemoteLike{PostID: postID, RemoteActor: actor, ActorKey: actorKey(actor)}
	return s.addRelationship(ctx, row, &models.Post{}, postID, "likes_count")
}

func (s *GormStore) RemoveLike(ctx context.Context, postID string, actor models.RemoteActor) (bool, error) {
	return s.removeRelationship(ctx, &models.RemoteLike{}, "post_id = ? AND actor_key = ?", []any{postID, actorKey(actor)}, &models.Post{}, postID, "likes_count")
}

func (s *GormStore) AddRepost(ctx context.Context, postID string, actor models.RemoteActor) (bool, error) {
	row := &models.RemoteRepost{PostID: postID, RemoteActor: actor, ActorKey: actorKey(actor)}
	return s.addRelationship(ctx, row, &models.Post{}, postID, "reposts_count")
}

func (s *GormStore) RemoveRepost(ctx context.Context, postID string, actor models.RemoteActor) (bool, error) {
	return s.removeRelationship(ctx, &models.RemoteRepost{}, "post_id = ? AND actor_key = ?", []any{postID, actorKey(actor)}, &models.Post{}, postID, "reposts_count")
}

func (s *GormStore) AddFollower(ctx context.Context, userID uint64, actor models.RemoteActor) (bool, error) {
	row := &models.RemoteFollower{UserID: userID, RemoteActor: actor, ActorKey: actorKey(actor)}
	return s.addRelationship(ctx, row, &models.User{}, userID, "followers_count")
}

func (s *GormStore) RemoveFollower(ctx context.Context, userID uint64, actor models.RemoteActor) (bool, error) {
	return s.removeRelationship(ctx, &models.RemoteFollower{}, "user_id = ? AND actor_key = ?", []any{userID, actorKey(actor)}, &models.User{}, userID, "followers_count")
}

func (s *GormStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	return s.db.WithContext(ctx).Create(n).Error
}

func (s *GormStore) Notifications(ctx context.Context, userID uint64, limit int) ([]models.Notification, error) {
	var out []models.Notification
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

func (s *GormStore) Counts(ctx context.Context) (int64, int64, error) {
	var users, posts int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Count(&users).Error; err != nil {
		return 0, 0, err
	}
	if err := s.db.WithContext(ctx).Model(&models.Post{}).Count(&posts).Error; err != nil {
		return 0, 0, err
	}
	return users, posts, nil
}

type counterCheck struct {
	table    string
	column   string
	relTable string
	relFK    string
}

var counterChecks = []counterCheck{
	{"post", "likes_count", "remote_like", "post_id"},
	{"post", "reposts_count", "remote_repost", "post_id"},
	{"local_user", "followers_count", "remote_follower", "user_id"},
}

// Recomputes relationship counters from the relationship tables, fixing any drift. Returns the number of rows corrected.
func (s *GormStore) Reconcile(ctx context.Context) (int64, error) {
	var fixed int64
	for _, cc := range counterChecks {
		sub := fmt.Sprintf("(SELECT COUNT(*) FROM %s WHERE %s.%s = %s.id)", cc.relTable, cc.relTable, cc.relFK, cc.table)
		q := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s <> %s", cc.table, cc.column, sub, cc.column, sub)
		res := s.db.WithContext(ctx).Exec(q)
		if res.Error != nil {
			return fixed, fmt.Errorf("reconciling %s.%s: %w", cc.table, cc.column, res.Error)
		}
		if res.RowsAffected > 0 {
			s.logger.Warn("corrected drifted counters", "table", cc.table, "column", cc.column, "rows", res.RowsAffected)
			countersReconciled.WithLabelValues(cc.column).Add(float64(res.RowsAffected))
		}
		fixed += res.RowsAffected
	}
	return fixed, nil
}

// Resolves signing keys of users on this node. DIDs which are not local users are left to the next resolver.
type LocalDirectory struct {
	Store  Store
	Domain syntax.Domain
}

var _ verify.KeyResolver = (*LocalDirectory)(nil)

func (d *LocalDirectory) ResolveKey(ctx context.Context, did syntax.DID, nodeDomain syntax.Domain) (*verify.ResolvedKey, error) {
	if nodeDomain != d.Domain {
		return nil, verify.ErrKeyNotFound
	}
	u, err := d.Store.GetUserByDID(ctx, did)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, verify.ErrKeyNotFound
		}
		return nil, err
	}
	pub, err := crypto.ParsePublicMultibase(u.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("stored key for %s: %w", did, err)
	}
	return &verify.ResolvedKey{
		PublicKey:  pub,
		Handle:     syntax.Handle(u.Handle),
		NodeDomain: d.Domain,
		Local:      true,
	}, nil
}

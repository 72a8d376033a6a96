package session

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PersistedSession is a sealed session row.
type PersistedSession struct {
	Key       string     `gorm:"column:session_key;type:varchar(64);primaryKey"`
	Blob      []byte     `gorm:"column:blob;not null"`
	ExpiresAt *time.Time `gorm:"column:expires_at;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PersistedSession) TableName() string {
	return "persisted_sessions"
}

var _ Store = (*GormStore)(nil)

// GormStore keeps blobs in the persisted_sessions table.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

func (s *GormStore) Get(ctx context.Context, key string) ([]byte, error) {
	var row PersistedSession
	err := s.db.WithContext(ctx).
		Where("session_key = ?", key).
		Where("expires_at IS NULL OR expires_at > ?", s.now().UTC()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.Blob, nil
}

func (s *GormStore) Put(ctx context.Context, key string, blob []byte, expiresAt *time.Time) error {
	row := PersistedSession{Key: key, Blob: blob}
	if expiresAt != nil {
		exp := expiresAt.UTC()
		row.ExpiresAt = &exp
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"blob", "expires_at", "updated_at"}),
	}).Create(&row).Error
}

func (s *GormStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("session_key = ?", key).Delete(&PersistedSession{}).Error
}

// PurgeExpired removes expired rows and returns how many were deleted.
func (s *GormStore) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", s.now().UTC()).
		Delete(&PersistedSession{})
	return res.RowsAffected, res.Error
}

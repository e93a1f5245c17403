package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// KVEntry row of the kv_entries table
type KVEntry struct {
	Key       string     `gorm:"column:kv_key;primaryKey;size:512"`
	Value     []byte     `gorm:"column:kv_value;not null"`
	ExpiresAt *time.Time `gorm:"column:expires_at;index"` // NULL = never
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (KVEntry) TableName() string {
	return "kv_entries"
}

// SQLStore is a Store on a gorm database (postgres in production, sqlite in tests).
type SQLStore struct {
	db  *gorm.DB
	now Clock
}

// NewSQLStore migrates the kv_entries table and returns the store.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	return NewSQLStoreWithClock(db, time.Now)
}

func NewSQLStoreWithClock(db *gorm.DB, clock Clock) (*SQLStore, error) {
	if err := db.AutoMigrate(&KVEntry{}); err != nil {
		return nil, fmt.Errorf("migrate kv_entries: %w", err)
	}
	return &SQLStore{db: db, now: clock}, nil
}

func (s *SQLStore) nowUTC() time.Time {
	return s.now().UTC()
}

// notExpired scopes a query to live rows.
func (s *SQLStore) notExpired(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Where("(expires_at IS NULL OR expires_at > ?)", now)
	}
}

func (s *SQLStore) entry(key string, value []byte, ttl time.Duration, now time.Time) *KVEntry {
	e := &KVEntry{Key: key, Value: value, CreatedAt: now, UpdatedAt: now}
	if exp := expiryFrom(now, ttl); !exp.IsZero() {
		e.ExpiresAt = &exp
	}
	return e
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var e KVEntry
	err := s.db.WithContext(ctx).
		Scopes(s.notExpired(s.nowUTC())).
		Where("kv_key = ?", key).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return e.Value, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := s.entry(key, value, ttl, s.nowUTC())
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kv_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"kv_value", "expires_at", "updated_at"}),
	}).Create(e).Error
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := s.nowUTC()
	db := s.db.WithContext(ctx)

	// an expired row is absent: clear it so the conditional insert can land
	if err := db.Where("kv_key = ? AND expires_at IS NOT NULL AND expires_at <= ?", key, now).
		Delete(&KVEntry{}).Error; err != nil {
		return false, fmt.Errorf("clear expired %s: %w", key, err)
	}

	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(s.entry(key, value, ttl, now))
	if res.Error != nil {
		return false, fmt.Errorf("put-if-absent %s: %w", key, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLStore) DeleteIf(ctx context.Context, key string, value []byte) (bool, error) {
	res := s.db.WithContext(ctx).
		Scopes(s.notExpired(s.nowUTC())).
		Where("kv_key = ? AND kv_value = ?", key, value).
		Delete(&KVEntry{})
	if res.Error != nil {
		return false, fmt.Errorf("delete-if %s: %w", key, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("kv_key = ?", key).Delete(&KVEntry{}).Error; err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, prefix, cursor string, limit int) ([]string, string, error) {
	// substr is case-sensitive on both postgres and sqlite, unlike LIKE on sqlite
	q := s.db.WithContext(ctx).Model(&KVEntry{}).
		Scopes(s.notExpired(s.nowUTC())).
		Where("substr(kv_key, 1, ?) = ?", utf8.RuneCountInString(prefix), prefix).
		Order("kv_key")
	if cursor != "" {
		q = q.Where("kv_key > ?", cursor)
	}
	if limit > 0 {
		q = q.Limit(limit + 1)
	}

	var keys []string
	if err := q.Pluck("kv_key", &keys).Error; err != nil {
		return nil, "", fmt.Errorf("list %s: %w", prefix, err)
	}
	return page(keys, limit)
}

// PurgeExpired deletes expired rows and returns how many were removed.
func (s *SQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", s.nowUTC()).
		Delete(&KVEntry{})
	return res.RowsAffected, res.Error
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

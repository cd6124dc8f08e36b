package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/go-triage/internal/persistence"
)

// SQLiteStore is the persistent Store. Values are stored as JSON and every
// write carries an expiry; expired rows read as absent until purged.
type SQLiteStore struct {
	db         *persistence.Store
	defaultTTL time.Duration
	ownsDB     bool
}

// NewSQLiteStore wraps an open database. Close leaves the database open.
func NewSQLiteStore(db *persistence.Store, defaultTTL time.Duration) *SQLiteStore {
	return &SQLiteStore{db: db, defaultTTL: ttlOrDefault(defaultTTL, DefaultTTL)}
}

// OpenSQLiteStore opens path and closes it again on Close.
func OpenSQLiteStore(path string, defaultTTL time.Duration) (*SQLiteStore, error) {
	db, err := persistence.Open(path)
	if err != nil {
		return nil, err
	}
	s := NewSQLiteStore(db, defaultTTL)
	s.ownsDB = true
	return s, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key string, value any) error {
	return s.SaveTTL(ctx, key, value, 0)
}

func (s *SQLiteStore) SaveTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	if err := s.db.KVSet(ctx, key, string(data), ttlOrDefault(ttl, s.defaultTTL)); err != nil {
		return fmt.Errorf("save %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string, dest any) (bool, error) {
	if _, err := checkTarget(dest); err != nil {
		return false, err
	}
	raw, found, err := s.db.KVGet(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get %q: %w", key, err)
	}
	if !found {
		return false, nil
	}
	if err := decodeValue(key, []byte(raw), dest); err != nil {
		return true, err
	}
	return true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	return s.db.KVDelete(ctx, key)
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, prev, next any) (bool, error) {
	nextData, err := encodeValue(next)
	if err != nil {
		return false, err
	}
	var prevData []byte
	if prev != nil {
		if prevData, err = encodeValue(prev); err != nil {
			return false, err
		}
	}
	return s.db.KVCompareAndSwap(ctx, key, string(prevData), prev != nil, string(nextData), s.defaultTTL)
}

// PurgeExpired drops expired rows.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	return s.db.PurgeExpired(ctx)
}

func (s *SQLiteStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// KVSet writes value under key, expiring after ttl.
func (s *Store) KVSet(ctx context.Context, key, value string, ttl time.Duration) error {
	expiresAt := s.now().Add(ttl).UnixMilli()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv (key, value, expires_at, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				expires_at = excluded.expires_at,
				updated_at = CURRENT_TIMESTAMP;
		`, key, value, expiresAt)
		if err != nil {
			return fmt.Errorf("kv set: %w", err)
		}
		return nil
	})
}

// KVGet returns the live value for key. found is false for missing or
// expired rows.
func (s *Store) KVGet(ctx context.Context, key string) (value string, found bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND expires_at > ?;`,
		key, s.nowMillis(),
	).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("kv get: %w", err)
	}
	return value, true, nil
}

// KVDelete removes key. Deleting a missing key is not an error.
func (s *Store) KVDelete(ctx context.Context, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?;`, key); err != nil {
			return fmt.Errorf("kv delete: %w", err)
		}
		return nil
	})
}

// KVCompareAndSwap replaces the live value of key with next only if it
// currently equals prev. With hasPrev false the write succeeds only when the
// key is absent or expired.
func (s *Store) KVCompareAndSwap(ctx context.Context, key string, prev string, hasPrev bool, next string, ttl time.Duration) (bool, error) {
	var swapped bool
	err := retryOnBusy(ctx, 5, func() error {
		now := s.nowMillis()
		expiresAt := s.now().Add(ttl).UnixMilli()
		var (
			res sql.Result
			err error
		)
		if hasPrev {
			res, err = s.db.ExecContext(ctx, `
				UPDATE kv SET value = ?, expires_at = ?, updated_at = CURRENT_TIMESTAMP
				WHERE key = ? AND value = ? AND expires_at > ?;
			`, next, expiresAt, key, prev, now)
		} else {
			res, err = s.db.ExecContext(ctx, `
				INSERT INTO kv (key, value, expires_at, updated_at)
				VALUES (?, ?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT(key) DO UPDATE SET
					value = excluded.value,
					expires_at = excluded.expires_at,
					updated_at = CURRENT_TIMESTAMP
				WHERE kv.expires_at <= ?;
			`, key, next, expiresAt, now)
		}
		if err != nil {
			return fmt.Errorf("kv compare-and-swap: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("kv compare-and-swap rows: %w", err)
		}
		swapped = n == 1
		return nil
	})
	return swapped, err
}

// PurgeExpired deletes rows whose TTL has elapsed and reports how many went.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	var purged int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at <= ?;`, s.nowMillis())
		if err != nil {
			return fmt.Errorf("purge expired kv: %w", err)
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}

// Package storage defines the key-value contract that all workflow
// coordination goes through, plus its volatile and persistent backends.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"
)

// DefaultTTL applies to Save calls on backends constructed without one.
const DefaultTTL = time.Hour

// ErrTypeMismatch is returned by Get when the stored value cannot be
// represented as the requested type.
var ErrTypeMismatch = errors.New("storage: type mismatch")

// ErrInvalidTarget is returned by Get when dest is not a non-nil pointer.
var ErrInvalidTarget = errors.New("storage: get target must be a non-nil pointer")

// Store is safe for concurrent use. Writers to the same key are not ordered
// against each other: the last write wins unless CompareAndSwap is used.
type Store interface {
	// Save writes value with the store's default TTL.
	Save(ctx context.Context, key string, value any) error
	// SaveTTL writes value expiring after ttl. ttl <= 0 means the default.
	SaveTTL(ctx context.Context, key string, value any, ttl time.Duration) error
	// Get decodes the value at key into dest and reports whether it existed.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Delete(ctx context.Context, key string) error
	// CompareAndSwap stores next only if the current value equals prev.
	// A nil prev means the key must be absent.
	CompareAndSwap(ctx context.Context, key string, prev, next any) (bool, error)
	Close() error
}

// GetAs is Get with the target type as a type parameter.
func GetAs[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var out T
	found, err := s.Get(ctx, key, &out)
	return out, found, err
}

// GetString reads a string value, treating absence as "".
func GetString(ctx context.Context, s Store, key string) (string, bool, error) {
	return GetAs[string](ctx, s, key)
}

func checkTarget(dest any) (reflect.Value, error) {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return reflect.Value{}, ErrInvalidTarget
	}
	return rv.Elem(), nil
}

// encodeValue is the wire form used by the persistent backends.
func encodeValue(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("storage: encode value: %w", err)
	}
	return data, nil
}

// decodeValue strictly decodes data into dest. Any shape disagreement,
// including numeric overflow and unknown object fields, is a type mismatch.
func decodeValue(key string, data []byte, dest any) error {
	if _, err := checkTarget(dest); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("%w: key %q: %v", ErrTypeMismatch, key, err)
	}
	return nil
}

func ttlOrDefault(ttl, def time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	if def > 0 {
		return def
	}
	return DefaultTTL
}

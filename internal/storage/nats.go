package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// DefaultNATSBucket names the KV bucket used when none is configured.
const DefaultNATSBucket = "TRIAGE_STATE"

var validNATSKey = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

// NATSStore is the distributed persistent Store backed by a JetStream KV
// bucket. Expiry is enforced by the bucket TTL, so SaveTTL cannot shorten an
// individual key's lifetime below it. CompareAndSwap uses entry revisions.
type NATSStore struct {
	bucket     jetstream.KeyValue
	defaultTTL time.Duration
}

// NewNATSStore creates or updates the bucket and returns a Store over it.
func NewNATSStore(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*NATSStore, error) {
	if js == nil {
		return nil, errors.New("jetstream context required")
	}
	if bucket == "" {
		bucket = DefaultNATSBucket
	}
	ttl = ttlOrDefault(ttl, DefaultTTL)
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Workflow status, manifests, tool results and decisions",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}
	return &NATSStore{bucket: kv, defaultTTL: ttl}, nil
}

// natsKey maps a store key onto the KV key alphabet. ':' separators become
// '.', and keys that still contain disallowed characters are base64 encoded.
func natsKey(key string) string {
	mapped := strings.ReplaceAll(key, ":", ".")
	if validNATSKey.MatchString(mapped) && !strings.HasPrefix(mapped, "b64.") {
		return mapped
	}
	return "b64." + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (s *NATSStore) Save(ctx context.Context, key string, value any) error {
	return s.SaveTTL(ctx, key, value, 0)
}

func (s *NATSStore) SaveTTL(ctx context.Context, key string, value any, _ time.Duration) error {
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	if _, err := s.bucket.Put(ctx, natsKey(key), data); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func (s *NATSStore) Get(ctx context.Context, key string, dest any) (bool, error) {
	if _, err := checkTarget(dest); err != nil {
		return false, err
	}
	entry, err := s.bucket.Get(ctx, natsKey(key))
	if err != nil {
		if isNATSAbsent(err) {
			return false, nil
		}
		return false, fmt.Errorf("get %q: %w", key, err)
	}
	if err := decodeValue(key, entry.Value(), dest); err != nil {
		return true, err
	}
	return true, nil
}

func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, natsKey(key)); err != nil && !isNATSAbsent(err) {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (s *NATSStore) CompareAndSwap(ctx context.Context, key string, prev, next any) (bool, error) {
	nextData, err := encodeValue(next)
	if err != nil {
		return false, err
	}
	k := natsKey(key)
	if prev == nil {
		if _, err := s.bucket.Create(ctx, k, nextData); err != nil {
			if isRevisionConflict(err) {
				return false, nil
			}
			return false, fmt.Errorf("create %q: %w", key, err)
		}
		return true, nil
	}

	prevData, err := encodeValue(prev)
	if err != nil {
		return false, err
	}
	entry, err := s.bucket.Get(ctx, k)
	if err != nil {
		if isNATSAbsent(err) {
			return false, nil
		}
		return false, fmt.Errorf("get %q: %w", key, err)
	}
	if string(entry.Value()) != string(prevData) {
		return false, nil
	}
	if _, err := s.bucket.Update(ctx, k, nextData, entry.Revision()); err != nil {
		if isRevisionConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("update %q: %w", key, err)
	}
	return true, nil
}

func (s *NATSStore) Close() error { return nil }

func isNATSAbsent(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

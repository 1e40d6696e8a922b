package stream

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"
)

// IdempotencyCache stores ingestion responses keyed by (mode, client key)
// with a bounded TTL, so retried POSTs return the original summary without
// touching the stream again.
type IdempotencyCache struct {
	rdb *redis.Client
	ns  string
	ttl time.Duration
}

func NewIdempotencyCache(rdb *redis.Client, ns string, ttlSec int) *IdempotencyCache {
	return &IdempotencyCache{rdb: rdb, ns: ns, ttl: time.Duration(ttlSec) * time.Second}
}

func (c *IdempotencyCache) key(mode, clientKey string) string {
	return fmt.Sprintf("%s:%s:%s", c.ns, mode, clientKey)
}

// Get returns the cached response body, if any.
func (c *IdempotencyCache) Get(mode, clientKey string) ([]byte, bool, error) {
	raw, err := c.rdb.Get(c.key(mode, clientKey)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "idempotency get")
	}
	return raw, true, nil
}

// Set caches a response body under (mode, clientKey).
func (c *IdempotencyCache) Set(mode, clientKey string, body []byte) error {
	return errors.Wrap(c.rdb.Set(c.key(mode, clientKey), body, c.ttl).Err(), "idempotency set")
}

// FingerprintSet remembers the SHA-1 fingerprints of previously accepted
// batches so identical resubmissions auto-promote to re-classification.
type FingerprintSet struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewFingerprintSet(rdb *redis.Client, ns string, ttlSec int) *FingerprintSet {
	return &FingerprintSet{
		rdb: rdb,
		key: ns + ":seen",
		ttl: time.Duration(ttlSec) * time.Second,
	}
}

// Seen reports whether the fingerprint was recorded before.
func (s *FingerprintSet) Seen(fingerprint string) (bool, error) {
	ok, err := s.rdb.SIsMember(s.key, fingerprint).Result()
	return ok, errors.Wrap(err, "fingerprint seen")
}

// Record stores the fingerprint and refreshes the set TTL.
func (s *FingerprintSet) Record(fingerprint string) error {
	if err := s.rdb.SAdd(s.key, fingerprint).Err(); err != nil {
		return errors.Wrap(err, "fingerprint record")
	}
	if s.ttl > 0 {
		if err := s.rdb.Expire(s.key, s.ttl).Err(); err != nil {
			return errors.Wrap(err, "fingerprint expire")
		}
	}
	return nil
}

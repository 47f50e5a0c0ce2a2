package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// ResultCache maps a content hash of (kind, input) to a finished result
type ResultCache struct {
	rc     redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewResultCache creates a result cache. A zero ttl keeps entries forever.
func NewResultCache(rc redis.UniversalClient, prefix string, ttl time.Duration) *ResultCache {
	return &ResultCache{rc: rc, prefix: prefix, ttl: ttl}
}

// Key derives the deterministic cache key of a request. Inputs that differ
// only in object key order or whitespace share a key. Numbers keep their
// literal text so large integers never collapse through float64.
func Key(kind types.Kind, input json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("canonicalize input: %w", err)
	}
	if dec.More() {
		return "", fmt.Errorf("canonicalize input: trailing data after JSON value")
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize input: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c *ResultCache) key(kind types.Kind, hash string) string {
	return c.prefix + "cache:" + string(kind) + ":" + hash
}

// Get returns a cached result, ok=false on a miss
func (c *ResultCache) Get(ctx context.Context, kind types.Kind, hash string) (json.RawMessage, bool, error) {
	v, err := c.rc.Get(ctx, c.key(kind, hash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache: %w", err)
	}
	return json.RawMessage(v), true, nil
}

// Set stores a finished result
func (c *ResultCache) Set(ctx context.Context, kind types.Kind, hash string, result json.RawMessage) error {
	if err := c.rc.Set(ctx, c.key(kind, hash), string(result), c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

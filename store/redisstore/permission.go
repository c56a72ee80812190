// Package redisstore implements filter.PermissionStore on top of Redis,
// following the same thin-wrapper-interface shape pulse's client uses over
// *redis.Client: a narrow interface covering only the commands this
// package issues, so tests substitute a fake without a live Redis
// deployment.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hpd-agent/core/filter"
)

const defaultKeyPrefix = "hpd:permissions:"

// redisClient is the subset of *redis.Client this package consumes.
type redisClient interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
}

// PermissionStore persists standing tool-permission decisions (always-allow
// / always-deny) in a Redis hash keyed per scope, one field per function
// name. It implements filter.PermissionStore.
type PermissionStore struct {
	client    redisClient
	keyPrefix string
	ttl       time.Duration
}

// Options configures a PermissionStore.
type Options struct {
	// Client is the connected Redis client. Required.
	Client *redis.Client
	// KeyPrefix overrides the default "hpd:permissions:" key namespace.
	KeyPrefix string
	// TTL expires a scope's permission hash after inactivity. Zero means
	// decisions persist until explicitly evicted (e.g. by Redis memory
	// policy).
	TTL time.Duration
}

// New builds a PermissionStore from a connected Redis client.
func New(opts Options) (*PermissionStore, error) {
	if opts.Client == nil {
		return nil, errors.New("redisstore: client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return newPermissionStore(opts.Client, prefix, opts.TTL), nil
}

func newPermissionStore(client redisClient, keyPrefix string, ttl time.Duration) *PermissionStore {
	return &PermissionStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *PermissionStore) Lookup(ctx context.Context, scopeID, function string) (filter.PermissionDecision, bool, error) {
	if scopeID == "" || function == "" {
		return filter.PermissionDecision{}, false, errors.New("redisstore: scope id and function are required")
	}
	raw, err := s.client.HGet(ctx, s.key(scopeID), function).Result()
	if errors.Is(err, redis.Nil) {
		return filter.PermissionDecision{}, false, nil
	}
	if err != nil {
		return filter.PermissionDecision{}, false, err
	}
	var decision filter.PermissionDecision
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		return filter.PermissionDecision{}, false, err
	}
	return decision, true, nil
}

func (s *PermissionStore) Store(ctx context.Context, scopeID, function string, decision filter.PermissionDecision) error {
	if scopeID == "" || function == "" {
		return errors.New("redisstore: scope id and function are required")
	}
	encoded, err := json.Marshal(decision)
	if err != nil {
		return err
	}
	key := s.key(scopeID)
	if err := s.client.HSet(ctx, key, function, encoded).Err(); err != nil {
		return err
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *PermissionStore) key(scopeID string) string {
	return s.keyPrefix + scopeID
}

var _ filter.PermissionStore = (*PermissionStore)(nil)

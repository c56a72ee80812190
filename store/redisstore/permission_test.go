package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/hpd-agent/core/filter"
)

type fakeRedisClient struct {
	hash       map[string]map[string]string
	hGetErr    error
	hSetErr    error
	expireTTL  time.Duration
	expireKey  string
}

func newFakeRedisClient() *fakeRedisClient {
	return &fakeRedisClient{hash: make(map[string]map[string]string)}
}

func (f *fakeRedisClient) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "hget", key, field)
	if f.hGetErr != nil {
		cmd.SetErr(f.hGetErr)
		return cmd
	}
	fields, ok := f.hash[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	val, ok := fields[field]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(val)
	return cmd
}

func (f *fakeRedisClient) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "hset", key)
	if f.hSetErr != nil {
		cmd.SetErr(f.hSetErr)
		return cmd
	}
	fields, ok := f.hash[key]
	if !ok {
		fields = make(map[string]string)
		f.hash[key] = fields
	}
	for i := 0; i+1 < len(values); i += 2 {
		field, _ := values[i].(string)
		switch v := values[i+1].(type) {
		case string:
			fields[field] = v
		case []byte:
			fields[field] = string(v)
		}
	}
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedisClient) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx, "expire", key)
	f.expireKey = key
	f.expireTTL = ttl
	cmd.SetVal(true)
	return cmd
}

func TestPermissionStoreLookupReturnsNotFoundWhenUnset(t *testing.T) {
	s := newPermissionStore(newFakeRedisClient(), defaultKeyPrefix, 0)
	_, ok, err := s.Lookup(context.Background(), "scope-1", "send_email")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPermissionStoreStoreAndLookupRoundTrips(t *testing.T) {
	s := newPermissionStore(newFakeRedisClient(), defaultKeyPrefix, 0)

	decision := filter.PermissionDecision{Approved: true, Choice: filter.ChoiceAlwaysAllow}
	require.NoError(t, s.Store(context.Background(), "scope-1", "send_email", decision))

	got, ok, err := s.Lookup(context.Background(), "scope-1", "send_email")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, decision, got)
}

func TestPermissionStoreStoreSetsExpireWhenTTLConfigured(t *testing.T) {
	client := newFakeRedisClient()
	s := newPermissionStore(client, defaultKeyPrefix, time.Hour)

	require.NoError(t, s.Store(context.Background(), "scope-1", "send_email", filter.PermissionDecision{Approved: false, Choice: filter.ChoiceAlwaysDeny}))
	require.Equal(t, defaultKeyPrefix+"scope-1", client.expireKey)
	require.Equal(t, time.Hour, client.expireTTL)
}

func TestPermissionStoreLookupRequiresScopeAndFunction(t *testing.T) {
	s := newPermissionStore(newFakeRedisClient(), defaultKeyPrefix, 0)
	_, _, err := s.Lookup(context.Background(), "", "send_email")
	require.Error(t, err)
}

func TestPermissionStoreLookupPropagatesClientError(t *testing.T) {
	client := newFakeRedisClient()
	client.hGetErr = redis.ErrClosed
	s := newPermissionStore(client, defaultKeyPrefix, 0)

	_, _, err := s.Lookup(context.Background(), "scope-1", "send_email")
	require.ErrorIs(t, err, redis.ErrClosed)
}

func TestNewRejectsNilClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

// redis.go -- go-redis session store.
//
// Sessions live only in Redis with a TTL matching session expiry.
// The handle given to clients is a random 256-bit token; Redis only ever
// sees its SHA-256 hash, so a leaked keyspace dump can't be replayed as cookies.
package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore wraps a Redis client for session operations.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisClient parses redisURL, connects, and pings.
// Call once at startup from main.go; share the client across Redis-backed structs.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// NewRedisStore returns a session store over an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// CheckHealth pings Redis.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// GenerateToken returns a 256-bit random token and its SHA-256 hash.
// Token goes to the client; hash goes in storage.
func GenerateToken() (*[32]byte, *[32]byte, error) {
	var token [32]byte
	if _, err := rand.Read(token[:]); err != nil {
		return nil, nil, fmt.Errorf("generating token with rand: %w", err)
	}
	hash := sha256.Sum256(token[:])
	return &token, &hash, nil
}

// sessionKey maps a client handle to its Redis key. Returns ErrNotFound for
// handles that aren't valid base64url, since no stored session can match them.
func sessionKey(handle string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(handle)
	if err != nil || len(raw) != 32 {
		return "", ErrNotFound
	}
	hash := sha256.Sum256(raw)
	return "session:" + base64.RawURLEncoding.EncodeToString(hash[:]), nil
}

// CreateSession stores sc under a fresh handle for ttl and returns the handle.
func (s *RedisStore) CreateSession(ctx context.Context, sc SessionContext, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("session ttl must be positive, got %s", ttl)
	}
	token, hash, err := GenerateToken()
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(sc)
	if err != nil {
		return "", fmt.Errorf("marshaling session: %w", err)
	}

	key := "session:" + base64.RawURLEncoding.EncodeToString(hash[:])
	// NX guards against the astronomically unlikely hash collision overwriting a live session.
	ok, err := s.rdb.SetNX(ctx, key, payload, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("storing session: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("storing session: key collision")
	}
	return base64.RawURLEncoding.EncodeToString(token[:]), nil
}

// GetSession fetches the session for handle. Returns ErrNotFound on a miss or expiry.
func (s *RedisStore) GetSession(ctx context.Context, handle string) (*SessionContext, error) {
	key, err := sessionKey(handle)
	if err != nil {
		return nil, err
	}

	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	var sc SessionContext
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("parsing session: %w", err)
	}
	return &sc, nil
}

// InvalidateSession deletes the session for handle. Unknown handles are a no-op.
func (s *RedisStore) InvalidateSession(ctx context.Context, handle string) error {
	key, err := sessionKey(handle)
	if err != nil {
		return nil
	}
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps transport-level failures from Redis.
var ErrRedisUnavailable = errors.New("redis unavailable")

// RedisSessionStore keeps one JSON blob per session under prefix:sid. The
// key TTL tracks the session expiration so Redis purges expired sessions on
// its own.
type RedisSessionStore struct {
	redis   redis.UniversalClient
	prefix  string
	nowFunc func() time.Time
}

func NewRedisSessionStore(client redis.UniversalClient, prefix string) (*RedisSessionStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = "semoxy:session"
	}
	return &RedisSessionStore{redis: client, prefix: prefix, nowFunc: time.Now}, nil
}

func (s *RedisSessionStore) key(sid string) string {
	return s.prefix + ":" + sid
}

func (s *RedisSessionStore) Insert(ctx context.Context, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ttl := sess.ExpiresAt.Sub(s.nowFunc())
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}
	ok, err := s.redis.SetNX(ctx, s.key(sess.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if !ok {
		return ErrDuplicateKey
	}
	return nil
}

func (s *RedisSessionStore) Get(ctx context.Context, sid string) (Session, error) {
	data, err := s.redis.Get(ctx, s.key(sid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return sess, nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, sid string) error {
	if err := s.redis.Del(ctx, s.key(sid)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

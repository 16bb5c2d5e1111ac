package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisTicketStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisTicketStore(client redis.UniversalClient, prefix string) (*RedisTicketStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = "semoxy:wsticket"
	}
	return &RedisTicketStore{redis: client, prefix: prefix}, nil
}

func (s *RedisTicketStore) key(token string) string {
	return s.prefix + ":" + token
}

func (s *RedisTicketStore) InsertIfAbsent(ctx context.Context, t Ticket, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("encode ticket: %w", err)
	}
	ok, err := s.redis.SetNX(ctx, s.key(t.Token), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ok, nil
}

func (s *RedisTicketStore) Take(ctx context.Context, token string) (Ticket, error) {
	data, err := s.redis.GetDel(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Ticket{}, ErrTicketNotFound
		}
		return Ticket{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	var t Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return Ticket{}, fmt.Errorf("decode ticket: %w", err)
	}
	return t, nil
}

package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/consult-platform/internal/models"
)

type Store struct {
	rdb *redis.Client
}

// New connects and pings so a bad address fails at startup.
func New(addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Store{rdb: rdb}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Client() *redis.Client { return s.rdb }

func (s *Store) Close() error { return s.rdb.Close() }

func userKey(id uint64) string {
	return fmt.Sprintf("consult:user:%d", id)
}

// GetUser returns the cached identity, or redis.Nil on a miss.
func (s *Store) GetUser(ctx context.Context, id uint64) (*models.User, error) {
	b, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var u models.User
	if err := json.Unmarshal(b, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) SetUser(ctx context.Context, u *models.User, ttl time.Duration) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, userKey(u.ID), b, ttl).Err()
}

func (s *Store) DeleteUser(ctx context.Context, id uint64) error {
	return s.rdb.Del(ctx, userKey(id)).Err()
}

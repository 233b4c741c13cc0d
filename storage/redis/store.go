// Package redis provides a Redis storage.Backend. Keys are namespaced as
// prefix:profile:key so several storefront profiles can share one server.
package redis

import (
	"context"
	"errors"
	"fmt"
	stdSync "sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	syncErrors "github.com/c0deZ3R0/go-cart-sync/errors"
	"github.com/c0deZ3R0/go-cart-sync/storage"
)

const (
	opLoad   = "redis.Load"
	opSave   = "redis.Save"
	opDelete = "redis.Delete"

	component = "storage/redis"

	// DefaultPrefix namespaces keys written by this package.
	DefaultPrefix = "cartsync"
)

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Prefix defaults to DefaultPrefix.
	Prefix string

	// Profile defaults to storage.DefaultProfile.
	Profile string

	// TTL expires values after the given duration. Zero keeps them forever.
	TTL time.Duration
}

// Store implements storage.Backend on Redis string keys.
type Store struct {
	client  *goredis.Client
	prefix  string
	profile string
	ttl     time.Duration
	owned   bool

	mu     stdSync.RWMutex
	closed bool
}

var _ storage.Backend = (*Store)(nil)

// New connects to Redis and verifies the connection with PING.
func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := NewWithClient(client, cfg)
	s.owned = true
	return s, nil
}

// NewWithClient builds a store on an existing client. Close leaves a shared
// client open.
func NewWithClient(client *goredis.Client, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Profile == "" {
		cfg.Profile = storage.DefaultProfile
	}
	return &Store{
		client:  client,
		prefix:  cfg.Prefix,
		profile: cfg.Profile,
		ttl:     cfg.TTL,
	}
}

func (s *Store) key(k string) string {
	return s.prefix + ":" + s.profile + ":" + k
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// Load returns the value stored at key for this profile.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opLoad, component)
	}
	return v, nil
}

// Save stores value at key for this profile.
func (s *Store) Save(ctx context.Context, key string, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), value, s.ttl).Err(); err != nil {
		return syncErrors.WrapOpComponent(err, opSave, component)
	}
	return nil
}

// Delete removes key for this profile.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return syncErrors.WrapOpComponent(err, opDelete, component)
	}
	return nil
}

// Close closes the client if the store created it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return s.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client (for testing/monitoring)
func (s *Store) Client() *goredis.Client {
	return s.client
}

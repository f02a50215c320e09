// Package kvstore provides the shared concurrent state store backing the
// gateway's cache, balancer metrics, cooldowns and alert dedupe keys.
// This package is internal and should not be imported by external projects.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

// IsNotFound reports whether err is a missing-key error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Config holds redis connection settings.
type Config struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// DefaultConfig returns sensible connection defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		DB:           0,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
	}
}

// Store wraps a redis client with the small operation set the gateway
// needs. Counter and hash updates are single redis commands, so concurrent
// writers from multiple gateway instances never lose increments.
type Store struct {
	redis  *redis.Client
	logger *zap.Logger
}

// New connects to redis and verifies the connection.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{
		redis:  client,
		logger: logger.With(zap.String("component", "kvstore")),
	}, nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client *redis.Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		redis:  client,
		logger: logger.With(zap.String("component", "kvstore")),
	}
}

// Get returns the string value at key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kvstore get %s: %w", key, err)
	}
	return val, nil
}

// Set stores value at key with the given TTL. A zero TTL means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kvstore set %s: %w", key, err)
	}
	return nil
}

// SetNX stores value only when key is absent. Returns true when the value
// was written. Cost alerts use this for once-per-period dedupe.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.redis.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kvstore setnx %s: %w", key, err)
	}
	return ok, nil
}

// GetJSON unmarshals the value at key into dest.
func (s *Store) GetJSON(ctx context.Context, key string, dest interface{}) error {
	val, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("kvstore unmarshal %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals value and stores it at key.
func (s *Store) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kvstore marshal %s: %w", key, err)
	}
	return s.Set(ctx, key, string(data), ttl)
}

// Delete removes the given keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kvstore delete: %w", err)
	}
	return nil
}

// DeletePrefix removes all keys matching prefix. Best effort, used by
// cache flush; SCAN keeps it safe on large keyspaces.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var deleted int
	iter := s.redis.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.redis.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("kvstore delete %s: %w", iter.Val(), err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("kvstore scan %s: %w", prefix, err)
	}
	return deleted, nil
}

// Keys returns all keys matching prefix via SCAN.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.redis.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return keys, fmt.Errorf("kvstore scan %s: %w", prefix, err)
	}
	return keys, nil
}

// Exists reports whether key exists.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.redis.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("kvstore exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Incr atomically increments the counter at key. The TTL is applied only
// when the increment created the key, so the window starts at first use.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore incr %s: %w", key, err)
	}
	if n == 1 && ttl > 0 {
		if err := s.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("kvstore expire %s: %w", key, err)
		}
	}
	return n, nil
}

// HIncrBy atomically increments an integer hash field.
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := s.redis.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore hincrby %s.%s: %w", key, field, err)
	}
	return n, nil
}

// HIncrByFloat atomically increments a float hash field.
func (s *Store) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	n, err := s.redis.HIncrByFloat(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore hincrbyfloat %s.%s: %w", key, field, err)
	}
	return n, nil
}

// HSet writes hash fields at key.
func (s *Store) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	if len(values) == 0 {
		return nil
	}
	if err := s.redis.HSet(ctx, key, values).Err(); err != nil {
		return fmt.Errorf("kvstore hset %s: %w", key, err)
	}
	return nil
}

// HGetAll returns all fields of the hash at key. Missing keys return an
// empty map, not an error.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	vals, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore hgetall %s: %w", key, err)
	}
	return vals, nil
}

// Expire sets the TTL on key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.redis.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kvstore expire %s: %w", key, err)
	}
	return nil
}

// Ping checks the redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.redis.Close()
}

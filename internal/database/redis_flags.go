package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// FlagSetKeyPrefix prefixes the set holding the scheduler's one-time flags.
// Format: guard:flags:{account}
const FlagSetKeyPrefix = "guard:flags"

// FlagTTL bounds how long mirrored flags survive without a write
const FlagTTL = 7 * 24 * time.Hour

// RedisFlagStore mirrors scheduler flags to Redis so a restart does not
// re-fire one-time actions. When Redis is unavailable it keeps working from
// an in-memory set.
type RedisFlagStore struct {
	client         *redis.Client
	key            string
	mu             sync.RWMutex
	inMemory       map[string]bool
	redisAvailable atomic.Bool
	logger         zerolog.Logger
}

// NewRedisFlagStore creates a flag store. If client is nil, the store
// operates in memory-only mode.
func NewRedisFlagStore(client *redis.Client, account string, logger zerolog.Logger) *RedisFlagStore {
	s := &RedisFlagStore{
		client:   client,
		key:      fmt.Sprintf("%s:%s", FlagSetKeyPrefix, account),
		inMemory: make(map[string]bool),
		logger:   logger.With().Str("component", "RedisFlagStore").Logger(),
	}

	if client == nil {
		s.logger.Info().Msg("No Redis client provided, using in-memory flags only")
		return s
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory flags")
	} else {
		s.logger.Info().Str("key", s.key).Msg("Redis flag store connected")
		s.redisAvailable.Store(true)
	}
	return s
}

// IsRedisAvailable reports whether writes currently reach Redis
func (s *RedisFlagStore) IsRedisAvailable() bool {
	return s.client != nil && s.redisAvailable.Load()
}

// AddFlag records a flag
func (s *RedisFlagStore) AddFlag(ctx context.Context, key string) error {
	s.mu.Lock()
	s.inMemory[key] = true
	s.mu.Unlock()

	if !s.IsRedisAvailable() {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.key, key)
	pipe.Expire(ctx, s.key, FlagTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write flag to Redis, using in-memory flags")
		s.redisAvailable.Store(false)
	}
	return nil
}

// RemoveFlags deletes flags
func (s *RedisFlagStore) RemoveFlags(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	s.mu.Lock()
	for _, k := range keys {
		delete(s.inMemory, k)
	}
	s.mu.Unlock()

	if !s.IsRedisAvailable() {
		return nil
	}
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	if err := s.client.SRem(ctx, s.key, members...).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to remove flags from Redis, using in-memory flags")
		s.redisAvailable.Store(false)
	}
	return nil
}

// LoadFlags returns every stored flag, sorted
func (s *RedisFlagStore) LoadFlags(ctx context.Context) ([]string, error) {
	if s.IsRedisAvailable() {
		members, err := s.client.SMembers(ctx, s.key).Result()
		if err == nil || err == redis.Nil {
			s.mu.Lock()
			for _, m := range members {
				s.inMemory[m] = true
			}
			s.mu.Unlock()
		} else {
			s.logger.Warn().Err(err).Msg("Redis read error, using in-memory flags")
			s.redisAvailable.Store(false)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.inMemory))
	for k := range s.inMemory {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Package redisstore keeps per-user AI failure state in Redis hashes. The
// increment runs as a Lua script so concurrent failures never lose updates.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spigell/qcs-matcher/internal/store"
)

// Config holds Redis connection settings.
type Config struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key-prefix"`
	// StateTTL expires idle failure state. Zero keeps it forever.
	StateTTL    time.Duration `mapstructure:"state-ttl"`
	DialTimeout time.Duration `mapstructure:"dial-timeout"`
}

// DefaultConfig returns settings for a local server.
func DefaultConfig() Config {
	return Config{
		Host:        "localhost",
		Port:        6379,
		KeyPrefix:   "qcs:ai_failure:",
		StateTTL:    7 * 24 * time.Hour,
		DialTimeout: 5 * time.Second,
	}
}

// Addr returns host:port.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

const (
	fieldCount = "failure_count"
	fieldNext  = "next_allowed_at"
)

// incrementScript: KEYS[1] state hash; ARGV now ms, base ms, max ms (0 = no
// cap), ttl ms (0 = none). Returns {count, next_allowed_at ms}.
var incrementScript = redis.NewScript(`
local count = redis.call('HINCRBY', KEYS[1], 'failure_count', 1)
local base = tonumber(ARGV[2])
local cap = tonumber(ARGV[3])
local shift = count - 1
if shift > 40 then shift = 40 end
local delay = base * (2 ^ shift)
if cap > 0 and delay > cap then delay = cap end
local nextAt = string.format('%.0f', tonumber(ARGV[1]) + delay)
redis.call('HSET', KEYS[1], 'next_allowed_at', nextAt)
local ttl = tonumber(ARGV[4])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return {count, nextAt}
`)

// FailureStore implements store.FailureStore.
type FailureStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ store.FailureStore = (*FailureStore)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*FailureStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr(), err)
	}
	return NewWithClient(client, cfg.KeyPrefix, cfg.StateTTL), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *FailureStore {
	if prefix == "" {
		prefix = DefaultConfig().KeyPrefix
	}
	return &FailureStore{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the client.
func (s *FailureStore) Close() error {
	return s.client.Close()
}

func (s *FailureStore) key(userID string) string {
	return s.prefix + userID
}

func (s *FailureStore) GetFailure(ctx context.Context, userID string) (*store.FailureState, error) {
	vals, err := s.client.HMGet(ctx, s.key(userID), fieldCount, fieldNext).Result()
	if err != nil {
		return nil, fmt.Errorf("get ai failure state %s: %w", userID, err)
	}
	st := &store.FailureState{UserID: userID}
	if count, ok := vals[0].(string); ok {
		if st.FailureCount, err = strconv.Atoi(count); err != nil {
			return nil, fmt.Errorf("decode failure count of %s: %w", userID, err)
		}
	}
	if next, ok := vals[1].(string); ok {
		t, err := parseMillis(next)
		if err != nil {
			return nil, fmt.Errorf("decode next allowed of %s: %w", userID, err)
		}
		st.NextAllowedAt = &t
	}
	return st, nil
}

func (s *FailureStore) RecordFailure(ctx context.Context, userID string, now time.Time, b store.Backoff) (*store.FailureState, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{s.key(userID)},
		now.UnixMilli(), b.Base.Milliseconds(), b.Max.Milliseconds(), s.ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("record ai failure %s: %w", userID, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("record ai failure %s: unexpected reply %v", userID, res)
	}
	count, ok := res[0].(int64)
	if !ok {
		return nil, fmt.Errorf("record ai failure %s: unexpected count %v", userID, res[0])
	}
	nextRaw, ok := res[1].(string)
	if !ok {
		return nil, errors.New("record ai failure: unexpected deadline reply")
	}
	next, err := parseMillis(nextRaw)
	if err != nil {
		return nil, fmt.Errorf("record ai failure %s: %w", userID, err)
	}
	return &store.FailureState{UserID: userID, FailureCount: int(count), NextAllowedAt: &next}, nil
}

func (s *FailureStore) ResetFailure(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("reset ai failure state %s: %w", userID, err)
	}
	return nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

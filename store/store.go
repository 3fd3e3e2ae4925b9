// Package store implements the Redis-backed state store of the
// orchestration engine: per-agent state records with TTL, per-agent FIFO
// request queues, pair locks for session creation, and feedback session
// records with their per-team active-session sets.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teamflow-dev/teamflow/types"
)

// ErrSessionNotFound is returned when a session record is absent or expired.
var ErrSessionNotFound = errors.New("session not found")

// Config configures the store connection and record lifetimes.
type Config struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string

	StateTTL            time.Duration
	SessionTTL          time.Duration
	CompletedSessionTTL time.Duration
	PairLockTTL         time.Duration

	// Idle timer draw bounds used when GetState synthesizes a record.
	IdleMin time.Duration
	IdleMax time.Duration
}

// DefaultConfig returns the record lifetimes the engine is specified with.
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		PoolSize:            10,
		KeyPrefix:           "teamflow:",
		StateTTL:            time.Hour,
		SessionTTL:          24 * time.Hour,
		CompletedSessionTTL: 7 * 24 * time.Hour,
		PairLockTTL:         30 * time.Second,
	}
}

// Store is the single state-store handle, created at process start and
// injected everywhere. There are no package-level clients or singletons.
type Store struct {
	client *redis.Client
	config Config
	logger *zap.Logger
}

// New connects to Redis and verifies the connection.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "teamflow:"
	}
	applyTTLDefaults(&cfg)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Store{
		client: client,
		config: cfg,
		logger: logger.With(zap.String("component", "store")),
	}, nil
}

func applyTTLDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = def.StateTTL
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.CompletedSessionTTL <= 0 {
		cfg.CompletedSessionTTL = def.CompletedSessionTTL
	}
	if cfg.PairLockTTL <= 0 {
		cfg.PairLockTTL = def.PairLockTTL
	}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks store reachability. Store unavailability is the one fatal
// error class of the engine.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) stateKey(teamID, agentID string) string {
	return s.config.KeyPrefix + "state:" + teamID + ":" + agentID
}

func (s *Store) queueKey(teamID, agentID string) string {
	return s.config.KeyPrefix + "queue:" + teamID + ":" + agentID
}

func (s *Store) sessionKey(sessionID string) string {
	return s.config.KeyPrefix + "session:" + sessionID
}

func (s *Store) activeSetKey(teamID string) string {
	return s.config.KeyPrefix + "sessions:active:" + teamID
}

func (s *Store) humanBusyKey(teamID, participantID string) string {
	return s.config.KeyPrefix + "human:busy:" + teamID + ":" + participantID
}

// storeErr wraps a redis failure as the fatal STORE_UNAVAILABLE class.
func storeErr(op string, err error) error {
	return types.NewErrorf(types.ErrStoreUnavailable, "store %s failed", op).WithCause(err)
}

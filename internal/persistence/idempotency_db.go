package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const tier2Timeout = 500 * time.Millisecond

// PostgresIdempotencyChecker is the second dedup tier backed by the event log.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// IsDuplicate checks if the command exists in the Postgres event log
func (pic *PostgresIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tier2Timeout)
	defer cancel()

	query := `
        SELECT 1
        FROM event_log.events
        WHERE event_type = $1 AND idempotency_key = $2
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, eventType, idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RedisIdempotencyStore keeps one marker key per persisted command. Markers
// are written after the event log commit, so a marker always implies a
// durable event.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOptions configures the Redis dedup tier.
type RedisOptions struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"` // 0 keeps markers forever
}

func NewRedisIdempotencyStore(ctx context.Context, opts RedisOptions) (*RedisIdempotencyStore, error) {
	if opts.Address == "" {
		return nil, errors.New("redis address is empty")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "agentledger:idem:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix, ttl: opts.TTL}, nil
}

func (s *RedisIdempotencyStore) key(eventType, idempotencyKey string) string {
	return s.prefix + eventType + ":" + idempotencyKey
}

// IsDuplicate reports whether a marker exists for the command.
func (s *RedisIdempotencyStore) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tier2Timeout)
	defer cancel()

	n, err := s.client.Exists(ctx, s.key(eventType, idempotencyKey)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkPersisted sets markers for rows that have been committed. SET NX keeps
// the first writer's sequence if two processes race.
func (s *RedisIdempotencyStore) MarkPersisted(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, r := range rows {
		pipe.SetNX(ctx, s.key(r.EventType, r.IdempotencyKey), r.Sequence, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Ping reports whether Redis is reachable.
func (s *RedisIdempotencyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisIdempotencyStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

package scope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Redis stores payloads in Redis so several server replicas and the CLI can
// share scopes. The tombstone key is written on Save with a lifetime that
// outlasts the payload, so a scope whose key expired reports ErrExpired
// instead of ErrNotFound.
type Redis struct {
	redis  *redis.Client
	tracer trace.Tracer
}

func NewRedis(client *redis.Client, tracer trace.Tracer) *Redis {
	if client == nil {
		panic("scope: redis client cannot be nil")
	}
	if tracer == nil {
		tracer = otel.Tracer("zeroveil/internal/scope/redis")
	}
	return &Redis{redis: client, tracer: tracer}
}

func (s *Redis) Save(ctx context.Context, id string, payload []byte, ttl time.Duration) error {
	ctx, span := s.tracer.Start(ctx, "scope.redis.save")
	defer span.End()

	state, err := s.redis.Get(ctx, releasedKey(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		span.RecordError(err)
		return fmt.Errorf("scope: failed to check tombstone: %w", err)
	}
	if state == tombstoneReleased {
		return ErrExpired
	}

	var keep time.Duration
	if ttl > 0 {
		keep = ttl + TombstoneRetention
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, scopeKey(id), payload, ttl)
		pipe.Set(ctx, releasedKey(id), tombstonePending, keep)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("scope: failed to persist scope: %w", err)
	}
	return nil
}

func (s *Redis) Load(ctx context.Context, id string) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "scope.redis.load")
	defer span.End()

	data, err := s.redis.Get(ctx, scopeKey(id)).Bytes()
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, redis.Nil) {
		span.RecordError(err)
		return nil, fmt.Errorf("scope: failed to load scope: %w", err)
	}
	n, err := s.redis.Exists(ctx, releasedKey(id)).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scope: failed to check tombstone: %w", err)
	}
	if n > 0 {
		return nil, ErrExpired
	}
	return nil, ErrNotFound
}

func (s *Redis) Release(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "scope.redis.release")
	defer span.End()

	deleted, err := s.redis.Del(ctx, scopeKey(id)).Result()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("scope: failed to delete scope: %w", err)
	}
	if deleted == 0 {
		n, err := s.redis.Exists(ctx, releasedKey(id)).Result()
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("scope: failed to check tombstone: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
	}
	if err := s.redis.Set(ctx, releasedKey(id), tombstoneReleased, TombstoneRetention).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("scope: failed to write tombstone: %w", err)
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (s *Redis) Close() error { return nil }

const (
	tombstonePending  = "pending"
	tombstoneReleased = "released"
)

func scopeKey(id string) string {
	return fmt.Sprintf("zeroveil:scope:%s", id)
}

func releasedKey(id string) string {
	return fmt.Sprintf("zeroveil:released:%s", id)
}

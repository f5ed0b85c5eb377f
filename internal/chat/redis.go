package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "chat:"

// RedisStore keeps each transcript in a Redis list of JSON records
type RedisStore struct {
	client redis.UniversalClient
	limit  int
}

// NewRedisStore creates a store retaining at most limit turns per user
func NewRedisStore(client redis.UniversalClient, limit int) *RedisStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &RedisStore{client: client, limit: limit}
}

func redisKey(username string) string {
	return redisKeyPrefix + username
}

func (r *RedisStore) Load(ctx context.Context, username string) ([]Turn, error) {
	values, err := r.client.LRange(ctx, redisKey(username), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loading transcript: %w", err)
	}

	turns := make([]Turn, 0, len(values))
	for _, v := range values {
		var rec record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			slog.Warn("Skipping unreadable transcript record", "username", username, "error", err)
			continue
		}
		if rec.Owner != username {
			slog.Warn("Dropping transcript record tagged for another user", "username", username, "owner", rec.Owner)
			continue
		}
		turns = append(turns, rec.Turn)
	}
	return turns, nil
}

func (r *RedisStore) Append(ctx context.Context, username string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	values := make([]any, 0, len(turns))
	for _, turn := range turns {
		data, err := json.Marshal(record{Owner: username, Turn: turn})
		if err != nil {
			return fmt.Errorf("marshaling turn: %w", err)
		}
		values = append(values, string(data))
	}

	key := redisKey(username)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, int64(-r.limit), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending transcript: %w", err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context, username string) error {
	if err := r.client.Del(ctx, redisKey(username)).Err(); err != nil {
		return fmt.Errorf("clearing transcript: %w", err)
	}
	return nil
}

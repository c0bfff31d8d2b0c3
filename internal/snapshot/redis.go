package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/matchlens/clipsync/internal/uploader"
)

const redisKeyPrefix = "clipsync:upload-queue:"

// RedisStore keeps queue snapshots in Redis, useful when the agent runs in a
// container without a stable data volume.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Save writes the whole snapshot for one organization. An empty queue deletes
// the key instead of storing an empty list.
func (s *RedisStore) Save(ctx context.Context, orgID string, records []uploader.PersistedJobRecord) error {
	key := redisKeyPrefix + orgID
	if len(records) == 0 {
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("delete snapshot: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// Load reads one organization's snapshot. A missing key is an empty queue.
func (s *RedisStore) Load(ctx context.Context, orgID string) ([]uploader.PersistedJobRecord, error) {
	data, err := s.rdb.Get(ctx, redisKeyPrefix+orgID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var records []uploader.PersistedJobRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return records, nil
}

package redisadp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProcessingStore implements domain.ProcessingStore: full event bodies parked
// between ingestion and post-processing, JSON-encoded under their cache key.
type ProcessingStore struct {
	client *redis.Client
}

// NewProcessingStore wraps an existing client.
func NewProcessingStore(client *redis.Client) *ProcessingStore {
	return &ProcessingStore{client: client}
}

// Get returns (nil, false, nil) when the entry is absent, which the pipeline
// treats as "already processed".
func (s *ProcessingStore) Get(ctx context.Context, key string) (map[string]any, bool, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("op=ProcessingStore.Get: key=%s: %w", key, err)
	}
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, false, fmt.Errorf("op=ProcessingStore.Get: key=%s: decode: %w", key, err)
	}
	return data, true, nil
}

func (s *ProcessingStore) Set(ctx context.Context, key string, data map[string]any, ttl time.Duration) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("op=ProcessingStore.Set: key=%s: encode: %w", key, err)
	}
	if err := s.client.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("op=ProcessingStore.Set: key=%s: %w", key, err)
	}
	return nil
}

func (s *ProcessingStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("op=ProcessingStore.Delete: key=%s: %w", key, err)
	}
	return nil
}

package retrieval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Visual-Hive/chatconnect-ai-backend/internal/models"
)

// RedisChunkSource reads the chunks the ingestion pipeline wrote. Each chunk
// is a JSON payload under kb:tenant:{id}:chunk:{chunkID}; the scan pattern
// itself carries the tenant scope.
type RedisChunkSource struct {
	client *redis.Client
}

func NewRedisChunkSource(redisURL string) (*RedisChunkSource, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	return &RedisChunkSource{client: redis.NewClient(opt)}, nil
}

func (s *RedisChunkSource) ListChunks(ctx context.Context, tenantID string) ([]models.ContextChunk, error) {
	pattern := fmt.Sprintf("kb:tenant:%s:chunk:*", tenantID)

	var chunks []models.ContextChunk
	iter := s.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		payload, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			// Chunk expired between scan and get.
			continue
		}

		var chunk models.ContextChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		chunks = append(chunks, chunk)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	return chunks, nil
}

func (s *RedisChunkSource) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisChunkSource) Close() error {
	return s.client.Close()
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/ml"
	"github.com/activescreen/backend/pkg/logger"
)

// Client stores feature matrices in Redis so that workers on other hosts
// reuse them.
type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(client *redis.Client) *Client {
	return &Client{client: client}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) SetMatrix(ctx context.Context, key string, matrix *ml.Matrix, ttl time.Duration) error {
	data, err := json.Marshal(matrix)
	if err != nil {
		return fmt.Errorf("failed to marshal feature matrix: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set feature matrix: %w", err)
	}

	logger.Debug("Feature matrix cached", zap.String("key", key), zap.Int("bytes", len(data)), zap.Duration("ttl", ttl))
	return nil
}

func (c *Client) GetMatrix(ctx context.Context, key string) (*ml.Matrix, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get feature matrix: %w", err)
	}

	var matrix ml.Matrix
	if err := json.Unmarshal(data, &matrix); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal feature matrix: %w", err)
	}
	if err := matrix.Validate(); err != nil {
		return nil, false, fmt.Errorf("cached feature matrix %s is corrupt: %w", key, err)
	}

	logger.Debug("Feature matrix cache hit", zap.String("key", key))
	return &matrix, true, nil
}

func (c *Client) DeleteMatrix(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// InvalidateDataset drops every matrix cached for a dataset hash.
func (c *Client) InvalidateDataset(ctx context.Context, datasetHash string) error {
	iter := c.client.Scan(ctx, 0, fmt.Sprintf("features:%s:*", datasetHash), 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Dataset feature cache invalidated", zap.String("dataset_hash", datasetHash))
	return nil
}

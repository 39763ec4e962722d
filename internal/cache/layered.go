package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/metrics"
	"github.com/activescreen/backend/internal/ml"
	"github.com/activescreen/backend/pkg/logger"
)

// Remote is a cache shared between processes, such as the redis client.
type Remote interface {
	GetMatrix(ctx context.Context, key string) (*ml.Matrix, bool, error)
	SetMatrix(ctx context.Context, key string, matrix *ml.Matrix, ttl time.Duration) error
	DeleteMatrix(ctx context.Context, key string) error
}

// Layered fronts a remote cache with a memory cache. Remote failures are
// logged and fall through to building the matrix locally.
type Layered struct {
	local  *Memory
	remote Remote
	ttl    time.Duration
}

func NewLayered(local *Memory, remote Remote, ttl time.Duration) *Layered {
	return &Layered{local: local, remote: remote, ttl: ttl}
}

func (l *Layered) GetOrBuild(ctx context.Context, key string, build BuildFunc) (*ml.Matrix, error) {
	return l.local.GetOrBuild(ctx, key, func(ctx context.Context) (*ml.Matrix, error) {
		matrix, ok, err := l.remote.GetMatrix(ctx, key)
		if err != nil {
			logger.Warn("Remote feature cache unavailable", zap.String("key", key), zap.Error(err))
		}
		if ok {
			metrics.CacheHits.WithLabelValues("redis").Inc()
			return matrix, nil
		}
		metrics.CacheMisses.WithLabelValues("redis").Inc()

		matrix, err = build(ctx)
		if err != nil {
			return nil, err
		}
		if err := l.remote.SetMatrix(ctx, key, matrix, l.ttl); err != nil {
			logger.Warn("Failed to store feature matrix remotely", zap.String("key", key), zap.Error(err))
		}
		return matrix, nil
	})
}

func (l *Layered) Invalidate(ctx context.Context, key string) error {
	if err := l.local.Invalidate(ctx, key); err != nil {
		return err
	}
	return l.remote.DeleteMatrix(ctx, key)
}

package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/activescreen/backend/internal/metrics"
	"github.com/activescreen/backend/internal/ml"
	"github.com/activescreen/backend/pkg/logger"
)

const DefaultMaxEntries = 16

type entry struct {
	matrix   *ml.Matrix
	expires  time.Time
	lastUsed time.Time
}

// Memory is an in-process cache bounded by entry count. When full, the least
// recently used entry is evicted.
type Memory struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*entry
	flight  singleflight.Group

	now func() time.Time
}

type MemoryOption func(*Memory)

func WithMaxEntries(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.maxEntries = n
		}
	}
}

// NewMemory creates a memory cache. A ttl of zero keeps entries until
// evicted.
func NewMemory(ttl time.Duration, opts ...MemoryOption) *Memory {
	m := &Memory{
		ttl:        ttl,
		maxEntries: DefaultMaxEntries,
		entries:    make(map[string]*entry),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Get(key string) (*ml.Matrix, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	now := m.now()
	if !e.expires.IsZero() && now.After(e.expires) {
		delete(m.entries, key)
		return nil, false
	}
	e.lastUsed = now
	return e.matrix, true
}

func (m *Memory) Set(key string, matrix *ml.Matrix) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e := &entry{matrix: matrix, lastUsed: now}
	if m.ttl > 0 {
		e.expires = now.Add(m.ttl)
	}
	m.entries[key] = e

	for len(m.entries) > m.maxEntries {
		m.evictOldest()
	}
}

func (m *Memory) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range m.entries {
		if oldestKey == "" || e.lastUsed.Before(oldest) {
			oldestKey, oldest = k, e.lastUsed
		}
	}
	delete(m.entries, oldestKey)
	logger.Debug("Feature cache entry evicted", zap.String("key", oldestKey))
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) GetOrBuild(ctx context.Context, key string, build BuildFunc) (*ml.Matrix, error) {
	if matrix, ok := m.Get(key); ok {
		metrics.CacheHits.WithLabelValues("memory").Inc()
		return matrix, nil
	}
	metrics.CacheMisses.WithLabelValues("memory").Inc()

	result, err, shared := m.flight.Do(key, func() (interface{}, error) {
		// another flight may have filled the entry while we waited
		if matrix, ok := m.Get(key); ok {
			return matrix, nil
		}
		started := time.Now()
		matrix, err := build(ctx)
		if err != nil {
			return nil, err
		}
		m.Set(key, matrix)
		logger.Info("Feature matrix built",
			zap.String("key", key),
			zap.Int("rows", matrix.NRows()),
			zap.Int("cols", matrix.Cols),
			zap.Duration("duration", time.Since(started)),
		)
		return matrix, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Debug("Feature matrix build shared", zap.String("key", key))
	}
	return result.(*ml.Matrix), nil
}

func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

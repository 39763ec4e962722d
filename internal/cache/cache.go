// Package cache keeps feature matrices so that feature extraction runs once
// per (dataset, feature extractor) pair. Cached matrices are shared between
// callers and must be treated as read-only.
package cache

import (
	"context"
	"fmt"

	"github.com/activescreen/backend/internal/ml"
	"github.com/activescreen/backend/internal/storage/models"
	"github.com/activescreen/backend/pkg/utils"
)

type BuildFunc func(ctx context.Context) (*ml.Matrix, error)

type FeatureCache interface {
	// GetOrBuild returns the matrix stored under key, building and storing
	// it on a miss. Concurrent misses for the same key build once.
	GetOrBuild(ctx context.Context, key string, build BuildFunc) (*ml.Matrix, error)
	Invalidate(ctx context.Context, key string) error
}

// Key identifies the feature matrix of a dataset under a feature extractor
// configuration.
func Key(datasetHash string, extractor models.ModelSpec) string {
	return fmt.Sprintf("features:%s:%s", datasetHash, utils.HashParams(extractor.Name, extractor.Params))
}

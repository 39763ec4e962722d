package review

import (
	"context"
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/cache"
	"github.com/activescreen/backend/internal/ml"
	"github.com/activescreen/backend/internal/project"
	"github.com/activescreen/backend/pkg/logger"
)

type SimulateOptions struct {
	// Prior is used as given when it names any record; otherwise
	// NPriorIncluded and NPriorExcluded records are drawn with Seed.
	Prior          Prior
	NPriorIncluded int
	NPriorExcluded int
	Seed           int64
	Options
}

// Simulate reviews a fully labeled dataset with its own ground truth as the
// labeler.
func Simulate(ctx context.Context, p *project.Project, registry *ml.Registry, features cache.FeatureCache, opts SimulateOptions) error {
	records, err := p.Store().GetRecords(ctx)
	if err != nil {
		return err
	}
	truth, err := GroundTruth(records)
	if err != nil {
		return fmt.Errorf("simulation needs a labeled dataset: %w", err)
	}

	prior := opts.Prior
	if len(prior.Included)+len(prior.Excluded) == 0 {
		prior, err = SamplePriors(records, opts.NPriorIncluded, opts.NPriorExcluded, rand.New(rand.NewSource(opts.Seed)))
		if err != nil {
			return err
		}
	}

	r, err := New(ctx, p, registry, features, NewSimulatedLabeler(truth), opts.Options)
	if err != nil {
		return err
	}
	if err := r.Seed(ctx, prior); err != nil {
		return err
	}

	logger.Info("Simulation started",
		logger.ProjectID(p.ID),
		zap.Int("records", len(records)),
		zap.Int64s("prior_included", prior.Included),
		zap.Int64s("prior_excluded", prior.Excluded),
	)
	return r.Run(ctx)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/analysis"
	"github.com/activescreen/backend/internal/review"
	"github.com/activescreen/backend/internal/storage/models"
	appLogger "github.com/activescreen/backend/pkg/logger"
)

var (
	simProjectID string
	simIncluded  []int64
	simExcluded  []int64

	simulateCmd = &cobra.Command{
		Use:   "simulate [records.json]",
		Short: "Review a fully labeled dataset with its labels as the reviewer",
		Long: `simulate creates a project from a labeled dataset, seeds it
with prior knowledge and screens it using the dataset's own labels. It prints
recall, WSS@95 and RRF@10 when done.`,
		Args: cobra.ExactArgs(1),
		RunE: runSimulate,
	}
)

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simProjectID, "project", "", "project id (default: generated)")
	f.Int64SliceVar(&simIncluded, "prior-included", nil, "record ids to use as relevant priors")
	f.Int64SliceVar(&simExcluded, "prior-excluded", nil, "record ids to use as irrelevant priors")
	f.Int("n-prior-included", 0, "relevant priors to sample (overrides review.nPriorIncluded)")
	f.Int("n-prior-excluded", 0, "irrelevant priors to sample (overrides review.nPriorExcluded)")
	f.Int64("seed", 0, "prior sampling seed (overrides review.seed)")
	f.Int("batch-size", 0, "records labeled per ranking (overrides review.batchSize)")
	f.Int("stop-if-irrelevant", 0, "stop after this many irrelevant labels in a row (overrides review.stopIfIrrelevant)")
	f.Int("stop-when-relevant", 0, "stop once this many relevant records are labeled (overrides review.stopWhenRelevant)")
	f.String("classifier", "", "classifier (overrides review.classifier)")
	f.String("querier", "", "querier (overrides review.querier)")
	f.String("balancer", "", "balancer (overrides review.balancer)")
	f.String("feature-extractor", "", "feature extractor (overrides review.featureExtractor)")
}

var simulateFlagKeys = map[string]string{
	"n-prior-included":   "review.nPriorIncluded",
	"n-prior-excluded":   "review.nPriorExcluded",
	"seed":               "review.seed",
	"batch-size":         "review.batchSize",
	"stop-if-irrelevant": "review.stopIfIrrelevant",
	"stop-when-relevant": "review.stopWhenRelevant",
	"classifier":         "review.classifier",
	"querier":            "review.querier",
	"balancer":           "review.balancer",
	"feature-extractor":  "review.featureExtractor",
}

func runSimulate(cmd *cobra.Command, args []string) error {
	v := viper.New()
	for flag, key := range simulateFlagKeys {
		if cmd.Flags().Changed(flag) {
			if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
				return err
			}
		}
	}

	a, err := newApp(v)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	records, err := loadRecords(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	settings := a.defaultSettings()
	if err := a.registry.Validate(settings); err != nil {
		return err
	}
	p, err := a.projects.Create(ctx, simProjectID, records, settings)
	if err != nil {
		return err
	}
	defer p.Close()

	appLogger.Info("Simulation started",
		appLogger.ProjectID(p.ID),
		zap.String("dataset", args[0]),
		zap.Int("records", len(records)),
	)

	err = review.Simulate(ctx, p, a.registry, a.features, review.SimulateOptions{
		Prior:          review.Prior{Included: simIncluded, Excluded: simExcluded},
		NPriorIncluded: cfg.Review.NPriorIncluded,
		NPriorExcluded: cfg.Review.NPriorExcluded,
		Seed:           cfg.Review.Seed,
		Options:        a.reviewOptions(),
	})
	if err != nil {
		return fmt.Errorf("simulation of project %s failed: %w", p.ID, err)
	}

	report, err := analysis.NewAnalyzer(p.Store()).Analyze(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "project: %s\n%s", p.ID, analysis.Format(report))
	return nil
}

// loadRecords reads the JSON array accepted by POST /api/v1/projects.
func loadRecords(path string) ([]models.Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	var records []models.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	return records, nil
}

// Package review drives the active-learning loop of a project: seed prior
// knowledge, train, rank, query, label, and repeat until the pool is empty
// or a stopping rule fires.
//
// A Reviewer holds no state that is not also in the project database, so
// any number of reviewers in any number of processes may act on one project.
// The training lock keeps retraining to one at a time and the active lock
// keeps ledger writes atomic for readers.
package review

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/cache"
	"github.com/activescreen/backend/internal/lock"
	"github.com/activescreen/backend/internal/metrics"
	"github.com/activescreen/backend/internal/ml"
	"github.com/activescreen/backend/internal/project"
	"github.com/activescreen/backend/internal/state"
	"github.com/activescreen/backend/internal/storage/models"
	"github.com/activescreen/backend/pkg/logger"
)

type State string

const (
	StateSeeding        State = "seeding"
	StateTraining       State = "training"
	StateRanked         State = "ranked"
	StateAwaitingLabels State = "awaiting_labels"
	StateFinished       State = "finished"
	StateFailed         State = "failed"
)

const DefaultBusyRetry = 2 * time.Second

type Options struct {
	BatchSize int
	// StopAfterIrrelevant ends the review after this many consecutive
	// irrelevant labels. Zero disables the rule.
	StopAfterIrrelevant int
	// StopWhenRelevant ends the review once this many records are labeled
	// relevant. Zero disables the rule.
	StopWhenRelevant int
	// BusyRetry is how long Run waits before retrying when another process
	// holds the training lock and no ranking exists yet.
	BusyRetry time.Duration
}

// Prior is seed knowledge supplied before training.
type Prior struct {
	Included []int64 `json:"included"`
	Excluded []int64 `json:"excluded"`
}

type Reviewer struct {
	project  *project.Project
	store    *state.Store
	models   *ml.ModelSet
	features cache.FeatureCache
	labeler  Labeler
	opts     Options

	mu      sync.Mutex
	state   State
	resumed bool
}

// New resolves the project settings through registry. features may be nil,
// in which case matrices are cached for the life of the reviewer only.
func New(ctx context.Context, p *project.Project, registry *ml.Registry, features cache.FeatureCache, labeler Labeler, opts Options) (*Reviewer, error) {
	settings, err := p.Store().GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	set, err := registry.Resolve(settings)
	if err != nil {
		return nil, err
	}

	if features == nil {
		features = cache.NewMemory(0)
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.BusyRetry <= 0 {
		opts.BusyRetry = DefaultBusyRetry
	}

	return &Reviewer{
		project:  p,
		store:    p.Store(),
		models:   set,
		features: features,
		labeler:  labeler,
		opts:     opts,
		state:    StateSeeding,
	}, nil
}

func (r *Reviewer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reviewer) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	if prev != s {
		logger.Debug("Review state changed",
			logger.ProjectID(r.project.ID),
			zap.String("from", string(prev)),
			zap.String("to", string(s)),
		)
	}
}

// Seed writes prior labels and checks that both classes are present.
func (r *Reviewer) Seed(ctx context.Context, prior Prior) error {
	r.setState(StateSeeding)

	ids := make([]int64, 0, len(prior.Included)+len(prior.Excluded))
	labels := make([]int, 0, cap(ids))
	for _, id := range prior.Included {
		ids = append(ids, id)
		labels = append(labels, models.LabelRelevant)
	}
	for _, id := range prior.Excluded {
		ids = append(ids, id)
		labels = append(labels, models.LabelIrrelevant)
	}

	if len(ids) > 0 {
		err := r.project.WithActiveLock(ctx, func() error {
			return r.store.AddLabelingData(ctx, ids, labels, nil, true)
		})
		if err != nil {
			return err
		}
		metrics.LabelsTotal.WithLabelValues("prior", "1").Add(float64(len(prior.Included)))
		metrics.LabelsTotal.WithLabelValues("prior", "0").Add(float64(len(prior.Excluded)))
	}

	if err := r.checkPriors(ctx); err != nil {
		return err
	}
	logger.Info("Prior knowledge recorded",
		logger.ProjectID(r.project.ID),
		zap.Int("included", len(prior.Included)),
		zap.Int("excluded", len(prior.Excluded)),
	)
	return r.project.SetStatus(ctx, models.StatusReview)
}

func (r *Reviewer) checkPriors(ctx context.Context) error {
	c, err := r.store.Counts(ctx)
	if err != nil {
		return err
	}
	if c.Relevant == 0 || c.Irrelevant == 0 {
		return fmt.Errorf("%w: %d relevant, %d irrelevant", ErrInsufficientPriors, c.Relevant, c.Irrelevant)
	}
	return nil
}

// SamplePriors draws nIncluded relevant and nExcluded irrelevant records at
// random from ground truth. It fails when the dataset cannot supply them.
func SamplePriors(records []models.Record, nIncluded, nExcluded int, rng *rand.Rand) (Prior, error) {
	if nIncluded < 1 || nExcluded < 1 {
		return Prior{}, fmt.Errorf("%w: need n_included and n_excluded of at least 1", ErrInsufficientPriors)
	}
	var ones, zeros []int64
	for _, rec := range records {
		if rec.Included == nil {
			continue
		}
		if *rec.Included == models.LabelRelevant {
			ones = append(ones, rec.RecordID)
		} else {
			zeros = append(zeros, rec.RecordID)
		}
	}
	if len(ones) < nIncluded || len(zeros) < nExcluded {
		return Prior{}, fmt.Errorf("%w: dataset has %d relevant and %d irrelevant records, need %d and %d",
			ErrInsufficientPriors, len(ones), len(zeros), nIncluded, nExcluded)
	}

	pick := func(ids []int64, n int) []int64 {
		out := make([]int64, n)
		for k, i := range rng.Perm(len(ids))[:n] {
			out[k] = ids[i]
		}
		return out
	}
	return Prior{Included: pick(ones, nIncluded), Excluded: pick(zeros, nExcluded)}, nil
}

// Train fits the classifier on the current labeled set and stores a new
// ranking. It returns lock.ErrNotAcquired at once when another training
// holds the project, a *ModelError when a model capability failed (the
// failure is persisted and the project enters error state), and a
// *project.FailedError while the project is in error state.
func (r *Reviewer) Train(ctx context.Context) error {
	if err := r.project.CheckHealthy(ctx); err != nil {
		return err
	}

	release, err := r.project.TryTrainingLock(ctx)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			logger.Debug("Training already in progress", logger.ProjectID(r.project.ID))
		}
		return err
	}
	defer release()

	r.setState(StateTraining)
	started := time.Now()

	trainingSet, err := r.train(ctx)

	var modelErr *ModelError
	switch {
	case err == nil:
		r.setState(StateRanked)
		metrics.TrainingTotal.WithLabelValues("success").Inc()
		metrics.TrainingDuration.WithLabelValues(r.models.Classifier.Name()).Observe(time.Since(started).Seconds())
		logger.Info("Ranking stored",
			logger.ProjectID(r.project.ID),
			zap.Int("training_set", trainingSet),
			zap.Duration("duration", time.Since(started)),
		)
	case errors.As(err, &modelErr):
		r.setState(StateFailed)
		metrics.TrainingTotal.WithLabelValues("model_error").Inc()
		if ferr := r.project.Fail(context.WithoutCancel(ctx), err); ferr != nil {
			logger.Error("Failed to persist model failure", logger.ProjectID(r.project.ID), zap.Error(ferr))
		}
	default:
		metrics.TrainingTotal.WithLabelValues("error").Inc()
	}
	return err
}

func (r *Reviewer) train(ctx context.Context) (int, error) {
	records, err := r.store.GetRecords(ctx)
	if err != nil {
		return 0, err
	}
	// read before the labels: a correction racing the read is retrained on
	watermark, err := r.store.DecisionWatermark(ctx)
	if err != nil {
		return 0, err
	}
	labeled, err := r.store.GetLabeled(ctx)
	if err != nil {
		return 0, err
	}

	rowOf := make(map[int64]int, len(records))
	for i, rec := range records {
		rowOf[rec.RecordID] = i
	}

	isLabeled := make(map[int64]bool, len(labeled))
	trainIdx := make([]int, 0, len(labeled))
	y := make([]int, 0, len(labeled))
	var ones int
	for _, l := range labeled {
		isLabeled[l.RecordID] = true
		trainIdx = append(trainIdx, rowOf[l.RecordID])
		y = append(y, l.Label)
		ones += l.Label
	}
	if ones == 0 || ones == len(y) {
		return 0, fmt.Errorf("%w: %d relevant, %d irrelevant", ErrInsufficientPriors, ones, len(y)-ones)
	}

	X, err := r.featureMatrix(ctx, records)
	if err != nil {
		return 0, err
	}

	var Xt *ml.Matrix
	var yt []int
	err = callModel("balance", func() error {
		var err error
		Xt, yt, err = r.models.Balancer.Sample(X, y, trainIdx)
		return err
	})
	if err != nil {
		return 0, err
	}

	if err := callModel("fit", func() error { return r.models.Classifier.Fit(Xt, yt) }); err != nil {
		return 0, err
	}

	candidates := make([]int, 0, len(records)-len(labeled))
	for i, rec := range records {
		if !isLabeled[rec.RecordID] {
			candidates = append(candidates, i)
		}
	}

	var order []int
	err = callModel("query", func() error {
		var err error
		order, err = r.models.Querier.Rank(X, r.models.Classifier, candidates)
		if err != nil {
			return err
		}
		return checkPermutation(order, candidates)
	})
	if err != nil {
		return 0, err
	}

	ranking := make([]int64, len(order))
	for k, row := range order {
		ranking[k] = records[row].RecordID
	}

	meta := r.models.Meta(len(labeled))
	meta.DecisionWatermark = watermark
	err = r.project.WithActiveLock(ctx, func() error {
		// labels may have changed while we trained
		now, err := r.store.GetLabeled(ctx)
		if err != nil {
			return err
		}
		ranking = reconcile(ranking, records, now)
		return r.store.AddLastRanking(ctx, ranking, meta)
	})
	if err != nil {
		return 0, err
	}
	return len(labeled), nil
}

// reconcile drops records labeled since ranking was computed and appends, in
// record order, those whose label was removed in the meantime.
func reconcile(ranking []int64, records []models.Record, labeled []state.LabeledRecord) []int64 {
	done := make(map[int64]bool, len(labeled))
	for _, l := range labeled {
		done[l.RecordID] = true
	}
	ranked := make(map[int64]bool, len(ranking))
	out := make([]int64, 0, len(ranking))
	for _, id := range ranking {
		ranked[id] = true
		if !done[id] {
			out = append(out, id)
		}
	}
	for _, rec := range records {
		if !done[rec.RecordID] && !ranked[rec.RecordID] {
			out = append(out, rec.RecordID)
		}
	}
	return out
}

func (r *Reviewer) featureMatrix(ctx context.Context, records []models.Record) (*ml.Matrix, error) {
	hash, err := r.project.DatasetHash(ctx)
	if err != nil {
		return nil, err
	}
	key := cache.Key(hash, r.models.Settings.FeatureExtractor)

	X, err := r.features.GetOrBuild(ctx, key, func(ctx context.Context) (*ml.Matrix, error) {
		texts := make([]string, len(records))
		for i, rec := range records {
			texts[i] = rec.Text()
		}
		var X *ml.Matrix
		err := callModel("feature_extraction", func() error {
			var err error
			X, err = r.models.FeatureExtractor.FitTransform(ctx, texts)
			return err
		})
		return X, err
	})
	if err != nil {
		return nil, err
	}
	if X.NRows() != len(records) {
		return nil, &ModelError{Stage: "feature_extraction", Err: fmt.Errorf("feature matrix has %d rows for %d records", X.NRows(), len(records))}
	}
	return X, nil
}

// callModel runs a model capability, turning its errors and panics into a
// *ModelError. Context cancellation is passed through unchanged.
func callModel(stage string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &ModelError{Stage: stage, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	if err := fn(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &ModelError{Stage: stage, Err: err}
	}
	return nil
}

func checkPermutation(order, candidates []int) error {
	if len(order) != len(candidates) {
		return fmt.Errorf("querier returned %d rows for %d candidates", len(order), len(candidates))
	}
	a := append([]int(nil), order...)
	b := append([]int(nil), candidates...)
	sort.Ints(a)
	sort.Ints(b)
	for i := range a {
		if a[i] != b[i] {
			return fmt.Errorf("querier returned row %d which is not a candidate", a[i])
		}
	}
	return nil
}

// Step labels one batch. The first call of a reviewer resumes records left
// pending by an earlier run; later calls take the top of the ranking. It
// returns how many labels were written. When the labeler fails the
// remaining records of the batch stay pending.
func (r *Reviewer) Step(ctx context.Context) (int, error) {
	if err := r.project.CheckHealthy(ctx); err != nil {
		return 0, err
	}

	var batch []int64
	queried := 0
	r.mu.Lock()
	resume := !r.resumed
	r.resumed = true
	r.mu.Unlock()
	err := r.project.WithActiveLock(ctx, func() error {
		var pending []int64
		if resume {
			var err error
			if pending, err = r.store.GetPending(ctx); err != nil {
				return err
			}
		}
		if len(pending) > 0 {
			if len(pending) > r.opts.BatchSize {
				pending = pending[:r.opts.BatchSize]
			}
			batch = pending
			return nil
		}
		var err error
		batch, err = r.store.QueryTopRanked(ctx, r.opts.BatchSize)
		queried = len(batch)
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.RecordsQueried.Add(float64(queried))
	r.setState(StateAwaitingLabels)

	source := labelerSource(r.labeler)
	n := 0
	for _, id := range batch {
		label, err := r.labeler.Label(ctx, id)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				logger.Info("Labeling cancelled, record stays pending", logger.ProjectID(r.project.ID), logger.RecordID(id))
			}
			return n, err
		}

		err = r.project.WithActiveLock(ctx, func() error {
			return r.store.AddLabelingData(ctx, []int64{id}, []int{label}, nil, false)
		})
		if errors.Is(err, state.ErrDuplicateLabel) {
			logger.Warn("Record labeled by another session", logger.ProjectID(r.project.ID), logger.RecordID(id))
			continue
		}
		if err != nil {
			return n, err
		}
		metrics.LabelsTotal.WithLabelValues(source, strconv.Itoa(label)).Inc()
		n++
	}
	return n, nil
}

// Run drives the loop until the pool is exhausted, a stopping rule fires,
// the labeler fails or ctx ends.
func (r *Reviewer) Run(ctx context.Context) error {
	if err := r.project.CheckHealthy(ctx); err != nil {
		return err
	}
	r.setState(StateSeeding)
	if err := r.checkPriors(ctx); err != nil {
		return err
	}
	if err := r.project.SetStatus(ctx, models.StatusReview); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := r.shouldStop(ctx)
		if err != nil {
			return err
		}
		if done {
			return r.finish(ctx)
		}

		retrain, err := r.store.ExistNewLabeledRecords(ctx)
		if err != nil {
			return err
		}
		hasRanking, err := r.store.HasRanking(ctx)
		if err != nil {
			return err
		}

		if retrain || !hasRanking {
			err := r.Train(ctx)
			switch {
			case err == nil:
			case errors.Is(err, lock.ErrNotAcquired) && hasRanking:
				// another process is retraining; keep going on the current ranking
			case errors.Is(err, lock.ErrNotAcquired):
				if err := sleep(ctx, r.opts.BusyRetry); err != nil {
					return err
				}
				continue
			default:
				return err
			}
		}

		n, err := r.Step(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return r.finish(ctx)
		}
	}
}

func (r *Reviewer) shouldStop(ctx context.Context) (bool, error) {
	c, err := r.store.Counts(ctx)
	if err != nil {
		return false, err
	}
	if c.Pool == 0 && c.Pending == 0 {
		return true, nil
	}
	if r.opts.StopWhenRelevant > 0 && c.Relevant >= r.opts.StopWhenRelevant {
		logger.Info("Stopping: relevant target reached", logger.ProjectID(r.project.ID), zap.Int("relevant", c.Relevant))
		return true, nil
	}
	if r.opts.StopAfterIrrelevant > 0 {
		results, err := r.store.GetResultsTable(ctx, state.ResultsFilter{Priors: false, Pending: false})
		if err != nil {
			return false, err
		}
		streak := 0
		for i := len(results) - 1; i >= 0 && *results[i].Label == models.LabelIrrelevant; i-- {
			streak++
		}
		if streak >= r.opts.StopAfterIrrelevant {
			logger.Info("Stopping: irrelevant streak reached", logger.ProjectID(r.project.ID), zap.Int("streak", streak))
			return true, nil
		}
	}
	return false, nil
}

func (r *Reviewer) finish(ctx context.Context) error {
	r.setState(StateFinished)
	logger.Info("Review finished", logger.ProjectID(r.project.ID))
	return r.project.SetStatus(ctx, models.StatusFinished)
}

func labelerSource(l Labeler) string {
	switch l.(type) {
	case *SimulatedLabeler:
		return "simulation"
	case *OracleLabeler:
		return "oracle"
	default:
		return "custom"
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

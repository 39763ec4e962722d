package review

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/activescreen/backend/internal/lock"
	"github.com/activescreen/backend/internal/ml"
	"github.com/activescreen/backend/internal/ml/builtin"
	"github.com/activescreen/backend/internal/ml/classifiers"
	"github.com/activescreen/backend/internal/project"
	"github.com/activescreen/backend/internal/state"
	"github.com/activescreen/backend/internal/storage/models"
)

var topics = []string{
	"active learning for systematic review screening",
	"garlic bread and tomato soup recipes",
	"slow cooked lamb shoulder with rosemary",
	"chocolate cake baking temperature",
	"machine learning models rank abstracts for screening",
	"classifier trained on labeled abstracts in systematic reviews",
	"pickled vegetables for the winter",
	"sourdough starter feeding schedule",
}

func labeledRecords(truth []int) []models.Record {
	out := make([]models.Record, len(truth))
	for i, label := range truth {
		l := label
		out[i] = models.Record{
			RecordID: int64(i),
			Title:    fmt.Sprintf("record %d", i),
			Abstract: topics[i%len(topics)],
			Included: &l,
		}
	}
	return out
}

func defaultSettings() models.Settings {
	return models.Settings{
		Classifier:       models.ModelSpec{Name: "nb"},
		Querier:          models.ModelSpec{Name: "max"},
		Balancer:         models.ModelSpec{Name: "double"},
		FeatureExtractor: models.ModelSpec{Name: "tfidf"},
	}
}

func newTestProject(t *testing.T, truth []int, settings models.Settings) (*project.Manager, *project.Project) {
	t.Helper()
	m := project.NewManager(t.TempDir(), project.Options{Locks: project.LockOptions{
		PollInterval:     5 * time.Millisecond,
		ActiveTimeout:    2 * time.Second,
		ActiveStaleAfter: time.Minute,
	}})
	p, err := m.Create(context.Background(), "test", labeledRecords(truth), settings)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return m, p
}

func requirePartition(t *testing.T, s *state.Store) {
	t.Helper()
	ctx := context.Background()
	all, err := s.GetRecordTable(ctx)
	require.NoError(t, err)
	pool, err := s.GetPool(ctx)
	require.NoError(t, err)
	pending, err := s.GetPending(ctx)
	require.NoError(t, err)
	labeled, err := s.GetLabeled(ctx)
	require.NoError(t, err)

	seen := make(map[int64]int)
	for _, id := range pool {
		seen[id]++
	}
	for _, id := range pending {
		seen[id]++
	}
	for _, l := range labeled {
		seen[l.RecordID]++
	}
	require.Len(t, seen, len(all))
	for _, id := range all {
		require.Equal(t, 1, seen[id], "record %d", id)
	}
}

func TestSimulationConsumesWholePool(t *testing.T) {
	ctx := context.Background()
	_, p := newTestProject(t, []int{1, 0, 0, 0, 1, 1}, defaultSettings())

	err := Simulate(ctx, p, builtin.Registry(nil), nil, SimulateOptions{
		Prior:   Prior{Included: []int64{0}, Excluded: []int64{1}},
		Options: Options{BatchSize: 1},
	})
	require.NoError(t, err)

	results, err := p.Store().GetResultsTable(ctx, state.AllResults)
	require.NoError(t, err)
	require.Len(t, results, 6)
	for _, r := range results {
		require.NotNil(t, r.Label, "record %d", r.RecordID)
	}

	nonPrior, err := p.Store().GetResultsTable(ctx, state.ResultsFilter{Priors: false, Pending: true})
	require.NoError(t, err)
	require.Len(t, nonPrior, 4)
	for _, r := range nonPrior {
		require.Equal(t, "nb", r.Meta.Classifier)
		require.GreaterOrEqual(t, r.Meta.TrainingSet, 2)
	}

	st, err := p.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, models.StatusFinished, st.Status)
	requirePartition(t, p.Store())
}

func TestSimulationWithSampledPriorsAndBatches(t *testing.T) {
	ctx := context.Background()
	truth := []int{1, 0, 0, 1, 1, 0, 0, 0, 1, 0}
	_, p := newTestProject(t, truth, defaultSettings())

	err := Simulate(ctx, p, builtin.Registry(nil), nil, SimulateOptions{
		NPriorIncluded: 1,
		NPriorExcluded: 2,
		Seed:           42,
		Options:        Options{BatchSize: 3},
	})
	require.NoError(t, err)

	labeled, err := p.Store().GetLabeled(ctx)
	require.NoError(t, err)
	require.Len(t, labeled, len(truth))
	for _, l := range labeled {
		require.Equal(t, truth[l.RecordID], l.Label)
	}
}

func TestSeedRequiresBothClasses(t *testing.T) {
	ctx := context.Background()
	_, p := newTestProject(t, []int{1, 0, 1}, defaultSettings())

	r, err := New(ctx, p, builtin.Registry(nil), nil, NewSimulatedLabeler(nil), Options{})
	require.NoError(t, err)

	err = r.Seed(ctx, Prior{Included: []int64{0, 2}})
	require.ErrorIs(t, err, ErrInsufficientPriors)

	require.ErrorIs(t, r.Run(ctx), ErrInsufficientPriors)

	require.NoError(t, r.Seed(ctx, Prior{Excluded: []int64{1}}))
	st, err := p.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, models.StatusReview, st.Status)
}

func TestSamplePriors(t *testing.T) {
	records := labeledRecords([]int{1, 0, 0, 1, 0})

	a, err := SamplePriors(records, 1, 2, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	b, err := SamplePriors(records, 1, 2, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a.Included, 1)
	require.Len(t, a.Excluded, 2)
	for _, id := range a.Included {
		require.Equal(t, 1, *records[id].Included)
	}
	for _, id := range a.Excluded {
		require.Equal(t, 0, *records[id].Included)
	}

	_, err = SamplePriors(records, 3, 1, rand.New(rand.NewSource(7)))
	require.ErrorIs(t, err, ErrInsufficientPriors)
	_, err = SamplePriors(records, 0, 1, rand.New(rand.NewSource(7)))
	require.ErrorIs(t, err, ErrInsufficientPriors)
}

func TestTrainIsBusyWhileAnotherTrainingRuns(t *testing.T) {
	ctx := context.Background()
	m, p := newTestProject(t, []int{1, 0, 1, 0}, defaultSettings())

	r, err := New(ctx, p, builtin.Registry(nil), nil, NewSimulatedLabeler(nil), Options{})
	require.NoError(t, err)
	require.NoError(t, r.Seed(ctx, Prior{Included: []int64{0}, Excluded: []int64{1}}))

	other, err := m.Open(ctx, "test")
	require.NoError(t, err)
	defer other.Close()
	release, err := other.TryTrainingLock(ctx)
	require.NoError(t, err)

	started := time.Now()
	err = r.Train(ctx)
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	require.Less(t, time.Since(started), time.Second, "busy is reported at once")

	has, err := p.Store().HasRanking(ctx)
	require.NoError(t, err)
	require.False(t, has)

	release()
	require.NoError(t, r.Train(ctx))
	require.Equal(t, StateRanked, r.State())

	ranking, err := p.Store().GetLastRanking(ctx)
	require.NoError(t, err)
	require.Len(t, ranking, 2)
	require.Equal(t, 2, ranking[0].Meta.TrainingSet)

	retrain, err := p.Store().ExistNewLabeledRecords(ctx)
	require.NoError(t, err)
	require.False(t, retrain)
}

// hookedClassifier runs duringFit before fitting the wrapped classifier.
type hookedClassifier struct {
	ml.Classifier
	duringFit func()
}

func (h hookedClassifier) Fit(X *ml.Matrix, y []int) error {
	h.duringFit()
	return h.Classifier.Fit(X, y)
}

func TestCorrectionDuringFitWarrantsRetraining(t *testing.T) {
	ctx := context.Background()
	settings := defaultSettings()
	settings.Classifier = models.ModelSpec{Name: "hooked"}
	_, p := newTestProject(t, []int{1, 0, 1, 0, 1}, settings)

	reg := builtin.Registry(nil)
	reg.RegisterClassifier("hooked", func(params map[string]any) (ml.Classifier, error) {
		nb, err := classifiers.NewNaiveBayes(params)
		return hookedClassifier{Classifier: nb, duringFit: func() {
			require.NoError(t, p.Store().Update(ctx, 3, 1, nil))
		}}, err
	})

	r, err := New(ctx, p, reg, nil, NewSimulatedLabeler(nil), Options{})
	require.NoError(t, err)
	require.NoError(t, r.Seed(ctx, Prior{Included: []int64{0}, Excluded: []int64{1, 3}}))
	require.NoError(t, r.Train(ctx))

	changes, err := p.Store().GetDecisionChanges(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)

	retrain, err := p.Store().ExistNewLabeledRecords(ctx)
	require.NoError(t, err)
	require.True(t, retrain, "the ranking was fitted on the label before the correction")
}

type brokenClassifier struct {
	panics bool
}

func (brokenClassifier) Name() string { return "broken" }

func (b brokenClassifier) Fit(*ml.Matrix, []int) error {
	if b.panics {
		var m map[string]int
		m["boom"]++
	}
	return errors.New("singular matrix")
}

func (brokenClassifier) PredictProba(X *ml.Matrix) ([]float64, error) {
	return make([]float64, X.NRows()), nil
}

func brokenRegistry() *ml.Registry {
	reg := builtin.Registry(nil)
	reg.RegisterClassifier("broken", func(params map[string]any) (ml.Classifier, error) {
		panics, err := ml.ParamInt(params, "panics", 0)
		return brokenClassifier{panics: panics == 1}, err
	})
	return reg
}

func TestModelFailureIsPersistedAndNotRetried(t *testing.T) {
	for _, panics := range []bool{false, true} {
		t.Run(fmt.Sprintf("panics=%v", panics), func(t *testing.T) {
			ctx := context.Background()
			settings := defaultSettings()
			settings.Classifier = models.ModelSpec{Name: "broken"}
			if panics {
				settings.Classifier.Params = map[string]any{"panics": 1.0}
			}
			_, p := newTestProject(t, []int{1, 0, 1}, settings)

			r, err := New(ctx, p, brokenRegistry(), nil, NewSimulatedLabeler(nil), Options{})
			require.NoError(t, err)
			require.NoError(t, r.Seed(ctx, Prior{Included: []int64{0}, Excluded: []int64{1}}))

			err = r.Train(ctx)
			var me *ModelError
			require.ErrorAs(t, err, &me)
			require.Equal(t, "fit", me.Stage)
			require.Equal(t, StateFailed, r.State())

			st, err := p.Status(ctx)
			require.NoError(t, err)
			require.Equal(t, models.StatusError, st.Status)
			require.Contains(t, st.Error, "fit")
			require.NotNil(t, st.ErrorTime)

			require.ErrorIs(t, r.Train(ctx), project.ErrProjectFailed)
			require.ErrorIs(t, r.Run(ctx), project.ErrProjectFailed)
			_, err = r.Step(ctx)
			require.ErrorIs(t, err, project.ErrProjectFailed)

			training, err := p.IsTraining(ctx)
			require.NoError(t, err)
			require.False(t, training, "training lock released after failure")
		})
	}
}

func TestOracleCancelKeepsRecordPending(t *testing.T) {
	ctx := context.Background()
	_, p := newTestProject(t, []int{1, 0, 1, 0}, defaultSettings())

	oracle := NewOracleLabeler()
	r, err := New(ctx, p, builtin.Registry(nil), nil, oracle, Options{BatchSize: 1})
	require.NoError(t, err)
	require.NoError(t, r.Seed(ctx, Prior{Included: []int64{0}, Excluded: []int64{1}}))
	require.NoError(t, r.Train(ctx))

	type stepResult struct {
		n   int
		err error
	}
	done := make(chan stepResult, 1)
	go func() {
		n, err := r.Step(ctx)
		done <- stepResult{n, err}
	}()

	asked := <-oracle.Questions()
	require.ErrorIs(t, oracle.Decide(99, 1), ErrNotAsked)
	require.NoError(t, oracle.Cancel(asked))

	res := <-done
	require.ErrorIs(t, res.err, ErrCancelled)
	require.Zero(t, res.n)

	pending, err := p.Store().GetPending(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{asked}, pending)
	requirePartition(t, p.Store())

	// a new reviewer resumes the pending record before querying more
	r2, err := New(ctx, p, builtin.Registry(nil), nil, oracle, Options{BatchSize: 1})
	require.NoError(t, err)
	go func() {
		n, err := r2.Step(ctx)
		done <- stepResult{n, err}
	}()
	require.Equal(t, asked, <-oracle.Questions())
	require.NoError(t, oracle.Decide(asked, 1))
	res = <-done
	require.NoError(t, res.err)
	require.Equal(t, 1, res.n)

	result, err := p.Store().GetResultsRecord(ctx, asked)
	require.NoError(t, err)
	require.Equal(t, 1, *result.Label)
	require.NotNil(t, result.Meta, "pending row keeps its model columns")
}

func TestOracleLabelHonoursContext(t *testing.T) {
	oracle := NewOracleLabeler()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := oracle.Label(ctx, 3)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, oracle.Cancel(3), ErrNotAsked)
}

func TestRunStopsAfterIrrelevantStreak(t *testing.T) {
	ctx := context.Background()
	_, p := newTestProject(t, []int{1, 0, 0, 0, 0, 0, 0, 0}, defaultSettings())

	err := Simulate(ctx, p, builtin.Registry(nil), nil, SimulateOptions{
		Prior:   Prior{Included: []int64{0}, Excluded: []int64{1}},
		Options: Options{BatchSize: 1, StopAfterIrrelevant: 2},
	})
	require.NoError(t, err)

	c, err := p.Store().Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, c.Labeled)
	require.Equal(t, 4, c.Pool)

	st, err := p.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, models.StatusFinished, st.Status)
}

func TestRunStopsWhenRelevantTargetReached(t *testing.T) {
	ctx := context.Background()
	_, p := newTestProject(t, []int{1, 0, 0, 0, 1, 0}, defaultSettings())

	err := Simulate(ctx, p, builtin.Registry(nil), nil, SimulateOptions{
		Prior:   Prior{Included: []int64{0}, Excluded: []int64{1}},
		Options: Options{BatchSize: 1, StopWhenRelevant: 2},
	})
	require.NoError(t, err)

	c, err := p.Store().Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, c.Relevant)
	require.Less(t, c.Labeled, 6)
}

func TestReconcile(t *testing.T) {
	records := labeledRecords([]int{1, 0, 1, 0, 1})
	labeled := []state.LabeledRecord{{RecordID: 0, Label: 1}, {RecordID: 3, Label: 0}}

	// 3 was labeled during training; 1 lost its label
	got := reconcile([]int64{4, 3, 2}, records, labeled)
	require.Equal(t, []int64{4, 2, 1}, got)
}

func TestCheckPermutation(t *testing.T) {
	require.NoError(t, checkPermutation([]int{3, 1, 2}, []int{1, 2, 3}))
	require.Error(t, checkPermutation([]int{1, 1, 2}, []int{1, 2, 3}))
	require.Error(t, checkPermutation([]int{1, 2}, []int{1, 2, 3}))
}

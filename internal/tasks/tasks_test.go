package tasks

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/activescreen/backend/internal/ml/builtin"
	"github.com/activescreen/backend/internal/project"
	"github.com/activescreen/backend/internal/review"
	"github.com/activescreen/backend/internal/storage/models"
)

func newTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "tasks.db"), time.Second, opts)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestPublishDeduplicatesByID(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	ok, err := EnqueueTrain(ctx, q, "p1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = EnqueueTrain(ctx, q, "p1")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = q.Publish(ctx, Task{ProjectID: "p2", Kind: KindTrain})
	require.NoError(t, err)
	require.True(t, ok)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestClaimHidesUntilVisibilityExpires(t *testing.T) {
	q := newTestQueue(t, Options{Visibility: time.Minute})
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	q.now = c.Now
	ctx := context.Background()

	_, err := EnqueueTrain(ctx, q, "p1")
	require.NoError(t, err)

	task, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, "train:p1", task.ID)
	require.Equal(t, "p1", task.ProjectID)
	require.Equal(t, 1, task.Attempts)

	again, err := q.Claim(ctx)
	require.NoError(t, err)
	require.Nil(t, again, "claimed task is invisible")

	c.Advance(2 * time.Minute)
	again, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, 2, again.Attempts)

	require.NoError(t, q.Ack(ctx, again.ID))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestNackWithDelayAndExtend(t *testing.T) {
	q := newTestQueue(t, Options{Visibility: time.Minute})
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	q.now = c.Now
	ctx := context.Background()

	_, err := EnqueueTrain(ctx, q, "p1")
	require.NoError(t, err)
	task, err := q.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Nack(ctx, task.ID, 10*time.Second))
	got, err := q.Claim(ctx)
	require.NoError(t, err)
	require.Nil(t, got)

	c.Advance(11 * time.Second)
	got, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, q.Extend(ctx, got.ID, 10*time.Minute))
	c.Advance(2 * time.Minute)
	again, err := q.Claim(ctx)
	require.NoError(t, err)
	require.Nil(t, again, "extended task stays hidden past the visibility")

	require.NoError(t, q.Nack(ctx, got.ID, 0))
	again, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)

	stored, err := q.Get(ctx, got.ID)
	require.NoError(t, err)
	require.Equal(t, 3, stored.Attempts)
}

func TestRunHandlesEveryTaskAndDiscardsAfterMaxAttempts(t *testing.T) {
	q := newTestQueue(t, Options{PollInterval: 5 * time.Millisecond, MaxAttempts: 2, Concurrency: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Publish(ctx, Task{ID: id, ProjectID: id, Kind: "noop"})
		require.NoError(t, err)
	}
	_, err := q.Publish(ctx, Task{ID: "flaky", ProjectID: "x", Kind: "noop"})
	require.NoError(t, err)

	var handled, flaky atomic.Int32
	done := make(chan struct{})
	go func() {
		q.Run(ctx, func(_ context.Context, task *Task) Outcome {
			if task.ID == "flaky" {
				flaky.Add(1)
				return RetryAfter(0, "retry")
			}
			handled.Add(1)
			return Done
		})
		close(done)
	}()

	require.Eventually(t, func() bool {
		n, err := q.Len(context.Background())
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	require.EqualValues(t, 3, handled.Load())
	require.EqualValues(t, 2, flaky.Load())
}

type workerFixture struct {
	queue    *Queue
	projects *project.Manager
	worker   *Worker
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	q := newTestQueue(t, Options{})
	m := project.NewManager(t.TempDir(), project.Options{Locks: project.LockOptions{
		PollInterval:  5 * time.Millisecond,
		ActiveTimeout: time.Second,
	}})
	w := NewWorker(q, m, builtin.Registry(nil), nil, WorkerOptions{BusyDelay: time.Minute})
	return &workerFixture{queue: q, projects: m, worker: w}
}

func (f *workerFixture) createSeeded(t *testing.T, id string, classifier string) *project.Project {
	t.Helper()
	ctx := context.Background()
	one, zero := 1, 0
	records := []models.Record{
		{RecordID: 10, Title: "active learning", Abstract: "screening abstracts", Included: &one},
		{RecordID: 11, Title: "bread", Abstract: "garlic recipes", Included: &zero},
		{RecordID: 12, Title: "learning", Abstract: "screening models", Included: &one},
	}
	settings := models.Settings{
		Classifier:       models.ModelSpec{Name: classifier},
		Querier:          models.ModelSpec{Name: "max"},
		Balancer:         models.ModelSpec{Name: "simple"},
		FeatureExtractor: models.ModelSpec{Name: "tfidf"},
	}
	p, err := f.projects.Create(ctx, id, records, settings)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	r, err := review.New(ctx, p, builtin.Registry(nil), nil, nil, review.Options{})
	require.NoError(t, err)
	require.NoError(t, r.Seed(ctx, review.Prior{Included: []int64{10}, Excluded: []int64{11}}))
	return p
}

func TestWorkerTrainsProject(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	p := f.createSeeded(t, "p1", "nb")

	_, err := EnqueueTrain(ctx, f.queue, "p1")
	require.NoError(t, err)
	task, err := f.queue.Claim(ctx)
	require.NoError(t, err)

	out := f.worker.Handle(ctx, task)
	require.Equal(t, Done, out)

	ranking, err := p.Store().GetLastRanking(ctx)
	require.NoError(t, err)
	require.Len(t, ranking, 1)
	require.Equal(t, int64(12), ranking[0].RecordID)
	require.Equal(t, 2, ranking[0].Meta.TrainingSet)
}

func TestWorkerRetriesWhenProjectBusy(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	p := f.createSeeded(t, "p1", "nb")

	release, err := p.TryTrainingLock(ctx)
	require.NoError(t, err)
	defer release()

	out := f.worker.Handle(ctx, &Task{ID: TrainTaskID("p1"), ProjectID: "p1", Kind: KindTrain})
	require.True(t, out.Retry)
	require.Equal(t, time.Minute, out.RetryAfter)
	require.Equal(t, "busy", out.Label)
}

func TestWorkerDropsTasksThatCannotSucceed(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	out := f.worker.Handle(ctx, &Task{ID: TrainTaskID("missing"), ProjectID: "missing", Kind: KindTrain})
	require.False(t, out.Retry)
	require.Equal(t, "not_found", out.Label)

	out = f.worker.Handle(ctx, &Task{ID: "x", ProjectID: "missing", Kind: "reindex"})
	require.False(t, out.Retry)
	require.Equal(t, "unknown_kind", out.Label)

	p := f.createSeeded(t, "p1", "nb")
	require.NoError(t, p.Fail(ctx, assertErr("classifier diverged")))
	out = f.worker.Handle(ctx, &Task{ID: TrainTaskID("p1"), ProjectID: "p1", Kind: KindTrain})
	require.False(t, out.Retry)
	require.Equal(t, "project_failed", out.Label)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

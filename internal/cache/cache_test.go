package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activescreen/backend/internal/ml"
	"github.com/activescreen/backend/internal/storage/models"
)

func matrix(v float64) *ml.Matrix {
	return ml.NewDense([][]float64{{v}})
}

func TestKeyDependsOnExtractorParams(t *testing.T) {
	a := Key("abc", models.ModelSpec{Name: "tfidf"})
	b := Key("abc", models.ModelSpec{Name: "tfidf", Params: map[string]any{"ngram_max": 2.0}})
	c := Key("def", models.ModelSpec{Name: "tfidf"})
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, Key("abc", models.ModelSpec{Name: "tfidf", Params: map[string]any{}}))
}

func TestMemoryBuildsOncePerKey(t *testing.T) {
	m := NewMemory(time.Hour)
	var builds int32
	release := make(chan struct{})

	build := func(context.Context) (*ml.Matrix, error) {
		atomic.AddInt32(&builds, 1)
		<-release
		return matrix(1), nil
	}

	var wg sync.WaitGroup
	results := make([]*ml.Matrix, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := m.GetOrBuild(context.Background(), "k", build)
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&builds))
	for _, r := range results {
		require.Same(t, results[0], r)
	}

	_, err := m.GetOrBuild(context.Background(), "k", build)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&builds), "hit does not rebuild")
}

func TestMemoryBuildErrorIsNotCached(t *testing.T) {
	m := NewMemory(0)
	boom := errors.New("boom")

	_, err := m.GetOrBuild(context.Background(), "k", func(context.Context) (*ml.Matrix, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, m.Len())

	got, err := m.GetOrBuild(context.Background(), "k", func(context.Context) (*ml.Matrix, error) { return matrix(2), nil })
	require.NoError(t, err)
	require.Equal(t, 2.0, got.Rows[0].Values[0])
}

func TestMemoryExpiryAndEviction(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewMemory(time.Minute, WithMaxEntries(2))
	m.now = func() time.Time { return now }

	m.Set("a", matrix(1))
	now = now.Add(time.Second)
	m.Set("b", matrix(2))
	now = now.Add(time.Second)
	_, ok := m.Get("a")
	require.True(t, ok)

	now = now.Add(time.Second)
	m.Set("c", matrix(3))
	_, ok = m.Get("b")
	require.False(t, ok, "least recently used entry is evicted")
	require.Equal(t, 2, m.Len())

	now = now.Add(2 * time.Minute)
	_, ok = m.Get("a")
	require.False(t, ok, "expired")
}

type fakeRemote struct {
	mu      sync.Mutex
	data    map[string]*ml.Matrix
	getErr  error
	setKeys []string
}

func (f *fakeRemote) GetMatrix(_ context.Context, key string) (*ml.Matrix, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	m, ok := f.data[key]
	return m, ok, nil
}

func (f *fakeRemote) SetMatrix(_ context.Context, key string, m *ml.Matrix, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = m
	f.setKeys = append(f.setKeys, key)
	return nil
}

func (f *fakeRemote) DeleteMatrix(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func TestLayeredUsesRemoteBeforeBuilding(t *testing.T) {
	remote := &fakeRemote{data: map[string]*ml.Matrix{"k": matrix(7)}}
	l := NewLayered(NewMemory(time.Hour), remote, time.Hour)

	got, err := l.GetOrBuild(context.Background(), "k", func(context.Context) (*ml.Matrix, error) {
		t.Fatal("must not build on a remote hit")
		return nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7.0, got.Rows[0].Values[0])

	got, err = l.GetOrBuild(context.Background(), "other", func(context.Context) (*ml.Matrix, error) { return matrix(3), nil })
	require.NoError(t, err)
	require.Equal(t, 3.0, got.Rows[0].Values[0])
	require.Equal(t, []string{"other"}, remote.setKeys)

	require.NoError(t, l.Invalidate(context.Background(), "other"))
	_, ok, _ := remote.GetMatrix(context.Background(), "other")
	require.False(t, ok)
}

func TestLayeredSurvivesRemoteFailure(t *testing.T) {
	remote := &fakeRemote{data: map[string]*ml.Matrix{}, getErr: errors.New("connection refused")}
	l := NewLayered(NewMemory(time.Hour), remote, time.Hour)

	got, err := l.GetOrBuild(context.Background(), "k", func(context.Context) (*ml.Matrix, error) { return matrix(5), nil })
	require.NoError(t, err)
	require.Equal(t, 5.0, got.Rows[0].Values[0])
}

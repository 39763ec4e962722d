package queriers

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/activescreen/backend/internal/ml"
)

// fixedClassifier scores row i with the first feature of the row.
type fixedClassifier struct{}

func (fixedClassifier) Name() string                { return "fixed" }
func (fixedClassifier) Fit(*ml.Matrix, []int) error { return nil }
func (fixedClassifier) PredictProba(X *ml.Matrix) ([]float64, error) {
	out := make([]float64, X.NRows())
	for i, row := range X.Rows {
		if len(row.Values) > 0 {
			out[i] = row.Values[0]
		}
	}
	return out, nil
}

func scores(values ...float64) *ml.Matrix {
	rows := make([][]float64, len(values))
	for i, v := range values {
		rows[i] = []float64{v}
	}
	return ml.NewDense(rows)
}

func TestMaxRanksByScoreThenRowIndex(t *testing.T) {
	X := scores(0.2, 0.9, 0.5, 0.9, 0.1)

	got, err := Max{}.Rank(X, fixedClassifier{}, []int{0, 1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, []int{1, 3, 2, 0, 4}, got)

	got, err = Max{}.Rank(X, fixedClassifier{}, []int{4, 3, 0})
	require.NoError(t, err)
	require.Equal(t, []int{3, 0, 4}, got)
}

func TestUncertaintyPrefersBoundary(t *testing.T) {
	X := scores(0.95, 0.5, 0.4, 0.05)
	got, err := Uncertainty{}.Rank(X, fixedClassifier{}, []int{0, 1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 0, 3}, got)
}

func TestRankersReturnPermutations(t *testing.T) {
	X := scores(0.3, 0.7, 0.7, 0.1, 0.9, 0.4, 0.6)
	candidates := []int{6, 0, 2, 4, 5}

	for _, name := range []string{"max", "uncertainty", "random", "max_random"} {
		t.Run(name, func(t *testing.T) {
			var q ml.Querier
			var err error
			switch name {
			case "max":
				q, err = NewMax(nil)
			case "uncertainty":
				q, err = NewUncertainty(nil)
			case "random":
				q, err = NewRandom(map[string]any{"seed": 7.0})
			case "max_random":
				q, err = NewMaxRandom(map[string]any{"mix_ratio": 0.5})
			}
			require.NoError(t, err)
			require.Equal(t, name, q.Name())

			got, err := q.Rank(X, fixedClassifier{}, candidates)
			require.NoError(t, err)

			sortedGot := append([]int(nil), got...)
			sort.Ints(sortedGot)
			want := append([]int(nil), candidates...)
			sort.Ints(want)
			require.Equal(t, want, sortedGot)
		})
	}
}

func TestRandomIsSeeded(t *testing.T) {
	candidates := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	a, _ := NewRandom(map[string]any{"seed": 42.0})
	b, _ := NewRandom(map[string]any{"seed": 42.0})

	ra, err := a.Rank(nil, nil, candidates)
	require.NoError(t, err)
	rb, err := b.Rank(nil, nil, []int{9, 8, 7, 6, 5, 4, 3, 2, 1, 0})
	require.NoError(t, err)
	require.Equal(t, ra, rb, "same seed and candidate set give the same order")
}

func TestMaxRandomFullRatioIsMax(t *testing.T) {
	X := scores(0.3, 0.8, 0.6)
	q, err := NewMaxRandom(map[string]any{"mix_ratio": 1.0})
	require.NoError(t, err)
	got, err := q.Rank(X, fixedClassifier{}, []int{0, 1, 2})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 0}, got)

	_, err = NewMaxRandom(map[string]any{"mix_ratio": 1.5})
	require.Error(t, err)
}

func TestMaxRequiresClassifier(t *testing.T) {
	_, err := Max{}.Rank(scores(0.1), nil, []int{0})
	require.Error(t, err)
}

package balancers

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/activescreen/backend/internal/ml"
)

func identityRows(n int) *ml.Matrix {
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = []float64{float64(i + 1)}
	}
	return ml.NewDense(rows)
}

func count(y []int, label int) int {
	n := 0
	for _, l := range y {
		if l == label {
			n++
		}
	}
	return n
}

func TestSimpleKeepsTrainingRows(t *testing.T) {
	X := identityRows(5)
	sub, y, err := Simple{}.Sample(X, []int{1, 0, 0}, []int{4, 0, 2})
	require.NoError(t, err)
	require.Equal(t, []int{1, 0, 0}, y)
	require.Equal(t, 3, sub.NRows())
	require.Equal(t, 5.0, sub.Rows[0].Values[0])
}

func TestSimpleRejectsMisalignedInput(t *testing.T) {
	_, _, err := Simple{}.Sample(identityRows(3), []int{1}, []int{0, 1})
	require.Error(t, err)
}

func TestDoubleOversamplesRelevant(t *testing.T) {
	X := identityRows(20)
	train := make([]int, 20)
	labels := make([]int, 20)
	for i := range train {
		train[i] = i
	}
	labels[3], labels[11] = 1, 1

	b, err := NewDouble(nil)
	require.NoError(t, err)
	sub, y, err := b.Sample(X, labels, train)
	require.NoError(t, err)
	require.Equal(t, sub.NRows(), len(y))

	ones, zeros := count(y, 1), count(y, 0)
	require.Greater(t, ones, 2, "relevant rows are oversampled")
	require.LessOrEqual(t, zeros, 18)
	require.GreaterOrEqual(t, zeros, 1)
}

func TestDoubleSingleClassFallsBackToSimple(t *testing.T) {
	b, err := NewDouble(nil)
	require.NoError(t, err)
	_, y, err := b.Sample(identityRows(3), []int{0, 0}, []int{0, 2})
	require.NoError(t, err)
	require.Equal(t, []int{0, 0}, y)
}

func TestUndersampleRatio(t *testing.T) {
	X := identityRows(10)
	train := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	labels := []int{1, 0, 0, 0, 0, 0, 0, 1, 0, 0}

	b, err := NewUndersample(map[string]any{"ratio": 2.0})
	require.NoError(t, err)
	sub, y, err := b.Sample(X, labels, train)
	require.NoError(t, err)
	require.Equal(t, 2, count(y, 1))
	require.Equal(t, 4, count(y, 0))
	require.Equal(t, 6, sub.NRows())

	_, err = NewUndersample(map[string]any{"ratio": -1.0})
	require.Error(t, err)
}

func TestSamplingIsDeterministicPerSeed(t *testing.T) {
	X := identityRows(30)
	train := make([]int, 30)
	labels := make([]int, 30)
	for i := range train {
		train[i] = i
	}
	labels[0] = 1

	a, _ := NewUndersample(map[string]any{"ratio": 3.0, "seed": 9.0})
	b, _ := NewUndersample(map[string]any{"ratio": 3.0, "seed": 9.0})
	sa, _, err := a.Sample(X, labels, train)
	require.NoError(t, err)
	sb, _, err := b.Sample(X, labels, train)
	require.NoError(t, err)
	require.Equal(t, sa.Rows, sb.Rows)
}

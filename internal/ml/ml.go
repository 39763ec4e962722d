// Package ml defines the four capability interfaces the review cycle calls
// through, a sparse feature matrix, and a registry that resolves the model
// names stored in a project's settings into concrete implementations.
package ml

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnknownModel = errors.New("unknown model")
	// ErrSingleClass is returned by Fit when the training labels do not
	// contain both classes.
	ErrSingleClass = errors.New("training data contains a single class")
)

// FeatureExtractor turns record texts into a feature matrix with one row per
// text. For a given dataset the result must be stable across calls.
type FeatureExtractor interface {
	Name() string
	FitTransform(ctx context.Context, texts []string) (*Matrix, error)
}

type Classifier interface {
	Name() string
	Fit(X *Matrix, y []int) error
	// PredictProba returns the probability of relevance for every row of X.
	PredictProba(X *Matrix) ([]float64, error)
}

// Querier orders the candidate rows of X, most wanted first. The result is a
// permutation of candidates.
type Querier interface {
	Name() string
	Rank(X *Matrix, clf Classifier, candidates []int) ([]int, error)
}

// Balancer builds the training set from the labeled rows. labels is aligned
// with trainIdx.
type Balancer interface {
	Name() string
	Sample(X *Matrix, labels []int, trainIdx []int) (*Matrix, []int, error)
}

// CheckLabels validates a training label vector.
func CheckLabels(X *Matrix, y []int) error {
	if X.NRows() != len(y) {
		return fmt.Errorf("%d rows but %d labels", X.NRows(), len(y))
	}
	var ones, zeros int
	for _, l := range y {
		switch l {
		case 0:
			zeros++
		case 1:
			ones++
		default:
			return fmt.Errorf("invalid label %d", l)
		}
	}
	if ones == 0 || zeros == 0 {
		return fmt.Errorf("%w: %d relevant, %d irrelevant", ErrSingleClass, ones, zeros)
	}
	return nil
}

// Package classifiers implements the relevance classifiers available to a
// review: multinomial naive Bayes and logistic regression.
package classifiers

import (
	"errors"
	"fmt"
	"math"

	"github.com/activescreen/backend/internal/ml"
)

const DefaultNBAlpha = 3.822

var errNotFitted = errors.New("classifier is not fitted")

// NaiveBayes is a multinomial naive Bayes classifier over non-negative
// features such as tf-idf weights.
type NaiveBayes struct {
	alpha float64

	logPrior [2]float64
	logProb  [2][]float64
	fitted   bool
}

func NewNaiveBayes(params map[string]any) (ml.Classifier, error) {
	alpha, err := ml.ParamFloat(params, "alpha", DefaultNBAlpha)
	if err != nil {
		return nil, err
	}
	if alpha <= 0 {
		return nil, fmt.Errorf("alpha must be positive, got %v", alpha)
	}
	return &NaiveBayes{alpha: alpha}, nil
}

func (c *NaiveBayes) Name() string { return "nb" }

func (c *NaiveBayes) Fit(X *ml.Matrix, y []int) error {
	if err := ml.CheckLabels(X, y); err != nil {
		return err
	}

	var counts [2][]float64
	var totals [2]float64
	var docs [2]int
	for k := range counts {
		counts[k] = make([]float64, X.Cols)
	}

	for i, row := range X.Rows {
		k := y[i]
		docs[k]++
		for n, j := range row.Indices {
			v := row.Values[n]
			if v < 0 {
				return fmt.Errorf("nb requires non-negative features, row %d column %d is %v", i, j, v)
			}
			counts[k][j] += v
			totals[k] += v
		}
	}

	for k := 0; k < 2; k++ {
		c.logPrior[k] = math.Log(float64(docs[k]) / float64(len(y)))
		c.logProb[k] = make([]float64, X.Cols)
		denom := math.Log(totals[k] + c.alpha*float64(X.Cols))
		for j := range counts[k] {
			c.logProb[k][j] = math.Log(counts[k][j]+c.alpha) - denom
		}
	}
	c.fitted = true
	return nil
}

func (c *NaiveBayes) PredictProba(X *ml.Matrix) ([]float64, error) {
	if !c.fitted {
		return nil, errNotFitted
	}
	proba := make([]float64, X.NRows())
	for i, row := range X.Rows {
		var jll [2]float64
		for k := 0; k < 2; k++ {
			jll[k] = c.logPrior[k] + row.Dot(c.logProb[k])
		}
		proba[i] = sigmoid(jll[1] - jll[0])
	}
	return proba, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

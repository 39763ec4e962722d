package classifiers

import (
	"fmt"

	"github.com/activescreen/backend/internal/ml"
)

// Logistic is an L2 regularised logistic regression fitted by full-batch
// gradient descent. Classes are weighted inversely to their frequency.
type Logistic struct {
	learningRate float64
	epochs       int
	l2           float64

	weights []float64
	bias    float64
	fitted  bool
}

func NewLogistic(params map[string]any) (ml.Classifier, error) {
	lr, err := ml.ParamFloat(params, "learning_rate", 0.5)
	if err != nil {
		return nil, err
	}
	epochs, err := ml.ParamInt(params, "epochs", 200)
	if err != nil {
		return nil, err
	}
	l2, err := ml.ParamFloat(params, "l2", 1e-4)
	if err != nil {
		return nil, err
	}
	if lr <= 0 || epochs <= 0 || l2 < 0 {
		return nil, fmt.Errorf("invalid parameters: learning_rate=%v epochs=%d l2=%v", lr, epochs, l2)
	}
	return &Logistic{learningRate: lr, epochs: epochs, l2: l2}, nil
}

func (c *Logistic) Name() string { return "logistic" }

func (c *Logistic) Fit(X *ml.Matrix, y []int) error {
	if err := ml.CheckLabels(X, y); err != nil {
		return err
	}

	var n [2]float64
	for _, l := range y {
		n[l]++
	}
	total := float64(len(y))
	classWeight := [2]float64{total / (2 * n[0]), total / (2 * n[1])}

	c.weights = make([]float64, X.Cols)
	c.bias = 0
	grad := make([]float64, X.Cols)

	for epoch := 0; epoch < c.epochs; epoch++ {
		for j := range grad {
			grad[j] = c.l2 * c.weights[j]
		}
		var gradBias float64

		for i, row := range X.Rows {
			p := sigmoid(row.Dot(c.weights) + c.bias)
			d := classWeight[y[i]] * (p - float64(y[i])) / total
			for k, j := range row.Indices {
				grad[j] += d * row.Values[k]
			}
			gradBias += d
		}

		for j := range c.weights {
			c.weights[j] -= c.learningRate * grad[j]
		}
		c.bias -= c.learningRate * gradBias
	}
	c.fitted = true
	return nil
}

func (c *Logistic) PredictProba(X *ml.Matrix) ([]float64, error) {
	if !c.fitted {
		return nil, errNotFitted
	}
	proba := make([]float64, X.NRows())
	for i, row := range X.Rows {
		proba[i] = sigmoid(row.Dot(c.weights) + c.bias)
	}
	return proba, nil
}

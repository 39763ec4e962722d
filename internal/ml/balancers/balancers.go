// Package balancers builds classifier training sets from the labeled rows.
// Relevant records are usually a small minority, so most strategies resample
// the two classes before fitting.
package balancers

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/activescreen/backend/internal/ml"
)

const DefaultSeed = 535

// Simple uses the labeled rows as they are.
type Simple struct{}

func NewSimple(map[string]any) (ml.Balancer, error) { return Simple{}, nil }

func (Simple) Name() string { return "simple" }

func (Simple) Sample(X *ml.Matrix, labels []int, trainIdx []int) (*ml.Matrix, []int, error) {
	if err := checkAligned(labels, trainIdx); err != nil {
		return nil, nil, err
	}
	sub, err := X.Subset(trainIdx)
	if err != nil {
		return nil, nil, err
	}
	y := make([]int, len(labels))
	copy(y, labels)
	return sub, y, nil
}

// Double oversamples the relevant rows and undersamples the irrelevant ones.
// The relevant weight grows with the class imbalance; the number of
// irrelevant rows kept grows sublinearly with the training set size.
type Double struct {
	a, alpha, b, beta float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewDouble(params map[string]any) (ml.Balancer, error) {
	d := &Double{}
	var err error
	if d.a, err = ml.ParamFloat(params, "a", 2.155); err != nil {
		return nil, err
	}
	if d.alpha, err = ml.ParamFloat(params, "alpha", 0.94); err != nil {
		return nil, err
	}
	if d.b, err = ml.ParamFloat(params, "b", 0.789); err != nil {
		return nil, err
	}
	if d.beta, err = ml.ParamFloat(params, "beta", 1.0); err != nil {
		return nil, err
	}
	seed, err := ml.ParamInt(params, "seed", DefaultSeed)
	if err != nil {
		return nil, err
	}
	d.rng = rand.New(rand.NewSource(int64(seed)))
	return d, nil
}

func (d *Double) Name() string { return "double" }

func (d *Double) Sample(X *ml.Matrix, labels []int, trainIdx []int) (*ml.Matrix, []int, error) {
	ones, zeros, err := split(labels, trainIdx)
	if err != nil {
		return nil, nil, err
	}
	if len(ones) == 0 || len(zeros) == 0 {
		return Simple{}.Sample(X, labels, trainIdx)
	}

	n1, n0 := float64(len(ones)), float64(len(zeros))
	oneWeight := math.Max(1, d.a*math.Pow(n0/n1, d.alpha))
	nOnes := int(math.Round(n1 * oneWeight))

	nZeros := int(math.Round(d.b * math.Pow(n1+n0, d.beta)))
	if nZeros < 1 {
		nZeros = 1
	}
	if nZeros > len(zeros) {
		nZeros = len(zeros)
	}

	d.mu.Lock()
	zeroRows := sampleWithout(d.rng, zeros, nZeros)
	d.mu.Unlock()

	rows := make([]int, 0, nOnes+nZeros)
	y := make([]int, 0, nOnes+nZeros)
	for k := 0; k < nOnes; k++ {
		rows = append(rows, ones[k%len(ones)])
		y = append(y, 1)
	}
	for _, r := range zeroRows {
		rows = append(rows, r)
		y = append(y, 0)
	}

	sub, err := X.Subset(rows)
	if err != nil {
		return nil, nil, err
	}
	return sub, y, nil
}

// Undersample keeps every relevant row and at most Ratio irrelevant rows per
// relevant row.
type Undersample struct {
	ratio float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewUndersample(params map[string]any) (ml.Balancer, error) {
	ratio, err := ml.ParamFloat(params, "ratio", 1.0)
	if err != nil {
		return nil, err
	}
	if ratio <= 0 {
		return nil, fmt.Errorf("ratio must be positive, got %v", ratio)
	}
	seed, err := ml.ParamInt(params, "seed", DefaultSeed)
	if err != nil {
		return nil, err
	}
	return &Undersample{ratio: ratio, rng: rand.New(rand.NewSource(int64(seed)))}, nil
}

func (u *Undersample) Name() string { return "undersample" }

func (u *Undersample) Sample(X *ml.Matrix, labels []int, trainIdx []int) (*ml.Matrix, []int, error) {
	ones, zeros, err := split(labels, trainIdx)
	if err != nil {
		return nil, nil, err
	}

	keep := int(math.Ceil(u.ratio * float64(len(ones))))
	if keep < 1 {
		keep = 1
	}
	if keep > len(zeros) {
		keep = len(zeros)
	}

	u.mu.Lock()
	zeroRows := sampleWithout(u.rng, zeros, keep)
	u.mu.Unlock()

	rows := append(append([]int{}, ones...), zeroRows...)
	y := make([]int, len(rows))
	for k := range ones {
		y[k] = 1
	}

	sub, err := X.Subset(rows)
	if err != nil {
		return nil, nil, err
	}
	return sub, y, nil
}

func checkAligned(labels, trainIdx []int) error {
	if len(labels) != len(trainIdx) {
		return fmt.Errorf("%d labels for %d training rows", len(labels), len(trainIdx))
	}
	return nil
}

func split(labels, trainIdx []int) (ones, zeros []int, err error) {
	if err := checkAligned(labels, trainIdx); err != nil {
		return nil, nil, err
	}
	for k, l := range labels {
		switch l {
		case 1:
			ones = append(ones, trainIdx[k])
		case 0:
			zeros = append(zeros, trainIdx[k])
		default:
			return nil, nil, fmt.Errorf("invalid label %d for row %d", l, trainIdx[k])
		}
	}
	return ones, zeros, nil
}

// sampleWithout draws n rows without replacement, preserving input order.
func sampleWithout(rng *rand.Rand, rows []int, n int) []int {
	if n >= len(rows) {
		return append([]int{}, rows...)
	}
	perm := rng.Perm(len(rows))[:n]
	picked := make([]bool, len(rows))
	for _, p := range perm {
		picked[p] = true
	}
	out := make([]int, 0, n)
	for i, r := range rows {
		if picked[i] {
			out = append(out, r)
		}
	}
	return out
}

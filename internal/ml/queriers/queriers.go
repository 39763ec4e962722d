// Package queriers implements the query strategies that order the unlabeled
// records. Every strategy is deterministic for a given seed; score ties are
// broken by row index.
package queriers

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/activescreen/backend/internal/ml"
)

const DefaultSeed = 535

// Max ranks candidates by predicted relevance, highest first.
type Max struct{}

func NewMax(map[string]any) (ml.Querier, error) { return Max{}, nil }

func (Max) Name() string { return "max" }

func (Max) Rank(X *ml.Matrix, clf ml.Classifier, candidates []int) ([]int, error) {
	return rankByScore(X, clf, candidates, func(p float64) float64 { return p })
}

// Uncertainty ranks candidates whose predicted relevance is closest to 0.5
// first.
type Uncertainty struct{}

func NewUncertainty(map[string]any) (ml.Querier, error) { return Uncertainty{}, nil }

func (Uncertainty) Name() string { return "uncertainty" }

func (Uncertainty) Rank(X *ml.Matrix, clf ml.Classifier, candidates []int) ([]int, error) {
	return rankByScore(X, clf, candidates, func(p float64) float64 { return -math.Abs(p - 0.5) })
}

// Random ignores the classifier.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandom(params map[string]any) (ml.Querier, error) {
	seed, err := ml.ParamInt(params, "seed", DefaultSeed)
	if err != nil {
		return nil, err
	}
	return &Random{rng: rand.New(rand.NewSource(int64(seed)))}, nil
}

func (q *Random) Name() string { return "random" }

func (q *Random) Rank(_ *ml.Matrix, _ ml.Classifier, candidates []int) ([]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return shuffled(q.rng, candidates), nil
}

// MaxRandom interleaves the max ranking with a random one: each position is
// taken from the max ranking with probability MixRatio.
type MaxRandom struct {
	mixRatio float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewMaxRandom(params map[string]any) (ml.Querier, error) {
	ratio, err := ml.ParamFloat(params, "mix_ratio", 0.95)
	if err != nil {
		return nil, err
	}
	if ratio < 0 || ratio > 1 {
		return nil, fmt.Errorf("mix_ratio must be in [0,1], got %v", ratio)
	}
	seed, err := ml.ParamInt(params, "seed", DefaultSeed)
	if err != nil {
		return nil, err
	}
	return &MaxRandom{mixRatio: ratio, rng: rand.New(rand.NewSource(int64(seed)))}, nil
}

func (q *MaxRandom) Name() string { return "max_random" }

func (q *MaxRandom) Rank(X *ml.Matrix, clf ml.Classifier, candidates []int) ([]int, error) {
	byMax, err := Max{}.Rank(X, clf, candidates)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	byRandom := shuffled(q.rng, candidates)
	taken := make(map[int]bool, len(candidates))
	out := make([]int, 0, len(candidates))
	mi, ri := 0, 0

	next := func(order []int, pos *int) {
		for *pos < len(order) && taken[order[*pos]] {
			*pos++
		}
		if *pos < len(order) {
			taken[order[*pos]] = true
			out = append(out, order[*pos])
			*pos++
		}
	}

	for len(out) < len(candidates) {
		if q.rng.Float64() < q.mixRatio {
			next(byMax, &mi)
		} else {
			next(byRandom, &ri)
		}
	}
	return out, nil
}

func rankByScore(X *ml.Matrix, clf ml.Classifier, candidates []int, score func(float64) float64) ([]int, error) {
	if clf == nil {
		return nil, fmt.Errorf("querier requires a fitted classifier")
	}
	if len(candidates) == 0 {
		return []int{}, nil
	}
	sub, err := X.Subset(candidates)
	if err != nil {
		return nil, err
	}
	proba, err := clf.PredictProba(sub)
	if err != nil {
		return nil, fmt.Errorf("failed to score candidates: %w", err)
	}

	type scored struct {
		row   int
		score float64
	}
	items := make([]scored, len(candidates))
	for k, row := range candidates {
		items[k] = scored{row: row, score: score(proba[k])}
	}
	sort.SliceStable(items, func(a, b int) bool {
		if items[a].score != items[b].score {
			return items[a].score > items[b].score
		}
		return items[a].row < items[b].row
	})

	out := make([]int, len(items))
	for k, it := range items {
		out[k] = it.row
	}
	return out, nil
}

func shuffled(rng *rand.Rand, candidates []int) []int {
	out := make([]int, len(candidates))
	copy(out, candidates)
	sort.Ints(out)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

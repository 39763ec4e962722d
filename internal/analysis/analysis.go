// Package analysis measures how well a review surfaced the relevant records.
// Prior labels are excluded: they were known before the first ranking.
package analysis

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/state"
	"github.com/activescreen/backend/internal/storage/models"
	"github.com/activescreen/backend/pkg/logger"
)

type Analyzer struct {
	store *state.Store
}

func NewAnalyzer(store *state.Store) *Analyzer {
	return &Analyzer{store: store}
}

// Point is the recall after Screened records.
type Point struct {
	Screened int     `json:"screened"`
	Found    int     `json:"found"`
	Recall   float64 `json:"recall"`
}

type Report struct {
	models.Counts
	Priors int `json:"priors"`
	// Candidates is the number of records that were not priors.
	Candidates int `json:"candidates"`
	// TotalRelevant counts the relevant candidates: from ground truth when
	// every record has one, otherwise from the labels given so far.
	TotalRelevant int     `json:"total_relevant"`
	GroundTruth   bool    `json:"ground_truth"`
	Recall        []Point `json:"recall"`
	// WSS95 is the work saved over random sampling at 95% recall, nil when
	// the review never reached 95% recall.
	WSS95 *float64 `json:"wss_95"`
	// RRF10 is the percentage of relevant candidates found after screening
	// 10% of the candidates.
	RRF10 float64 `json:"rrf_10"`
}

func (a *Analyzer) Analyze(ctx context.Context) (*Report, error) {
	results, err := a.store.GetResultsTable(ctx, state.ResultsFilter{Priors: true, Pending: false})
	if err != nil {
		return nil, fmt.Errorf("failed to load results: %w", err)
	}
	records, err := a.store.GetRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	counts, err := a.store.Counts(ctx)
	if err != nil {
		return nil, err
	}

	isPrior := make(map[int64]bool)
	var screened []models.Result
	for _, r := range results {
		if r.IsPrior() {
			isPrior[r.RecordID] = true
			continue
		}
		screened = append(screened, r)
	}
	sort.SliceStable(screened, func(i, j int) bool {
		return screened[i].Time.Before(*screened[j].Time)
	})

	report := &Report{
		Counts:     counts,
		Priors:     len(isPrior),
		Candidates: len(records) - len(isPrior),
	}

	report.GroundTruth = len(records) > 0
	truthRelevant := 0
	for _, rec := range records {
		if rec.Included == nil {
			report.GroundTruth = false
			break
		}
		if *rec.Included == models.LabelRelevant && !isPrior[rec.RecordID] {
			truthRelevant++
		}
	}
	if report.GroundTruth {
		report.TotalRelevant = truthRelevant
	} else {
		for _, r := range screened {
			if *r.Label == models.LabelRelevant {
				report.TotalRelevant++
			}
		}
	}

	report.Recall = recallCurve(screened, report.TotalRelevant)
	report.WSS95 = wss(report.Recall, report.Candidates, 0.95)
	report.RRF10 = rrf(report.Recall, report.Candidates, report.TotalRelevant, 0.10)

	logger.Debug("Review analysed",
		zap.Int("screened", len(screened)),
		zap.Int("total_relevant", report.TotalRelevant),
		zap.Float64("rrf_10", report.RRF10),
	)
	return report, nil
}

func recallCurve(screened []models.Result, totalRelevant int) []Point {
	curve := make([]Point, 0, len(screened))
	found := 0
	for i, r := range screened {
		if *r.Label == models.LabelRelevant {
			found++
		}
		p := Point{Screened: i + 1, Found: found}
		if totalRelevant > 0 {
			p.Recall = float64(found) / float64(totalRelevant)
		}
		curve = append(curve, p)
	}
	return curve
}

func wss(curve []Point, candidates int, target float64) *float64 {
	if candidates == 0 {
		return nil
	}
	for _, p := range curve {
		if p.Recall >= target {
			v := float64(candidates-p.Screened)/float64(candidates) - (1 - target)
			return &v
		}
	}
	return nil
}

func rrf(curve []Point, candidates, totalRelevant int, fraction float64) float64 {
	if totalRelevant == 0 || len(curve) == 0 {
		return 0
	}
	n := int(math.Ceil(fraction * float64(candidates)))
	if n < 1 {
		n = 1
	}
	if n > len(curve) {
		n = len(curve)
	}
	return float64(curve[n-1].Found) / float64(totalRelevant) * 100
}

// Format renders a report for the terminal.
func Format(r *Report) string {
	wss := "not reached"
	if r.WSS95 != nil {
		wss = fmt.Sprintf("%.1f%%", *r.WSS95*100)
	}
	last := Point{}
	if len(r.Recall) > 0 {
		last = r.Recall[len(r.Recall)-1]
	}
	return fmt.Sprintf(`
Review Analysis
===============

Records: %d (priors: %d, pool: %d, pending: %d)
Labeled: %d (relevant: %d, irrelevant: %d)

Screened after priors: %d
Relevant found: %d of %d (recall %.1f%%)

WSS@95: %s
RRF@10: %.1f%%
`,
		r.Total, r.Priors, r.Pool, r.Pending,
		r.Labeled, r.Relevant, r.Irrelevant,
		last.Screened,
		last.Found, r.TotalRelevant, last.Recall*100,
		wss,
		r.RRF10,
	)
}

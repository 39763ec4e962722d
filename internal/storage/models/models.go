package models

import "time"

const (
	LabelIrrelevant = 0
	LabelRelevant   = 1
)

// ModelMeta names the model configuration that produced a ranking or a
// decision opportunity. Priors carry a nil ModelMeta.
type ModelMeta struct {
	Classifier       string
	Querier          string
	Balancer         string
	FeatureExtractor string
	TrainingSet      int
	// DecisionWatermark is the last decision change visible when the
	// training set was read. Only rankings carry it.
	DecisionWatermark int64
}

// Result is one row of the results ledger. Label is nil while the record is
// pending; Meta is nil for prior (seed) labels.
type Result struct {
	RecordID int64
	Label    *int
	Meta     *ModelMeta
	Time     *time.Time
	Notes    *string
}

func (r Result) IsPending() bool {
	return r.Label == nil
}

func (r Result) IsPrior() bool {
	return r.Meta == nil
}

type RankingRow struct {
	RecordID int64
	Ranking  int
	Meta     ModelMeta
	Time     time.Time
}

type DecisionChange struct {
	RecordID int64
	NewLabel int
	Time     time.Time
}

// ModelSpec names one capability implementation and its parameters.
type ModelSpec struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Settings fixes the model configuration for the life of a review.
type Settings struct {
	Classifier       ModelSpec `json:"classifier"`
	Querier          ModelSpec `json:"querier"`
	Balancer         ModelSpec `json:"balancer"`
	FeatureExtractor ModelSpec `json:"feature_extractor"`
}

// Record is a dataset record as attached to a project. Included holds the
// ground-truth label when the dataset is fully labeled (simulation).
type Record struct {
	RecordID int64  `json:"record_id"`
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
	Included *int   `json:"included,omitempty"`
}

func (r Record) Text() string {
	if r.Abstract == "" {
		return r.Title
	}
	if r.Title == "" {
		return r.Abstract
	}
	return r.Title + " " + r.Abstract
}

type ReviewStatus string

const (
	StatusSetup    ReviewStatus = "setup"
	StatusReview   ReviewStatus = "review"
	StatusFinished ReviewStatus = "finished"
	StatusError    ReviewStatus = "error"
)

type ProjectStatus struct {
	Status    ReviewStatus
	Error     string
	ErrorTime *time.Time
	Updated   time.Time
}

type Counts struct {
	Total      int `json:"total"`
	Pool       int `json:"pool"`
	Pending    int `json:"pending"`
	Labeled    int `json:"labeled"`
	Relevant   int `json:"relevant"`
	Irrelevant int `json:"irrelevant"`
}

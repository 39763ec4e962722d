// Package builtin registers the model implementations shipped with the
// engine.
package builtin

import (
	"github.com/activescreen/backend/internal/ml"
	"github.com/activescreen/backend/internal/ml/balancers"
	"github.com/activescreen/backend/internal/ml/classifiers"
	"github.com/activescreen/backend/internal/ml/features"
	"github.com/activescreen/backend/internal/ml/queriers"
)

// Registry returns a registry with every built-in model. The openai feature
// extractor is only registered when embedder is non-nil.
func Registry(embedder features.Embedder) *ml.Registry {
	r := ml.NewRegistry()

	r.RegisterClassifier("nb", classifiers.NewNaiveBayes)
	r.RegisterClassifier("logistic", classifiers.NewLogistic)

	r.RegisterQuerier("max", queriers.NewMax)
	r.RegisterQuerier("random", queriers.NewRandom)
	r.RegisterQuerier("uncertainty", queriers.NewUncertainty)
	r.RegisterQuerier("max_random", queriers.NewMaxRandom)

	r.RegisterBalancer("simple", balancers.NewSimple)
	r.RegisterBalancer("double", balancers.NewDouble)
	r.RegisterBalancer("undersample", balancers.NewUndersample)

	r.RegisterFeatureExtractor("tfidf", features.NewTFIDF)
	if embedder != nil {
		r.RegisterFeatureExtractor("openai", features.NewEmbeddingsFactory(embedder))
	}

	return r
}

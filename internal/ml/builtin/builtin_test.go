package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/activescreen/backend/internal/ml"
	"github.com/activescreen/backend/internal/storage/models"
)

func settings(clf, q, bal, fe string) models.Settings {
	return models.Settings{
		Classifier:       models.ModelSpec{Name: clf},
		Querier:          models.ModelSpec{Name: q},
		Balancer:         models.ModelSpec{Name: bal},
		FeatureExtractor: models.ModelSpec{Name: fe},
	}
}

func TestRegistryNames(t *testing.T) {
	names := Registry(nil).Names()
	require.Equal(t, []string{"logistic", "nb"}, names["classifier"])
	require.Equal(t, []string{"max", "max_random", "random", "uncertainty"}, names["querier"])
	require.Equal(t, []string{"double", "simple", "undersample"}, names["balancer"])
	require.Equal(t, []string{"tfidf"}, names["feature_extractor"])
}

func TestResolveUnknownModel(t *testing.T) {
	r := Registry(nil)
	_, err := r.Resolve(settings("svm", "max", "double", "tfidf"))
	require.ErrorIs(t, err, ml.ErrUnknownModel)
	require.ErrorIs(t, r.Validate(settings("nb", "max", "double", "openai")), ml.ErrUnknownModel)
}

func TestResolveRejectsBadParams(t *testing.T) {
	s := settings("nb", "max", "double", "tfidf")
	s.Classifier.Params = map[string]any{"alpha": -1.0}
	_, err := Registry(nil).Resolve(s)
	require.Error(t, err)
}

// End to end through the resolved capabilities on a tiny corpus.
func TestResolvedModelSetRanksRelevantFirst(t *testing.T) {
	set, err := Registry(nil).Resolve(settings("nb", "max", "double", "tfidf"))
	require.NoError(t, err)
	require.Equal(t, models.ModelMeta{
		Classifier: "nb", Querier: "max", Balancer: "double", FeatureExtractor: "tfidf", TrainingSet: 2,
	}, set.Meta(2))

	texts := []string{
		"active learning for screening abstracts",
		"cooking recipes with garlic",
		"screening abstracts with active learning models",
		"garlic bread recipes",
	}
	X, err := set.FeatureExtractor.FitTransform(context.Background(), texts)
	require.NoError(t, err)

	Xt, yt, err := set.Balancer.Sample(X, []int{1, 0}, []int{0, 1})
	require.NoError(t, err)
	require.NoError(t, set.Classifier.Fit(Xt, yt))

	order, err := set.Querier.Rank(X, set.Classifier, []int{2, 3})
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, order)
}

package ml

import (
	"fmt"
	"sort"
	"sync"

	"github.com/activescreen/backend/internal/storage/models"
)

type (
	ClassifierFactory       func(params map[string]any) (Classifier, error)
	QuerierFactory          func(params map[string]any) (Querier, error)
	BalancerFactory         func(params map[string]any) (Balancer, error)
	FeatureExtractorFactory func(params map[string]any) (FeatureExtractor, error)
)

// Registry maps model names to factories, one namespace per capability.
type Registry struct {
	mu                sync.RWMutex
	classifiers       map[string]ClassifierFactory
	queriers          map[string]QuerierFactory
	balancers         map[string]BalancerFactory
	featureExtractors map[string]FeatureExtractorFactory
}

func NewRegistry() *Registry {
	return &Registry{
		classifiers:       make(map[string]ClassifierFactory),
		queriers:          make(map[string]QuerierFactory),
		balancers:         make(map[string]BalancerFactory),
		featureExtractors: make(map[string]FeatureExtractorFactory),
	}
}

func (r *Registry) RegisterClassifier(name string, f ClassifierFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifiers[name] = f
}

func (r *Registry) RegisterQuerier(name string, f QuerierFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queriers[name] = f
}

func (r *Registry) RegisterBalancer(name string, f BalancerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balancers[name] = f
}

func (r *Registry) RegisterFeatureExtractor(name string, f FeatureExtractorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.featureExtractors[name] = f
}

// Names lists the registered names per capability, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"classifier":        sortedKeys(r.classifiers),
		"querier":           sortedKeys(r.queriers),
		"balancer":          sortedKeys(r.balancers),
		"feature_extractor": sortedKeys(r.featureExtractors),
	}
}

// ModelSet holds the concrete models a review runs with.
type ModelSet struct {
	Settings         models.Settings
	Classifier       Classifier
	Querier          Querier
	Balancer         Balancer
	FeatureExtractor FeatureExtractor
}

// Meta returns the model columns written alongside a ranking produced from a
// training set of the given size.
func (s *ModelSet) Meta(trainingSet int) models.ModelMeta {
	return models.ModelMeta{
		Classifier:       s.Settings.Classifier.Name,
		Querier:          s.Settings.Querier.Name,
		Balancer:         s.Settings.Balancer.Name,
		FeatureExtractor: s.Settings.FeatureExtractor.Name,
		TrainingSet:      trainingSet,
	}
}

// Resolve instantiates every model named in settings.
func (r *Registry) Resolve(settings models.Settings) (*ModelSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := &ModelSet{Settings: settings}

	cf, ok := r.classifiers[settings.Classifier.Name]
	if !ok {
		return nil, fmt.Errorf("%w: classifier %q", ErrUnknownModel, settings.Classifier.Name)
	}
	qf, ok := r.queriers[settings.Querier.Name]
	if !ok {
		return nil, fmt.Errorf("%w: querier %q", ErrUnknownModel, settings.Querier.Name)
	}
	bf, ok := r.balancers[settings.Balancer.Name]
	if !ok {
		return nil, fmt.Errorf("%w: balancer %q", ErrUnknownModel, settings.Balancer.Name)
	}
	ff, ok := r.featureExtractors[settings.FeatureExtractor.Name]
	if !ok {
		return nil, fmt.Errorf("%w: feature extractor %q", ErrUnknownModel, settings.FeatureExtractor.Name)
	}

	var err error
	if set.Classifier, err = cf(settings.Classifier.Params); err != nil {
		return nil, fmt.Errorf("classifier %s: %w", settings.Classifier.Name, err)
	}
	if set.Querier, err = qf(settings.Querier.Params); err != nil {
		return nil, fmt.Errorf("querier %s: %w", settings.Querier.Name, err)
	}
	if set.Balancer, err = bf(settings.Balancer.Params); err != nil {
		return nil, fmt.Errorf("balancer %s: %w", settings.Balancer.Name, err)
	}
	if set.FeatureExtractor, err = ff(settings.FeatureExtractor.Params); err != nil {
		return nil, fmt.Errorf("feature extractor %s: %w", settings.FeatureExtractor.Name, err)
	}
	return set, nil
}

// Validate reports whether every name in settings is registered without
// instantiating anything.
func (r *Registry) Validate(settings models.Settings) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.classifiers[settings.Classifier.Name]; !ok {
		return fmt.Errorf("%w: classifier %q", ErrUnknownModel, settings.Classifier.Name)
	}
	if _, ok := r.queriers[settings.Querier.Name]; !ok {
		return fmt.Errorf("%w: querier %q", ErrUnknownModel, settings.Querier.Name)
	}
	if _, ok := r.balancers[settings.Balancer.Name]; !ok {
		return fmt.Errorf("%w: balancer %q", ErrUnknownModel, settings.Balancer.Name)
	}
	if _, ok := r.featureExtractors[settings.FeatureExtractor.Name]; !ok {
		return fmt.Errorf("%w: feature extractor %q", ErrUnknownModel, settings.FeatureExtractor.Name)
	}
	return nil
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package features

import (
	"context"
	"fmt"

	"github.com/activescreen/backend/internal/ml"
)

// Embedder produces one dense vector per input text, in input order.
type Embedder interface {
	Model() string
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Embeddings uses a remote embedding model as feature extractor. Vectors
// can be negative, so it pairs with the logistic classifier rather than nb.
type Embeddings struct {
	embedder Embedder
}

// NewEmbeddingsFactory binds the extractor to an embedding client.
func NewEmbeddingsFactory(embedder Embedder) ml.FeatureExtractorFactory {
	return func(map[string]any) (ml.FeatureExtractor, error) {
		if embedder == nil {
			return nil, fmt.Errorf("no embedding client configured")
		}
		return &Embeddings{embedder: embedder}, nil
	}
}

func (e *Embeddings) Name() string { return "openai" }

func (e *Embeddings) FitTransform(ctx context.Context, texts []string) (*ml.Matrix, error) {
	cleaned := make([]string, len(texts))
	for i, t := range texts {
		cleaned[i] = CleanText(t)
		if cleaned[i] == "" {
			// the API rejects empty input
			cleaned[i] = " "
		}
	}

	vectors, err := e.embedder.GenerateBatchEmbeddings(ctx, cleaned)
	if err != nil {
		return nil, fmt.Errorf("failed to embed records with %s: %w", e.embedder.Model(), err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d records", len(vectors), len(texts))
	}

	rows := make([][]float64, len(vectors))
	for i, v := range vectors {
		row := make([]float64, len(v))
		for j, x := range v {
			row[j] = float64(x)
		}
		rows[i] = row
	}
	return ml.NewDense(rows), nil
}

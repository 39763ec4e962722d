package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/metrics"
	"github.com/activescreen/backend/pkg/circuitbreaker"
	"github.com/activescreen/backend/pkg/logger"
	"github.com/activescreen/backend/pkg/retry"
)

const DefaultBatchSize = 100

type Options struct {
	APIKey         string
	EmbeddingModel string
	// BaseURL overrides the API endpoint, e.g. for an OpenAI compatible
	// gateway.
	BaseURL   string
	Timeout   time.Duration
	BatchSize int
}

// Client generates text embeddings through the OpenAI API. Calls go through
// a circuit breaker and are retried with backoff.
type Client struct {
	client         *openai.Client
	embeddingModel string
	timeout        time.Duration
	batchSize      int
	cb             *circuitbreaker.Breaker
	retryConfig    retry.Config
}

func NewClient(opts Options) *Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	cb := circuitbreaker.New("embeddings", circuitbreaker.Config{
		HalfOpenRequests: 5,
		Interval:         time.Minute,
		OpenTimeout:      30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		// a bad key or model is our fault, not the endpoint's
		IsFailure: isTransient,
		Logger:    logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
		Retryable:      isTransient,
	}

	logger.Info("Embedding client initialized",
		zap.String("embedding_model", opts.EmbeddingModel),
		zap.Int("batch_size", opts.BatchSize),
	)

	return &Client{
		client:         openai.NewClientWithConfig(cfg),
		embeddingModel: opts.EmbeddingModel,
		timeout:        opts.Timeout,
		batchSize:      opts.BatchSize,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

func (c *Client) Model() string {
	return c.embeddingModel
}

// GenerateBatchEmbeddings embeds texts in order, one request per batch.
func (c *Client) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += c.batchSize {
		end := i + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := c.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, batch...)
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))

	return embeddings, nil
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out [][]float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: batch,
					Model: openai.EmbeddingModel(c.embeddingModel),
				},
			)
			if err != nil {
				return fmt.Errorf("failed to generate batch embeddings: %w", err)
			}
			if len(resp.Data) != len(batch) {
				return fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(batch))
			}

			data := resp.Data
			sort.SliceStable(data, func(a, b int) bool { return data[a].Index < data[b].Index })

			out = make([][]float32, len(data))
			for j, d := range data {
				out[j] = d.Embedding
			}
			return nil
		})
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.EmbeddingRequests.WithLabelValues(c.embeddingModel, status).Inc()

	return out, err
}

// isTransient retries rate limits, server errors and transport failures.
// Client errors such as an invalid key or model are returned at once.
func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	return !errors.Is(err, context.Canceled)
}

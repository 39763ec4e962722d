package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/cache"
	"github.com/activescreen/backend/internal/cache/redis"
	"github.com/activescreen/backend/internal/llm"
	"github.com/activescreen/backend/internal/ml"
	"github.com/activescreen/backend/internal/ml/builtin"
	"github.com/activescreen/backend/internal/ml/features"
	"github.com/activescreen/backend/internal/project"
	"github.com/activescreen/backend/internal/review"
	"github.com/activescreen/backend/internal/storage/models"
	"github.com/activescreen/backend/internal/tasks"
	"github.com/activescreen/backend/pkg/config"
	appLogger "github.com/activescreen/backend/pkg/logger"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "screend",
		Short: "Active learning screening engine",
		Long: `screend ranks the records of a screening project by predicted
relevance and retrains as labels come in.`,
		SilenceUsage: true,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./config.yaml if present)")
	rootCmd.AddCommand(serveCmd, workerCmd, simulateCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds what every subcommand builds from the configuration.
type app struct {
	cfg      *config.Config
	projects *project.Manager
	registry *ml.Registry
	features cache.FeatureCache
	closers  []func() error
}

func newApp(v *viper.Viper) (*app, error) {
	cfg, err := config.LoadWith(v, configPath)
	if err != nil {
		return nil, err
	}
	if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg}
	a.projects = project.NewManager(cfg.Storage.ProjectsDir, project.Options{
		BusyTimeout: a.busyTimeout(),
		Locks: project.LockOptions{
			PollInterval:     cfg.Locks.PollInterval,
			ActiveTimeout:    cfg.Locks.ActiveTimeout,
			ActiveStaleAfter: cfg.Locks.ActiveStaleAfter,
		},
	})

	var embedder features.Embedder
	if cfg.LLM.APIKey != "" {
		embedder = llm.NewClient(llm.Options{
			APIKey:         cfg.LLM.APIKey,
			EmbeddingModel: cfg.LLM.EmbeddingModel,
			Timeout:        time.Duration(cfg.LLM.TimeoutSec) * time.Second,
			BatchSize:      cfg.LLM.BatchSize,
		})
	}
	a.registry = builtin.Registry(embedder)

	local := cache.NewMemory(cfg.Cache.TTL)
	switch cfg.Cache.Backend {
	case "redis":
		client, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		a.features = cache.NewLayered(local, client, cfg.Cache.TTL)
	default:
		a.features = local
	}

	return a, nil
}

func (a *app) busyTimeout() time.Duration {
	return time.Duration(a.cfg.Storage.BusyTimeoutMS) * time.Millisecond
}

func (a *app) defaultSettings() models.Settings {
	return models.Settings{
		Classifier:       models.ModelSpec{Name: a.cfg.Review.Classifier},
		Querier:          models.ModelSpec{Name: a.cfg.Review.Querier},
		Balancer:         models.ModelSpec{Name: a.cfg.Review.Balancer},
		FeatureExtractor: models.ModelSpec{Name: a.cfg.Review.FeatureExtractor},
	}
}

func (a *app) reviewOptions() review.Options {
	return review.Options{
		BatchSize:           a.cfg.Review.BatchSize,
		StopAfterIrrelevant: a.cfg.Review.StopIfIrrelevant,
		StopWhenRelevant:    a.cfg.Review.StopWhenRelevant,
	}
}

func (a *app) openQueue() (*tasks.Queue, error) {
	q, err := tasks.Open(a.cfg.Storage.TasksPath, a.busyTimeout(), tasks.Options{
		Visibility:   a.cfg.Tasks.Visibility,
		PollInterval: a.cfg.Tasks.PollInterval,
		MaxAttempts:  a.cfg.Tasks.MaxAttempts,
		Concurrency:  a.cfg.Tasks.Concurrency,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, q.Close)
	return q, nil
}

func (a *app) newWorker(q *tasks.Queue) *tasks.Worker {
	return tasks.NewWorker(q, a.projects, a.registry, a.features, tasks.WorkerOptions{
		BusyDelay: a.cfg.Tasks.BusyDelay,
	})
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			appLogger.Warn("Failed to close resource", zap.Error(err))
		}
	}
	appLogger.Sync()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

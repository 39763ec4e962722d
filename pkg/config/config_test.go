package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWith(viper.New(), writeConfig(t, "logging:\n  level: debug\n"))
	require.NoError(t, err)

	require.Equal(t, 5000, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "nb", cfg.Review.Classifier)
	require.Equal(t, "memory", cfg.Cache.Backend)
	require.Equal(t, 2*time.Minute, cfg.Locks.ActiveStaleAfter)
	require.Equal(t, 1, cfg.Review.BatchSize)
	require.Zero(t, cfg.Review.StopIfIrrelevant)
	require.Zero(t, cfg.Review.StopWhenRelevant)
}

func TestLoadOverridesAndEnv(t *testing.T) {
	t.Setenv("ACTIVESCREEN_REVIEW_QUERIER", "uncertainty")
	path := writeConfig(t, `
review:
  batchSize: 5
  classifier: logistic
  stopIfIrrelevant: 20
  stopWhenRelevant: 3
locks:
  pollInterval: 25ms
cache:
  backend: redis
`)

	cfg, err := LoadWith(viper.New(), path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Review.BatchSize)
	require.Equal(t, "logistic", cfg.Review.Classifier)
	require.Equal(t, 20, cfg.Review.StopIfIrrelevant)
	require.Equal(t, 3, cfg.Review.StopWhenRelevant)
	require.Equal(t, "uncertainty", cfg.Review.Querier)
	require.Equal(t, 25*time.Millisecond, cfg.Locks.PollInterval)
	require.Equal(t, "redis", cfg.Cache.Backend)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := LoadWith(viper.New(), writeConfig(t, "review:\n  batchSize: 0\n"))
	require.Error(t, err)

	_, err = LoadWith(viper.New(), writeConfig(t, "cache:\n  backend: disk\n"))
	require.Error(t, err)

	_, err = LoadWith(viper.New(), writeConfig(t, "review:\n  stopWhenRelevant: -1\n"))
	require.Error(t, err)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Review  ReviewConfig
	Locks   LocksConfig
	Tasks   TasksConfig
	Cache   CacheConfig
	Redis   RedisConfig
	LLM     LLMConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	Host              string
	Port              int
	ReadTimeout       int
	WriteTimeout      int
	BodyLimit         int
	RateLimitPerMin   int
	AllowedOrigins    []string
	IsDevelopment     bool
	EditLockTTLSecond int
}

type StorageConfig struct {
	ProjectsDir   string
	TasksPath     string
	BusyTimeoutMS int
}

type ReviewConfig struct {
	BatchSize        int
	NPriorIncluded   int
	NPriorExcluded   int
	Seed             int64
	StopIfIrrelevant int
	StopWhenRelevant int
	Classifier       string
	Querier          string
	Balancer         string
	FeatureExtractor string
}

type LocksConfig struct {
	PollInterval     time.Duration
	ActiveTimeout    time.Duration
	ActiveStaleAfter time.Duration
}

type TasksConfig struct {
	Visibility   time.Duration
	PollInterval time.Duration
	MaxAttempts  int
	Concurrency  int
	BusyDelay    time.Duration
}

type CacheConfig struct {
	Backend string
	TTL     time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	APIKey         string
	EmbeddingModel string
	TimeoutSec     int
	BatchSize      int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// Load reads config.yaml (if present) and ACTIVESCREEN_* environment
// variables on top of the defaults.
func Load() (*Config, error) {
	return LoadWith(viper.New(), "")
}

// LoadWith loads configuration into v. A non-empty path selects an explicit
// config file instead of the search paths.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/activescreen")
	}

	v.SetEnvPrefix("ACTIVESCREEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Review.BatchSize < 1 {
		return fmt.Errorf("review.batchSize must be at least 1, got %d", c.Review.BatchSize)
	}
	if c.Review.StopIfIrrelevant < 0 || c.Review.StopWhenRelevant < 0 {
		return fmt.Errorf("review stop rules must not be negative")
	}
	if c.Locks.PollInterval <= 0 {
		return fmt.Errorf("locks.pollInterval must be positive")
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 52428800)
	v.SetDefault("server.rateLimitPerMin", 600)
	v.SetDefault("server.isDevelopment", false)
	v.SetDefault("server.editLockTTLSecond", 120)

	v.SetDefault("storage.projectsDir", "./data/projects")
	v.SetDefault("storage.tasksPath", "./data/tasks.db")
	v.SetDefault("storage.busyTimeoutMS", 10000)

	v.SetDefault("review.batchSize", 1)
	v.SetDefault("review.nPriorIncluded", 1)
	v.SetDefault("review.nPriorExcluded", 1)
	v.SetDefault("review.seed", 535)
	v.SetDefault("review.stopIfIrrelevant", 0)
	v.SetDefault("review.stopWhenRelevant", 0)
	v.SetDefault("review.classifier", "nb")
	v.SetDefault("review.querier", "max")
	v.SetDefault("review.balancer", "double")
	v.SetDefault("review.featureExtractor", "tfidf")

	v.SetDefault("locks.pollInterval", 100*time.Millisecond)
	v.SetDefault("locks.activeTimeout", 30*time.Second)
	v.SetDefault("locks.activeStaleAfter", 2*time.Minute)

	v.SetDefault("tasks.visibility", 10*time.Minute)
	v.SetDefault("tasks.pollInterval", time.Second)
	v.SetDefault("tasks.maxAttempts", 0)
	v.SetDefault("tasks.concurrency", 2)
	v.SetDefault("tasks.busyDelay", 5*time.Second)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", 24*time.Hour)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.timeoutSec", 60)
	v.SetDefault("llm.batchSize", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}

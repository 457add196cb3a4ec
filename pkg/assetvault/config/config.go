// Package config builds assetvault services from declarative server
// configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/assetvault/assetvault/pkg/assetvault"
	queuememory "github.com/assetvault/assetvault/pkg/assetvault/queue/memory"
	queueredis "github.com/assetvault/assetvault/pkg/assetvault/queue/redis"
	repomemory "github.com/assetvault/assetvault/pkg/assetvault/repo/memory"
	repopg "github.com/assetvault/assetvault/pkg/assetvault/repo/postgres"
	fsstorage "github.com/assetvault/assetvault/pkg/assetvault/storage/fs"
	memorystorage "github.com/assetvault/assetvault/pkg/assetvault/storage/memory"
)

// ServerConfig represents server configuration for the assetvault service.
// Field tags feed cleanenv in the server executable.
type ServerConfig struct {
	Port        string `env:"PORT" env-default:"8080"`
	Environment string `env:"ENVIRONMENT" env-default:"development"` // development, production, testing

	// Registry configuration
	DatabaseType string `env:"DATABASE_TYPE" env-default:"memory"` // "memory", "postgres"
	DatabaseURL  string `env:"DATABASE_URL" env-default:""`

	// Content store configuration
	StorageType string `env:"STORAGE_TYPE" env-default:"memory"` // "memory", "fs"
	FSRootDir   string `env:"FS_ROOT_DIR" env-default:"./data/storage"`

	// Queue configuration
	QueueType     string        `env:"QUEUE_TYPE" env-default:"memory"` // "memory", "redis"
	RedisAddr     string        `env:"REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int           `env:"REDIS_DB" env-default:"0"`
	LeaseTimeout  time.Duration `env:"QUEUE_LEASE_TIMEOUT" env-default:"30s"`

	// Processor configuration
	Workers        int           `env:"PROCESSOR_WORKERS" env-default:"2"`
	MaxAttempts    int           `env:"JOB_MAX_ATTEMPTS" env-default:"3"`
	RetryDelay     time.Duration `env:"JOB_RETRY_DELAY" env-default:"2s"`
	RetryDelayMax  time.Duration `env:"JOB_RETRY_DELAY_MAX" env-default:"1m"`
	MaxFileSize    int64         `env:"MAX_FILE_SIZE" env-default:"10485760"`
	SeedDemoAssets bool          `env:"SEED_DEMO_ASSETS" env-default:"false"`
}

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on
// top of defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Port:          "8080",
		Environment:   "development",
		DatabaseType:  "memory",
		StorageType:   "memory",
		FSRootDir:     "./data/storage",
		QueueType:     "memory",
		RedisAddr:     "localhost:6379",
		LeaseTimeout:  30 * time.Second,
		Workers:       2,
		MaxAttempts:   3,
		RetryDelay:    2 * time.Second,
		RetryDelayMax: time.Minute,
		MaxFileSize:   assetvault.DefaultMaxFileSize,
	}
}

// WithDatabase selects the registry backend.
func WithDatabase(databaseType, databaseURL string) Option {
	return func(c *ServerConfig) error {
		c.DatabaseType = databaseType
		c.DatabaseURL = databaseURL
		return nil
	}
}

// WithStorage selects the content store backend.
func WithStorage(storageType, fsRootDir string) Option {
	return func(c *ServerConfig) error {
		c.StorageType = storageType
		if fsRootDir != "" {
			c.FSRootDir = fsRootDir
		}
		return nil
	}
}

// WithQueue selects the queue backend.
func WithQueue(queueType, redisAddr string) Option {
	return func(c *ServerConfig) error {
		c.QueueType = queueType
		if redisAddr != "" {
			c.RedisAddr = redisAddr
		}
		return nil
	}
}

// WithWorkers sets the processor worker count.
func WithWorkers(workers int) Option {
	return func(c *ServerConfig) error {
		c.Workers = workers
		return nil
	}
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	if c.DatabaseType != "memory" && c.DatabaseType != "postgres" {
		return errors.New("database_type must be 'memory' or 'postgres'")
	}
	if c.DatabaseType == "postgres" && c.DatabaseURL == "" {
		return errors.New("database_url is required when using postgres")
	}

	if c.StorageType != "memory" && c.StorageType != "fs" {
		return errors.New("storage_type must be 'memory' or 'fs'")
	}
	if c.StorageType == "fs" && c.FSRootDir == "" {
		return errors.New("fs_root_dir is required when using fs storage")
	}

	if c.QueueType != "memory" && c.QueueType != "redis" {
		return errors.New("queue_type must be 'memory' or 'redis'")
	}
	if c.QueueType == "redis" && c.RedisAddr == "" {
		return errors.New("redis_addr is required when using redis queue")
	}

	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("max_attempts must be positive")
	}

	return nil
}

// RetryPolicy returns the queue retry policy from the configuration.
func (c *ServerConfig) RetryPolicy() assetvault.RetryPolicy {
	return assetvault.RetryPolicy{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.RetryDelay,
		MaxDelay:     c.RetryDelayMax,
	}
}

// Components holds the wired infrastructure a server needs.
type Components struct {
	Registry assetvault.Registry
	Store    assetvault.ContentStore
	Queue    assetvault.Queue
	Service  *assetvault.UploadService

	pool  *pgxpool.Pool
	redis *goredis.Client
}

// Close releases every resource the components own.
func (c *Components) Close() error {
	var first error
	if c.Queue != nil {
		if err := c.Queue.Close(); err != nil && first == nil {
			first = err
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil && first == nil {
			first = err
		}
	}
	if c.pool != nil {
		c.pool.Close()
	}
	return first
}

// Build wires the registry, content store, queue, and upload service
// from the configuration.
func (c *ServerConfig) Build(ctx context.Context, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	components := &Components{}

	registry, err := c.buildRegistry(ctx, components)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry: %w", err)
	}
	components.Registry = registry

	store, err := c.buildStore()
	if err != nil {
		return nil, fmt.Errorf("failed to build content store: %w", err)
	}
	components.Store = store

	queue, err := c.buildQueue(components)
	if err != nil {
		return nil, fmt.Errorf("failed to build queue: %w", err)
	}
	components.Queue = queue

	components.Service = assetvault.NewUploadService(
		assetvault.WithRegistry(registry),
		assetvault.WithQueue(queue),
		assetvault.WithFileValidator(assetvault.NewFileValidator(assetvault.ValidatorConfig{MaxFileSize: c.MaxFileSize})),
		assetvault.WithRetryPolicy(c.RetryPolicy()),
		assetvault.WithLogger(logger),
	)
	return components, nil
}

// BuildProcessor creates the upload processor on top of built components.
func (c *ServerConfig) BuildProcessor(components *Components, logger *slog.Logger) *assetvault.Processor {
	return assetvault.NewProcessor(assetvault.ProcessorConfig{
		Registry: components.Registry,
		Store:    components.Store,
		Queue:    components.Queue,
		Logger:   logger,
		Workers:  c.Workers,
	})
}

func (c *ServerConfig) buildRegistry(ctx context.Context, components *Components) (assetvault.Registry, error) {
	switch c.DatabaseType {
	case "memory":
		return repomemory.New(), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, c.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		components.pool = pool
		return repopg.New(pool), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

func (c *ServerConfig) buildStore() (assetvault.ContentStore, error) {
	switch c.StorageType {
	case "memory":
		return memorystorage.New(), nil
	case "fs":
		return fsstorage.New(fsstorage.Config{RootDir: c.FSRootDir})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", c.StorageType)
	}
}

func (c *ServerConfig) buildQueue(components *Components) (assetvault.Queue, error) {
	switch c.QueueType {
	case "memory":
		return queuememory.New(queuememory.Config{LeaseTimeout: c.LeaseTimeout}), nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		components.redis = client
		return queueredis.New(client, queueredis.Config{LeaseTimeout: c.LeaseTimeout}), nil
	default:
		return nil, fmt.Errorf("unsupported queue type: %s", c.QueueType)
	}
}

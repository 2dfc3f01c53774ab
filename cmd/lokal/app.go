package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/lokalhq/lokal/internal/cache"
	"github.com/lokalhq/lokal/internal/catalog"
	"github.com/lokalhq/lokal/internal/config"
	"github.com/lokalhq/lokal/internal/db"
	"github.com/lokalhq/lokal/internal/detector"
	"github.com/lokalhq/lokal/internal/governor"
	"github.com/lokalhq/lokal/internal/logger"
	"github.com/lokalhq/lokal/internal/media"
	"github.com/lokalhq/lokal/internal/metrics"
	"github.com/lokalhq/lokal/internal/pipeline"
	"github.com/lokalhq/lokal/internal/status"
	"github.com/lokalhq/lokal/internal/store"
	"github.com/lokalhq/lokal/internal/vision"
)

const (
	defaultConfigPath = "lokal.yaml"
	cropQuality       = 90
	cacheKeyPrefix    = "lokal:"
)

// loadConfig reads the --config file. When the flag was left at its default
// and the file does not exist, built-in defaults are used.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !cmd.Flags().Changed("config") && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

// newLogger builds the process logger. CLI commands log to stderr so stdout
// stays machine-readable.
func newLogger(cfg *config.Config, toStderr bool) (logger.Logger, error) {
	lc := logger.Config{Level: cfg.Log.Level, Development: cfg.Log.Development}
	if toStderr {
		lc.OutputPaths = []string{"stderr"}
	}
	return logger.New(lc)
}

// connectDB opens the configured database and migrates the schema.
func connectDB(cfg *config.Config) (*gorm.DB, error) {
	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

// app holds the wired collaborators shared by serve and process.
type app struct {
	cfg      *config.Config
	log      logger.Logger
	db       *gorm.DB
	redis    *redis.Client
	cache    cache.Store
	metrics  *metrics.Metrics
	governor *governor.Governor
	registry *pipeline.Registry
	hub      *status.Hub
	jobs     *store.StatusStore
	results  *store.ResultStore
	catalog  catalog.Catalog
	pipeline *pipeline.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	gdb, err := connectDB(cfg)
	if err != nil {
		return nil, err
	}
	a.db = gdb
	a.jobs = store.NewStatusStore(gdb)
	a.results = store.NewResultStore(gdb)

	var counter governor.Counter
	if cfg.Redis.Address != "" {
		client, err := cache.Dial(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		a.cache = cache.NewRedisStore(client, cacheKeyPrefix)
		counter = governor.NewRedisCounter(client)
		log.Info("Using Redis for cache and rate limits", logger.String("address", cfg.Redis.Address))
	} else {
		a.cache = cache.NewMemoryStore()
		counter = governor.NewMemoryCounter()
	}

	switch cfg.Catalog.Source {
	case "db":
		a.catalog = catalog.NewDBCatalog(gdb)
	default:
		a.catalog = catalog.NewFileCatalog(cfg.Catalog.Path)
	}

	describer, err := newDescriber(cfg.Vision)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.registry = pipeline.NewRegistry(cfg.Governor.MaxConcurrentJobs)
	a.governor = governor.New(counter, governor.LimitsFromConfig(cfg.Governor), log,
		governor.WithMetrics(a.metrics),
		governor.WithLoad(a.registry),
	)
	a.hub = status.NewHub(a.jobs, log, status.WithMetrics(a.metrics))

	describe := pipeline.NewDescribeStage(describer, a.cache, cfg.Pipeline, cfg.Cache.DescriptionTTL)
	describe.Pacer = a.governor
	describe.Metrics = a.metrics
	describe.Log = log

	a.pipeline, err = pipeline.New(cfg, pipeline.Deps{
		Extractor: media.NewFFmpegExtractor(""),
		Detector: &detector.Cached{
			Inner: detector.NewSubprocessDetector(cfg.Detector.Command, cfg.Detector.Script, cfg.Pipeline.DetectorTimeout),
			Store: a.cache,
			TTL:   cfg.Cache.DetectionTTL,
		},
		Cropper:  media.NewImageCropper(cropQuality),
		Describe: describe,
		Catalog:  a.catalog,
		Governor: a.governor,
		Registry: a.registry,
		Jobs:     a.jobs,
		Results:  a.results,
		Status:   a.hub,
		Metrics:  a.metrics,
		Log:      log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newDescriber(cfg config.VisionConfig) (vision.Describer, error) {
	switch cfg.Provider {
	case "anthropic":
		return vision.NewAnthropic(vision.AnthropicOpts{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
	default:
		return vision.Heuristic{}, nil
	}
}

// Close releases the database and Redis connections.
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("Redis close", logger.Error(err))
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// fileExists reports whether path names a regular file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

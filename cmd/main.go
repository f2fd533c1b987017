package main

import (
	"context"
	"fmt"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"reservoir/internal/cache"
	"reservoir/internal/config"
	"reservoir/internal/logger"
	"reservoir/internal/metrics"
	"reservoir/internal/repository"
	"reservoir/internal/storage"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "reservoir",
		Short:        "Storage and revision service for geolocated 3D models",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (env: RESERVOIR_*)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newReconcileCmd())
	rootCmd.AddCommand(newNightlyCmd())
	rootCmd.AddCommand(newPurgeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// deps is what every subcommand needs: config, logger, catalog and blob store.
type deps struct {
	cfg     *config.Config
	log     *logger.Logger
	db      *gorm.DB
	store   storage.BlobStore
	closers []func() error
}

func (r *deps) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.log.Warn("close failed", "error", err)
		}
	}
	r.log.Sync()
}

func setup(ctx context.Context) (*deps, error) {
	cfg, err := InitConfig()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.App.Mode)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	rt := &deps{cfg: cfg, log: log}

	db, err := ConnectDatabase(cfg)
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		rt.closers = append(rt.closers, sqlDB.Close)
	}
	rt.db = db
	if err := MigrateDatabase(db); err != nil {
		rt.Close()
		return nil, err
	}

	store, err := InitBlobStore(ctx, cfg, log)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.store = store
	return rt, nil
}

func InitConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func ConnectDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := config.ConnectDatabase(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}

func MigrateDatabase(db *gorm.DB) error {
	if err := repository.Migrate(db); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	return nil
}

func InitMinIOClient(ctx context.Context, cfg *config.Config, log *logger.Logger) (*minio.Client, error) {
	minioClient, err := storage.NewMinioClient(ctx, cfg.Minio, log)
	if err != nil {
		return nil, fmt.Errorf("MinIO client initialization failed: %w", err)
	}
	return minioClient, nil
}

// InitBlobStore builds the archive store for the configured backend.
func InitBlobStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (storage.BlobStore, error) {
	switch cfg.Storage.Backend {
	case config.BackendMinio:
		client, err := InitMinIOClient(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return storage.NewMinioStore(client, cfg.Minio.Bucket), nil
	case config.BackendS3:
		store, err := storage.NewS3Store(cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("S3 store initialization failed: %w", err)
		}
		return store, nil
	default:
		store, err := storage.NewFileStore(cfg.Storage.ModelRoot)
		if err != nil {
			return nil, fmt.Errorf("model root: %w", err)
		}
		return store, nil
	}
}

// InitDownloadCache builds the memory layer and, when configured, the Redis
// layer behind it.
func InitDownloadCache(ctx context.Context, rt *deps, m *metrics.Metrics) *cache.Layered {
	var layers []cache.Layer
	if rt.cfg.Cache.MemoryBytes > 0 {
		layers = append(layers, cache.NewMemoryCache(rt.cfg.Cache.MemoryBytes, rt.cfg.Cache.TTL, m))
	}
	if addr := rt.cfg.Cache.RedisAddr; addr != "" {
		client, err := storage.NewRedisClient(ctx, addr)
		if err != nil {
			rt.log.Warn("redis cache disabled", "addr", addr, "error", err)
		} else {
			rt.closers = append(rt.closers, client.Close)
			layers = append(layers, cache.NewRedisCache(client, rt.cfg.Cache.TTL))
		}
	}
	return cache.NewLayered(rt.cfg.Cache.MaxObjectBytes, rt.log, m, layers...)
}

// Package main is the entry point for the object store engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reflectdb/reflectdb/internal/api"
	"github.com/reflectdb/reflectdb/internal/broadcast"
	"github.com/reflectdb/reflectdb/internal/config"
	"github.com/reflectdb/reflectdb/internal/engine"
	"github.com/reflectdb/reflectdb/internal/logging"
	"github.com/reflectdb/reflectdb/internal/metrics"
	"github.com/reflectdb/reflectdb/internal/registry"
	"github.com/reflectdb/reflectdb/internal/storage"
	"github.com/reflectdb/reflectdb/internal/storage/couch"
	"github.com/reflectdb/reflectdb/internal/storage/file"
	_ "github.com/reflectdb/reflectdb/internal/storage/mongo"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "reflectd",
		Short: "Schema-driven object store engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("reflectd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return err
	}

	logger := logging.New(cfg.Logging)
	logger.Info("starting engine",
		slog.String("version", version),
		slog.String("storage", cfg.Storage.Type),
		slog.String("address", cfg.Address()),
	)

	store, err := createStorage(cfg)
	if err != nil {
		logger.Error("failed to create storage backend", slog.String("error", err.Error()))
		return err
	}

	m := metrics.New()
	backend := storage.Instrument(store, cfg.Storage.Type, m)

	reg := registry.New(backend, logger, registry.Options{
		CacheCapacity: cfg.Engine.CacheCapacity,
		CacheTTL:      time.Duration(cfg.Engine.CacheTTL) * time.Second,
		Metrics:       m,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = reg.Bootstrap(ctx)
	cancel()
	if err != nil {
		logger.Error("bootstrap failed", slog.String("error", err.Error()))
		return err
	}

	producer := broadcast.New(logger, broadcast.Options{
		URL:     cfg.Broadcast.URL,
		Timeout: time.Duration(cfg.Broadcast.TimeoutMS) * time.Millisecond,
		Metrics: m,
	})

	eng := engine.New(reg, logger, engine.Options{
		Broadcaster:     producer,
		Metrics:         m,
		AutoCreateClass: cfg.Engine.AutoCreateClass,
	})

	// Reload class metadata when class files change on disk.
	var watcher *file.Watcher
	if fs, ok := store.(*file.Store); ok && cfg.Storage.File.Watch {
		watcher, err = fs.Watch(logger, func(classID string) {
			reg.Invalidate(classID)
		})
		if err != nil {
			logger.Error("failed to start file watcher", slog.String("error", err.Error()))
			return err
		}
	}

	server := api.NewServer(cfg, eng, logger, m, version)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
			return err
		}
	case sig := <-shutdown:
		logger.Info("shutting down", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}
		if watcher != nil {
			if err := watcher.Close(); err != nil {
				logger.Error("watcher close error", slog.String("error", err.Error()))
			}
		}
		if err := store.Close(); err != nil {
			logger.Error("storage close error", slog.String("error", err.Error()))
		}
	}
	return nil
}

// createStorage builds the configured backend through the factory.
func createStorage(cfg *config.Config) (storage.Backend, error) {
	switch storage.BackendType(cfg.Storage.Type) {
	case storage.BackendTypeFile:
		return storage.Create(storage.BackendTypeFile, map[string]interface{}{
			"dir": cfg.Storage.File.Dir,
		})
	case storage.BackendTypeMongo:
		return storage.Create(storage.BackendTypeMongo, map[string]interface{}{
			"uri":      cfg.Storage.Mongo.URI,
			"database": cfg.Storage.Mongo.Database,
		})
	case storage.BackendTypeCouch:
		return couch.NewStore(couch.Config{
			URL:      cfg.Storage.Couch.URL,
			Username: cfg.Storage.Couch.Username,
			Password: cfg.Storage.Couch.Password,
			Prefix:   cfg.Storage.Couch.Prefix,
			Timeout:  time.Duration(cfg.Storage.Couch.Timeout) * time.Second,
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cnk113/cacoa/internal/api"
	"github.com/cnk113/cacoa/internal/cache"
	"github.com/cnk113/cacoa/internal/dataset"
	"github.com/cnk113/cacoa/internal/render"
	"github.com/cnk113/cacoa/internal/service"
)

var (
	servePort    int
	servePreload bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP job server",
		RunE:  runServe,
	}
)

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().BoolVar(&servePreload, "preload", false, "Load every dataset before accepting requests")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	logger.Info("starting cacoa server", zap.Int("port", cfg.Server.Port))

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		ImageCacheSizeMB: cfg.Cache.ImageSizeMB,
		ImageTTL:         time.Duration(cfg.Cache.ImageTTLMinutes) * time.Minute,
		QueryCacheSize:   cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheManager.Close()

	renderer := render.NewHeatmapRenderer(render.Config{
		CellSize:        cfg.Render.CellSize,
		MaxGenes:        cfg.Render.MaxGenes,
		MaxCells:        cfg.Render.MaxCells,
		ZLimit:          cfg.Render.ZLimit,
		DefaultColormap: cfg.Render.Colormap,
	})

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)
	logger.Info("registering datasets", zap.Int("count", len(datasetIDs)), zap.String("default", cfg.Data.DefaultDataset))

	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]
		src := dataset.NewSource(datasetID, ds, logger)
		registry.Register(datasetID, src)

		if servePreload {
			if _, err := src.Get(); err != nil {
				return fmt.Errorf("failed to load dataset %q: %w", datasetID, err)
			}
		}
	}

	// Wire up the score service as job executor
	scoreService := service.NewScoreService(registry, cfg.Scoring, logger)
	jobManager := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		QueueSize:     cfg.Jobs.QueueSize,
		Retention:     time.Duration(cfg.Jobs.RetentionHours) * time.Hour,
		Logger:        logger,
	})
	jobManager.Executor = scoreService.ExecuteJob
	jobManager.OnDelete = cacheManager.InvalidateJob
	logger.Info("job manager ready",
		zap.Int("max_concurrent", cfg.Jobs.MaxConcurrent),
		zap.Int("queue_size", cfg.Jobs.QueueSize),
		zap.Int("retention_hours", cfg.Jobs.RetentionHours),
		zap.Int("workers_per_job", cfg.Scoring.Workers))

	jobManager.Start()
	defer jobManager.Stop()

	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
		Service:     scoreService,
		Cache:       cacheManager,
		Renderer:    renderer,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", fmt.Sprintf("http://localhost:%d", cfg.Server.Port)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

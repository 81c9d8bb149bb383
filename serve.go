package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"fileconv/api"
	"fileconv/config"
	"fileconv/convert"
	"fileconv/document"
	"fileconv/ffmpeg"
	"fileconv/format"
	"fileconv/imgconv"
	"fileconv/job"
	"fileconv/logging"
	"fileconv/probe"
	"fileconv/progress"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
)

const lockFileName = ".fileconv.lock"

func runServe(parent context.Context) error {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	slog.SetDefault(logger)
	gin.SetMode(gin.ReleaseMode)

	for _, dir := range []string{cfg.UploadDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	// 2. Refuse to share working directories with another instance
	lock := flock.New(filepath.Join(cfg.UploadDir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another fileconv instance is using %s", cfg.UploadDir)
	}
	defer lock.Unlock()

	// 3. Probe tools and build the adapters
	tools := probe.New()
	for _, s := range tools.Check(probe.Known) {
		if s.Available {
			logger.Info("tool available", "tool", s.Command, "path", s.Path)
		} else {
			logger.Warn("tool unavailable", "tool", s.Command, "optional", s.Optional, "detail", s.Detail)
		}
	}

	formats := format.NewRegistry()
	broadcaster := progress.New(logger.With("component", "broadcaster"))
	converters := map[format.Family]convert.Converter{
		format.FamilyVideo: ffmpeg.NewRunner(cfg, logger),
		format.FamilyImage: imgconv.New(logger),
		format.FamilyDocument: document.New(tools, document.Options{
			Density:     cfg.DocDensity,
			Concurrency: cfg.PageConcurrency,
		}, logger),
	}

	manager, err := job.NewManager(cfg, job.Deps{
		Formats:    formats,
		Converters: converters,
		Publisher:  broadcaster,
		Logger:     logger.With("component", "jobs"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize job manager: %w", err)
	}

	// 4. Set up router and server
	router := api.SetupRouter(cfg, api.Deps{
		Manager:     manager,
		Formats:     formats,
		Broadcaster: broadcaster,
		Tools:       tools,
		Logger:      logger.With("component", "http"),
	})

	// 5. Start background services and HTTP server
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	manager.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "upload_dir", cfg.UploadDir, "output_dir", cfg.OutputDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 6. Wait for interrupt signal for graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	stop()
	logger.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	manager.Wait()

	logger.Info("server exiting")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/otcheredev/ris-dicom-archive/internal/app"
	"github.com/otcheredev/ris-dicom-archive/internal/config"
	"github.com/otcheredev/ris-dicom-archive/internal/handlers"
	"github.com/otcheredev/ris-dicom-archive/pkg/logger"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("Starting DICOM Archive")

	a, err := app.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize archive")
	}
	defer a.Close()

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(a.DB, a.Locker)
	studyHandler := handlers.NewStudyHandler(a.Archive)
	storeHandler := handlers.NewStoreHandler(a.Archive, filepath.Join(cfg.Archive.StagingRoot, "stow"), cfg.Server.MaxUploadBytes)
	workItemHandler := handlers.NewWorkItemHandler(a.Archive)

	router := handlers.Router(cfg, healthHandler, studyHandler, storeHandler, workItemHandler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Work item runner
	runnerDone := make(chan struct{})
	if cfg.Worker.Enabled {
		runner := a.Archive.Runner(cfg.Worker.PollInterval)
		go func() {
			defer close(runnerDone)
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Work item runner stopped")
			}
		}()
	} else {
		close(runnerDone)
	}

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed to start")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	<-runnerDone

	log.Info().Msg("Server stopped")
}

// Package app assembles the archive from its configuration for the server
// and the command line tool.
package app

import (
	"fmt"

	"github.com/otcheredev/ris-dicom-archive/internal/config"
	"github.com/otcheredev/ris-dicom-archive/internal/database"
	"github.com/otcheredev/ris-dicom-archive/internal/lock"
	"github.com/otcheredev/ris-dicom-archive/internal/repository"
	"github.com/otcheredev/ris-dicom-archive/internal/rules"
	"github.com/otcheredev/ris-dicom-archive/internal/services"
	"github.com/otcheredev/ris-dicom-archive/internal/storage"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// App holds the long-lived components
type App struct {
	Config  *config.Config
	DB      *gorm.DB
	Store   *repository.Store
	Locator *storage.Locator
	Locker  lock.Locker
	Archive *services.ArchiveService
}

// Open connects to the database and the lock backend and builds the services
func Open(cfg *config.Config) (*App, error) {
	db, err := database.Open(database.Config{
		Driver:     cfg.Database.Driver,
		Host:       cfg.Database.Host,
		Port:       cfg.Database.Port,
		User:       cfg.Database.User,
		Password:   cfg.Database.Password,
		DBName:     cfg.Database.DBName,
		SSLMode:    cfg.Database.SSLMode,
		SQLitePath: cfg.Database.SQLitePath,
		LogLevel:   cfg.Database.LogLevel,
	})
	if err != nil {
		return nil, err
	}

	var locker lock.Locker
	if cfg.Lock.Type == "redis" {
		addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
		locker, err = lock.NewRedisLocker(addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			_ = database.Close(db)
			return nil, err
		}
		log.Info().Str("addr", addr).Msg("Redis study lock initialized")
	} else {
		locker = lock.NewMemoryLocker()
		log.Info().Msg("Memory study lock initialized")
	}

	store := repository.NewStore(db)
	locator := storage.NewLocator(cfg.Archive, storage.FreeBytes)
	return &App{
		Config:  cfg,
		DB:      db,
		Store:   store,
		Locator: locator,
		Locker:  locker,
		Archive: services.NewArchiveService(store, locator, locker, rules.NewLoggingEngine(), cfg),
	}, nil
}

// Close releases the lock backend and the database
func (a *App) Close() {
	if err := a.Locker.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close study lock")
	}
	if err := database.Close(a.DB); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}

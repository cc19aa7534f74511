// Package app wires the application's components together.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	registryclient "github.com/easel-sd/easel/internal/clients/registry"
	"github.com/easel-sd/easel/internal/common"
	"github.com/easel-sd/easel/internal/events"
	"github.com/easel-sd/easel/internal/interfaces"
	"github.com/easel-sd/easel/internal/services/download"
	"github.com/easel-sd/easel/internal/services/engine"
	"github.com/easel-sd/easel/internal/services/jobrunner"
	"github.com/easel-sd/easel/internal/storage"
)

// App holds all initialized components.
type App struct {
	Config    *common.Config
	Logger    *common.Logger
	Storage   interfaces.StorageManager
	Bus       *events.Bus
	Hub       *events.WSHub
	Manager   interfaces.ModelManager
	Downloads interfaces.DownloadService
	Processor *jobrunner.Processor

	// InstanceID is a stable identifier for this installation, minted on
	// first boot and persisted so it survives restarts.
	InstanceID  string
	StartupTime time.Time

	manager   *engine.Manager
	downloads *download.Service
}

// New creates the application with all components wired but not started.
func New(config *common.Config, logger *common.Logger) (*App, error) {
	store, err := storage.NewManager(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	bus := events.NewBus(logger)
	hub := events.NewWSHub(bus, logger)
	manager := engine.NewManager(config, bus, logger)

	regClient := registryclient.NewClient(
		registryclient.WithBaseURL(config.Registry.BaseURL),
		registryclient.WithTimeout(config.Registry.GetTimeout()),
		registryclient.WithRateLimit(config.Registry.RateLimit),
		registryclient.WithLogger(logger),
	)
	downloads := download.NewService(store.Downloads(), regClient, bus, logger, config)
	processor := jobrunner.NewProcessor(store, manager, bus, logger, config)

	instanceID, err := loadInstanceID(store.KV())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve instance id: %w", err)
	}

	return &App{
		Config:      config,
		Logger:      logger,
		Storage:     store,
		Bus:         bus,
		Hub:         hub,
		Manager:     manager,
		Downloads:   downloads,
		Processor:   processor,
		InstanceID:  instanceID,
		StartupTime: time.Now(),
		manager:     manager,
		downloads:   downloads,
	}, nil
}

const instanceIDKey = "instance_id"

// loadInstanceID reads the persisted instance id, minting one on first boot.
func loadInstanceID(kv interfaces.KVStore) (string, error) {
	ctx := context.Background()
	if id, err := kv.Get(ctx, instanceIDKey); err == nil && id != "" {
		return id, nil
	}
	id := uuid.New().String()
	if err := kv.Set(ctx, instanceIDKey, id); err != nil {
		return "", err
	}
	return id, nil
}

// Start brings up the background components: websocket fan-out, engine
// lifecycle (preloads and janitor), job processor, and download janitor.
func (a *App) Start(ctx context.Context) {
	go a.Hub.Run()
	a.manager.Init(ctx)
	a.Processor.Start()
	a.downloads.Run()
	a.Logger.Info().Str("version", common.GetVersion()).Msg("Application started")
}

// Stop shuts the components down in reverse dependency order.
func (a *App) Stop(ctx context.Context) {
	a.Processor.Stop()
	a.downloads.Stop()
	a.manager.Shutdown(ctx)
	a.Hub.Stop()
	if err := a.Storage.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to close storage")
	}
	a.Logger.Info().Msg("Application stopped")
}

// Package storage provides the top-level StorageManager backed by a single
// embedded BadgerHold database.
package storage

import (
	"fmt"

	"github.com/easel-sd/easel/internal/common"
	"github.com/easel-sd/easel/internal/interfaces"
	"github.com/easel-sd/easel/internal/storage/badger"
)

// Manager implements interfaces.StorageManager.
type Manager struct {
	store     *badger.Store
	jobs      interfaces.JobStore
	images    interfaces.ImageStore
	downloads interfaces.DownloadStore
	kv        interfaces.KVStore
	logger    *common.Logger
}

// NewManager opens the embedded database and wires the per-aggregate stores.
func NewManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	store, err := badger.NewStore(logger, config.Storage.DataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	logger.Info().Str("path", config.Storage.DataPath).Msg("Storage manager initialized")

	return &Manager{
		store:     store,
		jobs:      badger.NewJobStore(store, logger),
		images:    badger.NewImageStore(store, logger),
		downloads: badger.NewDownloadStore(store, logger),
		kv:        badger.NewKVStorage(store, logger),
		logger:    logger,
	}, nil
}

func (m *Manager) Jobs() interfaces.JobStore           { return m.jobs }
func (m *Manager) Images() interfaces.ImageStore       { return m.images }
func (m *Manager) Downloads() interfaces.DownloadStore { return m.downloads }
func (m *Manager) KV() interfaces.KVStore              { return m.kv }

// Close closes the underlying database.
func (m *Manager) Close() error {
	return m.store.Close()
}

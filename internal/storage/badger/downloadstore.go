package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/easel-sd/easel/internal/common"
	"github.com/easel-sd/easel/internal/models"
)

type downloadStore struct {
	store  *Store
	logger *common.Logger
}

// NewDownloadStore creates a new DownloadStore backed by BadgerHold.
func NewDownloadStore(store *Store, logger *common.Logger) *downloadStore {
	return &downloadStore{store: store, logger: logger}
}

func (s *downloadStore) Save(_ context.Context, d *models.Download) error {
	if d.ID == "" {
		return fmt.Errorf("download requires an id")
	}
	if err := s.store.db.Upsert(d.ID, d); err != nil {
		return fmt.Errorf("failed to save download '%s': %w", d.ID, err)
	}
	return nil
}

func (s *downloadStore) Get(_ context.Context, id string) (*models.Download, error) {
	var d models.Download
	err := s.store.db.Get(id, &d)
	if err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("download '%s': %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get download '%s': %w", id, err)
	}
	return &d, nil
}

func (s *downloadStore) All(_ context.Context) ([]*models.Download, error) {
	var downloads []models.Download
	q := (&badgerhold.Query{}).SortBy("CreatedAt").Reverse()
	if err := s.store.db.Find(&downloads, q); err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	out := make([]*models.Download, len(downloads))
	for i := range downloads {
		out[i] = &downloads[i]
	}
	return out, nil
}

func (s *downloadStore) Delete(_ context.Context, id string) error {
	err := s.store.db.Delete(id, models.Download{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete download '%s': %w", id, err)
	}
	return nil
}

func (s *downloadStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	downloads, err := s.All(ctx)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, d := range downloads {
		if !d.Terminal() {
			continue
		}
		ref := d.CompletedAt
		if ref.IsZero() {
			ref = d.CreatedAt
		}
		if ref.After(cutoff) {
			continue
		}
		if err := s.Delete(ctx, d.ID); err != nil {
			s.logger.Warn().Str("download_id", d.ID).Err(err).Msg("Failed to purge download record")
			continue
		}
		purged++
	}
	return purged, nil
}

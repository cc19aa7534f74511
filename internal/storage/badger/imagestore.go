package badger

import (
	"context"
	"fmt"

	"github.com/timshannon/badgerhold/v4"

	"github.com/easel-sd/easel/internal/common"
	"github.com/easel-sd/easel/internal/models"
)

type imageStore struct {
	store  *Store
	logger *common.Logger
}

// NewImageStore creates a new ImageStore backed by BadgerHold.
func NewImageStore(store *Store, logger *common.Logger) *imageStore {
	return &imageStore{store: store, logger: logger}
}

func (s *imageStore) Save(_ context.Context, blob *models.ImageBlob) error {
	if blob.ID == "" {
		return fmt.Errorf("image blob requires an id")
	}
	if err := s.store.db.Upsert(blob.ID, blob); err != nil {
		return fmt.Errorf("failed to save image '%s': %w", blob.ID, err)
	}
	s.logger.Debug().Str("image_id", blob.ID).Int("bytes", len(blob.Data)).Msg("Image saved")
	return nil
}

func (s *imageStore) Get(_ context.Context, id string) (*models.ImageBlob, error) {
	var blob models.ImageBlob
	err := s.store.db.Get(id, &blob)
	if err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("image '%s': %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get image '%s': %w", id, err)
	}
	return &blob, nil
}

func (s *imageStore) Delete(_ context.Context, id string) error {
	err := s.store.db.Delete(id, models.ImageBlob{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete image '%s': %w", id, err)
	}
	return nil
}

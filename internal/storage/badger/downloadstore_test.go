package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/easel-sd/easel/internal/common"
	"github.com/easel-sd/easel/internal/models"
)

func newTestDownloadStore(t *testing.T) *downloadStore {
	t.Helper()
	return NewDownloadStore(newTestStore(t), common.NewSilentLogger())
}

func TestDownloadStoreSaveGet(t *testing.T) {
	s := newTestDownloadStore(t)
	ctx := context.Background()

	d := &models.Download{
		ID:     "dl-1",
		Repo:   "stabilityai/sd-turbo",
		Status: models.DownloadStatusDownloading,
		Files: []models.DownloadFile{
			{Path: "sd_turbo.safetensors", TotalBytes: 100, Downloaded: 40},
		},
		CreatedAt: time.Now(),
	}
	d.Recompute()

	if err := s.Save(ctx, d); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Get(ctx, "dl-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Repo != "stabilityai/sd-turbo" {
		t.Errorf("repo = %q", got.Repo)
	}
	if got.BytesDownloaded != 40 || got.TotalBytes != 100 {
		t.Errorf("aggregates = %d/%d, want 40/100", got.BytesDownloaded, got.TotalBytes)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDownloadStorePurgeTerminal(t *testing.T) {
	s := newTestDownloadStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	records := []*models.Download{
		{ID: "done-old", Status: models.DownloadStatusCompleted, CreatedAt: old, CompletedAt: old},
		{ID: "failed-old", Status: models.DownloadStatusFailed, CreatedAt: old, CompletedAt: old},
		{ID: "done-recent", Status: models.DownloadStatusCompleted, CreatedAt: time.Now(), CompletedAt: time.Now()},
		{ID: "active", Status: models.DownloadStatusDownloading, CreatedAt: old},
	}
	for _, d := range records {
		if err := s.Save(ctx, d); err != nil {
			t.Fatalf("Save(%s) error = %v", d.ID, err)
		}
	}

	purged, err := s.PurgeTerminal(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeTerminal() error = %v", err)
	}
	if purged != 2 {
		t.Errorf("purged = %d, want 2", purged)
	}

	remaining, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("len(remaining) = %d, want 2", len(remaining))
	}
	for _, d := range remaining {
		if d.ID == "done-old" || d.ID == "failed-old" {
			t.Errorf("record %s survived purge", d.ID)
		}
	}
}

func TestImageStoreRoundTrip(t *testing.T) {
	s := NewImageStore(newTestStore(t), common.NewSilentLogger())
	ctx := context.Background()

	blob := &models.ImageBlob{ID: "img-1", MIME: "image/png", Data: []byte{0x89, 0x50, 0x4e, 0x47}}
	if err := s.Save(ctx, blob); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Get(ctx, "img-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.MIME != "image/png" || len(got.Data) != 4 {
		t.Errorf("got MIME=%q len=%d", got.MIME, len(got.Data))
	}

	if err := s.Delete(ctx, "img-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "img-1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

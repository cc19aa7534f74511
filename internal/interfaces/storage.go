// Package interfaces defines service contracts for Easel
package interfaces

import (
	"context"
	"time"

	"github.com/easel-sd/easel/internal/models"
)

// StorageManager coordinates all storage backends.
type StorageManager interface {
	Jobs() JobStore
	Images() ImageStore
	Downloads() DownloadStore
	KV() KVStore

	Close() error
}

// JobStore is the persistent FIFO job queue merged with job history.
type JobStore interface {
	// Enqueue assigns an id, sets status pending and created_at, and persists.
	Enqueue(ctx context.Context, job *models.Job) error

	// ClaimNextPending atomically selects the oldest pending job and moves it
	// to processing. Returns nil when the queue is empty. Two concurrent
	// callers never claim the same job.
	ClaimNextPending(ctx context.Context) (*models.Job, error)

	Get(ctx context.Context, id string) (*models.Job, error)

	// List returns jobs newest-first with the total match count.
	List(ctx context.Context, filter models.JobFilter, limit, offset int) ([]*models.Job, int, error)

	SetProgress(ctx context.Context, id string, progress float64) error
	SetModelLoadingTime(ctx context.Context, id string, ms int64) error
	AppendImage(ctx context.Context, jobID string, img models.GeneratedImage) error

	// Complete marks the job completed with final progress 1.0.
	Complete(ctx context.Context, id string, generationTimeMS int64) error

	// Fail marks the job failed and records the error message.
	Fail(ctx context.Context, id string, msg string) error

	// Cancel transitions pending -> cancelled only.
	Cancel(ctx context.Context, id string) error

	Delete(ctx context.Context, id string) error

	CountPending(ctx context.Context) (int, error)

	// ResetOrphaned returns processing jobs to pending after a crash.
	ResetOrphaned(ctx context.Context) (int, error)
}

// ImageStore persists generated image binary payloads.
type ImageStore interface {
	Save(ctx context.Context, blob *models.ImageBlob) error
	Get(ctx context.Context, id string) (*models.ImageBlob, error)
	Delete(ctx context.Context, id string) error
}

// DownloadStore persists model download records.
type DownloadStore interface {
	Save(ctx context.Context, d *models.Download) error
	Get(ctx context.Context, id string) (*models.Download, error)
	All(ctx context.Context) ([]*models.Download, error)
	Delete(ctx context.Context, id string) error

	// PurgeTerminal removes terminal records completed before the cutoff.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error)
}

// KVStore is a small system key-value store for bookkeeping.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

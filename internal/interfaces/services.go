package interfaces

import (
	"context"

	"github.com/easel-sd/easel/internal/models"
)

// ModelManager owns engine process lifecycle.
type ModelManager interface {
	Get(id string) *models.ModelDescriptor
	All() []*models.ModelDescriptor
	Default() *models.ModelDescriptor
	Running() []string

	// Start spawns the engine for a server-mode model and waits for readiness.
	// For cli-mode models it returns a stub status without spawning.
	Start(ctx context.Context, id string) (*models.ProcessStatus, error)

	Stop(ctx context.Context, id string) error
	Status(id string) (*models.ProcessStatus, error)

	// EnsureRunning starts the model if needed and returns the engine API base
	// URL for server mode, or "" for cli mode.
	EnsureRunning(ctx context.Context, id string) (string, error)

	// Logs returns the tail of the captured child output for a model.
	Logs(id string) []string
}

// DownloadService coordinates model file downloads.
type DownloadService interface {
	Start(ctx context.Context, repo string, files []string) (*models.Download, error)
	Status(id string) (*models.Download, error)
	Cancel(id string) error
	All() []*models.Download
}

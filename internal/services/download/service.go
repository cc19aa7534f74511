// Package download implements the resumable multi-file model downloader:
// sequential file fetches with Range resume, aggregate progress accounting,
// and terminal-record cleanup.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	registryclient "github.com/easel-sd/easel/internal/clients/registry"
	"github.com/easel-sd/easel/internal/common"
	"github.com/easel-sd/easel/internal/events"
	"github.com/easel-sd/easel/internal/interfaces"
	"github.com/easel-sd/easel/internal/models"
)

const (
	progressInterval = 500 * time.Millisecond
	progressBytes    = 1 << 20 // 1 MiB
	copyBufferSize   = 32 << 10
)

// Service coordinates model downloads. One goroutine per download; files
// within a download run sequentially.
type Service struct {
	store    interfaces.DownloadStore
	client   *registryclient.Client
	bus      *events.Bus
	logger   *common.Logger
	destRoot string

	maxAge          time.Duration
	cleanupInterval time.Duration

	mu     sync.Mutex
	active map[string]context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a download service.
func NewService(
	store interfaces.DownloadStore,
	client *registryclient.Client,
	bus *events.Bus,
	logger *common.Logger,
	config *common.Config,
) *Service {
	return &Service{
		store:           store,
		client:          client,
		bus:             bus,
		logger:          logger,
		destRoot:        config.Storage.ModelsPath,
		maxAge:          config.Processor.GetDownloadMaxAge(),
		cleanupInterval: config.Processor.GetCleanupInterval(),
		active:          make(map[string]context.CancelFunc),
	}
}

// safeGo launches a goroutine with panic recovery and logging.
func (s *Service) safeGo(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in download goroutine")
			}
		}()
		fn()
	}()
}

// Run starts the cleanup janitor.
func (s *Service) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.safeGo("cleanup", func() { s.cleanupLoop(ctx) })
}

// Stop cancels active downloads and the janitor, then waits.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info().Msg("Download service stopped")
}

// Start validates the repo against the registry and begins downloading the
// named files. An empty file list means every file the repo publishes.
func (s *Service) Start(ctx context.Context, repo string, files []string) (*models.Download, error) {
	info, err := s.client.GetModelInfo(ctx, repo)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		files = info.Files()
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("repo '%s' has no files: %w", repo, models.ErrNotFound)
	}

	d := &models.Download{
		ID:        uuid.New().String(),
		Repo:      repo,
		Status:    models.DownloadStatusDownloading,
		CreatedAt: time.Now(),
		StartedAt: time.Now(),
	}
	for _, path := range files {
		d.Files = append(d.Files, models.DownloadFile{
			Path: path,
			Dest: filepath.Join(s.destRoot, filepath.FromSlash(repo), filepath.FromSlash(path)),
		})
	}

	if err := s.store.Save(ctx, d); err != nil {
		return nil, err
	}

	dlCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.active[d.ID] = cancel
	s.mu.Unlock()

	s.logger.Info().Str("download_id", d.ID).Str("repo", repo).Int("files", len(files)).Msg("Download started")

	// The worker goroutine owns the live record from here on; callers and
	// the bus only ever see detached copies.
	snap := d.Clone()
	s.bus.PublishDownload(snap)

	s.safeGo("download-"+d.ID, func() { s.run(dlCtx, d) })
	return snap, nil
}

// Status returns the persisted aggregate view of a download.
func (s *Service) Status(id string) (*models.Download, error) {
	return s.store.Get(context.Background(), id)
}

// All lists every download record, newest first.
func (s *Service) All() []*models.Download {
	downloads, err := s.store.All(context.Background())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list downloads")
		return nil
	}
	return downloads
}

// Cancel aborts an in-flight download, or finalizes a stale record.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	cancel, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	ctx := context.Background()
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Terminal() {
		return nil
	}
	d.Status = models.DownloadStatusCancelled
	d.CompletedAt = time.Now()
	if err := s.store.Save(ctx, d); err != nil {
		return err
	}
	s.bus.PublishDownload(d)
	return nil
}

// Cleanup removes terminal records older than maxAge.
func (s *Service) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	return s.store.PurgeTerminal(ctx, time.Now().Add(-maxAge))
}

func (s *Service) cleanupLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cleanupInterval):
			if purged, err := s.Cleanup(ctx, s.maxAge); err != nil {
				s.logger.Warn().Err(err).Msg("Download cleanup failed")
			} else if purged > 0 {
				s.logger.Info().Int("purged", purged).Msg("Purged old download records")
			}
		}
	}
}

// run fetches the download's files sequentially and finalizes the record.
func (s *Service) run(ctx context.Context, d *models.Download) {
	defer func() {
		s.mu.Lock()
		delete(s.active, d.ID)
		s.mu.Unlock()
	}()

	var failure error
	for i := range d.Files {
		if err := s.fetchFile(ctx, d, i); err != nil {
			failure = err
			break
		}
	}

	now := time.Now()
	switch {
	case failure == nil:
		d.Status = models.DownloadStatusCompleted
		d.CompletedAt = now
		d.SpeedBPS = 0
		d.ETASeconds = 0
	case errors.Is(failure, models.ErrDownloadCancelled) || ctx.Err() != nil:
		d.Status = models.DownloadStatusCancelled
		d.CompletedAt = now
		s.logger.Info().Str("download_id", d.ID).Msg("Download cancelled")
	default:
		d.Status = models.DownloadStatusFailed
		d.Error = failure.Error()
		d.CompletedAt = now
		s.logger.Warn().Str("download_id", d.ID).Err(failure).Msg("Download failed")
	}
	d.Recompute()

	if err := s.store.Save(context.Background(), d); err != nil {
		s.logger.Warn().Str("download_id", d.ID).Err(err).Msg("Failed to save final download state")
	}
	s.bus.PublishDownload(d.Clone())
}

// fetchFile downloads one file with Range resume from whatever is already
// on disk.
func (s *Service) fetchFile(ctx context.Context, d *models.Download, idx int) error {
	f := &d.Files[idx]
	if f.Complete {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(f.Dest), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	var offset int64
	if fi, err := os.Stat(f.Dest); err == nil {
		offset = fi.Size()
	}

	resp, err := s.client.FetchFile(ctx, d.Repo, f.Path, offset)
	if err != nil {
		if ctx.Err() != nil {
			return models.ErrDownloadCancelled
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		// Everything already on disk.
		f.Downloaded = offset
		f.TotalBytes = offset
		f.Complete = true
		return nil
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if resp.StatusCode != http.StatusPartialContent && offset > 0 {
		// The server ignored the range; start over.
		offset = 0
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}

	f.Downloaded = offset
	f.TotalBytes = totalSize(resp, offset)

	out, err := os.OpenFile(f.Dest, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open destination: %w", err)
	}
	defer out.Close()

	lastFlush := time.Now()
	lastBytes := f.Downloaded
	buf := make([]byte, copyBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to write destination: %w", werr)
			}
			f.Downloaded += int64(n)

			if time.Since(lastFlush) >= progressInterval || f.Downloaded-lastBytes >= progressBytes {
				s.flushProgress(d, f, lastFlush, lastBytes)
				lastFlush = time.Now()
				lastBytes = f.Downloaded
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return models.ErrDownloadCancelled
			}
			return fmt.Errorf("%w: %v", models.ErrDownloadNetwork, readErr)
		}
	}

	if f.TotalBytes == 0 {
		f.TotalBytes = f.Downloaded
	}
	f.Complete = true
	s.flushProgress(d, f, lastFlush, lastBytes)
	return nil
}

// flushProgress recomputes aggregates, derives speed and ETA from the
// window since the last flush, persists, and publishes.
func (s *Service) flushProgress(d *models.Download, f *models.DownloadFile, lastFlush time.Time, lastBytes int64) {
	elapsed := time.Since(lastFlush).Seconds()
	if elapsed > 0 {
		d.SpeedBPS = float64(f.Downloaded-lastBytes) / elapsed
	}
	d.Recompute()
	if d.SpeedBPS > 0 && d.TotalBytes > d.BytesDownloaded {
		d.ETASeconds = float64(d.TotalBytes-d.BytesDownloaded) / d.SpeedBPS
	} else {
		d.ETASeconds = 0
	}

	if err := s.store.Save(context.Background(), d); err != nil {
		s.logger.Warn().Str("download_id", d.ID).Err(err).Msg("Failed to persist download progress")
	}
	s.bus.PublishDownload(d.Clone())
}

// totalSize derives the file's full size from Content-Range when resuming,
// else from Content-Length plus the resume offset.
func totalSize(resp *http.Response, offset int64) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		// "bytes start-end/total"
		if idx := strings.LastIndex(cr, "/"); idx >= 0 {
			if total, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
				return total
			}
		}
	}
	if resp.ContentLength >= 0 {
		return offset + resp.ContentLength
	}
	return 0
}

var _ interfaces.DownloadService = (*Service)(nil)

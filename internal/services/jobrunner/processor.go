// Package jobrunner drains the persistent job queue: it claims pending
// jobs one at a time, resolves parameters, brings the model up, dispatches
// to the engine over HTTP or as a one-shot CLI run, and persists results.
package jobrunner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	engineclient "github.com/easel-sd/easel/internal/clients/engine"
	"github.com/easel-sd/easel/internal/common"
	"github.com/easel-sd/easel/internal/events"
	"github.com/easel-sd/easel/internal/interfaces"
	"github.com/easel-sd/easel/internal/models"
)

// Processor is the single cooperative queue worker. One job is in flight
// per process at any time.
type Processor struct {
	storage interfaces.StorageManager
	manager interfaces.ModelManager
	client  *engineclient.Client
	bus     *events.Bus
	logger  *common.Logger

	pollInterval time.Duration
	outputPath   string

	inFlight atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewProcessor creates a job processor.
func NewProcessor(
	storage interfaces.StorageManager,
	manager interfaces.ModelManager,
	bus *events.Bus,
	logger *common.Logger,
	config *common.Config,
) *Processor {
	return &Processor{
		storage: storage,
		manager: manager,
		client: engineclient.NewClient(
			engineclient.WithLogger(logger),
			engineclient.WithTimeout(config.Engines.GetRequestTimeout()),
		),
		bus:          bus,
		logger:       logger,
		pollInterval: config.Processor.GetPollInterval(),
		outputPath:   config.Storage.OutputPath,
	}
}

// safeGo launches a goroutine with panic recovery and logging.
func (p *Processor) safeGo(name string, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in job processor goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the poll loop. Jobs orphaned in processing by a previous
// crash return to pending first. Safe to call multiple times.
func (p *Processor) Start() {
	if p.cancel != nil {
		p.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	if count, err := p.storage.Jobs().ResetOrphaned(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to reset orphaned jobs")
	} else if count > 0 {
		p.logger.Info().Int("count", count).Msg("Reset orphaned jobs to pending")
	}

	p.safeGo("processor", func() { p.pollLoop(ctx) })
	p.logger.Info().Dur("poll_interval", p.pollInterval).Msg("Job processor started")
}

// Stop cancels the loop and waits for the in-flight job to settle.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.wg.Wait()
	p.logger.Info().Msg("Job processor stopped")
}

func (p *Processor) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval):
			p.ProcessNext(ctx)
		}
	}
}

// ProcessNext claims and executes at most one pending job. It returns true
// when a job was claimed.
func (p *Processor) ProcessNext(ctx context.Context) bool {
	if !p.inFlight.CompareAndSwap(false, true) {
		return false
	}
	defer p.inFlight.Store(false)

	job, err := p.storage.Jobs().ClaimNextPending(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Claim failed")
		return false
	}
	if job == nil {
		return false
	}

	p.execute(ctx, job)
	return true
}

func (p *Processor) execute(ctx context.Context, job *models.Job) {
	p.logger.Info().Str("job_id", job.ID).Str("type", job.Type).Str("model_id", job.ModelID).Msg("Job started")
	p.bus.PublishJob(models.EventJobStarted, job)

	desc := p.manager.Get(job.ModelID)
	if desc == nil {
		p.fail(ctx, job, fmt.Errorf("model '%s': %w", job.ModelID, models.ErrUnknownModel))
		return
	}
	params := resolveParams(job, desc)

	p.progress(ctx, job, 0.1)

	loadStart := time.Now()
	baseURL, err := p.manager.EnsureRunning(ctx, job.ModelID)
	if err != nil {
		p.fail(ctx, job, err)
		return
	}
	loadMS := time.Since(loadStart).Milliseconds()
	job.ModelLoadingTimeMS = loadMS
	if err := p.storage.Jobs().SetModelLoadingTime(ctx, job.ID, loadMS); err != nil {
		p.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to record model loading time")
	}

	p.progress(ctx, job, 0.3)

	genStart := time.Now()
	var images []engineclient.Image
	if desc.ExecMode == models.ExecModeServer {
		images, err = p.dispatchHTTP(ctx, baseURL, job, params)
	} else {
		images, err = p.dispatchCLI(ctx, job, desc, params)
	}
	if err != nil {
		p.fail(ctx, job, err)
		return
	}

	p.progress(ctx, job, 0.7)

	for i, img := range images {
		if err := p.persistImage(ctx, job, i, img, params); err != nil {
			p.fail(ctx, job, err)
			return
		}
	}

	p.progress(ctx, job, 0.9)

	genMS := time.Since(genStart).Milliseconds()
	if err := p.storage.Jobs().Complete(ctx, job.ID, genMS); err != nil {
		p.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to mark job completed")
		return
	}
	job.Status = models.JobStatusCompleted
	job.Progress = 1.0
	job.GenerationTimeMS = genMS
	p.bus.PublishJob(models.EventJobCompleted, job)

	p.logger.Info().
		Str("job_id", job.ID).
		Int64("model_loading_ms", loadMS).
		Int64("generation_ms", genMS).
		Int("images", len(images)).
		Msg("Job completed")
}

func (p *Processor) progress(ctx context.Context, job *models.Job, value float64) {
	job.Progress = value
	if err := p.storage.Jobs().SetProgress(ctx, job.ID, value); err != nil {
		p.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to persist progress")
	}
	p.bus.PublishJob(models.EventJobProgress, job)
}

func (p *Processor) fail(ctx context.Context, job *models.Job, cause error) {
	p.logger.Warn().Str("job_id", job.ID).Str("type", job.Type).Err(cause).Msg("Job failed")
	if err := p.storage.Jobs().Fail(ctx, job.ID, cause.Error()); err != nil {
		p.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to mark job failed")
	}
	job.Status = models.JobStatusFailed
	job.Error = cause.Error()
	p.bus.PublishJob(models.EventJobFailed, job)
}

func (p *Processor) persistImage(ctx context.Context, job *models.Job, index int, img engineclient.Image, params effectiveParams) error {
	id := uuid.New().String()
	blob := &models.ImageBlob{ID: id, MIME: "image/png", Data: img.Data}
	if err := p.storage.Images().Save(ctx, blob); err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}

	rec := models.GeneratedImage{
		ID:            id,
		JobID:         job.ID,
		MIME:          blob.MIME,
		Index:         index,
		RevisedPrompt: img.RevisedPrompt,
		Width:         params.Width,
		Height:        params.Height,
		URL:           "/images/" + id,
		CreatedAt:     time.Now(),
	}
	if err := p.storage.Jobs().AppendImage(ctx, job.ID, rec); err != nil {
		return fmt.Errorf("failed to record image: %w", err)
	}
	job.Images = append(job.Images, rec)
	p.bus.PublishJob(models.EventImageCreated, job)
	return nil
}

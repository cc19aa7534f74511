package badger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"

	"github.com/easel-sd/easel/internal/common"
	"github.com/easel-sd/easel/internal/models"
)

// jobStore implements interfaces.JobStore. Queue and history share one
// record type so listing and claiming read the same rows.
type jobStore struct {
	store  *Store
	logger *common.Logger

	// claimMu serializes ClaimNextPending so the select + status flip is
	// atomic with respect to concurrent processor loops on this store.
	claimMu sync.Mutex
}

// NewJobStore creates a new JobStore backed by BadgerHold.
func NewJobStore(store *Store, logger *common.Logger) *jobStore {
	return &jobStore{store: store, logger: logger}
}

func (s *jobStore) Enqueue(_ context.Context, job *models.Job) error {
	if job.ModelID == "" {
		return fmt.Errorf("%w: model is required", models.ErrJobInvalid)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.N <= 0 {
		job.N = 1
	}
	if job.Type == models.JobTypeVariation && job.Strength == nil {
		strength := models.DefaultVariationStrength
		job.Strength = &strength
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	if err := s.store.db.Insert(job.ID, job); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Debug().Str("job_id", job.ID).Str("type", job.Type).Msg("Job enqueued")
	return nil
}

func (s *jobStore) ClaimNextPending(_ context.Context) (*models.Job, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var candidates []models.Job
	q := badgerhold.Where("Status").Eq(models.JobStatusPending).SortBy("CreatedAt").Limit(1)
	if err := s.store.db.Find(&candidates, q); err != nil {
		return nil, fmt.Errorf("failed to select pending job: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	job := candidates[0]
	now := time.Now()
	job.Status = models.JobStatusProcessing
	job.StartedAt = now
	job.UpdatedAt = now

	if err := s.store.db.Update(job.ID, &job); err != nil {
		return nil, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
	}
	return &job, nil
}

func (s *jobStore) Get(_ context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := s.store.db.Get(id, &job)
	if err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job '%s': %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job '%s': %w", id, err)
	}
	return &job, nil
}

func (s *jobStore) List(_ context.Context, filter models.JobFilter, limit, offset int) ([]*models.Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var q *badgerhold.Query
	if filter.Status != "" {
		q = badgerhold.Where("Status").Eq(filter.Status)
	} else {
		q = &badgerhold.Query{}
	}

	total, err := s.store.db.Count(&models.Job{}, q)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	var jobs []models.Job
	listQ := q.SortBy("CreatedAt").Reverse().Skip(offset).Limit(limit)
	if err := s.store.db.Find(&jobs, listQ); err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	out := make([]*models.Job, len(jobs))
	for i := range jobs {
		out[i] = &jobs[i]
	}
	return out, int(total), nil
}

// update applies fn to the stored job under the claim mutex so concurrent
// field updates do not clobber each other.
func (s *jobStore) update(id string, fn func(*models.Job) error) error {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var job models.Job
	if err := s.store.db.Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("job '%s': %w", id, models.ErrNotFound)
		}
		return fmt.Errorf("failed to get job '%s': %w", id, err)
	}

	if err := fn(&job); err != nil {
		return err
	}
	job.UpdatedAt = time.Now()

	if err := s.store.db.Update(id, &job); err != nil {
		return fmt.Errorf("failed to update job '%s': %w", id, err)
	}
	return nil
}

func (s *jobStore) SetProgress(_ context.Context, id string, progress float64) error {
	return s.update(id, func(j *models.Job) error {
		if progress > j.Progress {
			j.Progress = progress
		}
		return nil
	})
}

func (s *jobStore) SetModelLoadingTime(_ context.Context, id string, ms int64) error {
	return s.update(id, func(j *models.Job) error {
		j.ModelLoadingTimeMS = ms
		return nil
	})
}

func (s *jobStore) AppendImage(_ context.Context, jobID string, img models.GeneratedImage) error {
	return s.update(jobID, func(j *models.Job) error {
		j.Images = append(j.Images, img)
		return nil
	})
}

func (s *jobStore) Complete(_ context.Context, id string, generationTimeMS int64) error {
	return s.update(id, func(j *models.Job) error {
		j.Status = models.JobStatusCompleted
		j.Progress = 1.0
		j.GenerationTimeMS = generationTimeMS
		j.CompletedAt = time.Now()
		return nil
	})
}

func (s *jobStore) Fail(_ context.Context, id string, msg string) error {
	return s.update(id, func(j *models.Job) error {
		j.Status = models.JobStatusFailed
		j.Error = msg
		j.CompletedAt = time.Now()
		return nil
	})
}

func (s *jobStore) Cancel(_ context.Context, id string) error {
	return s.update(id, func(j *models.Job) error {
		if j.Status != models.JobStatusPending {
			return fmt.Errorf("job '%s' is %s: %w", id, j.Status, models.ErrJobInvalid)
		}
		j.Status = models.JobStatusCancelled
		j.CompletedAt = time.Now()
		return nil
	})
}

func (s *jobStore) Delete(_ context.Context, id string) error {
	err := s.store.db.Delete(id, models.Job{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete job '%s': %w", id, err)
	}
	return nil
}

func (s *jobStore) CountPending(_ context.Context) (int, error) {
	count, err := s.store.db.Count(&models.Job{}, badgerhold.Where("Status").Eq(models.JobStatusPending))
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return int(count), nil
}

func (s *jobStore) ResetOrphaned(_ context.Context) (int, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var orphans []models.Job
	if err := s.store.db.Find(&orphans, badgerhold.Where("Status").Eq(models.JobStatusProcessing)); err != nil {
		return 0, fmt.Errorf("failed to find orphaned jobs: %w", err)
	}

	reset := 0
	for i := range orphans {
		j := orphans[i]
		j.Status = models.JobStatusPending
		j.Progress = 0
		j.StartedAt = time.Time{}
		j.UpdatedAt = time.Now()
		if err := s.store.db.Update(j.ID, &j); err != nil {
			s.logger.Warn().Str("job_id", j.ID).Err(err).Msg("Failed to reset orphaned job")
			continue
		}
		reset++
	}
	return reset, nil
}

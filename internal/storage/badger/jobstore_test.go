package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/easel-sd/easel/internal/common"
	"github.com/easel-sd/easel/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := common.NewSilentLogger()
	store, err := NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestJobStore(t *testing.T) *jobStore {
	t.Helper()
	return NewJobStore(newTestStore(t), common.NewSilentLogger())
}

func TestJobStoreEnqueueDefaults(t *testing.T) {
	s := newTestJobStore(t)
	ctx := context.Background()

	job := &models.Job{Type: models.JobTypeGenerate, ModelID: "sd15", Prompt: "a lighthouse"}
	if err := s.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if job.ID == "" {
		t.Error("Enqueue() did not assign an ID")
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if job.N != 1 {
		t.Errorf("N = %d, want 1", job.N)
	}

	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Prompt != "a lighthouse" {
		t.Errorf("prompt = %q", got.Prompt)
	}
}

func TestJobStoreEnqueueRequiresModel(t *testing.T) {
	s := newTestJobStore(t)

	err := s.Enqueue(context.Background(), &models.Job{Type: models.JobTypeGenerate})
	if !errors.Is(err, models.ErrJobInvalid) {
		t.Errorf("Enqueue() error = %v, want ErrJobInvalid", err)
	}
}

func TestJobStoreClaimFIFO(t *testing.T) {
	s := newTestJobStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		job := &models.Job{
			Type:      models.JobTypeGenerate,
			ModelID:   "sd15",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		ids = append(ids, job.ID)
	}

	for i := 0; i < 3; i++ {
		claimed, err := s.ClaimNextPending(ctx)
		if err != nil {
			t.Fatalf("ClaimNextPending() error = %v", err)
		}
		if claimed == nil {
			t.Fatalf("claim %d returned nil", i)
		}
		if claimed.ID != ids[i] {
			t.Errorf("claim %d = %s, want %s (FIFO order)", i, claimed.ID, ids[i])
		}
		if claimed.Status != models.JobStatusProcessing {
			t.Errorf("claimed status = %s, want processing", claimed.Status)
		}
		if claimed.StartedAt.IsZero() {
			t.Error("claimed job has zero StartedAt")
		}
	}

	claimed, err := s.ClaimNextPending(ctx)
	if err != nil {
		t.Fatalf("ClaimNextPending() on empty queue error = %v", err)
	}
	if claimed != nil {
		t.Errorf("expected nil claim on empty queue, got %s", claimed.ID)
	}
}

func TestJobStoreClaimIsExclusive(t *testing.T) {
	s := newTestJobStore(t)
	ctx := context.Background()

	const n = 8
	for i := 0; i < n; i++ {
		job := &models.Job{
			Type:      models.JobTypeGenerate,
			ModelID:   "sd15",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.ClaimNextPending(ctx)
				if err != nil {
					t.Errorf("ClaimNextPending() error = %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("claimed %d distinct jobs, want %d", len(seen), n)
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("job %s claimed %d times", id, count)
		}
	}
}

func TestJobStoreListPagination(t *testing.T) {
	s := newTestJobStore(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		job := &models.Job{
			ID:        fmt.Sprintf("job-%d", i),
			Type:      models.JobTypeGenerate,
			ModelID:   "sd15",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	jobs, total, err := s.List(ctx, models.JobFilter{}, 2, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}
	// Newest first.
	if jobs[0].ID != "job-4" || jobs[1].ID != "job-3" {
		t.Errorf("page = [%s, %s], want [job-4, job-3]", jobs[0].ID, jobs[1].ID)
	}

	jobs, _, err = s.List(ctx, models.JobFilter{}, 2, 4)
	if err != nil {
		t.Fatalf("List() with offset error = %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-0" {
		t.Errorf("last page = %v, want [job-0]", jobs)
	}
}

func TestJobStoreListStatusFilter(t *testing.T) {
	s := newTestJobStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		job := &models.Job{Type: models.JobTypeGenerate, ModelID: "sd15"}
		if err := s.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	claimed, err := s.ClaimNextPending(ctx)
	if err != nil {
		t.Fatalf("ClaimNextPending() error = %v", err)
	}
	if err := s.Complete(ctx, claimed.ID, 1234); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	jobs, total, err := s.List(ctx, models.JobFilter{Status: models.JobStatusPending}, 10, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 2 || len(jobs) != 2 {
		t.Errorf("pending filter total = %d len = %d, want 2/2", total, len(jobs))
	}

	jobs, total, err = s.List(ctx, models.JobFilter{Status: models.JobStatusCompleted}, 10, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 1 || len(jobs) != 1 {
		t.Fatalf("completed filter total = %d len = %d, want 1/1", total, len(jobs))
	}
	if jobs[0].GenerationTimeMS != 1234 {
		t.Errorf("GenerationTimeMS = %d, want 1234", jobs[0].GenerationTimeMS)
	}
	if jobs[0].Progress != 1.0 {
		t.Errorf("completed progress = %f, want 1.0", jobs[0].Progress)
	}
}

func TestJobStoreProgressMonotonic(t *testing.T) {
	s := newTestJobStore(t)
	ctx := context.Background()

	job := &models.Job{Type: models.JobTypeGenerate, ModelID: "sd15"}
	if err := s.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := s.SetProgress(ctx, job.ID, 0.7); err != nil {
		t.Fatalf("SetProgress() error = %v", err)
	}
	// A lower value must not regress the stored progress.
	if err := s.SetProgress(ctx, job.ID, 0.3); err != nil {
		t.Fatalf("SetProgress() error = %v", err)
	}

	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Progress != 0.7 {
		t.Errorf("progress = %f, want 0.7", got.Progress)
	}
}

func TestJobStoreCancelPendingOnly(t *testing.T) {
	s := newTestJobStore(t)
	ctx := context.Background()

	job := &models.Job{Type: models.JobTypeGenerate, ModelID: "sd15"}
	if err := s.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := s.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel() pending job error = %v", err)
	}

	got, _ := s.Get(ctx, job.ID)
	if got.Status != models.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// A job already claimed cannot be cancelled.
	second := &models.Job{Type: models.JobTypeGenerate, ModelID: "sd15"}
	if err := s.Enqueue(ctx, second); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := s.ClaimNextPending(ctx); err != nil {
		t.Fatalf("ClaimNextPending() error = %v", err)
	}
	if err := s.Cancel(ctx, second.ID); !errors.Is(err, models.ErrJobInvalid) {
		t.Errorf("Cancel() processing job error = %v, want ErrJobInvalid", err)
	}
}

func TestJobStoreAppendImage(t *testing.T) {
	s := newTestJobStore(t)
	ctx := context.Background()

	job := &models.Job{Type: models.JobTypeGenerate, ModelID: "sd15", N: 2}
	if err := s.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		img := models.GeneratedImage{ID: fmt.Sprintf("img-%d", i), URL: fmt.Sprintf("/images/img-%d", i)}
		if err := s.AppendImage(ctx, job.ID, img); err != nil {
			t.Fatalf("AppendImage() error = %v", err)
		}
	}

	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Images) != 2 {
		t.Fatalf("len(Images) = %d, want 2", len(got.Images))
	}
	if got.Images[1].ID != "img-1" {
		t.Errorf("Images[1].ID = %s, want img-1", got.Images[1].ID)
	}
}

func TestJobStoreResetOrphaned(t *testing.T) {
	s := newTestJobStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		job := &models.Job{Type: models.JobTypeGenerate, ModelID: "sd15"}
		if err := s.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	claimed, err := s.ClaimNextPending(ctx)
	if err != nil {
		t.Fatalf("ClaimNextPending() error = %v", err)
	}
	if err := s.SetProgress(ctx, claimed.ID, 0.5); err != nil {
		t.Fatalf("SetProgress() error = %v", err)
	}

	reset, err := s.ResetOrphaned(ctx)
	if err != nil {
		t.Fatalf("ResetOrphaned() error = %v", err)
	}
	if reset != 1 {
		t.Errorf("reset = %d, want 1", reset)
	}

	got, _ := s.Get(ctx, claimed.ID)
	if got.Status != models.JobStatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.Progress != 0 {
		t.Errorf("progress = %f, want 0", got.Progress)
	}

	pending, err := s.CountPending(ctx)
	if err != nil {
		t.Fatalf("CountPending() error = %v", err)
	}
	if pending != 2 {
		t.Errorf("pending = %d, want 2", pending)
	}
}

func TestJobStoreFailAndDelete(t *testing.T) {
	s := newTestJobStore(t)
	ctx := context.Background()

	job := &models.Job{Type: models.JobTypeGenerate, ModelID: "sd15"}
	if err := s.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := s.ClaimNextPending(ctx); err != nil {
		t.Fatalf("ClaimNextPending() error = %v", err)
	}
	if err := s.Fail(ctx, job.ID, "engine exited unexpectedly"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	got, _ := s.Get(ctx, job.ID)
	if got.Status != models.JobStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Error != "engine exited unexpectedly" {
		t.Errorf("error = %q", got.Error)
	}
	if got.CompletedAt.IsZero() {
		t.Error("failed job has zero CompletedAt")
	}

	if err := s.Delete(ctx, job.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, job.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

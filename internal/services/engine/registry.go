// Package engine owns the lifecycle of inference engine processes: the
// process registry, port bookkeeping, spawn and readiness, and teardown.
package engine

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/easel-sd/easel/internal/common"
	"github.com/easel-sd/easel/internal/models"
)

// processRecord is the registry's internal view of one child process.
// The exec handle and cancel func never leave this package.
type processRecord struct {
	ModelID         string
	PID             int
	Port            int
	ExecMode        string
	Status          string
	StartedAt       time.Time
	LastHeartbeatAt time.Time

	cmd    *exec.Cmd
	cancel context.CancelFunc
	output *outputBuffer
	exited chan struct{} // closed by the exit watcher
}

// snapshot converts the record to its externally visible form.
func (r *processRecord) snapshot() *models.ProcessStatus {
	s := &models.ProcessStatus{
		ModelID:         r.ModelID,
		PID:             r.PID,
		Port:            r.Port,
		ExecMode:        r.ExecMode,
		Status:          r.Status,
		StartedAt:       r.StartedAt,
		LastHeartbeatAt: r.LastHeartbeatAt,
	}
	if !r.StartedAt.IsZero() {
		s.UptimeMS = time.Since(r.StartedAt).Milliseconds()
	}
	return s
}

// Registry tracks running server-mode processes and the ports they hold.
// One record per model id, one record per port; a single mutex guards both.
type Registry struct {
	mu        sync.Mutex
	procs     map[string]*processRecord
	usedPorts map[int]bool
	portStart int
	portEnd   int
	logger    *common.Logger
}

// NewRegistry creates a registry allocating ports from [portStart, portEnd).
func NewRegistry(portStart, portEnd int, logger *common.Logger) *Registry {
	return &Registry{
		procs:     make(map[string]*processRecord),
		usedPorts: make(map[int]bool),
		portStart: portStart,
		portEnd:   portEnd,
		logger:    logger,
	}
}

// AllocatePort reserves a free port, preferring the given one when it is
// unclaimed and bindable; the configured range governs only the fallback
// scan. A loopback bind probe confirms the OS agrees.
func (r *Registry) AllocatePort(preferred int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if preferred > 0 && !r.usedPorts[preferred] && portFree(preferred) {
		r.usedPorts[preferred] = true
		return preferred, nil
	}

	for port := r.portStart; port < r.portEnd; port++ {
		if r.usedPorts[port] || !portFree(port) {
			continue
		}
		r.usedPorts[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("%w: no free port in %d-%d", models.ErrPortExhausted, r.portStart, r.portEnd)
}

// ReleasePort returns a port to the pool.
func (r *Registry) ReleasePort(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.usedPorts, port)
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// register adds a record. A live record under the same model id is an error;
// callers must terminate the previous child first.
func (r *Registry) register(rec *processRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.procs[rec.ModelID]; ok && models.ProcessAlive(existing.Status) {
		return fmt.Errorf("model '%s': %w", rec.ModelID, models.ErrAlreadyRunning)
	}
	r.procs[rec.ModelID] = rec
	return nil
}

// unregister removes the record for a model and releases its port. The
// port is freed only when the departing record still owns it.
func (r *Registry) unregister(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.procs[modelID]
	if !ok {
		return
	}
	delete(r.procs, modelID)
	if rec.Port != 0 {
		delete(r.usedPorts, rec.Port)
	}
}

// get returns the record for a model, or nil.
func (r *Registry) get(modelID string) *processRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[modelID]
}

// Status returns the visible status for a model, or nil when not tracked.
func (r *Registry) Status(modelID string) *models.ProcessStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.procs[modelID]; ok {
		return rec.snapshot()
	}
	return nil
}

// GetByPort returns the status of the process holding the given port, or
// nil when no tracked process owns it.
func (r *Registry) GetByPort(port int) *models.ProcessStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.procs {
		if rec.Port == port {
			return rec.snapshot()
		}
	}
	return nil
}

// All returns visible statuses for every tracked process.
func (r *Registry) All() []*models.ProcessStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.ProcessStatus, 0, len(r.procs))
	for _, rec := range r.procs {
		out = append(out, rec.snapshot())
	}
	return out
}

// ByExecMode returns visible statuses for every tracked process in the
// given exec mode.
func (r *Registry) ByExecMode(mode string) []*models.ProcessStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.ProcessStatus, 0)
	for _, rec := range r.procs {
		if rec.ExecMode == mode {
			out = append(out, rec.snapshot())
		}
	}
	return out
}

// IsRunning reports whether a model has a record in the running state.
func (r *Registry) IsRunning(modelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.procs[modelID]
	return ok && rec.Status == models.ProcessStatusRunning
}

// Heartbeat records that the model's engine answered a request. An answer
// from a starting engine proves readiness, so the record advances to
// running.
func (r *Registry) Heartbeat(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.procs[modelID]; ok {
		rec.LastHeartbeatAt = time.Now()
		if rec.Status == models.ProcessStatusStarting {
			rec.Status = models.ProcessStatusRunning
		}
	}
}

// UpdateStatus transitions a model's record and returns the new snapshot,
// or nil when the model is not tracked.
func (r *Registry) UpdateStatus(modelID, status string) *models.ProcessStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.procs[modelID]
	if !ok {
		return nil
	}
	rec.Status = status
	return rec.snapshot()
}

// markExited finalizes a record after its child has been reaped: stopping
// becomes stopped, anything else live becomes error. The record leaves the
// registry and its port is released.
func (r *Registry) markExited(rec *processRecord) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	final := models.ProcessStatusStopped
	if rec.Status != models.ProcessStatusStopping {
		final = models.ProcessStatusError
	}
	rec.Status = final
	if cur, ok := r.procs[rec.ModelID]; ok && cur == rec {
		delete(r.procs, rec.ModelID)
		delete(r.usedPorts, rec.Port)
	}
	return final
}

// CleanupZombies removes records whose child has exited but whose status
// was never advanced, releasing their ports. Returns the affected model ids.
// The exit watcher normally handles this; the janitor is the backstop.
func (r *Registry) CleanupZombies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reaped []string
	for id, rec := range r.procs {
		if !models.ProcessAlive(rec.Status) {
			continue
		}
		if rec.cmd == nil || rec.cmd.ProcessState == nil {
			continue
		}
		rec.Status = models.ProcessStatusError
		delete(r.procs, id)
		if rec.Port != 0 {
			delete(r.usedPorts, rec.Port)
		}
		reaped = append(reaped, id)
		r.logger.Warn().Str("model_id", id).Int("pid", rec.PID).Msg("Reaped zombie engine process")
	}
	return reaped
}

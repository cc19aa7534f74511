package engine

import (
	"context"
	"fmt"
	"os/exec"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	engineclient "github.com/easel-sd/easel/internal/clients/engine"
	"github.com/easel-sd/easel/internal/common"
	"github.com/easel-sd/easel/internal/events"
	"github.com/easel-sd/easel/internal/interfaces"
	"github.com/easel-sd/easel/internal/models"
)

// Manager implements interfaces.ModelManager: it resolves descriptors from
// config, spawns server-mode engines, probes readiness, and tears processes
// down. CLI-mode models never enter the registry; their processes are
// one-shot and owned by the job processor.
type Manager struct {
	config   *common.Config
	registry *Registry
	client   *engineclient.Client
	bus      *events.Bus
	logger   *common.Logger

	// startMu serializes spawn/teardown transitions so a model never has
	// two children racing for the same identity.
	startMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a model manager.
func NewManager(config *common.Config, bus *events.Bus, logger *common.Logger) *Manager {
	return &Manager{
		config:   config,
		registry: NewRegistry(config.Engines.PortRangeStart, config.Engines.PortRangeEnd, logger),
		client:   engineclient.NewClient(engineclient.WithLogger(logger)),
		bus:      bus,
		logger:   logger,
	}
}

// safeGo launches a goroutine with panic recovery and logging.
func (m *Manager) safeGo(name string, fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in model manager goroutine")
			}
		}()
		fn()
	}()
}

// Init starts the zombie janitor and brings up preload models.
func (m *Manager) Init(ctx context.Context) {
	janitorCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.safeGo("janitor", func() { m.janitorLoop(janitorCtx) })

	for _, desc := range m.config.Models {
		if desc.LoadMode != models.LoadModePreload || desc.ExecMode != models.ExecModeServer {
			continue
		}
		if _, err := m.Start(ctx, desc.ID); err != nil {
			m.logger.Warn().Str("model_id", desc.ID).Err(err).Msg("Preload failed")
		}
	}
}

// Shutdown stops every running engine and the janitor.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	for _, status := range m.registry.All() {
		if err := m.Stop(ctx, status.ModelID); err != nil {
			m.logger.Warn().Str("model_id", status.ModelID).Err(err).Msg("Shutdown stop failed")
		}
	}
	m.wg.Wait()
	m.logger.Info().Msg("Model manager stopped")
}

// Get returns the descriptor for the given id, or nil.
func (m *Manager) Get(id string) *models.ModelDescriptor {
	return m.config.Model(id)
}

// All returns every configured descriptor.
func (m *Manager) All() []*models.ModelDescriptor {
	return m.config.Models
}

// Default returns the first configured model, or nil.
func (m *Manager) Default() *models.ModelDescriptor {
	return m.config.DefaultModel()
}

// Running returns the ids of models with a running process.
func (m *Manager) Running() []string {
	var out []string
	for _, status := range m.registry.All() {
		if status.Status == models.ProcessStatusRunning {
			out = append(out, status.ModelID)
		}
	}
	return out
}

// Status returns the process status for a model. Models without a tracked
// process report stopped.
func (m *Manager) Status(id string) (*models.ProcessStatus, error) {
	desc := m.config.Model(id)
	if desc == nil {
		return nil, fmt.Errorf("model '%s': %w", id, models.ErrUnknownModel)
	}
	if status := m.registry.Status(id); status != nil {
		return status, nil
	}
	return &models.ProcessStatus{
		ModelID:  id,
		ExecMode: desc.ExecMode,
		Status:   models.ProcessStatusStopped,
	}, nil
}

// Logs returns the captured output tail for a model's process.
func (m *Manager) Logs(id string) []string {
	rec := m.registry.get(id)
	if rec == nil || rec.output == nil {
		return nil
	}
	return rec.output.Lines()
}

// Start spawns the engine for a server-mode model and waits for readiness.
// A live previous child under the same id is terminated first. CLI-mode
// models get a stub status and no process.
func (m *Manager) Start(ctx context.Context, id string) (*models.ProcessStatus, error) {
	desc := m.config.Model(id)
	if desc == nil {
		return nil, fmt.Errorf("model '%s': %w", id, models.ErrUnknownModel)
	}
	if desc.ExecMode == models.ExecModeCLI {
		return &models.ProcessStatus{
			ModelID:  id,
			ExecMode: models.ExecModeCLI,
			Status:   models.ProcessStatusStopped,
		}, nil
	}

	m.startMu.Lock()
	defer m.startMu.Unlock()

	if rec := m.registry.get(id); rec != nil && models.ProcessAlive(rec.Status) {
		m.logger.Info().Str("model_id", id).Msg("Terminating previous engine before restart")
		m.terminate(rec)
	}

	port, err := m.registry.AllocatePort(desc.Port)
	if err != nil {
		return nil, err
	}

	args := make([]string, len(desc.Args))
	for i, a := range desc.Args {
		args[i] = strings.ReplaceAll(a, "{port}", fmt.Sprintf("%d", port))
	}

	procCtx, procCancel := context.WithCancel(context.Background())
	output := newOutputBuffer(defaultOutputLines)
	cmd := exec.CommandContext(procCtx, desc.Command, args...)
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		procCancel()
		m.registry.ReleasePort(port)
		return nil, fmt.Errorf("%w: %v", models.ErrModelStartFailure, err)
	}

	rec := &processRecord{
		ModelID:   id,
		PID:       cmd.Process.Pid,
		Port:      port,
		ExecMode:  models.ExecModeServer,
		Status:    models.ProcessStatusStarting,
		StartedAt: time.Now(),
		cmd:       cmd,
		cancel:    procCancel,
		output:    output,
		exited:    make(chan struct{}),
	}
	if err := m.registry.register(rec); err != nil {
		procCancel()
		m.registry.ReleasePort(port)
		return nil, err
	}

	m.logger.Info().Str("model_id", id).Int("pid", rec.PID).Int("port", port).Msg("Engine starting")
	m.bus.PublishModel(rec.snapshot())

	m.safeGo("exit-watcher-"+id, func() { m.watchExit(rec) })

	if err := m.waitReady(ctx, desc, rec); err != nil {
		m.terminate(rec)
		return nil, err
	}

	status := m.registry.UpdateStatus(id, models.ProcessStatusRunning)
	if status == nil {
		// The child died between readiness and registration of the state.
		return nil, fmt.Errorf("model '%s': %w", id, models.ErrProcessCrashed)
	}
	m.logger.Info().Str("model_id", id).Int("port", port).Msg("Engine running")
	m.bus.PublishModel(status)
	return status, nil
}

// waitReady polls the engine's health endpoint with capped backoff until
// it answers, the startup timeout expires, or the child exits.
func (m *Manager) waitReady(ctx context.Context, desc *models.ModelDescriptor, rec *processRecord) error {
	timeout := m.config.Engines.GetStartupTimeout()
	if desc.StartupTimeoutMS > 0 {
		timeout = time.Duration(desc.StartupTimeoutMS) * time.Millisecond
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	baseURL := desc.BaseURL(rec.Port)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 0 // probeCtx bounds the wait

	operation := func() error {
		select {
		case <-rec.exited:
			return backoff.Permanent(fmt.Errorf("model '%s': %w", desc.ID, models.ErrProcessCrashed))
		default:
		}
		return m.client.Ping(probeCtx, baseURL)
	}

	err := backoff.Retry(operation, backoff.WithContext(policy, probeCtx))
	if err == nil {
		return nil
	}
	if probeCtx.Err() != nil {
		return fmt.Errorf("model '%s' not ready after %s: %w", desc.ID, timeout, models.ErrStartupTimeout)
	}
	return err
}

// watchExit reaps the child and finalizes its record. The record leaves
// the registry before exited closes, so waiters observe a clean registry.
func (m *Manager) watchExit(rec *processRecord) {
	err := rec.cmd.Wait()
	rec.cancel()
	final := m.registry.markExited(rec)
	close(rec.exited)

	if final == models.ProcessStatusError {
		m.logger.Warn().Str("model_id", rec.ModelID).Int("pid", rec.PID).Err(err).Msg("Engine exited unexpectedly")
	} else {
		m.logger.Info().Str("model_id", rec.ModelID).Int("pid", rec.PID).Msg("Engine stopped")
	}
	m.bus.PublishModel(rec.snapshot())
}

// Stop terminates a model's running engine. Stopping a model with no
// process is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	if m.config.Model(id) == nil {
		return fmt.Errorf("model '%s': %w", id, models.ErrUnknownModel)
	}

	m.startMu.Lock()
	defer m.startMu.Unlock()

	rec := m.registry.get(id)
	if rec == nil || !models.ProcessAlive(rec.Status) {
		return nil
	}

	m.bus.PublishModel(m.registry.UpdateStatus(id, models.ProcessStatusStopping))
	m.terminate(rec)
	return nil
}

// terminate delivers SIGTERM, waits out the grace period, then SIGKILLs.
// It returns once the exit watcher has reaped the child.
func (m *Manager) terminate(rec *processRecord) {
	m.registry.UpdateStatus(rec.ModelID, models.ProcessStatusStopping)

	if rec.cmd.Process != nil {
		if err := rec.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			m.logger.Debug().Str("model_id", rec.ModelID).Err(err).Msg("SIGTERM delivery failed")
		}
	}

	select {
	case <-rec.exited:
		return
	case <-time.After(m.config.Engines.GetKillGracePeriod()):
	}

	m.logger.Warn().Str("model_id", rec.ModelID).Int("pid", rec.PID).Msg("Grace period expired, killing engine")
	if rec.cmd.Process != nil {
		rec.cmd.Process.Kill()
	}
	rec.cancel()
	<-rec.exited
}

// EnsureRunning starts the model if needed and returns the engine base URL
// for server mode, or "" for CLI mode.
func (m *Manager) EnsureRunning(ctx context.Context, id string) (string, error) {
	desc := m.config.Model(id)
	if desc == nil {
		return "", fmt.Errorf("model '%s': %w", id, models.ErrUnknownModel)
	}
	if desc.ExecMode == models.ExecModeCLI {
		return "", nil
	}

	if rec := m.registry.get(id); rec != nil && rec.Status == models.ProcessStatusRunning {
		m.registry.Heartbeat(id)
		return desc.BaseURL(rec.Port), nil
	}

	status, err := m.Start(ctx, id)
	if err != nil {
		return "", err
	}
	return desc.BaseURL(status.Port), nil
}

// janitorLoop periodically reclaims zombie records.
func (m *Manager) janitorLoop(ctx context.Context) {
	interval := m.config.Engines.GetJanitorInterval()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			for _, id := range m.registry.CleanupZombies() {
				m.bus.PublishModel(&models.ProcessStatus{
					ModelID:  id,
					ExecMode: models.ExecModeServer,
					Status:   models.ProcessStatusError,
				})
			}
		}
	}
}

var _ interfaces.ModelManager = (*Manager)(nil)

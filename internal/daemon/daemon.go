// Package daemon wires the conductor runtime together: agent supervision,
// the permission gate, the filesystem bridge, delegation routing, and
// progress streaming.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vkode/conductor/internal/config"
	"github.com/vkode/conductor/internal/logger"
	"github.com/vkode/conductor/internal/metrics"
	"github.com/vkode/conductor/pkg/acp"
	"github.com/vkode/conductor/pkg/agent"
	"github.com/vkode/conductor/pkg/approval"
	"github.com/vkode/conductor/pkg/delegate"
	"github.com/vkode/conductor/pkg/fsbridge"
	"github.com/vkode/conductor/pkg/progress"
	"github.com/vkode/conductor/pkg/remote"
)

// registryRetention is how long terminal runs stay queryable in memory
// before the hourly sweep evicts them to the history store.
const registryRetention = 7 * 24 * time.Hour

// Daemon represents the conductor daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	supervisor *agent.Supervisor
	gate       *approval.Gate
	mediator   *fsbridge.Mediator
	registry   *delegate.Registry
	store      *delegate.Store
	router     *delegate.Router
	fanout     *progress.Fanout

	// Services
	wsServer      *progress.WSServer
	configWatcher *config.Watcher
	maintenance   *cron.Cron
	metrics       *metrics.Metrics

	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// Status reports the daemon's current state
type Status struct {
	Running     bool                    `json:"running"`
	StartTime   time.Time               `json:"startTime,omitempty"`
	Uptime      time.Duration           `json:"uptime,omitempty"`
	Agents      map[string]agent.Status `json:"agents,omitempty"`
	ActiveRuns  int                     `json:"activeRuns"`
	PendingApps int                     `json:"pendingApprovals"`
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	d.initializeServices()
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules builds the runtime in dependency order
func (d *Daemon) initializeCoreModules() error {
	zl := d.logger.GetZerolog()

	d.gate = approval.NewGate(zl.With().Str("component", "approval").Logger())
	d.logger.Info().Msg("Permission gate initialized")

	d.mediator = fsbridge.NewMediator()
	d.logger.Info().Msg("Filesystem mediator initialized")

	handlers := agent.InboundHandlers{
		acp.MethodRequestPermission: d.gate.HandleRequest,
		acp.MethodReadTextFile:      d.mediator.HandleRead,
		acp.MethodWriteTextFile:     d.mediator.HandleWrite,
	}

	d.supervisor = agent.NewSupervisor(
		d.config.Definitions(),
		agent.NewExecSpawner(),
		handlers,
		agent.Options{},
		zl.With().Str("component", "supervisor").Logger(),
	)
	d.supervisor.SetSessionClosedHook(func(sessionID string) {
		d.gate.CancelSession(sessionID)
	})
	d.logger.Info().Int("agents", len(d.config.Agents)).Msg("Agent supervisor initialized")

	d.registry = delegate.NewRegistry()

	if d.config.Store.Path != "" {
		store, err := delegate.OpenStore(d.config.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open run store: %w", err)
		}
		d.store = store
	}

	d.router = delegate.NewRouter(
		d.supervisor,
		remote.NewClient(),
		d.registry,
		d.store,
		zl.With().Str("component", "delegate").Logger(),
	)
	d.router.SetMaxDepth(d.config.Delegation.MaxDepth)
	d.logger.Info().Msg("Delegation router initialized")

	d.fanout = progress.NewFanout(d.registry, zl.With().Str("component", "progress").Logger())
	d.fanout.SetApprovalSource(d.gate)
	d.router.SetTranscriptSource(d.fanout)
	d.supervisor.SetUpdateSink(d.fanout.HandleUpdate)
	d.logger.Info().Msg("Progress fan-out initialized")

	return nil
}

// initializeServices builds the optional outward-facing services
func (d *Daemon) initializeServices() {
	zl := d.logger.GetZerolog()

	d.metrics = metrics.NewMetrics()
	d.router.SetRunObserver(d.metrics)
	d.fanout.AddSink(d.metrics)
	d.gate.AddObserver(d.metrics)

	if d.config.Progress.Enabled {
		d.wsServer = progress.NewWSServer(
			d.config.Progress.Addr,
			d.gate,
			zl.With().Str("component", "ws").Logger(),
		)
		d.wsServer.SetMetricsHandler(d.metrics.Handler())
		d.fanout.AddSink(d.wsServer)
		d.gate.AddObserver(d.wsServer)
	}

	d.configWatcher = config.NewWatcher(
		config.NewLoader(d.config.Path),
		zl.With().Str("component", "config").Logger(),
		d.handleConfigReload,
	)

	d.maintenance = cron.New()
	if _, err := d.maintenance.AddFunc("@every 1h", d.runMaintenance); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to schedule maintenance job")
	}
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.logger.Info().Msg("Starting conductor daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.wsServer != nil {
		if err := d.wsServer.Start(); err != nil {
			return fmt.Errorf("failed to start progress server: %w", err)
		}
		d.logger.Info().Str("addr", d.config.Progress.Addr).Msg("Progress server started")
	}

	if err := d.configWatcher.Start(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to start config watcher, hot reload disabled")
	}

	d.maintenance.Start()

	d.autoSpawnAgents()

	d.logger.Info().Msg("Daemon started successfully")
	return nil
}

// autoSpawnAgents eagerly starts the agents marked auto_spawn so the
// first delegation does not pay the spawn latency.
func (d *Daemon) autoSpawnAgents() {
	for _, def := range d.supervisor.Definitions() {
		if !def.AutoSpawn || !def.Enabled || def.Connection.Stdio == nil {
			continue
		}
		name := def.Name
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if _, err := d.supervisor.Ensure(d.ctx, name); err != nil {
				d.logger.Warn().Err(err).Str("agent", name).Msg("Auto-spawn failed")
			}
		}()
	}
}

// runMaintenance sweeps terminal runs out of memory and prunes old
// history from the store.
func (d *Daemon) runMaintenance() {
	evicted := d.registry.Cleanup(registryRetention)
	if evicted > 0 {
		d.logger.Info().Int("evicted", evicted).Msg("Evicted terminal runs from registry")
	}

	if d.store != nil && d.config.Store.RetentionDays > 0 {
		cutoff := time.Now().Add(-time.Duration(d.config.Store.RetentionDays) * 24 * time.Hour)
		pruned, err := d.store.Prune(cutoff)
		if err != nil {
			d.logger.Warn().Err(err).Msg("Run history prune failed")
		} else if pruned > 0 {
			d.logger.Info().Int("pruned", pruned).Msg("Pruned old run history")
		}
	}
}

// handleConfigReload applies a changed config file. Only the agent set
// is hot-swappable; service addresses need a restart.
func (d *Daemon) handleConfigReload(cfg *config.Config) {
	d.mu.Lock()
	d.config.Agents = cfg.Agents
	d.mu.Unlock()

	d.supervisor.ReplaceDefinitions(cfg.Definitions())
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping conductor daemon")

	d.configWatcher.Stop()

	cronCtx := d.maintenance.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(5 * time.Second):
		d.logger.Warn().Msg("Timeout waiting for maintenance job to finish")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	d.supervisor.StopAll(stopCtx)
	cancel()
	d.logger.Info().Msg("Agent processes stopped")

	if d.wsServer != nil {
		if err := d.wsServer.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop progress server")
		}
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		d.logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close run store")
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:     d.running,
		Agents:      d.supervisor.Statuses(),
		PendingApps: len(d.gate.PendingList()),
	}
	for _, run := range d.registry.List() {
		if !run.Status.IsTerminal() {
			status.ActiveRuns++
		}
	}

	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetRouter returns the delegation router
func (d *Daemon) GetRouter() *delegate.Router {
	return d.router
}

// GetSupervisor returns the agent supervisor
func (d *Daemon) GetSupervisor() *agent.Supervisor {
	return d.supervisor
}

// GetGate returns the permission gate
func (d *Daemon) GetGate() *approval.Gate {
	return d.gate
}

// GetFanout returns the progress fan-out
func (d *Daemon) GetFanout() *progress.Fanout {
	return d.fanout
}

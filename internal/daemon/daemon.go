// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"firestige.xyz/opsched/internal/agent"
	"firestige.xyz/opsched/internal/clock"
	"firestige.xyz/opsched/internal/command"
	"firestige.xyz/opsched/internal/config"
	"firestige.xyz/opsched/internal/control"
	"firestige.xyz/opsched/internal/license"
	logpkg "firestige.xyz/opsched/internal/log"
	"firestige.xyz/opsched/internal/metrics"
	"firestige.xyz/opsched/internal/persistence"
	"firestige.xyz/opsched/internal/registry"
	"firestige.xyz/opsched/internal/scheduler"
	"firestige.xyz/opsched/internal/task"
)

// Daemon manages the opsched daemon process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Core components
	registry      *registry.Registry
	store         *persistence.Store
	gate          *license.Gate
	lock          *scheduler.Lock
	dispatcher    *scheduler.Dispatcher
	api           *control.API
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal // promoted from Run() local for cleanup in Stop()
}

// New creates a new Daemon instance.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	// Load global configuration
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Create daemon instance
	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}),
	}

	// Create context for lifecycle management
	d.ctx, d.cancel = context.WithCancel(context.Background())

	return d, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	slog.Info("starting opsched daemon",
		"version", "0.1.0",
		"hostname", d.config.Node.Hostname,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Build the scheduling core: clock policy, task meta store, registry,
	// snapshot store, license gate, global lock, dispatcher.
	clockPolicy, err := clock.NewPolicy(d.config.Node.Timezone)
	if err != nil {
		return fmt.Errorf("failed to build clock policy: %w", err)
	}

	metaStore, err := task.NewFileMetaStore(filepath.Join(d.config.DataDir, "meta"))
	if err != nil {
		return fmt.Errorf("failed to open task meta store: %w", err)
	}

	d.registry = registry.New(clockPolicy, metaStore, d.config.Persistence.MaxStepHistory)
	d.store = persistence.NewStore(d.config.Persistence.SnapshotPath)
	d.gate = license.New(d.config.License, nil)
	d.lock = scheduler.NewLock()
	d.dispatcher = scheduler.NewDispatcher(d.registry, d.lock, d.store, d.config.DataDir, d.config.Dispatcher)

	if d.metricsServer != nil {
		d.metricsServer.SetDispatcherHealth(func() metrics.DispatcherHealth {
			st := d.dispatcher.Status()
			return metrics.DispatcherHealth{Enabled: st.Enabled, RunningTask: st.RunningTask != nil}
		})
	}

	// 5. Restore the registry from the last persisted snapshot, then put any
	// task recorded as running back to pending: a run in flight at the last
	// crash or restart never finished, so there is no outcome to apply.
	snap := d.store.Load()
	restored, skipped := d.registry.RestoreSnapshot(snap, func(taskType, taskID string) (task.Agent, error) {
		ws := agent.NewWorkspace(d.config.DataDir, taskID)
		return agent.Build(taskType, taskID, ws)
	})
	d.registry.ResetRunningToPending()
	slog.Info("restored tasks from snapshot", "restored", restored, "skipped", skipped)

	// 6. Start the dispatch loop in the background.
	go d.dispatcher.Run(d.ctx)

	// 7. Build the Control API and command handler.
	d.api = control.New(d.registry, d.dispatcher, d.gate, d.store, d.config.DataDir)
	d.cmdHandler = command.NewCommandHandler(d.api, d)

	// 8. Wire shutdown handler so daemon_shutdown command can trigger graceful stop
	d.cmdHandler.SetShutdownFunc(func() {
		slog.Info("shutdown triggered via daemon_shutdown command")
		close(d.shutdownChan)
	})

	// 9. Start UDS server for CLI control
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	go func() {
		if err := d.udsServer.Start(d.ctx); err != nil && err != context.Canceled {
			slog.Error("uds server failed", "error", err)
		}
	}()

	slog.Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all daemon components.
func (d *Daemon) Stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Stop the dispatcher's pull of new work. Cancelling d.ctx here only
	// unblocks the loop's own idle-wait/due-scan select; it is independent
	// of whatever context an in-flight RunOnce runs under, so it never
	// aborts a run already underway. Wait for that run to return on its
	// own within shutdown_grace; only once the grace window elapses do we
	// force-cancel it so the process can exit regardless.
	if d.dispatcher != nil {
		slog.Info("stopping dispatcher")
		d.dispatcher.Stop()
		d.cancel()
		grace := parseGraceOr(d.config.Dispatcher.ShutdownGrace, 30*time.Second)
		select {
		case <-d.dispatcher.Done():
		case <-time.After(grace):
			slog.Warn("dispatcher did not stop within shutdown_grace, forcing cancellation", "grace", grace)
			d.dispatcher.CancelInFlightRun()
			<-d.dispatcher.Done()
		}
	} else {
		d.cancel()
	}

	// 2. Stop UDS server (no new CLI commands)
	if d.udsServer != nil {
		slog.Info("stopping uds server")
		d.udsServer.Stop()
	}

	// 3. Stop metrics server
	if d.metricsServer != nil {
		slog.Info("stopping metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}

	// 4. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 5. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	// 6. Flush logs
	logpkg.Flush()

	slog.Info("daemon stopped gracefully")
}

func parseGraceOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. daemon_shutdown command via UDS
//  3. SIGHUP triggers config reload
func (d *Daemon) Run() error {
	// Setup signal handling
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				} else {
					slog.Info("configuration reloaded successfully")
				}
			}

		case <-d.shutdownChan:
			// Shutdown triggered by daemon_shutdown command
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			// Context cancelled externally
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload reloads the global configuration.
// Hot-reloadable: log level/format.
// Cold (requires restart): node.hostname, node.timezone, control.socket,
// metrics.listen/path, license.*, persistence.snapshot_path.
// Implements ConfigReloader interface for CommandHandler.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	// Track what was hot-reloaded for the log message
	hotReloaded := []string{}

	// 1. Re-initialize logging with new config (log level + format)
	oldConfig := d.config
	oldLevel := d.config.Log.Level
	oldFormat := d.config.Log.Format
	d.config = newConfig
	if err := d.initLogging(); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
		// Non-fatal: old logging continues
	} else if newConfig.Log.Level != oldLevel || newConfig.Log.Format != oldFormat {
		hotReloaded = append(hotReloaded, "log")
	}

	// 2. Warn about cold-reload items that changed
	requiresRestart := []string{}
	if newConfig.Node.Hostname != oldConfig.Node.Hostname {
		requiresRestart = append(requiresRestart, "node.hostname")
	}
	if newConfig.Node.Timezone != oldConfig.Node.Timezone {
		requiresRestart = append(requiresRestart, "node.timezone")
	}
	if newConfig.Control.Socket != oldConfig.Control.Socket {
		requiresRestart = append(requiresRestart, "control.socket")
	}
	if newConfig.Metrics.Listen != oldConfig.Metrics.Listen {
		requiresRestart = append(requiresRestart, "metrics.listen")
	}
	if newConfig.License != oldConfig.License {
		requiresRestart = append(requiresRestart, "license")
	}
	if newConfig.Persistence.SnapshotPath != oldConfig.Persistence.SnapshotPath {
		requiresRestart = append(requiresRestart, "persistence.snapshot_path")
	}

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)

	return nil
}

// TriggerShutdown triggers graceful shutdown from an external caller. The
// daemon_shutdown command does not use it; it closes shutdownChan through the
// callback wired in Start.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
		// Shutdown signal sent
	default:
		// Channel already has a value or is closed, no-op
	}
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}

	// Update global slog default to use the configured logger
	slog.SetDefault(logpkg.Get())

	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)

	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	slog.Info("metrics server started",
		"addr", d.config.Metrics.Listen,
		"path", d.config.Metrics.Path,
	)

	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}



package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/flipmentor/internal/config"
	"github.com/harun/flipmentor/internal/logger"
	"github.com/harun/flipmentor/internal/observability"
	"github.com/harun/flipmentor/internal/tracing"
	"github.com/harun/flipmentor/pkg/assistant"
	"github.com/harun/flipmentor/pkg/commandqueue"
	"github.com/harun/flipmentor/pkg/gateway"
	"github.com/harun/flipmentor/pkg/runledger"
	"github.com/harun/flipmentor/pkg/sessions"
)

const (
	serviceName     = "flipmentor-server"
	shutdownTimeout = 30 * time.Second
)

// Daemon runs the gateway together with the session registry, idle sweeper,
// run ledger and config watcher.
type Daemon struct {
	config     *config.Config
	configPath string
	logger     *logger.Logger
	version    string

	queue         *commandqueue.CommandQueue
	remote        assistant.RemoteAPI
	fixedRemote   bool
	observer      assistant.Observers
	registry      *sessions.Registry
	sweeper       *sessions.Sweeper
	ledger        *runledger.Ledger
	pruner        *ledgerPruner
	gatewayServer *gateway.Server
	watcher       *config.Watcher
	lifecycle     *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithRemote makes every client use api instead of the configured backend,
// also across config reloads.
func WithRemote(api assistant.RemoteAPI) Option {
	return func(d *Daemon) {
		d.remote = api
		d.fixedRemote = true
	}
}

// WithConfigPath enables reloading from path while running.
func WithConfigPath(path string) Option {
	return func(d *Daemon) {
		d.configPath = path
	}
}

// WithVersion sets the version reported to tracing.
func WithVersion(version string) Option {
	return func(d *Daemon) {
		d.version = version
	}
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		config:  cfg,
		logger:  log,
		version: "dev",
	}
	for _, opt := range opts {
		opt(d)
	}

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry(serviceName, d.version); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initialize(); err != nil {
		d.closeResources()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) initialize() error {
	cfg := d.config

	d.queue = commandqueue.New()

	if cfg.Ledger.Enabled {
		ledger, err := runledger.Open(runledger.Config{
			Path:   cfg.Ledger.Path,
			Logger: d.logger.Component("ledger"),
		})
		if err != nil {
			return fmt.Errorf("failed to open run ledger: %w", err)
		}
		d.ledger = ledger

		if retention := cfg.LedgerRetention(); retention > 0 {
			pruner, err := newLedgerPruner(ledger, retention, defaultPruneSchedule, d.logger.Component("ledger"))
			if err != nil {
				return err
			}
			d.pruner = pruner
		}
	}

	d.registry = sessions.NewRegistry(nil, d.logger.Component("sessions"))

	gwCfg := gateway.Config{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		Sessions:     d.registry,
		Queue:        d.queue,
		Logger:       d.logger.Zerolog(),
	}
	if d.ledger != nil {
		gwCfg.Ledger = d.ledger
		d.observer = append(d.observer, d.ledger)
	}
	gw, err := gateway.NewServer(gwCfg)
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = gw
	d.observer = append(d.observer, gw.RunObserver())

	if !d.fixedRemote {
		api, err := NewRemote(cfg, d.logger.Component("remote"))
		if err != nil {
			return err
		}
		d.remote = api
	}
	d.registry.SetFactory(NewClientFactory(cfg, d.remote, d.queue, d.observer, d.logger.Component("assistant")))

	if cfg.IdleTTL() > 0 {
		sweeper, err := sessions.NewSweeper(d.registry, cfg.IdleTTL(), cfg.Sessions.SweepSchedule, d.logger.Zerolog())
		if err != nil {
			return err
		}
		d.sweeper = sweeper
	}

	d.lifecycle = NewLifecycleManager(cfg.DataDir, d.logger.Component("lifecycle"))
	return nil
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

	logger := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting Flipmentor server")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	if d.sweeper != nil {
		if err := d.sweeper.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start session sweeper")
		}
	}

	if d.pruner != nil {
		if err := d.pruner.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start ledger pruner")
		}
	}

	if d.configPath != "" {
		watcher, err := config.NewWatcher(config.WatcherConfig{
			Path:     d.configPath,
			OnChange: d.handleConfigReload,
			Logger:   d.logger.Zerolog(),
		})
		if err == nil {
			err = watcher.Start()
		}
		if err != nil {
			logger.Warn().Err(err).Msg("Config watcher unavailable, reload disabled")
		} else {
			d.watcher = watcher
		}
	}

	logger.Info().Msg("Server started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// handleConfigReload applies a changed config file. Client options and the
// backend apply to sessions created afterwards; gateway settings need a
// restart.
func (d *Daemon) handleConfigReload(next *config.Config) {
	log := d.logger.Component("daemon")

	d.mu.Lock()
	prev := d.config
	d.mu.Unlock()

	api := d.remote
	if !d.fixedRemote {
		built, err := NewRemote(next, d.logger.Component("remote"))
		if err != nil {
			log.Error().Err(err).Msg("Reloaded config rejected, keeping previous backend")
			return
		}
		api = built
	}

	d.registry.SetFactory(NewClientFactory(next, api, d.queue, d.observer, d.logger.Component("assistant")))

	if next.Logging.Level != prev.Logging.Level {
		if err := d.logger.SetLevel(next.Logging.Level); err != nil {
			log.Warn().Err(err).Msg("Failed to apply log level")
		}
	}
	if next.Gateway != prev.Gateway {
		log.Warn().Msg("Gateway settings changed, restart the server to apply them")
	}

	d.mu.Lock()
	d.config = next
	d.remote = api
	d.mu.Unlock()

	log.Info().Msg("Configuration reloaded")
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping Flipmentor server")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if err := d.gatewayServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if d.sweeper != nil {
		if err := d.sweeper.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop session sweeper")
		}
	}

	if d.pruner != nil {
		if err := d.pruner.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop ledger pruner")
		}
	}

	if d.queue.WaitForActive(ctx) {
		logger.Debug().Msg("In-flight sends drained")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.closeResources()

	logger.Info().Msg("Server stopped")
	return nil
}

// closeResources releases everything New acquired.
func (d *Daemon) closeResources() {
	log := d.logger.Zerolog()

	if d.registry != nil {
		d.registry.Close()
	}
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close command queue")
		}
	}
	if d.ledger != nil {
		if err := d.ledger.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close run ledger")
		}
	}
	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.gatewayServer.Addr()
		status.Sessions = d.registry.Len()
	}
	return status
}

// Wait blocks until SIGINT, SIGTERM or ctx ends, then stops the daemon.
func (d *Daemon) Wait(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	d.logger.Info().Msg("Shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.Stop(stopCtx)
}

// GetConfig returns the active configuration
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// GetRegistry returns the session registry
func (d *Daemon) GetRegistry() *sessions.Registry {
	return d.registry
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetLedger returns the run ledger, nil when disabled
func (d *Daemon) GetLedger() *runledger.Ledger {
	return d.ledger
}

// Status represents daemon status
type Status struct {
	Running   bool
	StartTime time.Time
	Uptime    time.Duration
	Addr      string
	Sessions  int
}

// Package processor supervises a pipeline service across configuration
// reloads. It owns the logger, the telemetry collector, and the file
// watcher, and swaps the running service for a freshly built one whenever
// a reload is requested or a configuration change is detected on disk.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/feed"
	"github.com/139QQ/Baostock-sub004/internal/logging"
	"github.com/139QQ/Baostock-sub004/internal/reload"
	"github.com/139QQ/Baostock-sub004/pipeline"
	"github.com/139QQ/Baostock-sub004/telemetry"
)

// ReloadFunc represents a function that reloads the processor configuration.
type ReloadFunc func(ctx context.Context) error

// Option configures the processor during construction.
type Option func(*settings) error

// DriverDefinition describes a strategy factory that should be registered
// before the configuration is loaded, together with any configuration
// schema overlays the driver contributes.
type DriverDefinition struct {
	Driver   string
	Factory  feed.StrategyFactory
	Overlays []config.OverlayDescriptor
}

type settings struct {
	config            *config.Config
	configPath        string
	registerReload    func(ReloadFunc)
	logger            zerolog.Logger
	customLogger      bool
	telemetry         telemetry.Collector
	telemetryProvided bool
	drivers           []DriverDefinition
	pipelineOptions   []pipeline.Option
	liveViewHost      string
	liveViewPort      int
	enableLiveView    bool
}

// Processor orchestrates the service lifecycle, including configuration
// reloads and cleanup.
type Processor struct {
	mu sync.Mutex

	config     *config.Config
	configPath string

	collector       telemetry.Collector
	pipelineOptions []pipeline.Option

	customLogger bool
	baseLogger   zerolog.Logger

	liveViewEnabled bool
	liveViewAddr    string

	watcher  *reload.Watcher
	reloadCh chan reloadRequest

	current *generation
	running bool
}

// generation bundles one built service with the configuration and logger it
// was built from. A reload retires the whole generation at once.
type generation struct {
	cfg     *config.Config
	logger  zerolog.Logger
	cleanup func()
	svc     *pipeline.Service
}

type reloadRequest struct {
	done  chan error
	files []string
}

// New constructs a processor with the supplied options. Driver overlays
// are registered before the configuration is loaded so schema validation
// already knows about them.
func New(ctx context.Context, opts ...Option) (*Processor, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	cfg := settings{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	driverOpts, err := registerDrivers(cfg.drivers)
	if err != nil {
		return nil, err
	}
	if err := resolveConfig(&cfg); err != nil {
		return nil, err
	}
	resolveCollector(&cfg)

	proc := &Processor{
		config:          cfg.config,
		configPath:      cfg.configPath,
		collector:       cfg.telemetry,
		pipelineOptions: append(driverOpts, cfg.pipelineOptions...),
		customLogger:    cfg.customLogger,
		baseLogger:      cfg.logger,
		liveViewEnabled: cfg.enableLiveView,
		liveViewAddr:    listenAddress(cfg.liveViewHost, cfg.liveViewPort),
	}

	gen, err := proc.buildGeneration(cfg.config)
	if err != nil {
		return nil, err
	}
	proc.current = gen

	if cfg.configPath != "" {
		proc.reloadCh = make(chan reloadRequest)
	}
	if err := proc.initWatcher(cfg.config); err != nil {
		gen.svc.Close()
		gen.cleanup()
		return nil, err
	}

	if cfg.registerReload != nil {
		cfg.registerReload(proc.Reload)
	}
	return proc, nil
}

// resolveConfig loads the configuration from disk unless one was supplied
// directly through WithConfig.
func resolveConfig(cfg *settings) error {
	if cfg.config != nil {
		return nil
	}
	if cfg.configPath == "" {
		return errors.New("configuration path required")
	}
	loaded, err := config.Load(cfg.configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg.config = loaded
	return nil
}

// resolveCollector picks the configured telemetry backend unless one was
// injected. A backend that fails to build downgrades to Noop instead of
// blocking startup.
func resolveCollector(cfg *settings) {
	if cfg.telemetryProvided {
		return
	}
	collector, err := newTelemetryCollector(cfg.config.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		cfg.telemetry = telemetry.Noop()
		return
	}
	cfg.telemetry = collector
}

// Run executes the processor until the context is cancelled or the service
// stops with an error. Detected configuration changes and Reload calls
// validate the new configuration first; a configuration that does not
// build leaves the running service untouched.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.current == nil:
		p.mu.Unlock()
		return errors.New("processor not initialized")
	case p.running:
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	current := p.current
	watcher := p.watcher
	reloadCh := p.reloadCh
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		if p.current == current {
			p.current = nil
		}
		p.mu.Unlock()
	}()

	var ticker *time.Ticker
	if watcher != nil {
		ticker = time.NewTicker(tickInterval(current.cfg))
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		next, pending, err, done := p.superviseOnce(ctx, current, watcher, ticker, reloadCh)
		if done {
			return err
		}

		replacement, buildErr := p.buildGeneration(next)
		if buildErr != nil {
			if pending != nil && pending.done != nil {
				pending.done <- buildErr
			}
			p.drainReloadRequests(reloadCh, buildErr)
			return buildErr
		}

		p.mu.Lock()
		p.current = replacement
		current = replacement
		p.config = next
		if err := p.initWatcher(next); err != nil {
			current.logger.Error().Err(err).Msg("failed to update configuration watcher")
		} else {
			watcher = p.watcher
		}
		if ticker != nil {
			ticker.Stop()
			ticker = nil
		}
		if watcher != nil {
			ticker = time.NewTicker(tickInterval(next))
		}
		p.mu.Unlock()

		if pending != nil {
			if pending.done != nil {
				pending.done <- nil
			}
			for _, file := range pending.files {
				p.collector.IncHotReload(file)
			}
		}
	}
}

// superviseOnce runs one service generation until the context ends, the
// service stops on its own, or a validated replacement configuration is
// ready. done reports that Run should return err; otherwise next holds the
// configuration for the succeeding generation and the old one is already
// shut down.
func (p *Processor) superviseOnce(ctx context.Context, current *generation, watcher *reload.Watcher, ticker *time.Ticker, reloadCh chan reloadRequest) (next *config.Config, pending *reloadRequest, err error, done bool) {
	runCtx, cancelRun := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func(svc *pipeline.Service) {
		errCh <- svc.Run(runCtx)
	}(current.svc)

	// retire cancels the service, waits for it to exit and releases the
	// generation. Not used on the errCh path where Run already returned.
	retire := func() error {
		cancelRun()
		runErr := <-errCh
		current.svc.Close()
		current.cleanup()
		return runErr
	}

	for {
		select {
		case <-ctx.Done():
			runErr := retire()
			p.drainReloadRequests(reloadCh, ctx.Err())
			if runErr != nil && !isCancellation(runErr) {
				return nil, nil, runErr, true
			}
			return nil, nil, ctx.Err(), true

		case runErr := <-errCh:
			cancelRun()
			current.svc.Close()
			current.cleanup()
			p.drainReloadRequests(reloadCh, runErr)
			return nil, nil, runErr, true

		case req := <-reloadCh:
			cfg, loadErr := p.validatedConfig(current.logger)
			if loadErr != nil {
				if req.done != nil {
					req.done <- loadErr
				}
				continue
			}
			if runErr := retire(); runErr != nil && !isCancellation(runErr) {
				current.logger.Error().Err(runErr).Msg("service stopped during reload")
			}
			return cfg, &req, nil, false

		case <-tickChannel(ticker):
			changes, checkErr := watcher.Check()
			if checkErr != nil {
				current.logger.Error().Err(checkErr).Msg("failed to check configuration changes")
				continue
			}
			if len(changes) == 0 {
				continue
			}
			cfg, loadErr := p.validatedConfig(current.logger)
			if loadErr != nil {
				continue
			}
			if runErr := retire(); runErr != nil && !isCancellation(runErr) {
				current.logger.Error().Err(runErr).Msg("service stopped during reload")
			}
			return cfg, &reloadRequest{files: changes}, nil, false
		}
	}
}

// validatedConfig loads the configuration from disk and checks that a
// pipeline can actually be built from it.
func (p *Processor) validatedConfig(logger zerolog.Logger) (*config.Config, error) {
	cfg, err := p.loadConfig()
	if err != nil {
		logger.Error().Err(err).Msg("failed to reload configuration")
		return nil, err
	}
	if err := pipeline.Validate(*cfg, logger, p.pipelineOptions...); err != nil {
		logger.Error().Err(err).Msg("reloaded configuration invalid")
		return nil, err
	}
	return cfg, nil
}

// Reload rebuilds the processor using the latest configuration from disk.
// On a running processor the swap is handed to the run loop; otherwise the
// generation is exchanged directly.
func (p *Processor) Reload(ctx context.Context) error {
	p.mu.Lock()
	running := p.running
	reloadCh := p.reloadCh
	p.mu.Unlock()

	if !running {
		cfg, err := p.loadConfig()
		if err != nil {
			return err
		}
		if err := pipeline.Validate(*cfg, zerolog.Nop(), p.pipelineOptions...); err != nil {
			return err
		}
		return p.swapIdle(cfg)
	}

	if reloadCh == nil {
		return errors.New("reload not supported without configuration path")
	}

	req := reloadRequest{done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case reloadCh <- req:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-req.done:
		return err
	}
}

// Close releases resources managed by the processor.
func (p *Processor) Close() {
	p.mu.Lock()
	current := p.current
	p.current = nil
	p.mu.Unlock()

	if current != nil {
		current.svc.Close()
		current.cleanup()
	}
}

// drainReloadRequests unblocks queued reload callers once the run loop
// exits, delivering the terminal error to each of them.
func (p *Processor) drainReloadRequests(ch chan reloadRequest, err error) {
	if ch == nil {
		return
	}
	for {
		select {
		case req := <-ch:
			if req.done != nil {
				req.done <- err
			}
		default:
			return
		}
	}
}

// swapIdle exchanges the current generation outside the run loop.
func (p *Processor) swapIdle(cfg *config.Config) error {
	replacement, err := p.buildGeneration(cfg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	old := p.current
	p.current = replacement
	p.config = cfg
	err = p.initWatcher(cfg)
	p.mu.Unlock()
	if err != nil {
		replacement.svc.Close()
		replacement.cleanup()
		return err
	}

	if old != nil {
		old.svc.Close()
		old.cleanup()
	}
	return nil
}

func (p *Processor) buildGeneration(cfg *config.Config) (*generation, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	gen := &generation{cfg: cfg, cleanup: func() {}}
	if p.customLogger {
		gen.logger = p.baseLogger
	} else {
		logger, cleanup, err := logging.Setup(cfg.Logging)
		if err != nil {
			return nil, err
		}
		gen.logger = logger
		gen.cleanup = cleanup
	}
	log.Logger = gen.logger

	svc, err := pipeline.New(*cfg, gen.logger, p.collector, p.pipelineOptions...)
	if err != nil {
		gen.cleanup()
		return nil, err
	}
	if addr, ok := p.liveViewListen(cfg); ok {
		if err := svc.EnableLiveView(addr); err != nil {
			svc.Close()
			gen.cleanup()
			return nil, err
		}
	}
	gen.svc = svc
	return gen, nil
}

// liveViewListen resolves the live view listen address. The WithLiveView
// option wins over the configuration block.
func (p *Processor) liveViewListen(cfg *config.Config) (string, bool) {
	if p.liveViewEnabled {
		return p.liveViewAddr, true
	}
	if cfg != nil && cfg.LiveView.Enabled {
		return cfg.LiveView.Listen, true
	}
	return "", false
}

func (p *Processor) loadConfig() (*config.Config, error) {
	if p.configPath == "" {
		return nil, errors.New("configuration path not configured")
	}
	return config.Load(p.configPath)
}

// initWatcher keeps the file watcher in sync with the hot reload block: it
// is created on demand, refreshed after each swap, and dropped when hot
// reload is turned off.
func (p *Processor) initWatcher(cfg *config.Config) error {
	if p.configPath == "" || !cfg.HotReload.Enabled {
		p.watcher = nil
		return nil
	}
	if p.watcher == nil {
		watcher, err := reload.NewWatcher(p.configPath, cfg)
		if err != nil {
			return err
		}
		p.watcher = watcher
		return nil
	}
	return p.watcher.Update(p.configPath, cfg)
}

// registerDrivers turns driver definitions into pipeline options, pushing
// any configuration overlays into the schema registry on the way.
func registerDrivers(defs []DriverDefinition) ([]pipeline.Option, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	opts := make([]pipeline.Option, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		if def.Driver == "" {
			return nil, errors.New("driver name must not be empty")
		}
		if def.Factory == nil {
			return nil, fmt.Errorf("driver %s factory must not be nil", def.Driver)
		}
		if _, ok := seen[def.Driver]; ok {
			return nil, fmt.Errorf("driver %s already registered", def.Driver)
		}
		seen[def.Driver] = struct{}{}
		if len(def.Overlays) > 0 {
			if err := config.RegisterOverlayDescriptors(def.Overlays...); err != nil {
				return nil, err
			}
		}
		opts = append(opts, pipeline.WithStrategyFactory(def.Driver, def.Factory))
	}
	return opts, nil
}

func listenAddress(host string, port int) string {
	if port <= 0 {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func tickInterval(cfg *config.Config) time.Duration {
	if cfg != nil && cfg.HotReload.Interval.Duration > 0 {
		return cfg.HotReload.Interval.Duration
	}
	return time.Second
}

func tickChannel(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

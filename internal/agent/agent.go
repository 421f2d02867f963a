// Package agent wires monitors, the guest channel, the multiplexer, and the
// sensor relay together for the selected operating mode, and owns process
// lifecycle: startup, partial degradation, and graceful shutdown.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kylape/fact/internal/config"
	"github.com/kylape/fact/internal/fsevents"
	"github.com/kylape/fact/internal/model"
	"github.com/kylape/fact/internal/monitor"
	"github.com/kylape/fact/internal/mux"
	"github.com/kylape/fact/internal/relay"
	"github.com/kylape/fact/internal/vmwatch"
)

type Agent struct {
	cfg      config.Config
	logger   *slog.Logger
	pipeline *mux.Multiplexer
	registry *monitor.Registry
	relay    *relay.Relay
	resolver *vmwatch.Resolver
	libvirt  *vmwatch.ConnManager
	health   *HealthStatus
}

func New(cfg config.Config, logger *slog.Logger) (*Agent, error) {
	cfg = cfg.WithDefaults()

	health := NewHealthStatus()
	a := &Agent{
		cfg:      cfg,
		logger:   logger,
		pipeline: mux.New(cfg.StreamBufferSize),
		registry: monitor.NewRegistry(logger),
		health:   health,
	}

	sink, err := a.buildSink()
	if err != nil {
		return nil, err
	}
	a.relay = relay.New(&healthSink{sink: sink, health: health}, logger)

	if cfg.Mode == config.ModeVsockListener || cfg.Mode == config.ModeHybrid {
		a.libvirt = vmwatch.NewConnManager(cfg.LibvirtURI, 3*time.Second, 900*time.Millisecond, logger)
		lister := vmwatch.NewLibvirtLister(a.libvirt, logger)
		a.resolver = vmwatch.NewResolver(lister, cfg.ResolveRefresh, logger)
	}

	a.registerMonitors()
	return a, nil
}

// buildSink picks the outbound channel for the selected mode: gRPC to the
// sensor on hosts, VSOCK toward the host listener in guests, and the log
// sink when nothing is configured.
func (a *Agent) buildSink() (relay.Sink, error) {
	if a.cfg.Mode == config.ModeVMAgent && (a.cfg.UseVsock || a.cfg.SensorEndpoint == "") {
		return relay.NewVsockSink(a.cfg.VsockPort, a.logger), nil
	}
	if a.cfg.SensorEndpoint == "" {
		a.logger.Info("no sensor endpoint configured, logging envelopes locally")
		return relay.NewLogSink(a.logger), nil
	}
	tlsCfg, err := a.cfg.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	return relay.NewGRPCSink(relay.GRPCSinkConfig{
		Addr: a.cfg.SensorEndpoint,
		TLS:  tlsCfg,
	}, a.logger), nil
}

func (a *Agent) registerMonitors() {
	fileWanted := a.cfg.EnableFileMonitor &&
		(a.cfg.Mode == config.ModeFileMonitor || a.cfg.Mode == config.ModeHybrid)
	if fileWanted {
		src, err := fsevents.Open(fsevents.Options{PinPath: a.cfg.RingBufferPinPath})
		if err != nil {
			a.logger.Warn("file monitoring unavailable", "error", err)
		} else {
			a.registry.Register(monitor.NewFileMonitor(src, a.logger))
		}
	}

	pkgWanted := a.cfg.EnablePackageMonitor &&
		(a.cfg.Mode == config.ModeFileMonitor ||
			a.cfg.Mode == config.ModeVMAgent ||
			a.cfg.Mode == config.ModeHybrid)
	if pkgWanted {
		a.registry.Register(monitor.NewPackageMonitor(monitor.PackageMonitorConfig{
			RPMDBPath: a.cfg.RPMDBPath,
			Interval:  a.cfg.ScanInterval,
			HostMount: a.cfg.HostMount,
		}, a.logger))
	}
}

// Run executes the agent until a shutdown signal or fatal error, then
// shuts down within the configured grace period. A second signal or an
// expired grace timer forces immediate termination.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting fact agent", "mode", a.cfg.Mode)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
		// Agent terminated by itself (startup error/runtime error/parent ctx canceled).
	case sig := <-sigCh:
		a.logger.Info("shutdown signal received, starting graceful shutdown", "signal", sig.String(), "timeout", a.cfg.ShutdownTimeout)
		cancelRun()

		graceTimer := time.NewTimer(a.cfg.ShutdownTimeout)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
			// graceful stop completed in time
		case sig2 := <-sigCh:
			a.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig2.String())
			runErr = context.Canceled
		case <-graceTimer.C:
			a.logger.Warn("graceful shutdown timeout reached, forcing shutdown", "timeout", a.cfg.ShutdownTimeout)
			runErr = context.DeadlineExceeded
		}
	}

	a.shutdown()

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	a.logger.Info("fact agent stopped")
	return nil
}

func (a *Agent) shutdown() {
	a.pipeline.Shutdown()
	if a.libvirt != nil {
		if err := a.libvirt.Close(); err != nil {
			a.logger.Warn("libvirt close failed", "error", err)
		}
	}
	a.health.SetStreamConnected(false)
}

func BuildLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, hOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, hOpts))
}

// healthSink mirrors sink outcomes into the health snapshot.
type healthSink struct {
	sink   relay.Sink
	health *HealthStatus
}

func (s *healthSink) Connect(ctx context.Context) error {
	err := s.sink.Connect(ctx)
	s.health.SetStreamConnected(err == nil)
	return err
}

func (s *healthSink) Send(ctx context.Context, env model.Envelope) error {
	err := s.sink.Send(ctx, env)
	if err != nil {
		s.health.SetStreamConnected(false)
		return err
	}
	s.health.SetStreamConnected(true)
	s.health.MarkEnvelope(env.Timestamp)
	return nil
}

func (s *healthSink) Close(ctx context.Context) error {
	return s.sink.Close(ctx)
}

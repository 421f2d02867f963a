package agent

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/kylape/fact/internal/config"
	"github.com/kylape/fact/internal/monitor"
	"github.com/kylape/fact/internal/vsock"
)

func (a *Agent) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.relay.Run(gctx, a.pipeline.Out())
	})

	if a.resolver != nil {
		g.Go(func() error {
			return a.resolver.Run(gctx)
		})
	}

	if a.serverWanted() {
		g.Go(func() error {
			return a.runVsockServer(gctx)
		})
	}

	g.Go(func() error {
		return a.runMonitors(gctx)
	})
	g.Go(func() error {
		return a.watchMonitorStatus(gctx)
	})
	g.Go(func() error {
		return a.runProbeListener(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *Agent) serverWanted() bool {
	switch a.cfg.Mode {
	case config.ModeVsockListener:
		return true
	case config.ModeHybrid:
		return a.cfg.EnableVsockServer
	default:
		return false
	}
}

func (a *Agent) runVsockServer(ctx context.Context) error {
	srv, err := vsock.Listen(a.cfg.VsockPort, a.resolver, vsock.ServerConfig{
		MaxFrameSize:   a.cfg.MaxFrameSize,
		Grace:          a.cfg.ConnGrace,
		ProducerBuffer: a.cfg.ProducerBuffer,
	}, a.logger)
	if err != nil {
		if a.cfg.Mode == config.ModeHybrid {
			// Degrade: the host may simply lack the vsock transport.
			a.logger.Error("vsock server unavailable, continuing without it", "error", err)
			return nil
		}
		return err
	}
	a.health.SetVsockListening(true)
	defer a.health.SetVsockListening(false)
	return srv.Serve(ctx, a.pipeline)
}

func (a *Agent) runMonitors(ctx context.Context) error {
	started := a.registry.StartAll(ctx, a.pipeline, a.cfg.ProducerBuffer)
	a.health.SetMonitorsRunning(started)
	if started == 0 && len(a.registry.Monitors()) > 0 {
		a.logger.Warn("no monitors could start in this environment")
	}

	<-ctx.Done()
	if err := a.registry.StopAll(); err != nil {
		a.logger.Warn("monitor stop reported errors", "error", err)
	}
	a.health.SetMonitorsRunning(0)
	return nil
}

// watchMonitorStatus logs monitor failures and records them. A failed
// monitor degrades the agent; it never brings it down.
func (a *Agent) watchMonitorStatus(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rep := <-a.registry.Status():
			if rep.State == monitor.StateFailed {
				a.logger.Error("monitor failed, continuing degraded", "monitor", rep.Monitor, "error", rep.Err)
				a.health.MarkMonitorFailed(rep.Monitor)
			}
		}
	}
}

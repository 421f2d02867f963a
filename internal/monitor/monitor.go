// Package monitor provides the pluggable producer framework: long-lived
// components with a start/stop lifecycle that push envelopes into the
// multiplexer. The variant set is closed and fixed by configuration.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/kylape/fact/internal/mux"
)

// State is the lifecycle state of a monitor.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Monitor is a long-lived envelope producer. Exactly one instance exists per
// configured monitor kind for the process lifetime.
type Monitor interface {
	// Name is the stable identifier used as the envelope source.
	Name() string
	// CanRun reports whether the host environment supports this monitor.
	CanRun(ctx context.Context) bool
	// Start spawns the monitor's work loop and returns once it is runnable.
	// Calling Start while already running is a no-op returning nil.
	Start(ctx context.Context, out *mux.Producer) error
	// Stop cancels the work loop and releases owned resources before
	// returning.
	Stop() error
	// Status returns the current lifecycle state.
	Status() State
}

// StatusReport is pushed on the registry's side channel when a monitor
// changes state on its own, typically into StateFailed.
type StatusReport struct {
	Monitor string
	State   State
	Err     error
}

// lifecycle is embedded by concrete monitors to share state tracking and
// failure reporting.
type lifecycle struct {
	name   string
	state  atomic.Int32
	status chan<- StatusReport
}

func (l *lifecycle) Name() string  { return l.name }
func (l *lifecycle) Status() State { return State(l.state.Load()) }

func (l *lifecycle) setState(s State) {
	l.state.Store(int32(s))
}

func (l *lifecycle) bindStatus(ch chan<- StatusReport) {
	l.status = ch
}

// fail transitions to StateFailed and reports upward without ever blocking
// the work loop.
func (l *lifecycle) fail(err error) {
	l.setState(StateFailed)
	if l.status == nil {
		return
	}
	select {
	case l.status <- StatusReport{Monitor: l.name, State: StateFailed, Err: err}:
	default:
	}
}

// Registry holds the configured monitor set and fans their status reports
// into one channel.
type Registry struct {
	logger   *slog.Logger
	status   chan StatusReport
	mu       sync.Mutex
	monitors []Monitor
	started  []Monitor
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		status: make(chan StatusReport, 16),
	}
}

// Register adds a monitor to the set. Must be called before StartAll.
func (r *Registry) Register(m Monitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitors = append(r.monitors, m)
	if lc, ok := m.(interface{ bindStatus(chan<- StatusReport) }); ok {
		lc.bindStatus(r.status)
	}
}

// Status is the side channel carrying monitor failure reports.
func (r *Registry) Status() <-chan StatusReport {
	return r.status
}

func (r *Registry) Monitors() []Monitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Monitor(nil), r.monitors...)
}

// StartAll starts every monitor whose environment check passes, each with
// its own producer handle. A monitor that cannot run or fails to start is
// skipped; the rest keep going. Returns the number of running monitors.
func (r *Registry) StartAll(ctx context.Context, m *mux.Multiplexer, producerBuffer int) int {
	r.mu.Lock()
	monitors := append([]Monitor(nil), r.monitors...)
	r.mu.Unlock()

	started := 0
	for _, mon := range monitors {
		if !mon.CanRun(ctx) {
			r.logger.Info("monitor cannot run in this environment, skipping", "monitor", mon.Name())
			continue
		}
		out := m.Register(mon.Name(), producerBuffer)
		if err := mon.Start(ctx, out); err != nil {
			r.logger.Error("monitor start failed", "monitor", mon.Name(), "error", err)
			out.Close()
			continue
		}
		r.logger.Info("monitor started", "monitor", mon.Name())
		r.mu.Lock()
		r.started = append(r.started, mon)
		r.mu.Unlock()
		started++
	}
	return started
}

// StopAll stops every started monitor, aggregating errors.
func (r *Registry) StopAll() error {
	r.mu.Lock()
	started := append([]Monitor(nil), r.started...)
	r.started = nil
	r.mu.Unlock()

	var result *multierror.Error
	for _, mon := range started {
		if err := mon.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

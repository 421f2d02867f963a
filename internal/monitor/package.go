package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kylape/fact/internal/model"
	"github.com/kylape/fact/internal/mux"
)

const rpmQueryFormat = "%{NAME}|%{VERSION}|%{RELEASE}|%{ARCH}\n"

// Scans are cheap to recompute, so a couple of consecutive failures means
// the database is genuinely gone rather than momentarily busy.
const maxConsecutiveScanFailures = 3

// PackageMonitorConfig configures the periodic package-inventory scan.
type PackageMonitorConfig struct {
	RPMDBPath string
	Interval  time.Duration
	// HostMount prefixes host paths when running containerized.
	HostMount string
}

// PackageMonitor periodically queries the package database and emits a full
// inventory snapshot. Delivery is drop-oldest: a stale snapshot is worthless
// once a newer one exists.
type PackageMonitor struct {
	lifecycle
	logger *slog.Logger
	cfg    PackageMonitorConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPackageMonitor(cfg PackageMonitorConfig, logger *slog.Logger) *PackageMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &PackageMonitor{
		lifecycle: lifecycle{name: model.SourcePackageMonitor},
		logger:    logger,
		cfg:       cfg,
	}
}

func (m *PackageMonitor) CanRun(ctx context.Context) bool {
	if _, err := exec.LookPath("rpm"); err != nil {
		m.logger.Debug("rpm binary not found", "error", err)
		return false
	}
	if _, err := os.Stat(m.cfg.RPMDBPath); err != nil {
		m.logger.Debug("rpm database not accessible", "path", m.cfg.RPMDBPath, "error", err)
		return false
	}
	return true
}

func (m *PackageMonitor) Start(ctx context.Context, out *mux.Producer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.Status() {
	case StateRunning:
		return nil
	case StateStarting, StateStopping:
		return fmt.Errorf("package monitor is %s", m.Status())
	}

	m.setState(StateStarting)
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.scanLoop(loopCtx, out)
	m.setState(StateRunning)
	return nil
}

func (m *PackageMonitor) scanLoop(ctx context.Context, out *mux.Producer) {
	defer close(m.done)
	defer out.Close()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	scan := func() bool {
		inv, err := m.scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			failures++
			m.logger.Warn("package scan failed", "attempt", failures, "error", err)
			if failures >= maxConsecutiveScanFailures {
				m.fail(fmt.Errorf("package database unavailable after %d scans: %w", failures, err))
				return false
			}
			return true
		}
		failures = 0
		out.EmitLatest(model.Envelope{
			Type:      model.EventTypeVMInventory,
			Timestamp: time.Now().UTC(),
			Payload:   inv,
		})
		return true
	}

	if !scan() && m.Status() == StateFailed {
		return
	}
	for {
		select {
		case <-ctx.Done():
			if m.Status() != StateFailed {
				m.setState(StateStopped)
			}
			return
		case <-ticker.C:
			if !scan() && m.Status() == StateFailed {
				return
			}
		}
	}
}

func (m *PackageMonitor) scan(ctx context.Context) (*model.VMInventory, error) {
	m.logger.Debug("collecting package information", "dbpath", m.cfg.RPMDBPath)
	cmd := exec.CommandContext(ctx, "rpm", "--dbpath", m.cfg.RPMDBPath, "-qa", "--qf", rpmQueryFormat)
	stdout, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("run rpm query: %w", err)
	}
	pkgs, err := parsePackages(string(stdout))
	if err != nil {
		return nil, err
	}
	host := hostname(m.cfg.HostMount)
	m.logger.Debug("package scan complete", "host", host, "packages", len(pkgs))
	return &model.VMInventory{ID: host, Name: host, Packages: pkgs}, nil
}

func parsePackages(out string) ([]model.Package, error) {
	var pkgs []model.Package
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 4 {
			return nil, fmt.Errorf("malformed rpm output line %q", line)
		}
		pkgs = append(pkgs, model.Package{
			Name:    parts[0],
			Version: parts[1],
			Release: parts[2],
			Arch:    parts[3],
		})
	}
	return pkgs, nil
}

// hostname resolves the host's name, preferring host-mounted paths when the
// agent runs in a container.
func hostname(hostMount string) string {
	for _, p := range []string{"/etc/hostname", "/proc/sys/kernel/hostname"} {
		b, err := os.ReadFile(filepath.Join(hostMount, p))
		if err == nil && len(b) > 0 {
			if h := strings.TrimSpace(string(b)); h != "" {
				return h
			}
		}
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "no-hostname"
}

func (m *PackageMonitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return nil
	}
	if m.Status() == StateRunning {
		m.setState(StateStopping)
	}
	m.cancel()
	m.cancel = nil
	<-m.done
	if m.Status() != StateFailed {
		m.setState(StateStopped)
	}
	return nil
}

package agent

import (
	"sync"
	"sync/atomic"
	"time"
)

type HealthStatus struct {
	streamConnected atomic.Bool
	vsockListening  atomic.Bool
	monitorsRunning atomic.Int32
	lastEnvelopeAt  atomic.Int64

	mu             sync.Mutex
	failedMonitors []string
}

func NewHealthStatus() *HealthStatus {
	return &HealthStatus{}
}

func (h *HealthStatus) SetStreamConnected(ok bool) {
	h.streamConnected.Store(ok)
}

func (h *HealthStatus) SetVsockListening(ok bool) {
	h.vsockListening.Store(ok)
}

func (h *HealthStatus) SetMonitorsRunning(n int) {
	h.monitorsRunning.Store(int32(n))
}

func (h *HealthStatus) MarkEnvelope(ts time.Time) {
	h.lastEnvelopeAt.Store(ts.UnixNano())
}

func (h *HealthStatus) MarkMonitorFailed(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.failedMonitors {
		if m == name {
			return
		}
	}
	h.failedMonitors = append(h.failedMonitors, name)
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"stream_connected": h.streamConnected.Load(),
		"vsock_listening":  h.vsockListening.Load(),
		"monitors_running": h.monitorsRunning.Load(),
	}
	if v := h.lastEnvelopeAt.Load(); v > 0 {
		out["last_envelope_at"] = time.Unix(0, v).UTC()
	}
	h.mu.Lock()
	if len(h.failedMonitors) > 0 {
		out["failed_monitors"] = append([]string(nil), h.failedMonitors...)
	}
	h.mu.Unlock()
	return out
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"
)

// runProbeListener serves a plain-text liveness endpoint reporting
// per-component status, so a degraded agent is visible from outside.
func (a *Agent) runProbeListener(ctx context.Context) error {
	addr := strings.TrimSpace(a.cfg.ProbeListenAddr)
	if addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen probe endpoint %s: %w", addr, err)
	}
	defer func() { _ = ln.Close() }()

	a.logger.Info("probe endpoint listening", "addr", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := acceptErr.(net.Error); ok && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			if errors.Is(acceptErr, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept probe endpoint %s: %w", addr, acceptErr)
		}

		_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
		_, _ = conn.Write([]byte(a.probeReport()))
		_ = conn.Close()
	}
}

func (a *Agent) probeReport() string {
	var b strings.Builder
	b.WriteString("fact:ok\n")

	snap := a.health.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v\n", k, snap[k])
	}
	fmt.Fprintf(&b, "relay_state=%s\n", a.relay.State())
	fmt.Fprintf(&b, "relay_sent=%d\n", a.relay.Sent())
	fmt.Fprintf(&b, "relay_lost=%d\n", a.relay.Lost())
	for _, m := range a.registry.Monitors() {
		fmt.Fprintf(&b, "monitor_%s=%s\n", m.Name(), m.Status())
	}
	return b.String()
}

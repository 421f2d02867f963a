package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kylape/fact/internal/model"
	"github.com/kylape/fact/internal/vsock"
	"github.com/kylape/fact/internal/wire"
)

// VsockSink is the guest-side sink: it frames inventory snapshots toward
// the host's VSOCK listener, which relays them onward to the sensor.
type VsockSink struct {
	mu     sync.Mutex
	logger *slog.Logger
	port   uint32
	dial   func() (*vsock.Client, error)
	client *vsock.Client
}

func NewVsockSink(port uint32, logger *slog.Logger) *VsockSink {
	s := &VsockSink{logger: logger, port: port}
	s.dial = func() (*vsock.Client, error) { return vsock.Dial(s.port) }
	return s
}

func (s *VsockSink) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}
	c, err := s.dial()
	if err != nil {
		return err
	}
	s.client = c
	s.logger.Info("vsock channel connected", "port", s.port)
	return nil
}

func (s *VsockSink) Send(_ context.Context, env model.Envelope) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	inv, ok := env.Payload.(*model.VMInventory)
	if !ok {
		// The host listener only accepts inventory messages; anything else
		// on this channel is a wiring bug.
		return fmt.Errorf("vsock channel cannot carry %T", env.Payload)
	}
	return client.Send(wire.MarshalVirtualMachine(inv))
}

func (s *VsockSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// Package vsock implements the host-guest telemetry channel: a server
// accepting framed protobuf messages from guest VMs, and the guest-side
// client that produces them.
package vsock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	mvsock "github.com/mdlayher/vsock"

	"github.com/kylape/fact/internal/model"
	"github.com/kylape/fact/internal/mux"
	"github.com/kylape/fact/internal/wire"
)

// DefaultPort is the reference listening port for the guest channel.
const DefaultPort = 818

const acceptRetryDelay = 100 * time.Millisecond

// BindError wraps listener setup failures: port unavailable or no VSOCK
// transport on the host.
type BindError struct {
	Port uint32
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind vsock port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Resolver maps a guest context id to its VM descriptor.
type Resolver interface {
	Lookup(cid uint32) (model.Descriptor, bool)
}

// ServerConfig bounds the server's resource use.
type ServerConfig struct {
	// MaxFrameSize rejects oversized guest frames. Defaults to
	// wire.MaxFrameSize.
	MaxFrameSize uint32
	// Grace is how long in-flight connections get to finish their current
	// frame after shutdown fires.
	Grace time.Duration
	// ProducerBuffer sizes each connection's queue into the multiplexer.
	ProducerBuffer int
}

func (c *ServerConfig) withDefaults() {
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = wire.MaxFrameSize
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Second
	}
}

// Server accepts guest connections and translates framed messages into
// envelopes. Each connection is handled by its own goroutine so one slow
// guest cannot stall the others.
type Server struct {
	logger   *slog.Logger
	ln       net.Listener
	resolver Resolver
	cfg      ServerConfig
}

// Listen binds the wildcard context id on the given port.
func Listen(port uint32, resolver Resolver, cfg ServerConfig, logger *slog.Logger) (*Server, error) {
	if port == 0 {
		port = DefaultPort
	}
	ln, err := mvsock.Listen(port, nil)
	if err != nil {
		return nil, &BindError{Port: port, Err: err}
	}
	logger.Info("vsock server listening", "port", port)
	return NewServer(ln, resolver, cfg, logger), nil
}

// NewServer wraps an existing listener; tests use in-memory listeners.
func NewServer(ln net.Listener, resolver Resolver, cfg ServerConfig, logger *slog.Logger) *Server {
	cfg.withDefaults()
	return &Server{
		logger:   logger,
		ln:       ln,
		resolver: resolver,
		cfg:      cfg,
	}
}

// Serve accepts connections until the context is cancelled, then waits for
// in-flight handlers, which get the configured grace period to finish their
// current frame.
func (s *Server) Serve(ctx context.Context, m *mux.Multiplexer) error {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Info("vsock server stopped accepting")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(acceptRetryDelay)
				continue
			}
			return fmt.Errorf("accept vsock connection: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, conn, m)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn, m *mux.Multiplexer) {
	defer func() { _ = conn.Close() }()

	// On shutdown the current frame may finish; after the grace period any
	// blocked read fails with a deadline error.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.Grace))
	})
	defer stop()

	desc, known := s.identify(conn)
	vmID := desc.VMID()
	log := s.logger.With("vm", vmID, "cid", desc.ContextID)
	if !known {
		log.Warn("connection from unresolved guest context id")
	}
	log.Info("guest connected")

	out := m.Register(model.SourceVsock(vmID), s.cfg.ProducerBuffer)
	defer out.Close()

	for {
		payload, err := wire.ReadFrame(conn, s.cfg.MaxFrameSize)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				log.Info("guest disconnected")
			case errors.Is(err, wire.ErrFrameTooLarge):
				// Hostile or corrupt stream; close without an ack.
				log.Warn("rejecting oversized frame", "error", err)
			case ctx.Err() != nil:
				log.Info("closing guest connection on shutdown")
			default:
				log.Warn("guest read failed", "error", err)
			}
			return
		}

		inv, err := wire.UnmarshalVirtualMachine(payload)
		if err != nil {
			log.Warn("guest message decode failed", "bytes", len(payload), "error", err)
			_ = wire.WriteStatus(conn, wire.StatusDecodeError)
			return
		}
		if err := wire.WriteStatus(conn, wire.StatusOK); err != nil {
			log.Warn("guest ack failed", "error", err)
			return
		}

		// Tag the inventory with resolved identity; the guest only knows
		// its own view.
		if known {
			if inv.Name == "" {
				inv.Name = desc.Name
			}
			if inv.Namespace == "" {
				inv.Namespace = desc.Namespace
			}
			if inv.ID == "" {
				inv.ID = desc.UID
			}
		}

		env := model.Envelope{
			Type:      model.EventTypeVMInventory,
			Timestamp: time.Now().UTC(),
			Payload:   inv,
		}
		if err := out.Emit(ctx, env); err != nil {
			return
		}
	}
}

// identify resolves the peer's context id to a descriptor. Unresolved peers
// are tagged by raw context id so their telemetry is still attributable.
func (s *Server) identify(conn net.Conn) (model.Descriptor, bool) {
	var cid uint32
	if addr, ok := conn.RemoteAddr().(*mvsock.Addr); ok {
		cid = addr.ContextID
	}
	if s.resolver != nil {
		if desc, ok := s.resolver.Lookup(cid); ok {
			return desc, true
		}
	}
	return model.Descriptor{Name: fmt.Sprintf("cid-%d", cid), ContextID: cid}, false
}

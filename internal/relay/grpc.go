package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kylape/fact/internal/model"
	"github.com/kylape/fact/internal/wire"
)

// userAgent is the stable client identifier the sensor uses to attribute
// relay traffic.
const userAgent = "fact-vm-relay"

// Default sensor service methods; the schema is externally defined.
const (
	DefaultUpsertVMMethod      = "/sensor.VirtualMachineService/UpsertVirtualMachine"
	DefaultFileActivityMethod  = "/sensor.VirtualMachineService/ReportFileActivity"
	DefaultProcessSignalMethod = "/sensor.VirtualMachineService/ReportProcessSignal"
)

// wireCodec lets the relay invoke sensor methods without generated stubs by
// encoding requests through the wire package.
type wireCodec struct{}

func (wireCodec) Name() string { return "fact-wire" }

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wire.Marshaler)
	if !ok {
		return nil, fmt.Errorf("codec: %T is not a wire message", v)
	}
	return m.MarshalWire()
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	u, ok := v.(wire.Unmarshaler)
	if !ok {
		return fmt.Errorf("codec: %T is not a wire message", v)
	}
	return u.UnmarshalWire(data)
}

// GRPCSinkConfig configures one sensor session.
type GRPCSinkConfig struct {
	Addr string
	// TLS enables mutual authentication; nil falls back to insecure
	// transport for local development.
	TLS *tls.Config

	UpsertVMMethod      string
	FileActivityMethod  string
	ProcessSignalMethod string

	DialTimeout time.Duration
}

func (c *GRPCSinkConfig) withDefaults() {
	if c.UpsertVMMethod == "" {
		c.UpsertVMMethod = DefaultUpsertVMMethod
	}
	if c.FileActivityMethod == "" {
		c.FileActivityMethod = DefaultFileActivityMethod
	}
	if c.ProcessSignalMethod == "" {
		c.ProcessSignalMethod = DefaultProcessSignalMethod
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 8 * time.Second
	}
}

// GRPCSink sends envelopes to the sensor as unary calls over one client
// connection.
type GRPCSink struct {
	mu     sync.Mutex
	logger *slog.Logger
	cfg    GRPCSinkConfig
	conn   *grpc.ClientConn
}

func NewGRPCSink(cfg GRPCSinkConfig, logger *slog.Logger) *GRPCSink {
	cfg.withDefaults()
	return &GRPCSink{logger: logger, cfg: cfg}
}

func (s *GRPCSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	var creds credentials.TransportCredentials
	if s.cfg.TLS != nil {
		creds = credentials.NewTLS(s.cfg.TLS)
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.DialContext(
		dialCtx,
		s.cfg.Addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
		grpc.WithUserAgent(userAgent),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wireCodec{})),
	)
	if err != nil {
		return fmt.Errorf("grpc dial %s: %w", s.cfg.Addr, err)
	}
	s.conn = conn
	s.logger.Info("sensor connected", "addr", s.cfg.Addr)
	return nil
}

func (s *GRPCSink) Send(ctx context.Context, env model.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	method, req, err := s.requestFor(env)
	if err != nil {
		return err
	}
	if err := conn.Invoke(ctx, method, req, &wire.Empty{}); err != nil {
		return fmt.Errorf("sensor %s: %w", method, err)
	}
	return nil
}

func (s *GRPCSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *GRPCSink) requestFor(env model.Envelope) (method string, req wire.Marshaler, err error) {
	switch p := env.Payload.(type) {
	case *model.VMInventory:
		return s.cfg.UpsertVMMethod, &wire.UpsertVirtualMachineRequest{VirtualMachine: p}, nil
	case *model.FileActivity:
		return s.cfg.FileActivityMethod, &wire.ReportFileActivityRequest{Source: env.Source, Activity: p}, nil
	case *model.ProcessSignal:
		return s.cfg.ProcessSignalMethod, &wire.ReportProcessSignalRequest{Source: env.Source, Signal: p}, nil
	default:
		return "", nil, fmt.Errorf("unsupported envelope payload %T", env.Payload)
	}
}

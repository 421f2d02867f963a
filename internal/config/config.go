package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Mode selects which components the orchestrator wires together.
type Mode string

const (
	// ModeFileMonitor runs the host-side kernel monitors.
	ModeFileMonitor Mode = "file-monitor"
	// ModeVMAgent runs inside a guest, shipping inventory to the host.
	ModeVMAgent Mode = "vm-agent"
	// ModeVsockListener runs the host-side guest channel and sensor relay.
	ModeVsockListener Mode = "vsock-listener"
	// ModeHybrid combines vm-agent and vsock-listener functionality.
	ModeHybrid Mode = "hybrid"
)

// Certificate file names expected inside the credential directory.
const (
	caFile   = "ca.pem"
	certFile = "cert.pem"
	keyFile  = "key.pem"
)

type Config struct {
	Mode Mode

	// Sensor connection.
	SensorEndpoint string
	CertsDir       string
	SensorHostname string

	// Guest channel.
	VsockPort      uint32
	UseVsock       bool
	MaxFrameSize   uint32
	ConnGrace      time.Duration
	ResolveRefresh time.Duration
	LibvirtURI     string

	// Monitors.
	EnableFileMonitor    bool
	EnablePackageMonitor bool
	EnableVsockServer    bool
	EnableVMAgent        bool
	RingBufferPinPath    string
	RPMDBPath            string
	ScanInterval         time.Duration
	HostMount            string

	// Pipeline.
	StreamBufferSize int
	ProducerBuffer   int

	// Process.
	ShutdownTimeout time.Duration
	ProbeListenAddr string
	LogJSON         bool
	LogLevel        string
}

func Load() (Config, error) {
	cfg := Config{
		Mode:                 Mode(strings.ToLower(env("FACT_MODE", string(ModeFileMonitor)))),
		SensorEndpoint:       env("FACT_URL", ""),
		CertsDir:             env("FACT_CERTS", ""),
		SensorHostname:       env("FACT_SENSOR_HOSTNAME", "sensor.stackrox.svc"),
		VsockPort:            uint32(envInt("FACT_VSOCK_PORT", 818)),
		UseVsock:             envBool("FACT_USE_VSOCK", false),
		MaxFrameSize:         uint32(envInt("FACT_MAX_FRAME_SIZE", 1<<20)),
		ConnGrace:            envDuration("FACT_CONN_GRACE", 5*time.Second),
		ResolveRefresh:       envDuration("FACT_VM_REFRESH_INTERVAL", 30*time.Second),
		LibvirtURI:           env("FACT_LIBVIRT_URI", "qemu+unix:///system"),
		EnableFileMonitor:    envBool("FACT_ENABLE_FILE_MONITOR", false),
		EnablePackageMonitor: envBool("FACT_ENABLE_PACKAGE_MONITOR", false),
		EnableVsockServer:    envBool("FACT_ENABLE_VSOCK_SERVER", true),
		EnableVMAgent:        envBool("FACT_ENABLE_VM_AGENT", true),
		RingBufferPinPath:    env("FACT_RINGBUF_PIN", ""),
		RPMDBPath:            env("FACT_RPMDB", "/var/lib/rpm"),
		ScanInterval:         envDuration("FACT_INTERVAL", time.Hour),
		HostMount:            env("FACT_HOST_MOUNT", ""),
		StreamBufferSize:     envInt("FACT_STREAM_BUFFER_SIZE", 1024),
		ProducerBuffer:       envInt("FACT_PRODUCER_BUFFER", 64),
		ShutdownTimeout:      envDuration("FACT_SHUTDOWN_TIMEOUT", 20*time.Second),
		ProbeListenAddr:      env("FACT_PROBE_ADDR", "127.0.0.1:7443"),
		LogJSON:              envBool("FACT_LOG_JSON", false),
		LogLevel:             strings.ToLower(env("FACT_LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate makes configuration errors fatal at startup, before any
// component is started.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeFileMonitor, ModeVMAgent, ModeVsockListener, ModeHybrid:
	default:
		return fmt.Errorf("unsupported mode %q", c.Mode)
	}
	if c.VsockPort == 0 {
		return errors.New("FACT_VSOCK_PORT must be > 0")
	}
	if c.MaxFrameSize == 0 {
		return errors.New("FACT_MAX_FRAME_SIZE must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("FACT_SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.ScanInterval <= 0 {
		return errors.New("FACT_INTERVAL must be > 0")
	}
	if (c.Mode == ModeVsockListener || c.Mode == ModeHybrid) && c.SensorEndpoint == "" {
		return errors.New("FACT_URL is required to relay guest telemetry to the sensor")
	}
	if c.CertsDir != "" {
		for _, f := range []string{caFile, certFile, keyFile} {
			if _, err := os.Stat(filepath.Join(c.CertsDir, f)); err != nil {
				return fmt.Errorf("credential file %s: %w", f, err)
			}
		}
	}
	return nil
}

// WithDefaults enables a reasonable monitor set when none was requested,
// matching the original agent behavior.
func (c Config) WithDefaults() Config {
	if c.Mode == ModeFileMonitor && !c.EnableFileMonitor && !c.EnablePackageMonitor {
		c.EnableFileMonitor = true
	}
	if c.Mode == ModeVMAgent {
		c.EnablePackageMonitor = true
	}
	// Hybrid hosts ship their own inventory alongside the guest channel
	// unless the vm-agent half is switched off.
	if c.Mode == ModeHybrid && c.EnableVMAgent {
		c.EnablePackageMonitor = true
	}
	return c
}

// TLSConfig builds the mutual-TLS client config from the credential
// directory, or nil when none is configured.
func (c Config) TLSConfig() (*tls.Config, error) {
	if c.CertsDir == "" {
		return nil, nil
	}

	caBytes, err := os.ReadFile(filepath.Join(c.CertsDir, caFile))
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, errors.New("append CA cert failed")
	}

	crt, err := tls.LoadX509KeyPair(filepath.Join(c.CertsDir, certFile), filepath.Join(c.CertsDir, keyFile))
	if err != nil {
		return nil, fmt.Errorf("load mTLS cert/key: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		RootCAs:      pool,
		Certificates: []tls.Certificate{crt},
		ServerName:   c.SensorHostname,
	}, nil
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

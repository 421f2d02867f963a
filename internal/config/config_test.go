package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeFileMonitor, cfg.Mode)
	assert.Equal(t, uint32(818), cfg.VsockPort)
	assert.Equal(t, uint32(1<<20), cfg.MaxFrameSize)
	assert.Equal(t, "/var/lib/rpm", cfg.RPMDBPath)
	assert.Equal(t, time.Hour, cfg.ScanInterval)
	assert.Equal(t, 1024, cfg.StreamBufferSize)
	assert.Equal(t, 20*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("FACT_MODE", "VM-Agent")
	t.Setenv("FACT_VSOCK_PORT", "1024")
	t.Setenv("FACT_USE_VSOCK", "yes")
	t.Setenv("FACT_INTERVAL", "15m")
	t.Setenv("FACT_LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeVMAgent, cfg.Mode)
	assert.Equal(t, uint32(1024), cfg.VsockPort)
	assert.True(t, cfg.UseVsock)
	assert.Equal(t, 15*time.Minute, cfg.ScanInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	t.Setenv("FACT_MODE", "turbo")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported mode")
}

func TestValidateRequiresSensorForListenerModes(t *testing.T) {
	for _, mode := range []Mode{ModeVsockListener, ModeHybrid} {
		t.Setenv("FACT_MODE", string(mode))
		t.Setenv("FACT_URL", "")
		_, err := Load()
		require.Error(t, err, "mode %s must require FACT_URL", mode)

		t.Setenv("FACT_URL", "sensor.stackrox.svc:443")
		_, err = Load()
		require.NoError(t, err)
	}
}

func TestValidateChecksCredentialFiles(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FACT_CERTS", dir)

	_, err := Load()
	require.Error(t, err, "missing credential files must fail validation")

	for _, f := range []string{caFile, certFile, keyFile} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("pem"), 0o600))
	}
	_, err = Load()
	require.NoError(t, err)
}

func TestWithDefaultsEnablesMonitorsPerMode(t *testing.T) {
	c := Config{Mode: ModeFileMonitor}.WithDefaults()
	assert.True(t, c.EnableFileMonitor)
	assert.False(t, c.EnablePackageMonitor)

	c = Config{Mode: ModeFileMonitor, EnablePackageMonitor: true}.WithDefaults()
	assert.False(t, c.EnableFileMonitor, "explicit monitor selection is preserved")

	c = Config{Mode: ModeVMAgent}.WithDefaults()
	assert.True(t, c.EnablePackageMonitor)

	c = Config{Mode: ModeHybrid, EnableVMAgent: true}.WithDefaults()
	assert.True(t, c.EnablePackageMonitor, "hybrid runs the vm-agent half by default")

	c = Config{Mode: ModeHybrid}.WithDefaults()
	assert.False(t, c.EnablePackageMonitor, "FACT_ENABLE_VM_AGENT=false disables the vm-agent half")
}

func TestTLSConfigEmptyWithoutCerts(t *testing.T) {
	cfg, err := Config{}.TLSConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestTLSConfigRejectsBadCA(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{caFile, certFile, keyFile} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("not pem"), 0o600))
	}
	_, err := Config{CertsDir: dir}.TLSConfig()
	require.Error(t, err)
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("FACT_TEST_STR", "  padded  ")
	assert.Equal(t, "padded", env("FACT_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", env("FACT_TEST_MISSING", "fallback"))

	t.Setenv("FACT_TEST_INT", "42")
	assert.Equal(t, 42, envInt("FACT_TEST_INT", 7))
	t.Setenv("FACT_TEST_INT", "not a number")
	assert.Equal(t, 7, envInt("FACT_TEST_INT", 7))

	t.Setenv("FACT_TEST_BOOL", "on")
	assert.True(t, envBool("FACT_TEST_BOOL", false))
	t.Setenv("FACT_TEST_BOOL", "off")
	assert.False(t, envBool("FACT_TEST_BOOL", true))
	t.Setenv("FACT_TEST_BOOL", "maybe")
	assert.True(t, envBool("FACT_TEST_BOOL", true))

	t.Setenv("FACT_TEST_DUR", "90s")
	assert.Equal(t, 90*time.Second, envDuration("FACT_TEST_DUR", time.Minute))
	t.Setenv("FACT_TEST_DUR", "soon")
	assert.Equal(t, time.Minute, envDuration("FACT_TEST_DUR", time.Minute))
}

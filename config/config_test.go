package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
defaults:
  arch: aarch64
  deadline: 45s

devices:
  garage:
    host: 192.168.1.90
  lobby:
    host: cam-lobby.example.net:8443
    scheme: https
    arch: mips
    insecure_tls: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadMissingFileIsEmptyConfig(t *testing.T) {
	cfg, err := Read(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.Devices)
}

func TestReadSample(t *testing.T) {
	cfg, err := Read(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "aarch64", cfg.Defaults.Arch)
	assert.Equal(t, 45*time.Second, cfg.Defaults.Deadline.Std())

	garage, ok := cfg.Devices["garage"]
	require.True(t, ok)
	assert.Equal(t, "192.168.1.90", garage.Host)

	lobby := cfg.Devices["lobby"]
	assert.Equal(t, "https", lobby.Scheme)
	assert.Equal(t, "mips", lobby.Arch)
	assert.True(t, lobby.InsecureTLS)
}

func TestReadRejectsBadDuration(t *testing.T) {
	_, err := Read(writeConfig(t, "defaults:\n  deadline: quickly\n"))
	require.ErrorContains(t, err, "invalid duration")
}

func TestReadRejectsBadYAML(t *testing.T) {
	_, err := Read(writeConfig(t, "devices: [not a map"))
	require.Error(t, err)
}

func TestResolveTarget(t *testing.T) {
	cfg, err := Read(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	url, dev := cfg.ResolveTarget("http://root:pw@10.0.0.5")
	assert.Equal(t, "http://root:pw@10.0.0.5", url)
	assert.Zero(t, dev)

	url, dev = cfg.ResolveTarget("root:pw@garage")
	assert.Equal(t, "http://root:pw@192.168.1.90", url)
	assert.Equal(t, "192.168.1.90", dev.Host)

	url, dev = cfg.ResolveTarget("root:pw@lobby")
	assert.Equal(t, "https://root:pw@cam-lobby.example.net:8443", url)
	assert.True(t, dev.InsecureTLS)

	url, dev = cfg.ResolveTarget("root:pw@unknown-host")
	assert.Equal(t, "http://root:pw@unknown-host", url)
	assert.Zero(t, dev)

	url, _ = cfg.ResolveTarget("garage")
	assert.Equal(t, "http://192.168.1.90", url)
}

func TestCoalescePrecedence(t *testing.T) {
	// Flag beats config file beats built-in default.
	assert.Equal(t, "mips", Coalesce("mips", "aarch64", "armv7hf"))
	assert.Equal(t, "aarch64", Coalesce("", "aarch64", "armv7hf"))
	assert.Equal(t, "armv7hf", Coalesce("", "", "armv7hf"))
	assert.Equal(t, 0, Coalesce(0, 0))
}

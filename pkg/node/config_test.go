package node

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unblink/unblink/pkg/protocol"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.Reconnect.Enabled)
	assert.Empty(t, cfg.Token)
	assert.NotEmpty(t, cfg.RelayURL)

	// The default was persisted
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	cfg.NodeID = "node-42"
	cfg.Token = "secret-token"
	cfg.RelayURL = "wss://relay.example/node/connect"
	cfg.Services = []protocol.Service{
		{ID: "cam1", Type: protocol.ServiceTypeRTSP, Addr: "192.168.1.20", Port: 554, Path: "/h264"},
	}
	cfg.Reconnect = ReconnectConfig{Enabled: true, MaxNumAttempts: 5}
	require.NoError(t, cfg.Save())

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "node-42", loaded.NodeID)
	assert.Equal(t, "secret-token", loaded.Token)
	assert.Equal(t, "wss://relay.example/node/connect", loaded.RelayURL)
	require.Len(t, loaded.Services, 1)
	assert.Equal(t, 554, loaded.Services[0].Port)
	assert.Equal(t, 5, loaded.Reconnect.MaxNumAttempts)
}

func TestConfigFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg.Token = "secret"
	require.NoError(t, cfg.Save())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestClearCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg.NodeID = "node-1"
	cfg.Token = "tok"
	require.NoError(t, cfg.Save())

	require.NoError(t, cfg.ClearCredentials())

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Empty(t, loaded.NodeID)
	assert.Empty(t, loaded.Token)
}

func TestLoadConfigRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

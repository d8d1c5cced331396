package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("APP_DIR", "/var/lib/unblink")
	t.Setenv("FRAME_INTERVAL_SECONDS", "5")
	t.Setenv("RELAY_PORT", "9020")
	t.Setenv("API_PORT", "8020")
	t.Setenv("DASHBOARD_URL", "https://dash.example")
	t.Setenv("DATABASE_URL", "postgres://unblink@localhost/unblink")
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/var/lib/unblink", "storage"), cfg.StorageDir)
	assert.Equal(t, 5*time.Second, cfg.FrameInterval)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.True(t, cfg.AutoRequestRealtimeStream)
}

func TestLoadMissingVarsReportedTogether(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_DIR", "")
	t.Setenv("DASHBOARD_URL", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_DIR")
	assert.Contains(t, err.Error(), "DASHBOARD_URL")
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"frame interval not a number", "FRAME_INTERVAL_SECONDS", "five"},
		{"frame interval zero", "FRAME_INTERVAL_SECONDS", "0"},
		{"relay port not a number", "RELAY_PORT", "ws"},
		{"batch size negative", "BATCH_SIZE", "-3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoadAutoRealtimeDisabled(t *testing.T) {
	setRequired(t)
	t.Setenv("AUTO_REQUEST_REALTIME_STREAM", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.AutoRequestRealtimeStream)
}

func TestEnvFileDoesNotOverrideEnvironment(t *testing.T) {
	setRequired(t)
	t.Setenv("BATCH_SIZE", "25")

	envFile := filepath.Join(t.TempDir(), ".env")
	content := strings.Join([]string{
		"# comment",
		"BATCH_SIZE=3",
		`JWT_SECRET="from-file"`,
	}, "\n")
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0644))

	cfg, err := Load(envFile)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, "test-secret", cfg.JWTSecret)
}

// Package config loads relay configuration from the environment, with an
// optional .env file applied first for local development.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all relay configuration.
type Config struct {
	// Base directory for mutable state
	AppDir     string
	StorageDir string // computed: AppDir/storage

	// Database
	DatabaseURL string

	// CV pipeline
	FrameInterval time.Duration
	BatchSize     int

	// Listeners
	RelayPort string // WebSocket port for nodes and workers
	APIPort   string // HTTP API port for browsers

	// Dashboard base URL used in authorization links
	DashboardURL string

	// Auto-create server-side streams for announced rtsp/mjpeg services
	AutoRequestRealtimeStream bool

	// Secret for signing session tokens
	JWTSecret string
}

// Load reads configuration from the environment. If envPath is non-empty
// the file is parsed first and fills in variables not already set.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := applyEnvFile(envPath); err != nil {
			return nil, err
		}
	}

	var missing []string
	var invalid []string

	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	appDir := required("APP_DIR")
	frameIntervalStr := required("FRAME_INTERVAL_SECONDS")
	relayPort := required("RELAY_PORT")
	apiPort := required("API_PORT")
	dashboardURL := required("DASHBOARD_URL")
	databaseURL := required("DATABASE_URL")
	jwtSecret := required("JWT_SECRET")

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}

	frameIntervalSeconds, err := strconv.Atoi(frameIntervalStr)
	if err != nil || frameIntervalSeconds <= 0 {
		invalid = append(invalid, fmt.Sprintf("FRAME_INTERVAL_SECONDS must be a positive number, got %q", frameIntervalStr))
	}

	if _, err := strconv.Atoi(relayPort); err != nil {
		invalid = append(invalid, fmt.Sprintf("RELAY_PORT must be a number, got %q", relayPort))
	}
	if _, err := strconv.Atoi(apiPort); err != nil {
		invalid = append(invalid, fmt.Sprintf("API_PORT must be a number, got %q", apiPort))
	}

	batchSize := 10
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			invalid = append(invalid, fmt.Sprintf("BATCH_SIZE must be a positive number, got %q", v))
		} else {
			batchSize = n
		}
	}

	autoRealtime := true
	if v := os.Getenv("AUTO_REQUEST_REALTIME_STREAM"); v != "" {
		autoRealtime = v == "true" || v == "1"
	}

	if len(invalid) > 0 {
		return nil, fmt.Errorf("configuration validation errors: %s", strings.Join(invalid, "; "))
	}

	return &Config{
		AppDir:                    appDir,
		StorageDir:                filepath.Join(appDir, "storage"),
		DatabaseURL:               databaseURL,
		FrameInterval:             time.Duration(frameIntervalSeconds) * time.Second,
		BatchSize:                 batchSize,
		RelayPort:                 relayPort,
		APIPort:                   apiPort,
		DashboardURL:              dashboardURL,
		AutoRequestRealtimeStream: autoRealtime,
		JWTSecret:                 jwtSecret,
	}, nil
}

// applyEnvFile parses key=value lines and sets any variable that is not
// already present in the environment.
func applyEnvFile(path string) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		// Local development convenience only; absence is fine
		return nil
	}
	if err != nil {
		return fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"`)

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan env file: %w", err)
	}
	return nil
}

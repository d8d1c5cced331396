// Package node is the agent that runs inside a private network and
// exposes local camera services through the relay.
package node

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/unblink/unblink/pkg/protocol"
)

// ReconnectConfig controls the agent's redial behavior.
type ReconnectConfig struct {
	Enabled        bool `json:"enabled"`
	MaxNumAttempts int  `json:"max_num_attempts"` // 0 means unlimited
}

// Config is the agent's persisted state and service declarations.
type Config struct {
	NodeID    string             `json:"node_id,omitempty"`
	Token     string             `json:"token,omitempty"`
	RelayURL  string             `json:"relay_url"`
	Services  []protocol.Service `json:"services"`
	Reconnect ReconnectConfig    `json:"reconnect"`

	path string
}

// DefaultConfigPath is ~/.unblink/config.json.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".unblink", "config.json"), nil
}

// LoadConfig reads the config file, creating a default one if absent.
// The node id is minted locally and persisted on first load.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		RelayURL:  "ws://localhost:8089/node/connect",
		Reconnect: ReconnectConfig{Enabled: true},
		path:      path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.NodeID = uuid.New().String()
		if err := cfg.Save(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.path = path

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()
		if err := cfg.Save(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Save writes the config back to its file, mode 0600: it holds the
// node's token.
func (c *Config) Save() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// ClearCredentials drops the node identity, forcing re-authorization on
// the next run.
func (c *Config) ClearCredentials() error {
	c.NodeID = ""
	c.Token = ""
	return c.Save()
}

// Package config loads and saves the application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration
type Config struct {
	Account AccountConfig `toml:"account"`
	Client  ClientConfig  `toml:"client"`
	Logging LoggingConfig `toml:"logging"`
	Storage StorageConfig `toml:"storage"`
	Metrics MetricsConfig `toml:"metrics"`
}

// AccountConfig contains the service identity and hosts
type AccountConfig struct {
	JID      string `toml:"jid"`
	Password string `toml:"password"`
	Host     string `toml:"host"`
	MUCHost  string `toml:"muc_host"`
	Resource string `toml:"resource"`
}

// ClientConfig contains session behavior settings
type ClientConfig struct {
	// KeepAliveMs is the heartbeat interval in milliseconds
	KeepAliveMs int `toml:"keep_alive_ms"`

	// QueryTimeoutMs bounds how long a sent query waits for its response
	// (0 = wait forever)
	QueryTimeoutMs int `toml:"query_timeout_ms"`

	// Reconnect enables the transport's automatic reconnect loop
	Reconnect bool `toml:"reconnect"`

	// ReconnectDelayMs is the pause between reconnect attempts
	ReconnectDelayMs int `toml:"reconnect_delay_ms"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// StorageConfig contains message history settings
type StorageConfig struct {
	// SaveMessages enables/disables the message history log
	SaveMessages bool `toml:"save_messages"`

	// DataDir is where the history database lives
	DataDir string `toml:"data_dir"`
}

// MetricsConfig contains the Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Account: AccountConfig{
			Host:     "chat.hipchat.com",
			MUCHost:  "conf.hipchat.com",
			Resource: "bot",
		},
		Client: ClientConfig{
			KeepAliveMs:      60000,
			QueryTimeoutMs:   30000,
			Reconnect:        true,
			ReconnectDelayMs: 5000,
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "",
			Console: true,
		},
		Storage: StorageConfig{
			SaveMessages: true,
			DataDir:      "",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9301",
		},
	}
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	configDir = filepath.Join(configDir, "hipbot")

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	dataDir = filepath.Join(dataDir, "hipbot")

	return &Paths{ConfigDir: configDir, DataDir: dataDir}, nil
}

// EnsureDirectories creates the necessary directories
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load loads the configuration from the config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	configPath := filepath.Join(paths.ConfigDir, "config.toml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Config doesn't exist, use defaults
		cfg.Storage.DataDir = paths.DataDir
		cfg.Logging.File = filepath.Join(paths.DataDir, "hipbot.log")
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = paths.DataDir
	} else {
		cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.Storage.DataDir, "hipbot.log")
	} else {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	return cfg, nil
}

// Save saves the configuration to the config file
func Save(cfg *Config) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}

	configPath := filepath.Join(paths.ConfigDir, "config.toml")
	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

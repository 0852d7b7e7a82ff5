package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// EnvPrefix is prepended to every environment override key.
const EnvPrefix = "NODEKEEPER_"

// Paths contains directory configuration.
type Paths struct {
	// WorkingDir is handed to the worker untouched; nodekeeper never inspects its contents.
	WorkingDir  string `toml:"working_dir" env:"WORKING_DIR"`
	StateDir    string `toml:"state_dir" env:"STATE_DIR"`
	AssetBundle string `toml:"asset_bundle" env:"ASSET_BUNDLE"`
	SocketPath  string `toml:"socket_path" env:"SOCKET"`
}

// Worker describes how the external node binaries are invoked.
type Worker struct {
	Binary             string   `toml:"binary" env:"WORKER_BINARY"`
	Args               []string `toml:"args" env:"WORKER_ARGS" envSeparator:" "`
	CLIBinary          string   `toml:"cli_binary" env:"WORKER_CLI_BINARY"`
	ConfigBinary       string   `toml:"config_binary" env:"WORKER_CONFIG_BINARY"`
	ExitCommand        string   `toml:"exit_command"`
	SetupCommand       string   `toml:"setup_command"`
	CommandPolicy      string   `toml:"command_policy" env:"COMMAND_POLICY"`
	CommandTimeout     int      `toml:"command_timeout"`
	StopTimeoutSeconds int      `toml:"stop_timeout" env:"STOP_TIMEOUT"`
}

// Notifications controls the fan-out of worker events.
type Notifications struct {
	QueueSize         int  `toml:"queue_size"`
	SubscriberBuffer  int  `toml:"subscriber_buffer"`
	DeliveryTimeoutMS int  `toml:"delivery_timeout_ms"`
	HistoryEnabled    bool `toml:"history_enabled" env:"HISTORY"`
	HistoryRetention  int  `toml:"history_retention"`
}

// API configures the optional HTTP/WebSocket gateway.
type API struct {
	Bind  string `toml:"bind" env:"API_BIND"`
	Token string `toml:"token" env:"API_TOKEN"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format" env:"LOG_FORMAT"`
	Level  string `toml:"level" env:"LOG_LEVEL"`
}

// Config encapsulates all configuration values for nodekeeper.
//
// Configuration sections by subsystem:
//   - Paths: worker working directory, daemon state directory, asset bundle
//   - Worker: node, CLI, and configuration binaries plus command policy
//   - Notifications: queue sizes, delivery deadline, history journal
//   - API: HTTP gateway bind address and bearer token
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Worker        Worker        `toml:"worker"`
	Notifications Notifications `toml:"notifications"`
	API           API           `toml:"api"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized. Environment overrides are applied after the file.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, "", false, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("nodekeeper.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the daemon owns. The working
// directory is created but never populated here; provisioning owns its contents.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.WorkingDir, filepath.Dir(c.Paths.SocketPath)} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LockPath is the flock file guarding single daemon instances.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "nodekeeper.lock")
}

// PIDPath is where the daemon records its process id.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "nodekeeper.pid")
}

// JournalPath is the SQLite notification history database.
func (c *Config) JournalPath() string {
	return filepath.Join(c.Paths.StateDir, "journal.db")
}

// LogPath is the daemon log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.StateDir, "nodekeeper.log")
}

// DeliveryTimeout converts the configured per-subscriber delivery deadline.
func (c *Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.Notifications.DeliveryTimeoutMS) * time.Millisecond
}

// StopTimeout is zero when stop should wait for the worker indefinitely.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Worker.StopTimeoutSeconds) * time.Second
}

// CommandTimeout bounds a single external CLI/config invocation.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Worker.CommandTimeout) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeWorker()
	c.normalizeNotifications()
	c.normalizeLogging()
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	c.API.Token = strings.TrimSpace(c.API.Token)
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.WorkingDir, err = expandPath(strings.TrimSpace(c.Paths.WorkingDir)); err != nil {
		return fmt.Errorf("paths.working_dir: %w", err)
	}
	if c.Paths.AssetBundle, err = expandPath(strings.TrimSpace(c.Paths.AssetBundle)); err != nil {
		return fmt.Errorf("paths.asset_bundle: %w", err)
	}
	if strings.TrimSpace(c.Paths.SocketPath) == "" {
		c.Paths.SocketPath = filepath.Join(c.Paths.StateDir, defaultSocketName)
	}
	if c.Paths.SocketPath, err = expandPath(c.Paths.SocketPath); err != nil {
		return fmt.Errorf("paths.socket_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeWorker() {
	c.Worker.Binary = strings.TrimSpace(c.Worker.Binary)
	c.Worker.CLIBinary = strings.TrimSpace(c.Worker.CLIBinary)
	c.Worker.ConfigBinary = strings.TrimSpace(c.Worker.ConfigBinary)
	c.Worker.ExitCommand = strings.TrimSpace(c.Worker.ExitCommand)
	if c.Worker.ExitCommand == "" {
		c.Worker.ExitCommand = defaultExitCommand
	}
	c.Worker.SetupCommand = strings.TrimSpace(c.Worker.SetupCommand)
	c.Worker.CommandPolicy = strings.ToLower(strings.TrimSpace(c.Worker.CommandPolicy))
	if c.Worker.CommandPolicy == "" {
		c.Worker.CommandPolicy = defaultCommandPolicy
	}
	if c.Worker.CommandTimeout <= 0 {
		c.Worker.CommandTimeout = defaultCommandTimeout
	}
	args := make([]string, 0, len(c.Worker.Args))
	for _, arg := range c.Worker.Args {
		if trimmed := strings.TrimSpace(arg); trimmed != "" {
			args = append(args, trimmed)
		}
	}
	c.Worker.Args = args
}

func (c *Config) normalizeNotifications() {
	if c.Notifications.QueueSize <= 0 {
		c.Notifications.QueueSize = defaultQueueSize
	}
	if c.Notifications.SubscriberBuffer <= 0 {
		c.Notifications.SubscriberBuffer = defaultSubscriberBuffer
	}
	if c.Notifications.DeliveryTimeoutMS <= 0 {
		c.Notifications.DeliveryTimeoutMS = defaultDeliveryTimeoutMS
	}
	if c.Notifications.HistoryRetention < 0 {
		c.Notifications.HistoryRetention = 0
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

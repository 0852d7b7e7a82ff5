package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.WorkingDir == "" {
		return errors.New("paths.working_dir must be set")
	}
	if c.Paths.StateDir == "" {
		return errors.New("paths.state_dir must be set")
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.Binary == "" {
		return errors.New("worker.binary must be set")
	}
	if c.Worker.CLIBinary == "" {
		return errors.New("worker.cli_binary must be set")
	}
	switch c.Worker.CommandPolicy {
	case CommandPolicyQueue, CommandPolicyReject:
	default:
		return fmt.Errorf("worker.command_policy: unsupported value %q (want %q or %q)",
			c.Worker.CommandPolicy, CommandPolicyQueue, CommandPolicyReject)
	}
	if c.Worker.StopTimeoutSeconds < 0 {
		return errors.New("worker.stop_timeout must be >= 0 (0 waits indefinitely)")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.QueueSize > maxNotificationQueueCapacity {
		return fmt.Errorf("notifications.queue_size must be <= %d", maxNotificationQueueCapacity)
	}
	if c.Notifications.SubscriberBuffer > maxNotificationQueueCapacity {
		return fmt.Errorf("notifications.subscriber_buffer must be <= %d", maxNotificationQueueCapacity)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

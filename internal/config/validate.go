package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateRenderer(); err != nil {
		return err
	}
	if err := c.validateRetention(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			return errors.New("storage.local_dir must be set when storage.backend is local")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket must be set when storage.backend is s3")
		}
		if c.Storage.Region == "" && c.Storage.Endpoint == "" {
			return errors.New("storage.region or storage.endpoint must be set when storage.backend is s3")
		}
	default:
		return fmt.Errorf("storage.backend must be s3 or local, got %q", c.Storage.Backend)
	}
	if c.Storage.PresignExpiryMinutes > 60 {
		return errors.New("storage.presign_expiry_minutes must not exceed 60")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.workers":                     c.Workflow.Workers,
		"workflow.queue_poll_interval":         c.Workflow.QueuePollInterval,
		"workflow.stage_retry_limit":           c.Workflow.StageRetryLimit,
		"workflow.extract_timeout_cap_minutes": c.Workflow.ExtractTimeoutCapMinutes,
		"transcriber.timeout_seconds":          c.Transcriber.TimeoutSeconds,
		"analyzer.timeout_seconds":             c.Analyzer.TimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateRenderer() error {
	return ensurePositiveMap(map[string]int{
		"renderer.concurrency":           c.Renderer.Concurrency,
		"renderer.poll_interval_seconds": c.Renderer.PollIntervalSeconds,
		"renderer.poll_timeout_seconds":  c.Renderer.PollTimeoutSeconds,
	})
}

func (c *Config) validateRetention() error {
	if c.Retention.RetentionDays <= 0 {
		return errors.New("retention.retention_days must be positive")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

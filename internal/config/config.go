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

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory, database, and bind address configuration.
type Paths struct {
	StagingDir string `toml:"staging_dir"`
	LogDir     string `toml:"log_dir"`
	DBPath     string `toml:"db_path"`
	APIBind    string `toml:"api_bind"`
}

// Storage configures the blob gateway. Backend is "s3" or "local".
type Storage struct {
	Backend              string `toml:"backend"`
	Bucket               string `toml:"bucket"`
	Region               string `toml:"region"`
	Endpoint             string `toml:"endpoint"`
	AccessKeyID          string `toml:"access_key_id"`
	SecretAccessKey      string `toml:"secret_access_key"`
	CDNDomain            string `toml:"cdn_domain"`
	LocalDir             string `toml:"local_dir"`
	PresignExpiryMinutes int    `toml:"presign_expiry_minutes"`
}

// Transcriber configures the speech-to-text provider client.
type Transcriber struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Language       string `toml:"language"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Analyzer configures the LLM used for segment selection.
type Analyzer struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Renderer configures the render provider client and render concurrency.
type Renderer struct {
	APIKey              string `toml:"api_key"`
	BaseURL             string `toml:"base_url"`
	Concurrency         int    `toml:"concurrency"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
	PollTimeoutSeconds  int    `toml:"poll_timeout_seconds"`
}

// Workflow contains daemon timing, worker pool, and heartbeat settings.
type Workflow struct {
	Workers                  int `toml:"workers"`
	QueuePollInterval        int `toml:"queue_poll_interval"`
	HeartbeatInterval        int `toml:"heartbeat_interval"`
	HeartbeatTimeout         int `toml:"heartbeat_timeout"`
	StageRetryLimit          int `toml:"stage_retry_limit"`
	ExtractTimeoutCapMinutes int `toml:"extract_timeout_cap_minutes"`
}

// Retention configures the storage lifecycle sweep.
type Retention struct {
	RetentionDays int    `toml:"retention_days"`
	SweepCron     string `toml:"sweep_cron"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for the daemon.
//
// Sections by subsystem:
//   - Paths: directories, queue database, API bind address
//   - Storage: blob gateway backend (S3 or local directory)
//   - Transcriber: speech-to-text provider
//   - Analyzer: LLM segment selection provider
//   - Renderer: clip render provider and concurrency cap
//   - Workflow: worker pool, polling, heartbeats
//   - Retention: lifecycle sweep schedule and window
//   - Logging: log format and level
type Config struct {
	Paths       Paths       `toml:"paths"`
	Storage     Storage     `toml:"storage"`
	Transcriber Transcriber `toml:"transcriber"`
	Analyzer    Analyzer    `toml:"analyzer"`
	Renderer    Renderer    `toml:"renderer"`
	Workflow    Workflow    `toml:"workflow"`
	Retention   Retention   `toml:"retention"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/clipd/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The bool reports whether
// a config file was actually found.
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

		if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
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
		if _, err = os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("clipd.toml")
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

// EnsureDirectories creates the directories the daemon needs at startup.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.StagingDir, c.Paths.LogDir, filepath.Dir(c.Paths.DBPath)}
	if c.Storage.Backend == "local" && strings.TrimSpace(c.Storage.LocalDir) != "" {
		dirs = append(dirs, c.Storage.LocalDir)
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// FFmpegBinary returns the ffmpeg executable name used for audio extraction.
func (c *Config) FFmpegBinary() string {
	return "ffmpeg"
}

// FFprobeBinary returns the ffprobe executable name used for media probing.
func (c *Config) FFprobeBinary() string {
	return "ffprobe"
}

// PresignExpiry returns the upload grant lifetime.
func (c *Config) PresignExpiry() time.Duration {
	return time.Duration(c.Storage.PresignExpiryMinutes) * time.Minute
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

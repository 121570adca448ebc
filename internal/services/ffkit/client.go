// Package ffkit wraps the ffmpeg and ffprobe command-line tools used for
// audio extraction and media probing.
package ffkit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"clipd/internal/services"
)

var commandContext = exec.CommandContext

// Client defines the media tooling behaviour the preprocessing stage needs.
type Client interface {
	ExtractAudio(ctx context.Context, inputPath, outputPath string) error
	ProbeDuration(ctx context.Context, path string) (float64, error)
	Available(ctx context.Context) error
}

// Option configures the CLI client.
type Option func(*CLI)

// WithBinaries overrides the default binary names.
func WithBinaries(ffmpeg, ffprobe string) Option {
	return func(c *CLI) {
		if ffmpeg != "" {
			c.ffmpeg = ffmpeg
		}
		if ffprobe != "" {
			c.ffprobe = ffprobe
		}
	}
}

// CLI wraps the ffmpeg and ffprobe binaries.
type CLI struct {
	ffmpeg  string
	ffprobe string
}

// NewCLI constructs a CLI client using defaults.
func NewCLI(opts ...Option) *CLI {
	cli := &CLI{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// ExtractAudio strips the video track and writes a 192kbps 44.1kHz MP3.
func (c *CLI) ExtractAudio(ctx context.Context, inputPath, outputPath string) error {
	if inputPath == "" || outputPath == "" {
		return errors.New("input and output paths required")
	}

	args := []string{
		"-y",
		"-i", inputPath,
		"-vn",
		"-acodec", "libmp3lame",
		"-ab", "192k",
		"-ar", "44100",
		outputPath,
	}
	cmd := commandContext(ctx, c.ffmpeg, args...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return services.Wrap(services.ErrTimeout, "preprocessing", "extract audio", "ffmpeg interrupted", ctx.Err())
		}
		return services.Wrap(services.ErrTransient, "preprocessing", "extract audio",
			stderrTail(stderr.String()), err)
	}
	return nil
}

// ProbeDuration returns the container duration in seconds.
func (c *CLI) ProbeDuration(ctx context.Context, path string) (float64, error) {
	if path == "" {
		return 0, errors.New("path required")
	}

	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
	cmd := commandContext(ctx, c.ffprobe, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, services.Wrap(services.ErrTimeout, "preprocessing", "probe media", "ffprobe interrupted", ctx.Err())
		}
		return 0, services.Wrap(services.ErrTransient, "preprocessing", "probe media",
			stderrTail(stderr.String()), err)
	}

	raw := strings.TrimSpace(stdout.String())
	duration, err := strconv.ParseFloat(raw, 64)
	if err != nil || duration <= 0 {
		return 0, services.Wrap(services.ErrValidation, "preprocessing", "probe media",
			fmt.Sprintf("unusable duration %q", raw), err)
	}
	return duration, nil
}

// Available verifies both binaries can be executed.
func (c *CLI) Available(ctx context.Context) error {
	for _, binary := range []string{c.ffmpeg, c.ffprobe} {
		cmd := commandContext(ctx, binary, "-version") //nolint:gosec
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s unavailable: %w", binary, err)
		}
	}
	return nil
}

func stderrTail(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		return ""
	}
	tail := strings.TrimSpace(lines[len(lines)-1])
	const limit = 200
	if len(tail) > limit {
		tail = tail[:limit] + "..."
	}
	return tail
}

var _ Client = (*CLI)(nil)

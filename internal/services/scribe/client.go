// Package scribe wraps the speech-to-text provider. Transcription is a single
// long-running multipart request returning word-level timestamps.
package scribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"clipd/internal/config"
	"clipd/internal/services"
)

const (
	defaultHTTPTimeout    = 5 * time.Minute
	defaultRetryAttempts  = 4
	defaultRetryBaseDelay = 2 * time.Second
	defaultRetryMaxDelay  = 30 * time.Second
)

// Word is one recognized token with its time bounds in seconds.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Transcript is the ordered word sequence plus concatenated text. Duration is
// the end bound of the final word when the provider omits an explicit value.
type Transcript struct {
	Text     string  `json:"text"`
	Words    []Word  `json:"words"`
	Duration float64 `json:"duration"`
	Language string  `json:"language"`
}

// Decode parses a stored transcript payload.
func Decode(raw string) (Transcript, error) {
	var t Transcript
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Transcript{}, fmt.Errorf("decode transcript: %w", err)
	}
	return t, nil
}

// Encode serializes a transcript for storage on the job record.
func (t Transcript) Encode() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode transcript: %w", err)
	}
	return string(data), nil
}

// Client issues transcription requests.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(time.Duration)
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryMaxAttempts overrides the default retry count.
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) {
		c.retryMaxAttempts = attempts
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) {
		c.sleeper = sleeper
	}
}

// NewClient constructs a client from transcriber configuration.
func NewClient(cfg config.Transcriber, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		apiKey:           strings.TrimSpace(cfg.APIKey),
		baseURL:          strings.TrimSpace(cfg.BaseURL),
		model:            strings.TrimSpace(cfg.Model),
		httpClient:       &http.Client{Timeout: timeout},
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type providerResponse struct {
	Text         string  `json:"text"`
	LanguageCode string  `json:"language_code"`
	Words        []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Type  string  `json:"type"`
	} `json:"words"`
	Duration float64 `json:"duration"`
}

// Transcribe submits the audio stream and blocks until the provider returns a
// transcript. The audio is buffered in memory to allow retries; language is an
// optional hint.
func (c *Client) Transcribe(ctx context.Context, audio io.Reader, filename, language string) (Transcript, error) {
	if c.apiKey == "" {
		return Transcript{}, services.Wrap(services.ErrConfiguration, "transcribing", "submit audio", "transcriber api key required", nil)
	}

	data, err := io.ReadAll(audio)
	if err != nil {
		return Transcript{}, services.Wrap(services.ErrTransient, "transcribing", "read audio", "", err)
	}
	if len(data) == 0 {
		return Transcript{}, services.Wrap(services.ErrValidation, "transcribing", "submit audio", "empty audio payload", nil)
	}

	attempts := c.retryAttempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		transcript, err := c.submitOnce(ctx, data, filename, language)
		if err == nil {
			return transcript, nil
		}
		lastErr = err

		delay, retry := c.retryDelay(ctx, err, attempt, attempts)
		if !retry {
			return Transcript{}, err
		}
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return Transcript{}, services.Wrap(services.ErrTransient, "transcribing", "submit audio", "retry interrupted", sleepErr)
		}
	}
	return Transcript{}, services.Wrap(services.ErrTransient, "transcribing", "submit audio",
		fmt.Sprintf("failed after %d attempts", attempts), lastErr)
}

func (c *Client) submitOnce(ctx context.Context, data []byte, filename, language string) (Transcript, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return Transcript{}, fmt.Errorf("build form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return Transcript{}, fmt.Errorf("write form file: %w", err)
	}
	if err := writer.WriteField("model_id", c.model); err != nil {
		return Transcript{}, fmt.Errorf("write model field: %w", err)
	}
	if err := writer.WriteField("timestamps_granularity", "word"); err != nil {
		return Transcript{}, fmt.Errorf("write granularity field: %w", err)
	}
	if language != "" {
		if err := writer.WriteField("language_code", language); err != nil {
			return Transcript{}, fmt.Errorf("write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return Transcript{}, fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, &body)
	if err != nil {
		return Transcript{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Transcript{}, services.Wrap(services.ErrTimeout, "transcribing", "submit audio", "deadline exceeded", err)
		}
		return Transcript{}, services.Wrap(services.ErrTransient, "transcribing", "submit audio", "http error", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transcript{}, services.Wrap(services.ErrTransient, "transcribing", "read response", "", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return Transcript{}, &retryableStatusError{status: resp.StatusCode, body: string(payload), retryAfter: retryAfter}
	default:
		// 4xx means the provider refused this audio; retrying cannot help.
		return Transcript{}, services.Wrap(services.ErrProviderRejected, "transcribing", "submit audio",
			fmt.Sprintf("http %d: %s", resp.StatusCode, payloadSnippet(payload)), nil)
	}

	var decoded providerResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Transcript{}, services.Wrap(services.ErrValidation, "transcribing", "decode response", "", err)
	}
	return normalize(decoded), nil
}

func normalize(resp providerResponse) Transcript {
	transcript := Transcript{
		Text:     strings.TrimSpace(resp.Text),
		Language: resp.LanguageCode,
		Duration: resp.Duration,
	}
	for _, w := range resp.Words {
		if w.Type != "" && w.Type != "word" {
			continue
		}
		text := strings.TrimSpace(w.Text)
		if text == "" {
			continue
		}
		transcript.Words = append(transcript.Words, Word{Word: text, Start: w.Start, End: w.End})
	}
	if transcript.Duration == 0 && len(transcript.Words) > 0 {
		transcript.Duration = transcript.Words[len(transcript.Words)-1].End
	}
	return transcript
}

type retryableStatusError struct {
	status     int
	body       string
	retryAfter time.Duration
}

func (e *retryableStatusError) Error() string {
	return fmt.Sprintf("transcriber http %d: %s", e.status, payloadSnippet([]byte(e.body)))
}

func (c *Client) retryAttempts() int {
	if c.retryMaxAttempts <= 0 {
		return 1
	}
	return c.retryMaxAttempts
}

func (c *Client) retryDelay(ctx context.Context, err error, attempt, maxAttempts int) (time.Duration, bool) {
	if attempt >= maxAttempts || ctx.Err() != nil {
		return 0, false
	}
	var statusErr *retryableStatusError
	if errors.As(err, &statusErr) {
		if statusErr.retryAfter > 0 {
			return c.capDelay(statusErr.retryAfter), true
		}
		return c.backoffDelay(attempt), true
	}
	if services.Retryable(err) && !errors.Is(err, services.ErrTimeout) {
		return c.backoffDelay(attempt), true
	}
	return 0, false
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.retryBaseDelay
	if delay <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		if delay > c.retryMaxDelay/2 {
			delay = c.retryMaxDelay
			break
		}
		delay *= 2
	}
	return c.capDelay(delay)
}

func (c *Client) capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	if c.retryMaxDelay > 0 && delay > c.retryMaxDelay {
		return c.retryMaxDelay
	}
	return delay
}

func (c *Client) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if c.sleeper != nil {
		c.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	var seconds int
	if _, err := fmt.Sscanf(value, "%d", &seconds); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		if delay := time.Until(when); delay > 0 {
			return delay, true
		}
	}
	return 0, false
}

func payloadSnippet(payload []byte) string {
	clean := strings.Join(strings.Fields(string(payload)), " ")
	const limit = 160
	if len(clean) > limit {
		clean = clean[:limit] + "..."
	}
	if clean == "" {
		return "<empty>"
	}
	return clean
}

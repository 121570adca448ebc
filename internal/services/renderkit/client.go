// Package renderkit wraps the cloud render provider. Rendering is asynchronous:
// a submit call returns a render id, and the caller polls status until the
// provider reports a terminal state, then downloads the finished clip.
package renderkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"clipd/internal/config"
	"clipd/internal/services"
)

const (
	defaultHTTPTimeout    = 60 * time.Second
	defaultRetryAttempts  = 4
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 15 * time.Second
)

// Status is the normalized render lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRendering Status = "rendering"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the render has finished, successfully or not.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Request describes one clip to cut from a source recording. Start and
// Duration are in seconds. Waveform selects an audio visualization render for
// sources without a video track.
type Request struct {
	SourceURL string
	Start     float64
	Duration  float64
	Title     string
	Waveform  bool
}

// State is a render status snapshot. URL is set once Status is done; Detail
// carries the provider's failure message when Status is failed.
type State struct {
	Status Status
	URL    string
	Detail string
}

// Client submits and polls renders.
type Client struct {
	apiKey     string
	baseURL    string
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

// NewClient constructs a client from renderer configuration.
func NewClient(cfg config.Renderer, opts ...Option) *Client {
	client := &Client{
		apiKey:           strings.TrimSpace(cfg.APIKey),
		baseURL:          strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		httpClient:       &http.Client{Timeout: defaultHTTPTimeout},
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Submit queues a render and returns the provider's render id.
func (c *Client) Submit(ctx context.Context, req Request) (string, error) {
	if c.apiKey == "" {
		return "", services.Wrap(services.ErrConfiguration, "clipping", "submit render", "renderer api key required", nil)
	}
	if req.SourceURL == "" {
		return "", services.Wrap(services.ErrValidation, "clipping", "submit render", "source url required", nil)
	}
	if req.Duration <= 0 {
		return "", services.Wrap(services.ErrValidation, "clipping", "submit render", "duration must be positive", nil)
	}

	payload := buildEdit(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("render submit: encode edit: %w", err)
	}

	var result struct {
		Response struct {
			ID string `json:"id"`
		} `json:"response"`
	}
	err = c.doJSON(ctx, http.MethodPost, c.baseURL+"/render", body, &result)
	if err != nil {
		return "", err
	}
	if result.Response.ID == "" {
		return "", services.Wrap(services.ErrProviderRejected, "clipping", "submit render", "provider returned no render id", nil)
	}
	return result.Response.ID, nil
}

// Poll returns the current state of a submitted render.
func (c *Client) Poll(ctx context.Context, renderID string) (State, error) {
	if renderID == "" {
		return State{}, services.Wrap(services.ErrValidation, "clipping", "poll render", "render id required", nil)
	}

	var result struct {
		Response struct {
			Status string `json:"status"`
			URL    string `json:"url"`
			Error  string `json:"error"`
		} `json:"response"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/render/"+renderID, nil, &result); err != nil {
		return State{}, err
	}

	state := State{URL: result.Response.URL, Detail: result.Response.Error}
	switch strings.ToLower(result.Response.Status) {
	case "queued":
		state.Status = StatusQueued
	case "fetching", "rendering", "saving":
		state.Status = StatusRendering
	case "done":
		state.Status = StatusDone
		if state.URL == "" {
			return State{}, services.Wrap(services.ErrProviderRejected, "clipping", "poll render", "render done without output url", nil)
		}
	case "failed":
		state.Status = StatusFailed
		if state.Detail == "" {
			state.Detail = "render failed"
		}
	default:
		return State{}, services.Wrap(services.ErrProviderRejected, "clipping", "poll render",
			fmt.Sprintf("unknown render status %q", result.Response.Status), nil)
	}
	return state, nil
}

// Download streams a finished render. The caller closes the reader.
func (c *Client) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("render download: new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "clipping", "download render", "http error", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			return nil, services.Wrap(services.ErrDataMissing, "clipping", "download render",
				fmt.Sprintf("http %d", resp.StatusCode), nil)
		}
		return nil, services.Wrap(services.ErrTransient, "clipping", "download render",
			fmt.Sprintf("http %d", resp.StatusCode), nil)
	}
	return resp.Body, nil
}

// HealthCheck verifies the provider endpoint and API key are usable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.apiKey == "" {
		return errors.New("renderer health: api key required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/render/health-probe", nil)
	if err != nil {
		return fmt.Errorf("renderer health: new request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("renderer health: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	// 404 for an unknown render id still proves the key was accepted.
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("renderer health: http %d", resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("renderer health: http %d", resp.StatusCode)
	}
	return nil
}

func buildEdit(req Request) map[string]any {
	var asset map[string]any
	if req.Waveform {
		asset = map[string]any{
			"type":  "audio",
			"src":   req.SourceURL,
			"trim":  req.Start,
			"effect": "fadeOut",
		}
	} else {
		asset = map[string]any{
			"type": "video",
			"src":  req.SourceURL,
			"trim": req.Start,
		}
	}

	clip := map[string]any{
		"asset":  asset,
		"start":  0,
		"length": req.Duration,
	}

	edit := map[string]any{
		"timeline": map[string]any{
			"tracks": []map[string]any{
				{"clips": []map[string]any{clip}},
			},
		},
		"output": map[string]any{
			"format":     "mp4",
			"resolution": "hd",
		},
	}
	if req.Title != "" {
		edit["merge"] = []map[string]any{{"find": "title", "replace": req.Title}}
	}
	return edit
}

type httpStatusError struct {
	status     int
	body       string
	retryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("renderer http %d: %s", e.status, payloadSnippet([]byte(e.body)))
}

func (c *Client) doJSON(ctx context.Context, method, url string, body []byte, target any) error {
	attempts := c.retryAttempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.sendOnce(ctx, method, url, body, target)
		if err == nil {
			return nil
		}
		lastErr = err

		delay, retry := c.retryDelay(ctx, err, attempt, attempts)
		if !retry {
			return c.classify(err)
		}
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return services.Wrap(services.ErrTransient, "clipping", "render request", "retry interrupted", sleepErr)
		}
	}
	return services.Wrap(services.ErrTransient, "clipping", "render request",
		fmt.Sprintf("failed after %d attempts", attempts), lastErr)
}

func (c *Client) sendOnce(ctx context.Context, method, url string, body []byte, target any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("render request: new request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("render request: http error: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("render request: read body: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return &httpStatusError{status: resp.StatusCode, body: string(payload), retryAfter: retryAfter}
	}
	if target != nil {
		if err := json.Unmarshal(payload, target); err != nil {
			return fmt.Errorf("render request: decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) classify(err error) error {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		if statusErr.status >= 400 && statusErr.status < 500 {
			return services.Wrap(services.ErrProviderRejected, "clipping", "render request", "request refused", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "clipping", "render request", "deadline exceeded", err)
	}
	return services.Wrap(services.ErrTransient, "clipping", "render request", "", err)
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
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.status == http.StatusRequestTimeout,
			statusErr.status == http.StatusTooManyRequests,
			statusErr.status >= http.StatusInternalServerError:
			if statusErr.retryAfter > 0 {
				return c.capDelay(statusErr.retryAfter), true
			}
			return c.backoffDelay(attempt), true
		default:
			return 0, false
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}
	// Connection-level failures are worth another attempt.
	if strings.Contains(err.Error(), "http error") {
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

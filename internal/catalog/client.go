package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"discburner/internal/logging"
	"discburner/internal/queue"
	"discburner/internal/services"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = time.Second
	defaultRetryMaxDelay  = 30 * time.Second
	userAgent             = "discburner/1.0"
)

// Burn results reported back to the catalog.
const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Config holds the connection settings.
type Config struct {
	Endpoint       string
	APIKey         string
	BurnerID       string
	TimeoutSeconds int
	RetryAttempts  int
}

// Client queries the catalog.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

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

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
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

// NewClient constructs a catalog client.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	client := &Client{
		cfg: Config{
			Endpoint:       strings.TrimSpace(cfg.Endpoint),
			APIKey:         strings.TrimSpace(cfg.APIKey),
			BurnerID:       strings.TrimSpace(cfg.BurnerID),
			TimeoutSeconds: cfg.TimeoutSeconds,
			RetryAttempts:  attempts,
		},
		httpClient:       &http.Client{Timeout: timeout},
		logger:           logging.NewNop(),
		retryMaxAttempts: attempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(client)
	}
	client.logger = logging.NewComponentLogger(client.logger, "catalog")
	return client
}

// Configured reports whether an endpoint and burner id are set.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.Endpoint != "" && c.cfg.BurnerID != ""
}

// QueryNewItems lists images waiting to be burned by this burner. The catalog
// tracks delivery per burner, so since is only logged.
func (c *Client) QueryNewItems(ctx context.Context, since *time.Time) ([]queue.SourceMetadata, error) {
	if !c.Configured() {
		return nil, services.Wrap(services.ErrConfiguration, "catalog", "query", "catalog endpoint and burner id are required", nil)
	}
	if since != nil {
		c.logger.Debug("querying catalog", logging.String("since", since.UTC().Format(time.RFC3339)))
	}
	var data isosData
	req := graphQLRequest{
		Query:     queryIsosByBurner,
		Variables: map[string]any{"burner": c.cfg.BurnerID},
	}
	if err := c.executeWithRetry(ctx, req, &data, "query isos"); err != nil {
		return nil, err
	}
	items := make([]queue.SourceMetadata, 0, len(data.Items))
	for _, item := range data.Items {
		meta := item.metadata()
		if meta.ID == "" {
			c.logger.Warn("catalog item without id skipped", logging.String(logging.FieldEventType, "catalog_item_invalid"))
			continue
		}
		items = append(items, meta)
	}
	return items, nil
}

// ReportStatus writes a final burn result for isoID. errorMessage is only
// sent for failures.
func (c *Client) ReportStatus(ctx context.Context, isoID, status, errorMessage string) error {
	if !c.Configured() {
		return services.Wrap(services.ErrConfiguration, "catalog", "report", "catalog endpoint and burner id are required", nil)
	}
	vars := map[string]any{"isoId": isoID, "statusBurn": status, "errorMessage": nil}
	if status == StatusFailed && strings.TrimSpace(errorMessage) != "" {
		vars["errorMessage"] = errorMessage
	}
	var data statusData
	if err := c.executeWithRetry(ctx, graphQLRequest{Query: mutationUpdateStatus, Variables: vars}, &data, "update status"); err != nil {
		return err
	}
	if !data.Result.Success {
		return services.Wrap(services.ErrExternalTool, "catalog", "update status", strings.Join(data.Result.Errors, "; "), nil)
	}
	return nil
}

// TestConnection issues a trivial query.
func (c *Client) TestConnection(ctx context.Context) error {
	if c == nil || c.cfg.Endpoint == "" {
		return services.Wrap(services.ErrConfiguration, "catalog", "ping", "catalog endpoint is required", nil)
	}
	var data map[string]any
	return c.executeWithRetry(ctx, graphQLRequest{Query: queryTypename}, &data, "ping")
}

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("catalog request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

func (c *Client) executeWithRetry(ctx context.Context, req graphQLRequest, out any, op string) error {
	attempts := max(c.retryMaxAttempts, 1)
	var lastErr error
	tried := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		tried = attempt
		err := c.executeOnce(ctx, req, out)
		if err == nil {
			return nil
		}
		lastErr = err
		delay, retry := c.retryDelay(ctx, err, attempt, attempts)
		if !retry {
			break
		}
		c.logger.Warn("catalog request failed; retrying",
			logging.String("operation", op),
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.Error(err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return services.Wrap(services.ErrCancelled, "catalog", op, "interrupted", err)
		}
	}
	marker := services.ErrTransient
	var statusErr *httpStatusError
	if errors.As(lastErr, &statusErr) && (statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
		marker = services.ErrConfiguration
	}
	return services.Wrap(marker, "catalog", op, fmt.Sprintf("failed after %d attempts", tried), lastErr)
}

func (c *Client) executeOnce(ctx context.Context, payload graphQLRequest, out any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("catalog request: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("catalog request: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Token "+c.cfg.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("catalog request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("catalog request: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return &httpStatusError{StatusCode: resp.StatusCode, Body: string(body), RetryAfter: retryAfter}
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("catalog request: decode response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		messages := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			messages = append(messages, strings.TrimSpace(e.Message))
		}
		return fmt.Errorf("catalog graphql: %s", strings.Join(messages, "; "))
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return errors.New("catalog graphql: empty data")
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("catalog graphql: decode data: %w", err)
	}
	return nil
}

func (c *Client) retryDelay(ctx context.Context, err error, attempt, maxAttempts int) (time.Duration, bool) {
	if attempt >= maxAttempts || err == nil || ctx.Err() != nil {
		return 0, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode >= http.StatusInternalServerError:
			if statusErr.RetryAfter > 0 {
				return c.capDelay(statusErr.RetryAfter), true
			}
			return c.backoffDelay(attempt), true
		default:
			return 0, false
		}
	}
	// Network, GraphQL and decoding errors are all retried.
	return c.backoffDelay(attempt), true
}

// backoffDelay returns base * 2^(attempt-1).
func (c *Client) backoffDelay(attempt int) time.Duration {
	base := c.retryBaseDelay
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > c.retryMaxDelay/2 {
			return c.capDelay(c.retryMaxDelay)
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
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		if delay := time.Until(when); delay > 0 {
			return delay, true
		}
	}
	return 0, false
}

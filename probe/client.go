// Package probe reads ping samples from a vessel's onboard time-series
// database. One Client serves one vessel; queries go over the InfluxDB 1.8
// InfluxQL HTTP endpoint with token auth. Failures are classified so the
// collector can tell transient faults from permanent ones.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/balakumargv-solx/infra-agent/fleet"
)

// maxResponseSize limits the query response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Config holds the connection parameters for one vessel database.
type Config struct {
	VesselID string
	URL      string
	Token    string
	Org      string
	Database string
	Timeout  time.Duration
}

// RetryConfig holds retry configuration for vessel queries.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per query.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// MaxBackoff caps the backoff duration before jitter.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns sensible retry defaults for vessel queries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BackoffBase: 1 * time.Second,
		MaxBackoff:  60 * time.Second,
	}
}

// Client queries one vessel's ping measurement.
type Client struct {
	cfg        Config
	httpClient *http.Client
	retry      RetryConfig
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(client *Client) {
		client.retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a probe client for one vessel.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.VesselID == "" {
		return nil, NewError(KindConfig, fmt.Errorf("vessel id is required"))
	}
	if cfg.URL == "" {
		return nil, NewError(KindConfig, fmt.Errorf("vessel %s: url is required", cfg.VesselID))
	}
	if cfg.Database == "" {
		return nil, NewError(KindConfig, fmt.Errorf("vessel %s: database is required", cfg.VesselID))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		cfg:        cfg,
		retry:      DefaultRetryConfig(),
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// VesselID returns the vessel this client is bound to.
func (c *Client) VesselID() string {
	return c.cfg.VesselID
}

// QueryPings fetches ping samples for the role's IP set over the trailing
// window. Every configured IP appears in the result, with no samples when
// the vessel reported nothing for it.
func (c *Client) QueryPings(ctx context.Context, role fleet.Role, ips []string, windowHours int) (fleet.PingData, error) {
	data := fleet.PingData{
		VesselID:    c.cfg.VesselID,
		Role:        role,
		WindowHours: windowHours,
		Devices:     make(map[string][]fleet.PingSample, len(ips)),
	}
	for _, ip := range ips {
		data.Devices[ip] = nil
	}

	if len(ips) == 0 {
		c.logger.Warn("No IP addresses configured for role",
			"vessel_id", c.cfg.VesselID,
			"role", role)
		return data, nil
	}

	resp, err := c.execute(ctx, buildPingQuery(ips, windowHours))
	if err != nil {
		return fleet.PingData{}, fmt.Errorf("query pings for %s/%s: %w", c.cfg.VesselID, role, err)
	}

	total := 0
	for _, result := range resp.Results {
		if result.Error != "" {
			return fleet.PingData{}, NewError(KindConfig,
				fmt.Errorf("query pings for %s/%s: %s", c.cfg.VesselID, role, result.Error))
		}

		for _, series := range result.Series {
			pc, err := resolvePingColumns(series.Columns)
			if err != nil {
				return fleet.PingData{}, NewError(KindHTTP,
					fmt.Errorf("query pings for %s/%s: %w", c.cfg.VesselID, role, err))
			}

			for _, row := range series.Values {
				sample, ok := decodePingRow(pc, row)
				if !ok {
					continue
				}
				// The query filters by IP, but drop anything unexpected anyway.
				if _, known := data.Devices[sample.DeviceIP]; !known {
					continue
				}
				data.Devices[sample.DeviceIP] = append(data.Devices[sample.DeviceIP], sample)
				total++
			}
		}
	}

	c.logger.Info("Retrieved ping records",
		"vessel_id", c.cfg.VesselID,
		"role", role,
		"records", total,
		"devices", len(ips))

	return data, nil
}

// TestConnection verifies the vessel endpoint answers InfluxQL at all.
func (c *Client) TestConnection(ctx context.Context) error {
	if _, err := c.execute(ctx, "SHOW MEASUREMENTS LIMIT 1"); err != nil {
		return fmt.Errorf("test connection to %s: %w", c.cfg.VesselID, err)
	}
	return nil
}

// execute runs one query with retry. Only retryable classifications trigger
// another attempt; permanent failures surface immediately.
func (c *Client) execute(ctx context.Context, query string) (*queryResponse, error) {
	var lastErr error

	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		resp, err := c.doQuery(ctx, query)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return nil, err
		}

		if attempt < c.retry.MaxAttempts-1 {
			backoff := c.backoff(attempt)
			c.logger.Warn("Query failed, retrying",
				"vessel_id", c.cfg.VesselID,
				"attempt", attempt+1,
				"max_attempts", c.retry.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, lastErr
}

// backoff computes base·2^attempt capped at MaxBackoff, plus 10-30% jitter
// to prevent synchronized retries across vessels.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.retry.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	if d > c.retry.MaxBackoff {
		d = c.retry.MaxBackoff
	}

	jitter := float64(d) * (0.1 + 0.2*rand.Float64())
	return d + time.Duration(jitter)
}

// doQuery executes a single InfluxQL request.
func (c *Client) doQuery(ctx context.Context, query string) (*queryResponse, error) {
	params := url.Values{}
	params.Set("db", c.cfg.Database)
	params.Set("q", query)

	reqURL := c.cfg.URL + "/query?" + params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, NewError(KindConfig, fmt.Errorf("create query request: %w", err))
	}
	httpReq.Header.Set("Authorization", "Token "+c.cfg.Token)

	c.logger.Debug("Executing query",
		"vessel_id", c.cfg.VesselID,
		"database", c.cfg.Database)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewError(KindConnection, fmt.Errorf("read query response: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyStatus(httpResp.StatusCode, body)
	}

	var decoded queryResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, NewError(KindHTTP, fmt.Errorf("decode query response: %w", err))
	}

	return &decoded, nil
}

// classifyTransportError maps request-level failures onto the probe taxonomy.
func classifyTransportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindTimeout, err)
	}

	return NewError(KindConnection, err)
}

// classifyStatus maps non-200 responses onto the probe taxonomy.
func classifyStatus(status int, body []byte) *Error {
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}

	err := fmt.Errorf("query returned status %d: %s", status, msg)

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return NewError(KindAuth, err)
	default:
		return NewHTTPError(status, err)
	}
}

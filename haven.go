// Package haven provides the Go SDK for the Haven disaster-alert backend.
//
// The core of the package is an offline-resilient SOS delivery pipeline:
// emergency requests are accepted into a durable local queue regardless of
// network state and drained by a delivery engine with retry, ordered
// sweeps and server-id reconciliation. A parallel alert-refresh engine
// fetches the alert feed, diffs it against the previous snapshot and
// raises local notifications for newly-arrived high-severity alerts.
//
// Example:
//
//	client := haven.NewClient("eyJhbGci...")
//	store, _ := haven.OpenBoltStorage("/var/lib/haven/state.db")
//	outbox := haven.NewOutbox(store, nil)
//	engine := haven.NewDeliveryEngine(outbox, client, nil)
//
//	outbox.Load()
//	req, _ := outbox.Enqueue(haven.SOSPayload{Message: "help"})
//	engine.Sweep(ctx)
package haven

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
)

var environments = map[Environment]string{
	Production: "https://api.havenalert.app",
}

const (
	DefaultBaseURL = "https://api.havenalert.app"
	// DefaultTimeout bounds every delivery attempt at the HTTP-client
	// layer. A timeout is treated identically to any other transient
	// failure.
	DefaultTimeout = 15 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client
	log        *zap.Logger

	sos    *SOSClient
	alerts *AlertsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(agent string) ClientOption {
	return func(c *Client) { c.userAgent = agent }
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new Haven client.
// token is the bearer credential supplied by the auth layer; pass ""
// for endpoints that allow anonymous access.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.sos = &SOSClient{client: c}
	c.alerts = &AlertsClient{client: c}
	return c
}

// SetToken sets or updates the bearer credential. Called by the external
// auth collaborator after a credential refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// SOS returns the SOS API sub-client.
func (c *Client) SOS() *SOSClient {
	return c.sos
}

// Alerts returns the alerts API sub-client.
func (c *Client) Alerts() *AlertsClient {
	return c.alerts
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health checks backend reachability.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, "GET", "/api/health", nil, nil)
	return err
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Body: apiErr.Message}
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// SOS API
// ============================================================================

// SOSClient handles emergency request submission.
type SOSClient struct{ client *Client }

// Create submits one SOS request. The caller-supplied payload is sent
// as-is: absent coordinates stay absent.
func (s *SOSClient) Create(ctx context.Context, payload *SOSPayload) (*SOSResponse, error) {
	data, err := s.client.doRequest(ctx, "POST", "/api/sos", payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[SOSResponse](data)
}

// Mine lists the caller's SOS requests as recorded by the backend.
func (s *SOSClient) Mine(ctx context.Context) ([]SOSRecord, error) {
	data, err := s.client.doRequest(ctx, "GET", "/api/sos/mine", nil, nil)
	if err != nil {
		return nil, err
	}
	var records []SOSRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return records, nil
}

// ============================================================================
// Alerts API
// ============================================================================

// AlertsClient handles the alert feed.
type AlertsClient struct{ client *Client }

// List fetches the current alert list, sorted server-side by recency
// descending and capped at 100.
func (a *AlertsClient) List(ctx context.Context) ([]Alert, error) {
	data, err := a.client.doRequest(ctx, "GET", "/api/alerts", nil, nil)
	if err != nil {
		return nil, err
	}
	var alerts []Alert
	if err := json.Unmarshal(data, &alerts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return alerts, nil
}

// Get fetches a single alert by id.
func (a *AlertsClient) Get(ctx context.Context, id string) (*Alert, error) {
	data, err := a.client.doRequest(ctx, "GET", "/api/alerts/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Alert](data)
}

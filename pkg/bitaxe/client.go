// Package bitaxe is a read-only client for the AxeOS HTTP API exposed by
// Bitaxe-class miners.
package bitaxe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/powerhive/hivelog/pkg/miner"
)

// SystemInfoEndpoint is the snapshot endpoint polled every cycle.
const SystemInfoEndpoint = "/api/system/info"

// DefaultTimeout bounds a single snapshot request.
const DefaultTimeout = 2 * time.Second

// maxBodyBytes caps how much of a response is read.
const maxBodyBytes = 1 << 20

// HTTPClient is the HTTP implementation of miner.Client for AxeOS.
type HTTPClient struct {
	host       string
	baseURL    string
	httpClient *http.Client
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient = client
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new AxeOS HTTP client.
// host may be a bare address ("192.168.1.40"), host:port, or a full base URL.
func NewClient(host string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		host:    host,
		baseURL: baseURL(host),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func baseURL(host string) string {
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return strings.TrimRight(host, "/")
	}
	return "http://" + host
}

// Host returns the device host address.
func (c *HTTPClient) Host() string {
	return c.host
}

// GetSystemInfo fetches and decodes the raw /api/system/info payload.
// The result is not validated; use GetSnapshot for a checked reading.
func (c *HTTPClient) GetSystemInfo(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	if err := c.get(ctx, SystemInfoEndpoint, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetSnapshot fetches the system info and converts it into a validated snapshot.
// Implements miner.Client.
func (c *HTTPClient) GetSnapshot(ctx context.Context) (*miner.Snapshot, error) {
	info, err := c.GetSystemInfo(ctx)
	if err != nil {
		return nil, err
	}
	return info.ToSnapshot()
}

func (c *HTTPClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes)), Endpoint: endpoint}
	}

	if err := json.Unmarshal(bodyBytes, result); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

// Ensure HTTPClient implements miner.Client.
var _ miner.Client = (*HTTPClient)(nil)

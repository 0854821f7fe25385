package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/powerhive/hivelog/pkg/analysis"
	"github.com/powerhive/hivelog/pkg/database"
)

// DefaultRemoteTimeout bounds a single API request.
const DefaultRemoteTimeout = 10 * time.Second

const maxBodyBytes = 8 << 20

// Error is a non-success, non-404 response from the HTTP API.
type Error struct {
	StatusCode int
	Message    string
	Path       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d on %s: %s", e.StatusCode, e.Path, e.Message)
}

// errNotFound is returned by get on 404 so each operation can map it to nil.
var errNotFound = errors.New("not found")

// Remote answers queries through the HTTP API served by hive-api.
type Remote struct {
	baseURL    string
	httpClient *http.Client
}

// RemoteOption configures a Remote provider.
type RemoteOption func(*Remote)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(r *Remote) { r.httpClient = client }
}

// WithRemoteTimeout sets the HTTP client timeout.
func WithRemoteTimeout(timeout time.Duration) RemoteOption {
	return func(r *Remote) { r.httpClient.Timeout = timeout }
}

// NewRemote creates a provider for the API at baseURL, e.g. "http://10.0.0.5:5001".
func NewRemote(baseURL string, opts ...RemoteOption) *Remote {
	r := &Remote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultRemoteTimeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Remote) get(ctx context.Context, path string, query url.Values, result interface{}) error {
	endpoint := r.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body)), Path: path}
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// getOptional maps a 404 to a nil result.
func (r *Remote) getOptional(ctx context.Context, path string, query url.Values, result interface{}) error {
	err := r.get(ctx, path, query, result)
	if errors.Is(err, errNotFound) {
		return nil
	}
	return err
}

func esc(s string) string { return url.PathEscape(s) }

func window(minutes, buckets int) url.Values {
	return url.Values{
		"minutes": {strconv.Itoa(minutes)},
		"buckets": {strconv.Itoa(buckets)},
	}
}

func devices(ids []string) url.Values {
	q := url.Values{}
	for _, id := range ids {
		q.Add("device", id)
	}
	return q
}

// ============================================================================
// Devices
// ============================================================================

func (r *Remote) Devices(ctx context.Context) ([]*database.Device, error) {
	var out []*database.Device
	if err := r.getOptional(ctx, "/api/devices", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote) Device(ctx context.Context, id string) (*database.Device, error) {
	var out *database.Device
	if err := r.getOptional(ctx, "/api/device-info/"+esc(id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote) Latest(ctx context.Context, deviceID string) (*database.LatestSample, error) {
	var out *database.LatestSample
	if err := r.getOptional(ctx, "/api/metrics/latest/"+esc(deviceID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote) MetricCount(ctx context.Context, deviceID string) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	q := url.Values{}
	if deviceID != "" {
		q.Set("device", deviceID)
	}
	if err := r.getOptional(ctx, "/api/metrics/count", q, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// ============================================================================
// Trends
// ============================================================================

func (r *Remote) trend(ctx context.Context, path string, q url.Values) (*analysis.Trend, error) {
	var out *analysis.Trend
	if err := r.getOptional(ctx, path, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote) Trend(ctx context.Context, deviceID string, minutes, buckets int) (*analysis.Trend, error) {
	return r.trend(ctx, "/api/metrics/hashrate-trend/"+esc(deviceID), window(minutes, buckets))
}

func (r *Remote) TemperatureTrend(ctx context.Context, deviceID string, minutes, buckets int) (*analysis.Trend, error) {
	return r.trend(ctx, "/api/metrics/temperature-trend/"+esc(deviceID), window(minutes, buckets))
}

func (r *Remote) SwarmTrend(ctx context.Context, minutes, buckets int) (*analysis.Trend, error) {
	return r.trend(ctx, "/api/swarm/hashrate-trend", window(minutes, buckets))
}

// ============================================================================
// Sessions and stability
// ============================================================================

func (r *Remote) TotalUptime(ctx context.Context, deviceID string) (*analysis.UptimeTotals, error) {
	var out *analysis.UptimeTotals
	if err := r.getOptional(ctx, "/api/metrics/total-uptime/"+esc(deviceID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote) MultiTimeframeVariance(ctx context.Context, deviceID string) ([]analysis.TimeframeVariance, error) {
	var out []analysis.TimeframeVariance
	if err := r.getOptional(ctx, "/api/metrics/variance/"+esc(deviceID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote) SessionStats(ctx context.Context, deviceID string, metric database.Metric, sessionSeconds int64) (*database.MetricStats, error) {
	path := fmt.Sprintf("/api/metrics/session-stats/%s/%s/%d", esc(deviceID), esc(string(metric)), sessionSeconds)
	var out *database.MetricStats
	if err := r.getOptional(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote) UptimeAverages(ctx context.Context, deviceID string, sessionSeconds int64) (*database.Averages, error) {
	path := fmt.Sprintf("/api/metrics/uptime-avg/%s/%d", esc(deviceID), sessionSeconds)
	var out *database.Averages
	if err := r.getOptional(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ============================================================================
// Health
// ============================================================================

// AllDeviceHealth sends threshold in whole minutes, rounded up. A zero
// threshold leaves the server default.
func (r *Remote) AllDeviceHealth(ctx context.Context, deviceIDs []string, threshold time.Duration) (map[string]database.DeviceHealth, error) {
	q := devices(deviceIDs)
	if threshold > 0 {
		q.Set("threshold", strconv.Itoa(int(math.Ceil(threshold.Minutes()))))
	}
	var out map[string]database.DeviceHealth
	if err := r.getOptional(ctx, "/api/health", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote) ConfigChanges(ctx context.Context, deviceIDs []string, minutes int) ([]database.ConfigChange, error) {
	q := devices(deviceIDs)
	q.Set("minutes", strconv.Itoa(minutes))
	var out []database.ConfigChange
	if err := r.getOptional(ctx, "/api/config-changes", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ============================================================================
// Difficulty
// ============================================================================

func (r *Remote) HighestDifficulty(ctx context.Context, deviceID string) (*database.DifficultyRecord, error) {
	var out *database.DifficultyRecord
	if err := r.getOptional(ctx, "/api/metrics/highest-difficulty/"+esc(deviceID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote) MaxBestDiff(ctx context.Context, deviceIDs []string) (float64, error) {
	var out struct {
		MaxBestDiff float64 `json:"max_best_diff"`
	}
	if err := r.getOptional(ctx, "/api/metrics/max-best-diff", devices(deviceIDs), &out); err != nil {
		return 0, err
	}
	return out.MaxBestDiff, nil
}

// ============================================================================
// Reports
// ============================================================================

// ConfigSummary covers the last hours, or all history when hours is zero.
func (r *Remote) ConfigSummary(ctx context.Context, deviceID string, hours int) ([]ConfigReport, error) {
	q := url.Values{}
	if hours != 0 {
		q.Set("hours", strconv.Itoa(hours))
	}
	var out []ConfigReport
	if err := r.getOptional(ctx, "/api/metrics/config-summary/"+esc(deviceID), q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote) Summary(ctx context.Context) (map[string]*DeviceSummary, error) {
	var out map[string]*DeviceSummary
	if err := r.getOptional(ctx, "/api/summary", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote) Swarm(ctx context.Context) (*Swarm, error) {
	var out *Swarm
	if err := r.getOptional(ctx, "/swarm", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ DataProvider = (*Remote)(nil)

package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// VehicleFix is one upstream position report.
type VehicleFix struct {
	VehicleID string            `json:"vehicle_id"`
	Plate     string            `json:"plate"`
	Name      string            `json:"name"`
	FleetID   string            `json:"fleet_id"`
	Latitude  float64           `json:"latitude"`
	Longitude float64           `json:"longitude"`
	SpeedKmh  float64           `json:"speed_kmh"`
	Heading   float64           `json:"heading"`
	Timestamp time.Time         `json:"timestamp"`
	Sensors   map[string]string `json:"sensors"`
}

// TransientError marks upstream failures worth retrying: network trouble,
// timeouts, 5xx. ConfigError marks failures retrying cannot fix
// (authentication, bad endpoint).
type TransientError struct{ Err error }

func (e TransientError) Error() string { return "transient telemetry error: " + e.Err.Error() }
func (e TransientError) Unwrap() error { return e.Err }

type ConfigError struct{ Err error }

func (e ConfigError) Error() string { return "telemetry configuration error: " + e.Err.Error() }
func (e ConfigError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te TransientError
	return errors.As(err, &te)
}

// Client fetches the current fleet snapshot from the upstream telemetry API.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func (c *Client) FetchAllPositions(ctx context.Context) ([]VehicleFix, error) {
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/v1/positions"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, ConfigError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, TransientError{Err: err}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, TransientError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ConfigError{Err: fmt.Errorf("upstream rejected credentials: status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return nil, ConfigError{Err: errors.New("positions endpoint not found")}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, TransientError{Err: fmt.Errorf("upstream status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, TransientError{Err: fmt.Errorf("unexpected upstream status %d", resp.StatusCode)}
	}

	var fixes []VehicleFix
	if err := json.Unmarshal(b, &fixes); err != nil {
		return nil, TransientError{Err: fmt.Errorf("decode positions: %w", err)}
	}
	return fixes, nil
}

// ShouldRetry reports whether a fetch error is worth another bounded attempt.
func ShouldRetry(err error) bool {
	if IsTransient(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}

package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls a remote model server:
//
//	POST {base}/v1/anomaly  {"machine_id", "window_seconds"} -> {"points": [AnomalyPoint]}
//	POST {base}/v1/forecast {"machine_id", "horizon"}        -> {"points": [ForecastPoint]}
//
// A 404 means the machine has no data.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ Invoker = (*Client)(nil)

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type anomalyRequest struct {
	MachineID     string `json:"machine_id"`
	WindowSeconds int64  `json:"window_seconds"`
}

type forecastRequest struct {
	MachineID string `json:"machine_id"`
	Horizon   int    `json:"horizon"`
}

func (c *Client) ScoreAnomaly(ctx context.Context, machineID string, window time.Duration) ([]AnomalyPoint, error) {
	var resp struct {
		Points []AnomalyPoint `json:"points"`
	}
	req := anomalyRequest{MachineID: machineID, WindowSeconds: int64(window / time.Second)}
	if err := c.post(ctx, "/v1/anomaly", machineID, req, &resp); err != nil {
		return nil, err
	}
	return resp.Points, nil
}

func (c *Client) Forecast(ctx context.Context, machineID string, horizon int) ([]ForecastPoint, error) {
	var resp struct {
		Points []ForecastPoint `json:"points"`
	}
	if err := c.post(ctx, "/v1/forecast", machineID, forecastRequest{MachineID: machineID, Horizon: horizon}, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Points {
		if resp.Points[i].Kind != KindHistory {
			resp.Points[i].Kind = KindForecast
		}
	}
	return resp.Points, nil
}

func (c *Client) post(ctx context.Context, path, machineID string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling model server %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w %s", ErrNoData, machineID)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("model server %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding model server response: %w", err)
	}
	return nil
}

// Package analytics runs the anomaly-scoring and forecasting models for a
// machine. The models are opaque: callers only see the point shapes below.
package analytics

import (
	"context"
	"errors"
	"time"
)

// ErrNoData is returned when the machine has no telemetry to analyze.
var ErrNoData = errors.New("no telemetry for machine")

// Point kinds in a forecast series.
const (
	KindHistory  = "history"
	KindForecast = "forecast"
)

// AnomalyPoint is one scored reading. Value is the vibration reading.
type AnomalyPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Value       float64   `json:"value"`
	Vibration   float64   `json:"vibration"`
	Temperature float64   `json:"temperature"`
	Pressure    float64   `json:"pressure"`
	Score       float64   `json:"score"`
	IsAnomaly   bool      `json:"is_anomaly"`
}

// ForecastPoint is one observed or predicted reading. Value is vibration.
type ForecastPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Value       float64   `json:"value"`
	Vibration   float64   `json:"vibration"`
	Temperature float64   `json:"temperature"`
	Pressure    float64   `json:"pressure"`
	Kind        string    `json:"kind"`
}

// Invoker calls the analytic models.
type Invoker interface {
	ScoreAnomaly(ctx context.Context, machineID string, window time.Duration) ([]AnomalyPoint, error)
	Forecast(ctx context.Context, machineID string, horizon int) ([]ForecastPoint, error)
}

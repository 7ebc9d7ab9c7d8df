package analytics

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/machinist/internal/telemetry"
)

type mockSeriesReader struct {
	samples  []telemetry.Sample
	err      error
	seriesFn func(machineID string) ([]telemetry.Sample, error)
}

func (m *mockSeriesReader) Series(_ context.Context, machineID string, _ time.Time, limit int) ([]telemetry.Sample, error) {
	if m.seriesFn != nil {
		return m.seriesFn(machineID)
	}
	if m.err != nil {
		return nil, m.err
	}
	s := m.samples
	if limit > 0 && len(s) > limit {
		s = s[len(s)-limit:]
	}
	return s, nil
}

var t0 = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

// steadySeries returns n one-minute readings with small deterministic noise.
func steadySeries(n int) []telemetry.Sample {
	out := make([]telemetry.Sample, n)
	for i := range out {
		wiggle := math.Sin(float64(i)) * 0.02
		out[i] = telemetry.Sample{
			Timestamp:   t0.Add(time.Duration(i) * time.Minute),
			Vibration:   0.5 + wiggle,
			Temperature: 60 + wiggle*10,
			Pressure:    100 + wiggle*20,
		}
	}
	return out
}

func TestLocalScoreAnomaly_FlagsSpike(t *testing.T) {
	samples := steadySeries(200)
	samples[150].Vibration = 5.0
	samples[150].Temperature = 95
	l := NewLocal(&mockSeriesReader{samples: samples})

	points, err := l.ScoreAnomaly(context.Background(), "CNC-001", 0)
	if err != nil {
		t.Fatalf("ScoreAnomaly: %v", err)
	}
	if len(points) != 200 {
		t.Fatalf("got %d points, want 200", len(points))
	}
	if !points[150].IsAnomaly {
		t.Errorf("spike not flagged, score %.3f", points[150].Score)
	}
	for i, p := range points {
		if i != 150 && p.Score >= points[150].Score {
			t.Errorf("point %d scored %.3f >= spike %.3f", i, p.Score, points[150].Score)
		}
	}
	flagged := 0
	for _, p := range points {
		if p.IsAnomaly {
			flagged++
		}
	}
	if flagged > 10 {
		t.Errorf("%d points flagged, want at most 5%%", flagged)
	}
	if points[0].Value != points[0].Vibration {
		t.Error("Value should carry vibration")
	}
}

func TestLocalScoreAnomaly_WindowAnchoredOnLatestReading(t *testing.T) {
	l := NewLocal(&mockSeriesReader{samples: steadySeries(300)})

	points, err := l.ScoreAnomaly(context.Background(), "CNC-001", time.Hour)
	if err != nil {
		t.Fatalf("ScoreAnomaly: %v", err)
	}
	if len(points) != 61 {
		t.Errorf("got %d points in a 1h window of minute data, want 61", len(points))
	}
}

func TestLocalScoreAnomaly_Deterministic(t *testing.T) {
	samples := steadySeries(120)
	samples[60].Pressure = 160
	a, _ := NewLocal(&mockSeriesReader{samples: samples}).ScoreAnomaly(context.Background(), "CNC-001", 0)
	b, _ := NewLocal(&mockSeriesReader{samples: samples}).ScoreAnomaly(context.Background(), "CNC-001", 0)
	for i := range a {
		if a[i].Score != b[i].Score {
			t.Fatalf("scores differ at %d: %v vs %v", i, a[i].Score, b[i].Score)
		}
	}
}

func TestLocalForecast_HistoryThenHorizon(t *testing.T) {
	samples := steadySeries(200)
	for i := range samples {
		samples[i].Vibration = 0.5 + 0.01*float64(i)
	}
	l := NewLocal(&mockSeriesReader{samples: samples})

	points, err := l.Forecast(context.Background(), "CNC-001", 60)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if len(points) != 120 {
		t.Fatalf("got %d points, want 60 history + 60 forecast", len(points))
	}
	for i, p := range points {
		want := KindHistory
		if i >= 60 {
			want = KindForecast
		}
		if p.Kind != want {
			t.Fatalf("points[%d].Kind = %q, want %q", i, p.Kind, want)
		}
	}

	last := samples[len(samples)-1]
	first := points[60]
	if !first.Timestamp.Equal(last.Timestamp.Add(time.Minute)) {
		t.Errorf("first forecast at %v, want one minute after %v", first.Timestamp, last.Timestamp)
	}
	end := points[len(points)-1]
	want := 0.5 + 0.01*float64(199+60)
	if math.Abs(end.Vibration-want) > 0.01 {
		t.Errorf("forecast vibration = %.4f, want about %.4f", end.Vibration, want)
	}
}

func TestLocal_NoData(t *testing.T) {
	l := NewLocal(&mockSeriesReader{})
	if _, err := l.ScoreAnomaly(context.Background(), "CNC-404", time.Hour); !errors.Is(err, ErrNoData) {
		t.Errorf("ScoreAnomaly err = %v, want ErrNoData", err)
	}
	if _, err := l.Forecast(context.Background(), "CNC-404", 10); !errors.Is(err, ErrNoData) {
		t.Errorf("Forecast err = %v, want ErrNoData", err)
	}

	boom := errors.New("db down")
	l = NewLocal(&mockSeriesReader{err: boom})
	if _, err := l.Forecast(context.Background(), "CNC-001", 10); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped reader error", err)
	}
}

func TestTrendARAndThreshold(t *testing.T) {
	m := fitTrendAR([]float64{1, 2, 3, 4, 5})
	if got := m.predict(1); math.Abs(got-6) > 1e-9 {
		t.Errorf("predict(1) = %v, want 6", got)
	}
	if got := fitTrendAR([]float64{7}).predict(3); got != 7 {
		t.Errorf("single point predict = %v, want 7", got)
	}

	scores := []float64{0.4, 0.45, 0.5, 0.52, 0.9}
	if got := threshold(scores, 0.2, 0.55); got != 0.9 {
		t.Errorf("threshold = %v, want 0.9", got)
	}
	if got := threshold([]float64{0.3, 0.3}, 0.5, 0.55); got != 0.55 {
		t.Errorf("threshold floor = %v, want 0.55", got)
	}
	if averagePathLength(1) != 0 || averagePathLength(2) != 1 {
		t.Error("c(n) base cases wrong")
	}
}

func TestReports(t *testing.T) {
	points := []AnomalyPoint{
		{Timestamp: t0, Vibration: 0.5, Score: 0.4},
		{Timestamp: t0.Add(time.Minute), Vibration: 4.2, Temperature: 90, Score: 0.8, IsAnomaly: true},
	}
	r := AnomalyReport("CNC-001", points)
	for _, want := range []string{"CNC-001", "Data Points Analyzed**: 2", "Anomalies Detected**: 1", "vibration 4.200"} {
		if !strings.Contains(r, want) {
			t.Errorf("anomaly report missing %q:\n%s", want, r)
		}
	}

	fc := []ForecastPoint{
		{Timestamp: t0, Vibration: 0.5, Temperature: 60, Kind: KindHistory},
		{Timestamp: t0.Add(time.Minute), Vibration: 0.9, Temperature: 60, Kind: KindForecast},
	}
	r = ForecastReport("CNC-001", fc)
	for _, want := range []string{"Forecast for CNC-001", "Horizon**: 1 steps", "rising", "stable"} {
		if !strings.Contains(r, want) {
			t.Errorf("forecast report missing %q:\n%s", want, r)
		}
	}
}

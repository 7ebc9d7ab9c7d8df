package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kalambet/machinist/internal/telemetry"
)

// SeriesReader loads a machine's recent sensor readings, oldest first.
type SeriesReader interface {
	Series(ctx context.Context, machineID string, since time.Time, limit int) ([]telemetry.Sample, error)
}

const (
	maxSamples    = 500
	historyTail   = 60
	contamination = 0.05
	scoreFloor    = 0.55
	numTrees      = 100
	treeSample    = 256
)

// Local runs the models in process over telemetry read from SeriesReader.
type Local struct {
	reader SeriesReader
	seed   int64
	logger *slog.Logger
}

var _ Invoker = (*Local)(nil)

func NewLocal(reader SeriesReader) *Local {
	return &Local{reader: reader, seed: 42, logger: slog.Default().With("component", "analytics")}
}

// ScoreAnomaly scores the readings within window of the machine's latest
// reading with an isolation forest over vibration, temperature and
// pressure. The window is anchored on the data, not the wall clock, so
// stale feeds still produce a result.
func (l *Local) ScoreAnomaly(ctx context.Context, machineID string, window time.Duration) ([]AnomalyPoint, error) {
	samples, err := l.load(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if window > 0 {
		cutoff := samples[len(samples)-1].Timestamp.Add(-window)
		i := sort.Search(len(samples), func(i int) bool { return !samples[i].Timestamp.Before(cutoff) })
		samples = samples[i:]
	}

	features := make([][]float64, len(samples))
	for i, s := range samples {
		features[i] = []float64{s.Vibration, s.Temperature, s.Pressure}
	}
	forest := newIsolationForest(numTrees, treeSample, l.seed)
	forest.fit(features, numTrees)

	scores := make([]float64, len(samples))
	for i, f := range features {
		scores[i] = forest.score(f)
	}
	cut := threshold(scores, contamination, scoreFloor)

	points := make([]AnomalyPoint, len(samples))
	anomalies := 0
	for i, s := range samples {
		points[i] = AnomalyPoint{
			Timestamp:   s.Timestamp,
			Value:       s.Vibration,
			Vibration:   s.Vibration,
			Temperature: s.Temperature,
			Pressure:    s.Pressure,
			Score:       scores[i],
			IsAnomaly:   scores[i] >= cut && scores[i] > scoreFloor,
		}
		if points[i].IsAnomaly {
			anomalies++
		}
	}
	l.logger.Info("anomaly scoring", "machine", machineID, "points", len(points), "anomalies", anomalies)
	return points, nil
}

// Forecast returns the last hour of history followed by horizon predicted
// steps at the series' sampling interval. Each sensor is extrapolated
// with a linear trend plus an AR(1) residual.
func (l *Local) Forecast(ctx context.Context, machineID string, horizon int) ([]ForecastPoint, error) {
	if horizon <= 0 {
		horizon = 60
	}
	samples, err := l.load(ctx, machineID)
	if err != nil {
		return nil, err
	}

	vib := make([]float64, len(samples))
	temp := make([]float64, len(samples))
	pres := make([]float64, len(samples))
	for i, s := range samples {
		vib[i], temp[i], pres[i] = s.Vibration, s.Temperature, s.Pressure
	}
	models := [3]trendAR{fitTrendAR(vib), fitTrendAR(temp), fitTrendAR(pres)}

	tail := samples
	if len(tail) > historyTail {
		tail = tail[len(tail)-historyTail:]
	}
	out := make([]ForecastPoint, 0, len(tail)+horizon)
	for _, s := range tail {
		out = append(out, ForecastPoint{
			Timestamp: s.Timestamp, Value: s.Vibration,
			Vibration: s.Vibration, Temperature: s.Temperature, Pressure: s.Pressure,
			Kind: KindHistory,
		})
	}

	step := samplingInterval(samples)
	last := samples[len(samples)-1].Timestamp
	for h := 1; h <= horizon; h++ {
		v := models[0].predict(h)
		out = append(out, ForecastPoint{
			Timestamp:   last.Add(time.Duration(h) * step),
			Value:       v,
			Vibration:   v,
			Temperature: models[1].predict(h),
			Pressure:    models[2].predict(h),
			Kind:        KindForecast,
		})
	}
	l.logger.Info("forecast", "machine", machineID, "history", len(tail), "horizon", horizon, "step", step)
	return out, nil
}

func (l *Local) load(ctx context.Context, machineID string) ([]telemetry.Sample, error) {
	samples, err := l.reader.Series(ctx, machineID, time.Time{}, maxSamples)
	if err != nil {
		return nil, fmt.Errorf("loading telemetry for %s: %w", machineID, err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w %s", ErrNoData, machineID)
	}
	return samples, nil
}

// samplingInterval is the median gap between readings, one minute when
// it cannot be measured.
func samplingInterval(samples []telemetry.Sample) time.Duration {
	if len(samples) < 2 {
		return time.Minute
	}
	gaps := make([]time.Duration, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		if d := samples[i].Timestamp.Sub(samples[i-1].Timestamp); d > 0 {
			gaps = append(gaps, d)
		}
	}
	if len(gaps) == 0 {
		return time.Minute
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	return gaps[len(gaps)/2]
}

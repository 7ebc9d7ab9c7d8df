package analytics

import (
	"fmt"
	"strings"
)

// AnomalyReport summarizes scored points for the operator.
func AnomalyReport(machineID string, points []AnomalyPoint) string {
	var flagged []AnomalyPoint
	for _, p := range points {
		if p.IsAnomaly {
			flagged = append(flagged, p)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "**Anomaly Detection Report for %s**\n\n", machineID)
	sb.WriteString("- **Model**: Isolation Forest (vibration, temperature, pressure)\n")
	fmt.Fprintf(&sb, "- **Data Points Analyzed**: %d\n", len(points))
	fmt.Fprintf(&sb, "- **Anomalies Detected**: %d\n", len(flagged))
	if len(flagged) > 0 {
		worst := flagged[0]
		for _, p := range flagged[1:] {
			if p.Score > worst.Score {
				worst = p
			}
		}
		fmt.Fprintf(&sb, "- **Most Anomalous Reading**: %s (vibration %.3f, temperature %.1f, pressure %.1f, score %.2f)\n",
			worst.Timestamp.UTC().Format("2006-01-02 15:04"), worst.Vibration, worst.Temperature, worst.Pressure, worst.Score)
		sb.WriteString("\nThe chart highlights the anomalous readings.")
	} else {
		sb.WriteString("\nNo readings stand out from the machine's normal operating pattern.")
	}
	return sb.String()
}

// ForecastReport summarizes a forecast series for the operator.
func ForecastReport(machineID string, points []ForecastPoint) string {
	var history, forecast []ForecastPoint
	for _, p := range points {
		if p.Kind == KindForecast {
			forecast = append(forecast, p)
		} else {
			history = append(history, p)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "**Forecast for %s**\n\n", machineID)
	sb.WriteString("- **Model**: linear trend with autoregressive residual\n")
	sb.WriteString("- **Variables**: vibration, temperature, pressure\n")
	fmt.Fprintf(&sb, "- **Horizon**: %d steps\n", len(forecast))
	if len(history) > 0 && len(forecast) > 0 {
		now, end := history[len(history)-1], forecast[len(forecast)-1]
		fmt.Fprintf(&sb, "- **Vibration**: %.3f now, %.3f forecast at %s (%s)\n",
			now.Vibration, end.Vibration, end.Timestamp.UTC().Format("15:04"), direction(now.Vibration, end.Vibration))
		fmt.Fprintf(&sb, "- **Temperature**: %.1f now, %.1f forecast (%s)\n",
			now.Temperature, end.Temperature, direction(now.Temperature, end.Temperature))
	}
	sb.WriteString("\nThe chart shows recent history followed by the predicted trend.")
	return sb.String()
}

func direction(from, to float64) string {
	const eps = 1e-3
	switch {
	case to > from*(1+eps)+eps:
		return "rising"
	case to < from*(1-eps)-eps:
		return "falling"
	default:
		return "stable"
	}
}

package orchestrator

import (
	"encoding/json"
	"testing"

	"github.com/kalambet/machinist/internal/agent"
)

func TestEvent_ChartTypeOnTheWire(t *testing.T) {
	tests := []struct {
		chart string
		want  string
	}{
		{agent.ChartAnomaly, `{"type":"answer","content":"ok","chart_data":[1],"chart_type":"scatter_anomaly"}`},
		{agent.ChartForecast, `{"type":"answer","content":"ok","chart_data":[1],"chart_type":"forecast"}`},
		{agent.ChartTimeSeries, `{"type":"answer","content":"ok","chart_data":[1],"chart_type":"timeseries"}`},
		{"", `{"type":"answer","content":"ok"}`},
	}
	for _, tt := range tests {
		ev := Event{Type: EventAnswer, Content: "ok", ChartType: tt.chart}
		if tt.chart != "" {
			ev.ChartData = []int{1}
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if string(raw) != tt.want {
			t.Errorf("event = %s, want %s", raw, tt.want)
		}
	}
}

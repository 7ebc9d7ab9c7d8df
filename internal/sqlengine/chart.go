package sqlengine

import (
	"time"

	"github.com/kalambet/machinist/internal/agent"
	"github.com/kalambet/machinist/internal/telemetry"
)

// timeSeriesChart returns a chart when the table is one timestamp column
// plus at least one numeric column, with at least two rows. Each record
// carries "timestamp" and, for the first numeric column, "value".
func timeSeriesChart(t *agent.Table) *agent.Chart {
	if t == nil || len(t.Rows) < 2 || len(t.Columns) < 2 {
		return nil
	}
	timeCol := -1
	var numeric []int
	for c := range t.Columns {
		switch {
		case columnIs(t, c, isTime):
			if timeCol >= 0 {
				return nil
			}
			timeCol = c
		case columnIs(t, c, isNumber):
			numeric = append(numeric, c)
		}
	}
	if timeCol < 0 || len(numeric) == 0 {
		return nil
	}

	data := make([]map[string]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		ts, _ := telemetry.AsTime(row[timeCol])
		rec := map[string]any{"timestamp": ts.Format(time.RFC3339)}
		for i, c := range numeric {
			v, _ := telemetry.AsFloat(row[c])
			rec[t.Columns[c]] = v
			if i == 0 {
				rec["value"] = v
			}
		}
		for c, v := range row {
			if c != timeCol && !contains(numeric, c) {
				rec[t.Columns[c]] = v
			}
		}
		data = append(data, rec)
	}
	return &agent.Chart{Type: agent.ChartTimeSeries, Data: data}
}

func isTime(v any) bool {
	_, ok := telemetry.AsTime(v)
	return ok
}

func isNumber(v any) bool {
	_, ok := telemetry.AsFloat(v)
	return ok
}

// columnIs reports whether every non-null value in column c satisfies pred.
func columnIs(t *agent.Table, c int, pred func(any) bool) bool {
	seen := false
	for _, row := range t.Rows {
		if row[c] == nil {
			continue
		}
		if !pred(row[c]) {
			return false
		}
		seen = true
	}
	return seen
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

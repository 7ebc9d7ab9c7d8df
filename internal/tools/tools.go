// Package tools describes the operations the agent can perform. The same
// descriptors feed the router's classifier prompt and the MCP server.
package tools

import (
	"fmt"
	"strings"
)

// Tool names.
const (
	QueryTelemetry = "query_telemetry"
	SearchManuals  = "search_manuals"
	ScoreAnomaly   = "score_anomaly"
	Forecast       = "forecast"
)

// Param is one argument of a tool.
type Param struct {
	Name        string
	Type        string // "string" or "number"
	Description string
	Required    bool
}

// Descriptor documents a tool.
type Descriptor struct {
	Name        string
	Description string
	// Strategy is the routing strategy the tool belongs to.
	Strategy string
	Params   []Param
}

// Catalog returns every tool the agent exposes.
func Catalog() []Descriptor {
	return []Descriptor{
		{
			Name:        QueryTelemetry,
			Description: "Answer a question from structured machine telemetry (sensor readings, machine registry) with a validated read-only query.",
			Strategy:    "SQL",
			Params: []Param{
				{Name: "question", Type: "string", Description: "Natural-language question about the telemetry", Required: true},
			},
		},
		{
			Name:        SearchManuals,
			Description: "Search the indexed maintenance manuals and return the most relevant passages.",
			Strategy:    "RETRIEVAL",
			Params: []Param{
				{Name: "query", Type: "string", Description: "Search query", Required: true},
				{Name: "limit", Type: "number", Description: "Maximum number of passages (default 4)"},
			},
		},
		{
			Name:        ScoreAnomaly,
			Description: "Score recent readings of one machine for anomalies (vibration, temperature, pressure).",
			Strategy:    "SQL",
			Params: []Param{
				{Name: "machine_id", Type: "string", Description: "Machine identifier, e.g. CNC-001", Required: true},
				{Name: "window_hours", Type: "number", Description: "Lookback window in hours (default 24)"},
			},
		},
		{
			Name:        Forecast,
			Description: "Forecast the vibration of one machine over a short horizon.",
			Strategy:    "SQL",
			Params: []Param{
				{Name: "machine_id", Type: "string", Description: "Machine identifier, e.g. CNC-001", Required: true},
				{Name: "horizon", Type: "number", Description: "Number of future steps (default 60)"},
			},
		},
	}
}

// Lookup returns the descriptor named name.
func Lookup(name string) (Descriptor, bool) {
	for _, d := range Catalog() {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Describe renders descriptors as a bullet list for prompts.
func Describe(ds []Descriptor) string {
	var sb strings.Builder
	for _, d := range ds {
		fmt.Fprintf(&sb, "- %s (%s): %s\n", d.Name, d.Strategy, d.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

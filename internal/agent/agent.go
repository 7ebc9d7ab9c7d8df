// Package agent holds the types shared by the router, the engines, and the
// streaming orchestrator.
package agent

import (
	"context"
	"time"

	"github.com/kalambet/machinist/internal/llm"
)

// Role of a stored or historical message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleStatus Role = "system-status"
)

// Turn is one prior message of the conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Analysis names an analytic sub-model a question needs.
type Analysis string

const (
	AnalysisNone     Analysis = ""
	AnalysisAnomaly  Analysis = "anomaly"
	AnalysisForecast Analysis = "forecast"
)

// Params are the entities extracted from a question.
type Params struct {
	MachineID string    `json:"machine_id,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	Until     time.Time `json:"until,omitempty"`
	Analysis  Analysis  `json:"analysis,omitempty"`
}

// HasRange reports whether an explicit time window was requested.
func (p Params) HasRange() bool {
	return !p.Since.IsZero() || !p.Until.IsZero()
}

// Task is the unit of work handed to an engine.
type Task struct {
	Question string
	History  []Turn
	Params   Params
	Provider llm.Provider
	// Grounding is tabular context from the structured engine, set for
	// hybrid questions.
	Grounding string
	// Narrate asks the engine for a prose answer. When false the structured
	// engine only returns its table.
	Narrate bool
}

// Chart types understood by clients.
const (
	ChartTimeSeries = "timeseries"
	ChartAnomaly    = "scatter_anomaly"
	ChartForecast   = "forecast"
)

// Chart is a plottable series attached to an answer.
type Chart struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Table is a bounded query result.
type Table struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated,omitempty"`
}

// ToolCall records one external call made while answering.
type ToolCall struct {
	Tool     string        `json:"tool"`
	Input    string        `json:"input,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Result is what an engine produced.
type Result struct {
	Content string
	// Streamed is true when Content was already delivered token by token
	// through the Emitter.
	Streamed bool
	Chart    *Chart
	Table    *Table
	Sources  []string
	// Insufficient marks a retrieval answer that found no usable passages.
	Insufficient bool
	ToolCalls    []ToolCall
}

// Emitter receives an engine's intermediate output.
type Emitter interface {
	// Log reports a diagnostic line such as the executed query.
	Log(msg string)
	// Token delivers one answer fragment. A non-nil error means the
	// consumer is gone and the engine must stop.
	Token(tok string) error
}

// Engine executes a routed task.
type Engine interface {
	Execute(ctx context.Context, task Task, emit Emitter) (Result, error)
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Log(string)         {}
func (discard) Token(string) error { return nil }

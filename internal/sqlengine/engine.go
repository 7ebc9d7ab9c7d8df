// Package sqlengine answers questions from structured telemetry. The model
// proposes a telemetry.QuerySpec, never SQL; the spec is validated against
// the catalog before anything runs.
package sqlengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/machinist/internal/agent"
	"github.com/kalambet/machinist/internal/analytics"
	"github.com/kalambet/machinist/internal/llm"
	"github.com/kalambet/machinist/internal/metrics"
	"github.com/kalambet/machinist/internal/prompt"
	"github.com/kalambet/machinist/internal/telemetry"
)

// QueryRunner compiles and executes QuerySpecs.
type QueryRunner interface {
	Catalog() *telemetry.Catalog
	Compile(spec *telemetry.QuerySpec) (string, []any, error)
	Run(ctx context.Context, spec telemetry.QuerySpec) (*agent.Table, string, error)
}

// Options tune the engine. Zero values take defaults.
type Options struct {
	// Window is the lookback for anomaly scoring (default 24h).
	Window time.Duration
	// Horizon is the number of forecast steps (default 60).
	Horizon int
	// NarrationRows caps the rows shown to the model (default 50).
	NarrationRows int
	Budget        prompt.Budget
}

// Engine is the structured query engine.
type Engine struct {
	runner  QueryRunner
	invoker analytics.Invoker
	opts    Options
	now     func() time.Time
	logger  *slog.Logger
}

func New(runner QueryRunner, invoker analytics.Invoker, opts Options) *Engine {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.Horizon <= 0 {
		opts.Horizon = 60
	}
	if opts.NarrationRows <= 0 {
		opts.NarrationRows = 50
	}
	return &Engine{
		runner:  runner,
		invoker: invoker,
		opts:    opts,
		now:     time.Now,
		logger:  slog.Default().With("component", "sqlengine"),
	}
}

// Execute plans, validates and runs a telemetry query, then narrates the
// result. Analysis tasks call the analytic models instead. With
// task.Narrate unset only the table is returned.
func (e *Engine) Execute(ctx context.Context, task agent.Task, emit agent.Emitter) (agent.Result, error) {
	if task.Params.Analysis != agent.AnalysisNone {
		return e.analyze(ctx, task, emit)
	}

	start := time.Now()
	spec, err := e.plan(ctx, task)
	if err != nil {
		return agent.Result{}, err
	}

	table, query, err := e.run(ctx, spec, emit)
	call := agent.ToolCall{Tool: "query_telemetry", Input: query, Duration: time.Since(start)}
	if err != nil {
		call.Error = err.Error()
		return agent.Result{ToolCalls: []agent.ToolCall{call}}, err
	}
	res := agent.Result{Table: table, ToolCalls: []agent.ToolCall{call}}
	if !task.Narrate {
		return res, nil
	}

	msgs := prompt.Narration(task.Question, prompt.Table(table, e.opts.NarrationRows), task.History, e.opts.Budget)

	// A chart travels with a single complete answer.
	if chart := timeSeriesChart(table); chart != nil {
		text, err := task.Provider.Chat(ctx, msgs, nil)
		if err != nil {
			return res, err
		}
		res.Content = strings.TrimSpace(text)
		res.Chart = chart
		return res, nil
	}

	var sb strings.Builder
	err = task.Provider.Stream(ctx, msgs, func(tok string) error {
		sb.WriteString(tok)
		return emit.Token(tok)
	})
	res.Content = sb.String()
	res.Streamed = sb.Len() > 0
	return res, err
}

// plan asks the model for a QuerySpec and pins the router's parameters
// onto it.
func (e *Engine) plan(ctx context.Context, task agent.Task) (telemetry.QuerySpec, error) {
	catalog := e.runner.Catalog()
	msgs := planMessages(task.Question, catalog.Describe(), task.Params, task.History, e.now())
	raw, err := task.Provider.Chat(ctx, msgs, planSchema())
	if err != nil {
		return telemetry.QuerySpec{}, fmt.Errorf("planning query: %w", err)
	}

	var spec telemetry.QuerySpec
	if err := json.Unmarshal([]byte(llm.StripFences(raw)), &spec); err != nil {
		e.logger.Warn("model returned an unparseable query spec", "error", err, "response", raw)
		return spec, &telemetry.SchemaViolationError{Reason: "model output is not a query specification"}
	}

	if t, ok := catalog.Table(spec.Table); ok {
		if id := task.Params.MachineID; id != "" && t.MachineColumn != "" && !filtersOn(spec, t.MachineColumn) {
			spec.Filters = append(spec.Filters, telemetry.Filter{Column: t.MachineColumn, Op: "=", Value: id})
		}
		if task.Params.HasRange() && t.TimeColumn != "" && spec.Since == "" && spec.Until == "" {
			if !task.Params.Since.IsZero() {
				spec.Since = task.Params.Since.UTC().Format(time.RFC3339)
			}
			if !task.Params.Until.IsZero() {
				spec.Until = task.Params.Until.UTC().Format(time.RFC3339)
			}
		}
	}
	return spec, nil
}

// run executes spec. On a timeout it retries once over a narrower time
// range; a second timeout is returned.
func (e *Engine) run(ctx context.Context, spec telemetry.QuerySpec, emit agent.Emitter) (*agent.Table, string, error) {
	query, _, err := e.runner.Compile(&spec)
	if err != nil {
		return nil, "", err
	}
	emit.Log("SQL: " + query)

	table, _, err := e.runner.Run(ctx, spec)
	if !errors.Is(err, telemetry.ErrQueryTimeout) || ctx.Err() != nil {
		return table, query, err
	}

	narrowed, ok := e.narrow(spec)
	if !ok {
		return nil, query, err
	}
	metrics.QueryRetries.Inc()
	e.logger.Warn("telemetry query timed out, retrying with narrower range", "since", narrowed.Since, "until", narrowed.Until)
	emit.Log(fmt.Sprintf("Query timed out; retrying for %s to %s", narrowed.Since, narrowed.Until))

	query, _, cerr := e.runner.Compile(&narrowed)
	if cerr != nil {
		return nil, query, cerr
	}
	emit.Log("SQL: " + query)
	table, _, err = e.runner.Run(ctx, narrowed)
	return table, query, err
}

// narrow shrinks the time window of spec: the last 24h of the requested
// window, or a quarter of it when it is already that short.
func (e *Engine) narrow(spec telemetry.QuerySpec) (telemetry.QuerySpec, bool) {
	t, ok := e.runner.Catalog().Table(spec.Table)
	if !ok || t.TimeColumn == "" {
		return spec, false
	}
	since, until, err := spec.Window()
	if err != nil {
		return spec, false
	}
	if until.IsZero() {
		until = e.now().UTC()
	}
	span := 24 * time.Hour
	if !since.IsZero() && until.Sub(since) <= span {
		span = until.Sub(since) / 4
		if span < time.Minute {
			return spec, false
		}
	}
	spec.Since = until.Add(-span).Format(time.RFC3339)
	spec.Until = until.Format(time.RFC3339)
	return spec, true
}

func (e *Engine) analyze(ctx context.Context, task agent.Task, emit agent.Emitter) (agent.Result, error) {
	id := task.Params.MachineID
	if id == "" {
		return agent.Result{}, errors.New("analysis requires a machine id")
	}
	start := time.Now()
	var (
		res  agent.Result
		call agent.ToolCall
		err  error
	)
	switch task.Params.Analysis {
	case agent.AnalysisAnomaly:
		emit.Log(fmt.Sprintf("Scoring anomalies for %s over the last %s", id, e.opts.Window))
		call = agent.ToolCall{Tool: "score_anomaly", Input: id}
		var points []analytics.AnomalyPoint
		if points, err = e.invoker.ScoreAnomaly(ctx, id, e.opts.Window); err == nil {
			res.Content = analytics.AnomalyReport(id, points)
			res.Chart = &agent.Chart{Type: agent.ChartAnomaly, Data: points}
		}
	case agent.AnalysisForecast:
		emit.Log(fmt.Sprintf("Forecasting %s for %d steps", id, e.opts.Horizon))
		call = agent.ToolCall{Tool: "forecast", Input: id}
		var points []analytics.ForecastPoint
		if points, err = e.invoker.Forecast(ctx, id, e.opts.Horizon); err == nil {
			res.Content = analytics.ForecastReport(id, points)
			res.Chart = &agent.Chart{Type: agent.ChartForecast, Data: points}
		}
	default:
		return agent.Result{}, fmt.Errorf("unknown analysis %q", task.Params.Analysis)
	}
	call.Duration = time.Since(start)

	if errors.Is(err, analytics.ErrNoData) {
		call.Error = err.Error()
		res = agent.Result{Content: fmt.Sprintf("No telemetry found for %s.", id)}
		err = nil
	} else if err != nil {
		call.Error = err.Error()
	}
	res.ToolCalls = []agent.ToolCall{call}
	return res, err
}

func filtersOn(spec telemetry.QuerySpec, column string) bool {
	for _, f := range spec.Filters {
		if f.Column == column {
			return true
		}
	}
	return false
}

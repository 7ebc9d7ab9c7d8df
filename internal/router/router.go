// Package router decides how a question is answered: from telemetry, from
// the manuals, from both, or by asking the operator to clarify.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/kalambet/machinist/internal/agent"
	"github.com/kalambet/machinist/internal/llm"
	"github.com/kalambet/machinist/internal/tools"
)

// Strategy is a closed set of data-access strategies.
type Strategy string

const (
	SQL       Strategy = "SQL"
	Retrieval Strategy = "RETRIEVAL"
	Hybrid    Strategy = "HYBRID"
	Clarify   Strategy = "CLARIFY"
)

// ParseStrategy accepts a strategy tag in any case.
func ParseStrategy(s string) (Strategy, bool) {
	switch st := Strategy(strings.ToUpper(strings.TrimSpace(s))); st {
	case SQL, Retrieval, Hybrid, Clarify:
		return st, true
	}
	return "", false
}

// ErrClassificationFailure means the classifier could not produce a usable
// strategy; the router then falls back to retrieval.
var ErrClassificationFailure = errors.New("classification failure")

// DefaultMachinePattern matches machine ids like CNC-001.
const DefaultMachinePattern = `(?i)\bCNC-\d{3}\b`

// MachineDirectory reports which machine ids exist in telemetry.
type MachineDirectory interface {
	Known(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

// Request is one question to route.
type Request struct {
	Question string
	History  []agent.Turn
	Tools    []tools.Descriptor
	Provider llm.Provider
}

// Decision is the routing outcome.
type Decision struct {
	Strategy      Strategy     `json:"strategy"`
	Rationale     string       `json:"rationale"`
	LowConfidence bool         `json:"low_confidence,omitempty"`
	Params        agent.Params `json:"params"`
	// Clarification is the question put back to the operator for CLARIFY.
	Clarification string `json:"clarification,omitempty"`
	// Cause records why the classifier failed, when it did.
	Cause error `json:"-"`
}

// Options configure a Router.
type Options struct {
	MachinePattern string
	// Timeout bounds the classifier call (default 5s).
	Timeout time.Duration
}

// Router classifies questions.
type Router struct {
	machine  *regexp.Regexp
	machines MachineDirectory
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Router. machines may be nil, in which case every machine id
// is accepted.
func New(machines MachineDirectory, opts Options) (*Router, error) {
	pattern := opts.MachinePattern
	if pattern == "" {
		pattern = DefaultMachinePattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling machine pattern: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Router{
		machine:  re,
		machines: machines,
		timeout:  opts.Timeout,
		now:      time.Now,
		logger:   slog.Default().With("component", "router"),
	}, nil
}

// Decide routes req. It never fails: classifier problems degrade to a
// low-confidence retrieval decision.
func (r *Router) Decide(ctx context.Context, req Request) Decision {
	lower := strings.ToLower(req.Question)
	lex := scan(lower)

	var d Decision
	d.Params.Analysis = lex.analysis
	d.Params.ErrorCode = findErrorCode(req.Question)
	d.Params.Since, d.Params.Until = timeRange(lower, r.now())
	if d.Params.ErrorCode != "" {
		lex.retrieval = true
	}

	d.Params.MachineID = r.findMachine(req.Question)
	deictic := deicticPattern.MatchString(lower)
	if d.Params.MachineID == "" && (deictic || pronounPattern.MatchString(lower) || lex.analysis != agent.AnalysisNone) {
		d.Params.MachineID = r.machineFromHistory(req.History)
	}

	d.Strategy, d.Rationale = lex.strategy()
	if d.Strategy == "" {
		r.classify(ctx, req, &d)
	}

	switch {
	case deictic && d.Params.MachineID == "":
		d.Strategy = Clarify
		d.Rationale = "refers to a machine that the conversation never named"
		d.Clarification = "Which machine do you mean? Please give its id, for example CNC-001."
	case d.Strategy == Hybrid && d.Params.Analysis != agent.AnalysisNone && d.Params.MachineID == "":
		// Without a machine there is nothing to score; the manuals still answer.
		d.Strategy = Retrieval
		d.Rationale = "procedural question about " + string(d.Params.Analysis) + " without a machine"
		d.Params.Analysis = agent.AnalysisNone
	case d.Params.Analysis != agent.AnalysisNone:
		r.checkMachine(ctx, &d)
	}

	r.logger.Debug("routed question",
		"strategy", d.Strategy, "analysis", d.Params.Analysis, "machine", d.Params.MachineID,
		"low_confidence", d.LowConfidence)
	return d
}

// classify asks the model for a strategy.
func (r *Router) classify(ctx context.Context, req Request, d *Decision) {
	fail := func(cause error) {
		r.logger.Warn("question classification failed, falling back to retrieval", "error", cause)
		d.Strategy = Retrieval
		d.Rationale = "classifier unavailable; defaulting to the manuals"
		d.LowConfidence = true
		d.Cause = cause
	}
	if req.Provider == nil {
		fail(fmt.Errorf("%w: no provider", ErrClassificationFailure))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := req.Provider.Chat(ctx, classifierMessages(req.Question, req.Tools, req.History), classifierSchema())
	if err != nil {
		fail(fmt.Errorf("%w: %w", ErrClassificationFailure, err))
		return
	}

	var out struct {
		Strategy  string `json:"strategy"`
		Rationale string `json:"rationale"`
		MachineID string `json:"machine_id"`
	}
	if err := json.Unmarshal([]byte(llm.StripFences(raw)), &out); err != nil {
		fail(fmt.Errorf("%w: malformed response: %v", ErrClassificationFailure, err))
		return
	}
	st, ok := ParseStrategy(out.Strategy)
	if !ok || st == Clarify {
		fail(fmt.Errorf("%w: unrecognized strategy %q", ErrClassificationFailure, out.Strategy))
		return
	}

	d.Strategy = st
	d.Rationale = strings.TrimSpace(out.Rationale)
	if d.Params.MachineID == "" {
		d.Params.MachineID = r.findMachine(out.MachineID)
	}
}

// checkMachine turns analytics questions without a known machine into
// CLARIFY decisions.
func (r *Router) checkMachine(ctx context.Context, d *Decision) {
	what := "analyze"
	if d.Params.Analysis == agent.AnalysisForecast {
		what = "forecast"
	}
	if d.Params.MachineID == "" {
		d.Strategy = Clarify
		d.Rationale = "analytics need a machine id"
		d.Clarification = fmt.Sprintf("Which machine should I %s? Please give its id, for example CNC-001.", what)
		return
	}
	if r.machines == nil {
		return
	}
	known, err := r.machines.Known(ctx, d.Params.MachineID)
	if err != nil {
		r.logger.Warn("machine lookup failed", "machine", d.Params.MachineID, "error", err)
		return
	}
	if known {
		return
	}

	d.Strategy = Clarify
	d.Rationale = "machine " + d.Params.MachineID + " has no telemetry"
	msg := fmt.Sprintf("I couldn't find any telemetry for %s. Which machine should I %s?", d.Params.MachineID, what)
	if ids, err := r.machines.List(ctx); err == nil && len(ids) > 0 {
		if len(ids) > 10 {
			ids = ids[:10]
		}
		msg += " Known machines: " + strings.Join(ids, ", ") + "."
	}
	d.Clarification = msg
}

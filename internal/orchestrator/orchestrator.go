// Package orchestrator drives one agent request from routing to commit and
// streams its progress as protocol events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/machinist/internal/agent"
	"github.com/kalambet/machinist/internal/conversation"
	"github.com/kalambet/machinist/internal/llm"
	"github.com/kalambet/machinist/internal/metrics"
	"github.com/kalambet/machinist/internal/prompt"
	"github.com/kalambet/machinist/internal/router"
	"github.com/kalambet/machinist/internal/tools"
)

// Status texts.
const (
	statusStarting  = "Starting Agent..."
	statusRouting   = "Routing Question..."
	statusSQL       = "Querying Telemetry..."
	statusRetrieval = "Consulting Knowledge Base..."
	statusHybrid    = "Querying Telemetry and Consulting Knowledge Base..."
	statusAnomaly   = "Running Anomaly Detection..."
	statusForecast  = "Forecasting..."
)

// groundingRows bounds the telemetry table passed to retrieval in HYBRID.
const groundingRows = 20

// Request is one question from a client.
type Request struct {
	Question    string       `json:"question"`
	ChatHistory []agent.Turn `json:"chat_history,omitempty"`
	Provider    string       `json:"llm_provider,omitempty"`
	ThreadID    string       `json:"thread_id,omitempty"`
	UserID      string       `json:"user_id,omitempty"`
}

// Timeouts bound the blocking steps of a request.
type Timeouts struct {
	Router time.Duration
	Engine time.Duration
}

// RequestConfig is resolved once per request and passed down explicitly.
type RequestConfig struct {
	Provider llm.Provider
	Timeouts Timeouts
	Tools    []tools.Descriptor
}

// Decider routes questions.
type Decider interface {
	Decide(ctx context.Context, req router.Request) router.Decision
}

// Conversations is the subset of the conversation store the orchestrator
// needs.
type Conversations interface {
	Lock(ctx context.Context, threadID string) (*conversation.Lease, error)
	History(ctx context.Context, threadID string) ([]conversation.Turn, error)
	Commit(ctx context.Context, lease *conversation.Lease, threadID, question string, answer conversation.Message) ([]conversation.Message, error)
}

// Config wires an Orchestrator.
type Config struct {
	Router    Decider
	Engines   map[router.Strategy]agent.Engine
	Store     Conversations
	Providers *llm.Registry
	Timeouts  Timeouts
	// MaxConcurrent bounds requests served at once (default 8).
	MaxConcurrent int
}

// Orchestrator serves agent requests.
type Orchestrator struct {
	router    Decider
	engines   map[router.Strategy]agent.Engine
	store     Conversations
	providers *llm.Registry
	timeouts  Timeouts
	sem       *semaphore.Weighted
	logger    *slog.Logger
}

func New(cfg Config) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.Timeouts.Router <= 0 {
		cfg.Timeouts.Router = 10 * time.Second
	}
	if cfg.Timeouts.Engine <= 0 {
		cfg.Timeouts.Engine = 2 * time.Minute
	}
	return &Orchestrator{
		router:    cfg.Router,
		engines:   cfg.Engines,
		store:     cfg.Store,
		providers: cfg.Providers,
		timeouts:  cfg.Timeouts,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:    slog.Default().With("component", "orchestrator"),
	}
}

// Prepare validates req before any event is sent. It fails with
// llm.ErrUnknownProvider or storage.ErrNotFound so callers can reject the
// request outright.
func (o *Orchestrator) Prepare(ctx context.Context, req Request) (RequestConfig, error) {
	if strings.TrimSpace(req.Question) == "" {
		return RequestConfig{}, ErrEmptyQuestion
	}
	p, err := o.providers.Resolve(req.Provider)
	if err != nil {
		return RequestConfig{}, err
	}
	if req.ThreadID != "" {
		if _, err := o.store.History(ctx, req.ThreadID); err != nil {
			return RequestConfig{}, err
		}
	}
	return RequestConfig{Provider: p, Timeouts: o.timeouts, Tools: tools.Catalog()}, nil
}

// Run answers req, sending events to sink. It returns nil once the request
// reached FINALIZED, ErrCancelledByClient when the client went away, and
// the execution error otherwise (already reported as an error event).
func (o *Orchestrator) Run(ctx context.Context, req Request, cfg RequestConfig, sink Sink) error {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return ErrCancelledByClient
	}
	defer o.sem.Release(1)
	metrics.RequestsInFlight.Inc()
	defer metrics.RequestsInFlight.Dec()

	r := &run{
		o:      o,
		ctx:    ctx,
		req:    req,
		cfg:    cfg,
		sink:   sink,
		start:  time.Now(),
		logger: o.logger.With("thread", req.ThreadID, "provider", cfg.Provider.Name()),
	}
	return r.execute()
}

// run is the state machine of one request.
type run struct {
	o      *Orchestrator
	ctx    context.Context
	req    Request
	cfg    RequestConfig
	sink   Sink
	start  time.Time
	logger *slog.Logger

	state     State
	lease     *conversation.Lease
	decision  router.Decision
	tokens    strings.Builder
	streamed  int
	committed bool
	sinkErr   error
}

func (r *run) move(to State) error {
	if !r.state.canMove(to) {
		return fmt.Errorf("%w: %s -> %s", errBadTransition, r.state, to)
	}
	r.state = to
	return nil
}

// send forwards ev unless the client is already gone.
func (r *run) send(ev Event) error {
	if r.sinkErr != nil {
		return r.sinkErr
	}
	if err := r.ctx.Err(); err != nil {
		r.sinkErr = ErrCancelledByClient
		return r.sinkErr
	}
	if err := r.sink.Send(ev); err != nil {
		r.sinkErr = fmt.Errorf("%w: %v", ErrCancelledByClient, err)
		return r.sinkErr
	}
	return nil
}

func (r *run) execute() error {
	defer func() {
		if r.lease != nil {
			r.lease.Unlock()
		}
	}()

	if err := r.send(Event{Type: EventStatus, Content: statusStarting}); err != nil {
		return r.fail(err)
	}

	// ROUTING
	if err := r.move(StateRouting); err != nil {
		return r.fail(err)
	}
	history := r.req.ChatHistory
	if r.req.ThreadID != "" {
		lease, err := r.o.store.Lock(r.ctx, r.req.ThreadID)
		if err != nil {
			return r.fail(err)
		}
		r.lease = lease
		stored, err := r.o.store.History(r.ctx, r.req.ThreadID)
		if err != nil {
			return r.fail(err)
		}
		history = conversation.MergeHistory(stored, r.req.ChatHistory)
	} else {
		history = conversation.MergeHistory(nil, history)
	}
	if err := r.send(Event{Type: EventStatus, Content: statusRouting}); err != nil {
		return r.fail(err)
	}

	rctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeouts.Router)
	r.decision = r.o.router.Decide(rctx, router.Request{
		Question: r.req.Question,
		History:  history,
		Tools:    r.cfg.Tools,
		Provider: r.cfg.Provider,
	})
	cancel()
	if r.ctx.Err() != nil {
		return r.fail(ErrCancelledByClient)
	}
	if r.decision.Cause != nil {
		metrics.ClassificationFailures.Inc()
	}
	r.logger.Info("question routed", "strategy", r.decision.Strategy,
		"analysis", r.decision.Params.Analysis, "machine", r.decision.Params.MachineID,
		"low_confidence", r.decision.LowConfidence)

	if r.decision.Strategy == router.Clarify {
		if err := r.move(StateFinalized); err != nil {
			return r.fail(err)
		}
		if err := r.send(Event{Type: EventAnswer, Content: r.decision.Clarification}); err != nil {
			return r.fail(err)
		}
		r.commit(conversation.Message{Content: r.decision.Clarification, Trace: r.trace(agent.Result{}, nil)})
		r.observe("answered")
		return nil
	}

	// EXECUTING
	if err := r.move(StateExecuting); err != nil {
		return r.fail(err)
	}
	if err := r.send(Event{Type: EventStatus, Content: statusFor(r.decision)}); err != nil {
		return r.fail(err)
	}

	res, err := r.dispatch(history)
	if err != nil {
		return r.failWith(res, err)
	}

	if err := r.move(StateFinalized); err != nil {
		return r.fail(err)
	}
	content := res.Content
	if r.streamed > 0 {
		content = r.tokens.String()
		if err := r.send(Event{Type: EventAnswerEnd}); err != nil {
			return r.failWith(res, err)
		}
	} else {
		ev := Event{Type: EventAnswer, Content: content}
		if res.Chart != nil {
			ev.ChartType = res.Chart.Type
			ev.ChartData = res.Chart.Data
		}
		if err := r.send(ev); err != nil {
			return r.failWith(res, err)
		}
	}
	r.commit(conversation.Message{Content: content, Chart: res.Chart, Trace: r.trace(res, nil)})
	r.observe("answered")
	return nil
}

// dispatch runs the engine(s) for the decision.
func (r *run) dispatch(history []agent.Turn) (agent.Result, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeouts.Engine)
	defer cancel()

	task := agent.Task{
		Question: r.req.Question,
		History:  history,
		Params:   r.decision.Params,
		Provider: r.cfg.Provider,
		Narrate:  true,
	}
	emit := &emitter{run: r, cancel: cancel}

	if r.decision.Strategy != router.Hybrid {
		eng, ok := r.o.engines[r.decision.Strategy]
		if !ok {
			return agent.Result{}, fmt.Errorf("no engine for strategy %s", r.decision.Strategy)
		}
		return eng.Execute(ctx, task, emit)
	}

	sqlEng, okSQL := r.o.engines[router.SQL]
	docEng, okDoc := r.o.engines[router.Retrieval]
	if !okSQL || !okDoc {
		return agent.Result{}, errors.New("hybrid strategy needs both engines")
	}
	structured := task
	structured.Narrate = false
	tab, err := sqlEng.Execute(ctx, structured, emit)
	if err != nil {
		return tab, err
	}
	task.Grounding = hybridGrounding(tab)
	if tab.Chart == nil {
		res, err := docEng.Execute(ctx, task, emit)
		res.ToolCalls = append(tab.ToolCalls, res.ToolCalls...)
		if res.Table == nil {
			res.Table = tab.Table
		}
		return res, err
	}

	// The analytics chart travels with a single complete answer, so the
	// retrieval answer is collected rather than streamed.
	buf := &bufferedEmitter{ctx: ctx, Emitter: emit}
	res, err := docEng.Execute(ctx, task, buf)
	res.ToolCalls = append(tab.ToolCalls, res.ToolCalls...)
	if err != nil {
		return res, err
	}
	if res.Streamed {
		res.Content = buf.sb.String()
		res.Streamed = false
	}
	res.Chart = tab.Chart
	return res, nil
}

// hybridGrounding renders the structured step's output for the retrieval
// step: the analytics report and/or the leading table rows.
func hybridGrounding(tab agent.Result) string {
	var parts []string
	if tab.Content != "" {
		parts = append(parts, tab.Content)
	}
	if tab.Table != nil {
		parts = append(parts, prompt.Table(tab.Table, groundingRows))
	}
	if len(parts) == 0 {
		return prompt.Table(nil, 0)
	}
	return strings.Join(parts, "\n\n")
}

// failWith handles an execution error after the engine returned partial
// output.
func (r *run) failWith(res agent.Result, err error) error {
	cancelled := r.ctx.Err() != nil || errors.Is(err, ErrCancelledByClient)
	if cancelled {
		err = ErrCancelledByClient
	}
	if r.state.canMove(StateError) {
		r.state = StateError
	}

	if !cancelled {
		r.logger.Error("request failed", "strategy", r.decision.Strategy, "error", err)
		_ = r.send(Event{Type: EventError, Content: describeError(err)})
		r.observe("error")
	} else {
		r.logger.Info("client cancelled request", "strategy", r.decision.Strategy, "tokens", r.streamed)
		r.observe("cancelled")
	}

	if r.streamed > 0 {
		r.commit(conversation.Message{Content: r.tokens.String(), Trace: r.trace(res, err)})
	}
	return err
}

func (r *run) fail(err error) error { return r.failWith(agent.Result{}, err) }

// commit persists the exchange at most once.
func (r *run) commit(answer conversation.Message) {
	if r.committed || r.lease == nil {
		return
	}
	r.committed = true
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 10*time.Second)
	defer cancel()
	if _, err := r.o.store.Commit(ctx, r.lease, r.req.ThreadID, r.req.Question, answer); err != nil {
		r.logger.Error("committing exchange failed", "error", err)
	}
}

func (r *run) trace(res agent.Result, err error) *conversation.Trace {
	t := &conversation.Trace{
		Strategy:      string(r.decision.Strategy),
		Rationale:     r.decision.Rationale,
		LowConfidence: r.decision.LowConfidence,
		Provider:      r.cfg.Provider.Name(),
		ToolCalls:     res.ToolCalls,
		Sources:       res.Sources,
	}
	if r.decision.Cause != nil {
		t.Error = r.decision.Cause.Error()
	}
	if err != nil {
		t.Error = err.Error()
		t.Partial = true
	}
	return t
}

func (r *run) observe(outcome string) {
	strategy := string(r.decision.Strategy)
	if strategy == "" {
		strategy = "none"
	}
	metrics.RequestsTotal.WithLabelValues(strategy, outcome).Inc()
	metrics.RequestDuration.WithLabelValues(strategy).Observe(time.Since(r.start).Seconds())
}

func statusFor(d router.Decision) string {
	switch {
	case d.Params.Analysis == agent.AnalysisAnomaly:
		return statusAnomaly
	case d.Params.Analysis == agent.AnalysisForecast:
		return statusForecast
	case d.Strategy == router.SQL:
		return statusSQL
	case d.Strategy == router.Hybrid:
		return statusHybrid
	}
	return statusRetrieval
}

// bufferedEmitter forwards log lines and keeps tokens back.
type bufferedEmitter struct {
	agent.Emitter
	ctx context.Context
	sb  strings.Builder
}

func (b *bufferedEmitter) Token(tok string) error {
	if err := b.ctx.Err(); err != nil {
		return err
	}
	b.sb.WriteString(tok)
	return nil
}

// emitter adapts a run to agent.Emitter.
type emitter struct {
	run    *run
	cancel context.CancelFunc
}

func (e *emitter) Log(msg string) {
	if err := e.run.send(Event{Type: EventLog, Content: msg}); err != nil {
		e.cancel()
	}
}

// Token streams one fragment. When the client is gone it cancels the
// engine's context and reports the cancellation back to the producer.
func (e *emitter) Token(tok string) error {
	r := e.run
	if r.state != StateStreaming {
		if err := r.move(StateStreaming); err != nil {
			return err
		}
	}
	if err := r.send(Event{Type: EventToken, Content: tok}); err != nil {
		e.cancel()
		return err
	}
	r.tokens.WriteString(tok)
	r.streamed++
	metrics.TokensStreamed.WithLabelValues(r.cfg.Provider.Name()).Inc()
	return nil
}

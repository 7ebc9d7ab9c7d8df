package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/machinist/internal/agent"
	"github.com/kalambet/machinist/internal/prompt"
)

// Engine answers questions from the indexed maintenance manuals.
type Engine struct {
	retriever *Retriever
	budget    prompt.Budget
	logger    *slog.Logger
}

// NewEngine creates the retrieval engine.
func NewEngine(r *Retriever, budget prompt.Budget) *Engine {
	return &Engine{
		retriever: r,
		budget:    budget,
		logger:    slog.Default().With("component", "retrieval"),
	}
}

// Search exposes the retriever for the tool catalog.
func (e *Engine) Search(ctx context.Context, query string) ([]prompt.Passage, error) {
	return e.retriever.Retrieve(ctx, query)
}

// Execute retrieves passages for the task and streams a grounded answer.
// When nothing relevant is indexed it returns the insufficient-knowledge
// answer without calling the model.
func (e *Engine) Execute(ctx context.Context, task agent.Task, emit agent.Emitter) (agent.Result, error) {
	query := task.Question
	if task.Params.ErrorCode != "" && !strings.Contains(query, task.Params.ErrorCode) {
		query += " " + task.Params.ErrorCode
	}
	if terms := groundingTerms(task.Grounding); terms != "" {
		query += "\n" + terms
	}

	start := time.Now()
	passages, err := e.retriever.Retrieve(ctx, query)
	call := agent.ToolCall{Tool: "search_manuals", Input: query, Duration: time.Since(start)}
	if err != nil {
		return agent.Result{}, fmt.Errorf("searching manuals: %w", err)
	}
	emit.Log(fmt.Sprintf("Retrieved %d passages", len(passages)))

	if len(passages) == 0 {
		e.logger.Info("no passage above threshold", "query", query)
		return agent.Result{
			Content:      prompt.Insufficient,
			Insufficient: true,
			ToolCalls:    []agent.ToolCall{call},
		}, nil
	}

	msgs := prompt.Grounded(task.Question, passages, task.Grounding, task.History, e.budget)

	var sb strings.Builder
	err = task.Provider.Stream(ctx, msgs, func(tok string) error {
		sb.WriteString(tok)
		return emit.Token(tok)
	})
	res := agent.Result{
		Content:   sb.String(),
		Streamed:  sb.Len() > 0,
		Sources:   sources(passages),
		ToolCalls: []agent.ToolCall{call},
	}
	if err != nil {
		return res, err
	}
	return res, nil
}

// maxGroundingTerms bounds how much of a telemetry table reaches the
// embedding query.
const maxGroundingTerms = 12

// groundingTerms reduces a rendered telemetry table to its column names and
// distinct non-numeric cells (machine ids, statuses), in first-seen order.
func groundingTerms(grounding string) string {
	lines := strings.Split(strings.TrimSpace(grounding), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return ""
	}
	terms := splitCells(lines[0])
	seen := make(map[string]bool)
	for _, line := range lines[1:] {
		if strings.HasPrefix(line, "...") || strings.HasPrefix(line, "(") {
			continue
		}
		for _, cell := range splitCells(line) {
			if seen[cell] || isNumeric(cell) || cell == "NULL" || isTimestamp(cell) {
				continue
			}
			seen[cell] = true
			terms = append(terms, cell)
		}
		if len(terms) >= maxGroundingTerms {
			break
		}
	}
	if len(terms) > maxGroundingTerms {
		terms = terms[:maxGroundingTerms]
	}
	return strings.Join(terms, " ")
}

func splitCells(line string) []string {
	var cells []string
	for _, c := range strings.Split(line, "|") {
		if c = strings.TrimSpace(c); c != "" {
			cells = append(cells, c)
		}
	}
	return cells
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func isTimestamp(s string) bool {
	_, err := time.Parse(time.RFC3339, s)
	return err == nil
}

func sources(passages []prompt.Passage) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range passages {
		if !seen[p.Source] {
			seen[p.Source] = true
			out = append(out, p.Source)
		}
	}
	return out
}

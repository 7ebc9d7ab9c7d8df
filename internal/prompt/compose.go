// Package prompt assembles the chat messages sent to the language models,
// keeping injected context inside a token budget.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/machinist/internal/agent"
	"github.com/kalambet/machinist/internal/llm"
)

const (
	defaultContextTokens = 3000
	defaultHistoryTokens = 1500
)

// Passage is a retrieved manual excerpt.
type Passage struct {
	Source  string
	Ordinal int
	Text    string
	Score   float32
}

// Budget bounds the tokens spent on injected context and on history.
type Budget struct {
	ContextTokens int
	HistoryTokens int
}

func (b Budget) withDefaults() Budget {
	if b.ContextTokens <= 0 {
		b.ContextTokens = defaultContextTokens
	}
	if b.HistoryTokens <= 0 {
		b.HistoryTokens = defaultHistoryTokens
	}
	return b
}

// Grounded builds the messages for a retrieval answer. Grounding (a
// telemetry table rendered as text) takes at most half of the context
// budget; passages are added best-first in the rest. The best passage is
// always included, cut to fit when it alone exceeds what is left.
func Grounded(question string, passages []Passage, grounding string, history []agent.Turn, b Budget) []llm.Message {
	b = b.withDefaults()

	system := retrievalSystem
	if grounding != "" {
		system = hybridSystem
	}

	var sb strings.Builder
	sb.WriteString(system)

	remaining := b.ContextTokens
	if grounding != "" {
		section := "\n\n[Telemetry]\n" + fitLines(grounding, b.ContextTokens/2)
		sb.WriteString(section)
		remaining -= CountTokens(section)
	}

	sorted := make([]Passage, len(passages))
	copy(sorted, passages)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	header := "\n\n[Manual passages]\n"
	remaining -= CountTokens(header)
	var selected []string
	for _, p := range sorted {
		entry := formatPassage(p)
		n := CountTokens(entry)
		if n > remaining {
			continue
		}
		selected = append(selected, entry)
		remaining -= n
	}
	if len(selected) == 0 && len(sorted) > 0 {
		best := sorted[0]
		best.Text = cutRunes(best.Text, max(remaining, 0)*4)
		selected = append(selected, formatPassage(best))
	}
	if len(selected) > 0 {
		sb.WriteString(header)
		for _, e := range selected {
			sb.WriteString(e)
		}
	}

	msgs := []llm.Message{{Role: "system", Content: sb.String()}}
	msgs = append(msgs, History(history, b.HistoryTokens)...)
	return append(msgs, llm.Message{Role: "user", Content: question})
}

// Narration builds the messages that turn a query result into prose.
func Narration(question string, table string, history []agent.Turn, b Budget) []llm.Message {
	b = b.withDefaults()
	msgs := []llm.Message{{Role: "system", Content: narrateSystem}}
	msgs = append(msgs, History(history, b.HistoryTokens)...)
	return append(msgs, llm.Message{
		Role:    "user",
		Content: fmt.Sprintf("Question: %s\n\nQuery result:\n%s", question, table),
	})
}

// History converts prior turns to chat messages, keeping the most recent
// ones that fit in maxTokens. Status messages are dropped.
func History(turns []agent.Turn, maxTokens int) []llm.Message {
	var kept []llm.Message
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		role := "user"
		switch t.Role {
		case agent.RoleUser:
		case agent.RoleAgent:
			role = "assistant"
		default:
			continue
		}
		n := CountTokens(t.Content)
		if used+n > maxTokens {
			break
		}
		used += n
		kept = append(kept, llm.Message{Role: role, Content: t.Content})
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// fitLines keeps the leading lines of text that fit in maxTokens and notes
// how many were dropped.
func fitLines(text string, maxTokens int) string {
	if CountTokens(text) <= maxTokens {
		return text
	}
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	var sb strings.Builder
	used := 0
	for i, line := range lines {
		n := CountTokens(line + "\n")
		if used+n > maxTokens && i > 0 {
			fmt.Fprintf(&sb, "... %d more lines omitted\n", len(lines)-i)
			break
		}
		sb.WriteString(line)
		sb.WriteString("\n")
		used += n
	}
	return sb.String()
}

func cutRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func formatPassage(p Passage) string {
	return fmt.Sprintf("[%s #%d] (score %.2f)\n%s\n\n", p.Source, p.Ordinal, p.Score, p.Text)
}

// Table renders a result table as pipe-separated text for prompts.
func Table(t *agent.Table, maxRows int) string {
	if t == nil || len(t.Columns) == 0 {
		return "(no rows)"
	}
	var sb strings.Builder
	sb.WriteString(strings.Join(t.Columns, " | "))
	sb.WriteString("\n")
	for i, row := range t.Rows {
		if maxRows > 0 && i >= maxRows {
			fmt.Fprintf(&sb, "... %d more rows\n", len(t.Rows)-maxRows)
			break
		}
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = formatCell(v)
		}
		sb.WriteString(strings.Join(cells, " | "))
		sb.WriteString("\n")
	}
	if len(t.Rows) == 0 {
		sb.WriteString("(no rows)\n")
	}
	if t.Truncated {
		sb.WriteString("(result truncated at row limit)\n")
	}
	return sb.String()
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case float64:
		return fmt.Sprintf("%.4g", x)
	case float32:
		return fmt.Sprintf("%.4g", x)
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

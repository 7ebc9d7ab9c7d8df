package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotRunning means the Ollama daemon did not answer at all.
var ErrNotRunning = errors.New("ollama is not running (start it with: ollama serve)")

const probeTimeout = 30 * time.Second

// Models names the local models the agent depends on.
type Models struct {
	// Chat answers questions; Fast routes and plans queries.
	Chat  string
	Fast  string
	Embed string
}

func (m Models) distinct() []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range []string{m.Chat, m.Fast, m.Embed} {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// EnsureReady pulls whichever configured models are missing, then checks
// that the embedding model answers and loads the fast model so the first
// routing call does not wait on it. Progress goes to w. It returns the
// embedding dimension.
func EnsureReady(ctx context.Context, c *Client, m Models, w io.Writer) (int, error) {
	if !c.IsRunning(ctx) {
		return 0, ErrNotRunning
	}

	have, err := c.ListModels(ctx)
	if err != nil {
		return 0, err
	}

	for _, name := range m.distinct() {
		if installed(have, name) {
			continue
		}
		fmt.Fprintf(w, "pulling %s\n", name)
		last := ""
		err := c.PullModel(ctx, name, func(p PullProgress) {
			if p.Status == last && p.Total == 0 {
				return
			}
			last = p.Status
			if p.Total > 0 {
				fmt.Fprintf(w, "  %s %d%%\n", p.Status, p.Completed*100/p.Total)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return 0, fmt.Errorf("pulling %s: %w", name, err)
		}
	}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	vec, err := c.Embed(pctx, m.Embed, "spindle vibration")
	if err != nil {
		return 0, fmt.Errorf("embedding model %s: %w", m.Embed, err)
	}
	fmt.Fprintf(w, "embedding model %s: %d dimensions\n", m.Embed, len(vec))

	if m.Fast != "" {
		if _, err := c.Chat(pctx, m.Fast, []Message{{Role: "user", Content: "ping"}}, nil); err != nil {
			// A cold model still loads on first use.
			fmt.Fprintf(w, "fast model %s did not warm up: %v\n", m.Fast, err)
		}
	}
	return len(vec), nil
}

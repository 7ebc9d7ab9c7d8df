package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kalambet/machinist/internal/orchestrator"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// renderEvents prints an NDJSON event stream. Answer text goes to out,
// progress to progress. It returns the error event's message, if any.
func renderEvents(r io.Reader, out, progress io.Writer, verbose bool) (string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var failure string
	for sc.Scan() {
		var ev orchestrator.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return failure, fmt.Errorf("malformed event %q: %w", sc.Text(), err)
		}
		switch ev.Type {
		case orchestrator.EventStatus:
			fmt.Fprintln(progress, colorize(colorCyan, "→ "+ev.Content))
		case orchestrator.EventLog:
			if verbose {
				fmt.Fprintln(progress, colorize(colorDim, "  "+ev.Content))
			}
		case orchestrator.EventToken:
			fmt.Fprint(out, ev.Content)
		case orchestrator.EventAnswer:
			fmt.Fprint(out, ev.Content)
			if ev.ChartType != "" {
				points, _ := ev.ChartData.([]any)
				fmt.Fprintf(out, "\n%s\n", colorize(colorDim, fmt.Sprintf("[%s chart, %d points]", ev.ChartType, len(points))))
			}
			fmt.Fprintln(out)
		case orchestrator.EventAnswerEnd:
			fmt.Fprintln(out)
		case orchestrator.EventError:
			failure = ev.Content
		}
	}
	return failure, sc.Err()
}

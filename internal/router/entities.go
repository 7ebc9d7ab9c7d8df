package router

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/machinist/internal/agent"
)

var (
	errorCodePattern = regexp.MustCompile(`\b[A-Z]\d{3,4}\b`)

	deicticPattern = regexp.MustCompile(`\b(that|this|the same|same) (machine|one|unit|cnc)\b`)
	pronounPattern = regexp.MustCompile(`\b(it|its|it's)\b`)

	lastNPattern   = regexp.MustCompile(`\b(?:last|past|previous) (\d+) (minute|hour|day|week)s?\b`)
	lastOnePattern = regexp.MustCompile(`\b(?:last|past|previous) (minute|hour|day|week)\b`)
)

var units = map[string]time.Duration{
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
}

// findMachine returns the first machine id in text, uppercased.
func (r *Router) findMachine(text string) string {
	return strings.ToUpper(r.machine.FindString(text))
}

// machineFromHistory scans history newest first.
func (r *Router) machineFromHistory(history []agent.Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if id := r.findMachine(history[i].Content); id != "" {
			return id
		}
	}
	return ""
}

func findErrorCode(question string) string {
	return errorCodePattern.FindString(question)
}

// timeRange resolves relative time expressions against now.
func timeRange(lower string, now time.Time) (since, until time.Time) {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	if m := lastNPattern.FindStringSubmatch(lower); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			return now.Add(-time.Duration(n) * units[m[2]]), time.Time{}
		}
	}
	if m := lastOnePattern.FindStringSubmatch(lower); m != nil {
		return now.Add(-units[m[1]]), time.Time{}
	}
	switch {
	case strings.Contains(lower, "yesterday"):
		return midnight.Add(-24 * time.Hour), midnight
	case strings.Contains(lower, "today"):
		return midnight, time.Time{}
	case strings.Contains(lower, "this week"):
		offset := (int(midnight.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -offset), time.Time{}
	}
	return time.Time{}, time.Time{}
}

package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// Dialect controls placeholder syntax and argument encoding.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// arg encodes a value for the driver. SQLite telemetry stores timestamps
// as RFC 3339 text, so times are compared as strings there.
func (d Dialect) arg(v any) any {
	if t, ok := v.(time.Time); ok && d == SQLite {
		return t.UTC().Format(time.RFC3339)
	}
	return v
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Render turns a validated spec into a parameterized statement. The row
// limit is capped at maxRows; one extra row is requested so callers can
// tell whether the result was truncated.
func Render(d Dialect, t Table, spec QuerySpec, maxRows int) (string, []any) {
	var sb strings.Builder
	var args []any
	bind := func(v any) string {
		args = append(args, d.arg(v))
		return d.placeholder(len(args))
	}

	sb.WriteString("SELECT ")
	for i, s := range spec.Select {
		if i > 0 {
			sb.WriteString(", ")
		}
		col := "*"
		if s.Column != "*" {
			col = quote(s.Column)
		}
		if s.Agg == "" {
			sb.WriteString(col)
			continue
		}
		fmt.Fprintf(&sb, "%s(%s) AS %s", strings.ToUpper(s.Agg), col, quote(s.Alias()))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(quote(t.Name))

	var where []string
	for _, f := range spec.Filters {
		where = append(where, fmt.Sprintf("%s %s %s", quote(f.Column), f.Op, bind(f.Value)))
	}
	since, until, _ := spec.Window()
	if !since.IsZero() {
		where = append(where, fmt.Sprintf("%s >= %s", quote(t.TimeColumn), bind(since.UTC())))
	}
	if !until.IsZero() {
		where = append(where, fmt.Sprintf("%s < %s", quote(t.TimeColumn), bind(until.UTC())))
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}

	if len(spec.GroupBy) > 0 {
		cols := make([]string, len(spec.GroupBy))
		for i, g := range spec.GroupBy {
			cols[i] = quote(g)
		}
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(cols, ", "))
	}

	if spec.OrderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(quote(spec.OrderBy))
		if spec.Desc {
			sb.WriteString(" DESC")
		}
	}

	limit := maxRows
	if spec.Limit > 0 && spec.Limit < maxRows {
		limit = spec.Limit
	}
	fmt.Fprintf(&sb, " LIMIT %d", limit+1)
	return sb.String(), args
}

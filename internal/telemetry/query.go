package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSchemaViolation marks a query that references something outside
	// the catalog. It is rejected before execution.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrQueryTimeout is returned when a query exceeds its deadline.
	ErrQueryTimeout = errors.New("query timed out")
)

// SchemaViolationError carries the reason a QuerySpec was rejected.
type SchemaViolationError struct {
	Reason string
}

func (e *SchemaViolationError) Error() string { return "schema violation: " + e.Reason }

func (e *SchemaViolationError) Unwrap() error { return ErrSchemaViolation }

func violation(format string, args ...any) error {
	return &SchemaViolationError{Reason: fmt.Sprintf(format, args...)}
}

// Select is one output column, optionally aggregated.
type Select struct {
	Column string `json:"column"`
	Agg    string `json:"agg,omitempty"`
}

// Alias is the output column name.
func (s Select) Alias() string {
	if s.Agg == "" {
		return s.Column
	}
	if s.Column == "*" {
		return s.Agg
	}
	return s.Agg + "_" + s.Column
}

type Filter struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  any    `json:"value"`
}

// QuerySpec is the only query shape the structured engine executes.
type QuerySpec struct {
	Table   string   `json:"table"`
	Select  []Select `json:"select"`
	Filters []Filter `json:"filters,omitempty"`
	GroupBy []string `json:"group_by,omitempty"`
	OrderBy string   `json:"order_by,omitempty"`
	Desc    bool     `json:"desc,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	// Since and Until bound the table's time column, RFC 3339.
	Since string `json:"since,omitempty"`
	Until string `json:"until,omitempty"`
}

var aggregates = map[string]bool{"avg": true, "min": true, "max": true, "sum": true, "count": true}

var operators = map[string]string{
	"=": "=", "==": "=", "eq": "=",
	"!=": "<>", "<>": "<>", "ne": "<>",
	"<": "<", "lt": "<",
	"<=": "<=", "le": "<=",
	">": ">", "gt": ">",
	">=": ">=", "ge": ">=",
	"like": "LIKE",
}

// Validate checks spec against the catalog and normalizes it in place:
// operators and aggregates are canonicalized.
func (c *Catalog) Validate(spec *QuerySpec) error {
	t, ok := c.Table(spec.Table)
	if !ok {
		return violation("unknown table %q", spec.Table)
	}
	if len(spec.Select) == 0 {
		return violation("no columns selected")
	}

	aliases := make(map[string]bool)
	plain := make(map[string]bool)
	hasAgg := false
	for i := range spec.Select {
		s := &spec.Select[i]
		s.Agg = strings.ToLower(strings.TrimSpace(s.Agg))
		if s.Agg != "" && !aggregates[s.Agg] {
			return violation("unknown aggregate %q", s.Agg)
		}
		if s.Column == "*" {
			if s.Agg != "count" {
				return violation("* is only allowed with count")
			}
		} else {
			col, ok := t.Column(s.Column)
			if !ok {
				return violation("unknown column %s.%s", t.Name, s.Column)
			}
			if (s.Agg == "avg" || s.Agg == "sum") && !col.Type.numeric() {
				return violation("%s of non-numeric column %s", s.Agg, s.Column)
			}
		}
		if s.Agg != "" {
			hasAgg = true
		} else {
			plain[s.Column] = true
		}
		aliases[s.Alias()] = true
	}

	for _, g := range spec.GroupBy {
		if _, ok := t.Column(g); !ok {
			return violation("unknown group_by column %s.%s", t.Name, g)
		}
	}
	if hasAgg {
		grouped := make(map[string]bool, len(spec.GroupBy))
		for _, g := range spec.GroupBy {
			grouped[g] = true
		}
		for col := range plain {
			if !grouped[col] {
				return violation("column %s must appear in group_by", col)
			}
		}
	}

	for i := range spec.Filters {
		f := &spec.Filters[i]
		col, ok := t.Column(f.Column)
		if !ok {
			return violation("unknown filter column %s.%s", t.Name, f.Column)
		}
		op, ok := operators[strings.ToLower(strings.TrimSpace(f.Op))]
		if !ok {
			return violation("unknown operator %q", f.Op)
		}
		f.Op = op
		v, err := coerce(col, op, f.Value)
		if err != nil {
			return err
		}
		f.Value = v
	}

	if spec.OrderBy != "" {
		if _, ok := t.Column(spec.OrderBy); !ok && !aliases[spec.OrderBy] {
			return violation("unknown order_by %q", spec.OrderBy)
		}
	}
	if spec.Limit < 0 {
		return violation("negative limit")
	}
	if spec.Since != "" || spec.Until != "" {
		if t.TimeColumn == "" {
			return violation("table %s has no time column", t.Name)
		}
		since, until, err := spec.Window()
		if err != nil {
			return err
		}
		if !since.IsZero() && !until.IsZero() && !since.Before(until) {
			return violation("since must be before until")
		}
	}
	return nil
}

// Window parses Since and Until. Missing bounds are zero.
func (spec *QuerySpec) Window() (since, until time.Time, err error) {
	if spec.Since != "" {
		if since, err = time.Parse(time.RFC3339, spec.Since); err != nil {
			return since, until, violation("since %q is not RFC 3339", spec.Since)
		}
	}
	if spec.Until != "" {
		if until, err = time.Parse(time.RFC3339, spec.Until); err != nil {
			return since, until, violation("until %q is not RFC 3339", spec.Until)
		}
	}
	return since, until, nil
}

// coerce converts a decoded JSON value to the Go type matching col.
func coerce(col Column, op string, v any) (any, error) {
	if v == nil {
		return nil, violation("filter on %s has no value", col.Name)
	}
	if op == "LIKE" && col.Type != TypeText {
		return nil, violation("like on non-text column %s", col.Name)
	}
	switch col.Type {
	case TypeFloat, TypeInt:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		default:
			return nil, violation("column %s needs a number, got %T", col.Name, v)
		}
	case TypeTimestamp:
		s, ok := v.(string)
		if !ok {
			return nil, violation("column %s needs an RFC 3339 timestamp", col.Name)
		}
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, violation("column %s needs an RFC 3339 timestamp, got %q", col.Name, s)
		}
		return ts.UTC(), nil
	default:
		switch x := v.(type) {
		case string:
			return x, nil
		case float64, bool:
			return fmt.Sprint(x), nil
		default:
			return nil, violation("column %s needs a string, got %T", col.Name, v)
		}
	}
}

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/machinist/internal/agent"
)

// Executor runs rendered statements against a telemetry database.
type Executor interface {
	Dialect() Dialect
	Query(ctx context.Context, query string, args []any) (columns []string, rows [][]any, err error)
	// Introspect lists the tables visible to the executor.
	Introspect(ctx context.Context) ([]Table, error)
	Close() error
}

// Reader executes validated QuerySpecs with a row cap and a timeout.
type Reader struct {
	exec    Executor
	catalog *Catalog
	maxRows int
	timeout time.Duration
	logger  *slog.Logger
}

// NewReader creates a Reader. maxRows defaults to 500 and timeout to 15s.
func NewReader(exec Executor, catalog *Catalog, maxRows int, timeout time.Duration) *Reader {
	if maxRows <= 0 {
		maxRows = 500
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Reader{
		exec:    exec,
		catalog: catalog,
		maxRows: maxRows,
		timeout: timeout,
		logger:  slog.Default().With("component", "telemetry"),
	}
}

func (r *Reader) Catalog() *Catalog { return r.catalog }

// Dialect reports the SQL dialect of the underlying executor.
func (r *Reader) Dialect() Dialect { return r.exec.Dialect() }

// Compile validates spec and renders it without running it.
func (r *Reader) Compile(spec *QuerySpec) (string, []any, error) {
	if err := r.catalog.Validate(spec); err != nil {
		return "", nil, err
	}
	t, _ := r.catalog.Table(spec.Table)
	query, args := Render(r.exec.Dialect(), t, *spec, r.maxRows)
	return query, args, nil
}

// Run validates, renders, and executes spec. It returns the rendered
// statement alongside the table so callers can report it.
func (r *Reader) Run(ctx context.Context, spec QuerySpec) (*agent.Table, string, error) {
	query, args, err := r.Compile(&spec)
	if err != nil {
		return nil, "", err
	}
	limit := r.maxRows
	if spec.Limit > 0 && spec.Limit < limit {
		limit = spec.Limit
	}

	cols, rows, err := r.query(ctx, query, args)
	if err != nil {
		return nil, query, err
	}
	table := &agent.Table{Columns: cols, Rows: rows}
	if len(rows) > limit {
		table.Rows = rows[:limit]
		table.Truncated = true
	}
	r.logger.Debug("telemetry query", "query", query, "rows", len(table.Rows), "truncated", table.Truncated)
	return table, query, nil
}

func (r *Reader) query(ctx context.Context, query string, args []any) ([]string, [][]any, error) {
	qctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cols, rows, err := r.exec.Query(qctx, query, args)
	if err == nil {
		return cols, rows, nil
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, nil, fmt.Errorf("%w: caller deadline reached during query", ErrQueryTimeout)
	case ctx.Err() != nil:
		return nil, nil, ctx.Err()
	}
	if errors.Is(qctx.Err(), context.DeadlineExceeded) || errors.Is(err, ErrQueryTimeout) {
		return nil, nil, fmt.Errorf("%w after %s", ErrQueryTimeout, r.timeout)
	}
	return nil, nil, fmt.Errorf("executing telemetry query: %w", err)
}

// Sample is one multivariate sensor reading.
type Sample struct {
	Timestamp   time.Time
	Vibration   float64
	Temperature float64
	Pressure    float64
}

// SensorColumns are the features used by the analytic models.
var SensorColumns = []string{"vibration", "temperature", "pressure"}

// Series returns up to limit of the machine's most recent readings since
// the given time, oldest first. Missing sensor columns read as zero.
func (r *Reader) Series(ctx context.Context, machineID string, since time.Time, limit int) ([]Sample, error) {
	t, ok := r.catalog.SensorTable()
	if !ok {
		return nil, violation("catalog has no sensor table")
	}
	spec := QuerySpec{
		Table:   t.Name,
		Select:  []Select{{Column: t.TimeColumn}},
		Filters: []Filter{{Column: t.MachineColumn, Op: "=", Value: machineID}},
		OrderBy: t.TimeColumn,
		Desc:    true,
		Limit:   limit,
	}
	present := make([]bool, len(SensorColumns))
	for i, name := range SensorColumns {
		if _, ok := t.Column(name); ok {
			spec.Select = append(spec.Select, Select{Column: name})
			present[i] = true
		}
	}
	if !since.IsZero() {
		spec.Since = since.UTC().Format(time.RFC3339)
	}

	table, _, err := r.Run(ctx, spec)
	if err != nil {
		return nil, err
	}

	out := make([]Sample, 0, len(table.Rows))
	for i := len(table.Rows) - 1; i >= 0; i-- {
		row := table.Rows[i]
		ts, ok := AsTime(row[0])
		if !ok {
			continue
		}
		var vals [3]float64
		col := 1
		for j := range SensorColumns {
			if present[j] {
				vals[j], _ = AsFloat(row[col])
				col++
			}
		}
		out = append(out, Sample{Timestamp: ts, Vibration: vals[0], Temperature: vals[1], Pressure: vals[2]})
	}
	return out, nil
}

// Machines lists the distinct machine ids known to the telemetry store.
func (r *Reader) Machines(ctx context.Context) ([]string, error) {
	t, ok := r.catalog.MachineTable()
	if !ok {
		return nil, violation("catalog has no machine column")
	}
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s ORDER BY 1 LIMIT %d",
		quote(t.MachineColumn), quote(t.Name), r.maxRows)
	_, rows, err := r.query(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if s, ok := row[0].(string); ok && s != "" {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// AsFloat converts a driver value to float64.
func AsFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

// AsTime converts a driver value to time.Time. Text timestamps are parsed
// as RFC 3339 or "2006-01-02 15:04:05".
func AsTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresExecutor reads telemetry from PostgreSQL through a pgx pool.
// Sessions are read-only and carry a server-side statement timeout.
type PostgresExecutor struct {
	pool *pgxpool.Pool
}

var _ Executor = (*PostgresExecutor)(nil)

// pgQueryCanceled is SQLSTATE 57014, raised when statement_timeout fires.
const pgQueryCanceled = "57014"

func OpenPostgres(ctx context.Context, dsn string, statementTimeout time.Duration) (*PostgresExecutor, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing telemetry dsn: %w", err)
	}
	if statementTimeout > 0 {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(statementTimeout.Milliseconds(), 10)
	}
	cfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	cfg.MaxConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to telemetry database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging telemetry database: %w", err)
	}
	return &PostgresExecutor{pool: pool}, nil
}

func (e *PostgresExecutor) Dialect() Dialect { return Postgres }

func (e *PostgresExecutor) Close() error {
	e.pool.Close()
	return nil
}

func (e *PostgresExecutor) Query(ctx context.Context, query string, args []any) ([]string, [][]any, error) {
	rows, err := e.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, pgError(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, nil, fmt.Errorf("reading row: %w", err)
		}
		for i, v := range vals {
			vals[i] = normalizePG(v)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, pgError(err)
	}
	return cols, out, nil
}

// Introspect reads the public schema from information_schema.
func (e *PostgresExecutor) Introspect(ctx context.Context) ([]Table, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("reading information_schema: %w", err)
	}
	defer rows.Close()

	var tables []Table
	var current string
	var cols []Column
	flush := func() {
		if current != "" {
			tables = append(tables, inferTable(current, cols))
		}
	}
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return nil, err
		}
		if table != current {
			flush()
			current, cols = table, nil
		}
		cols = append(cols, Column{Name: column, Type: columnType(dataType)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	flush()
	return tables, nil
}

func pgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgQueryCanceled {
		return fmt.Errorf("%w: %s", ErrQueryTimeout, pgErr.Message)
	}
	if pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", ErrQueryTimeout, err)
	}
	return err
}

func normalizePG(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", x[0:4], x[4:6], x[6:8], x[8:10], x[10:16])
	default:
		return v
	}
}

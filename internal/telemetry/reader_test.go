package telemetry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// openTestTelemetry creates an in-memory sensor database with two machines
// sampled once per minute.
func openTestTelemetry(t *testing.T, minutes int) *SQLiteExecutor {
	t.Helper()
	exec, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { exec.Close() })

	db := exec.DB()
	if _, err := db.Exec(`
		CREATE TABLE sensor_data (
			machine_id TEXT, timestamp TIMESTAMP,
			vibration REAL, temperature REAL, pressure REAL, spindle_speed REAL, status TEXT)`); err != nil {
		t.Fatalf("create sensor_data: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE machines (machine_id TEXT PRIMARY KEY, model TEXT, install_date TIMESTAMP, location TEXT)`); err != nil {
		t.Fatalf("create machines: %v", err)
	}
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	for _, m := range []string{"CNC-001", "CNC-002"} {
		if _, err := db.Exec(`INSERT INTO machines VALUES (?, 'VF-2', '2024-01-01T00:00:00Z', 'Bay 1')`, m); err != nil {
			t.Fatalf("insert machine: %v", err)
		}
		for i := 0; i < minutes; i++ {
			vib := 0.5
			if m == "CNC-002" {
				vib = 1.5
			}
			ts := start.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
			if _, err := db.Exec(`INSERT INTO sensor_data VALUES (?, ?, ?, ?, ?, 12000, 'running')`,
				m, ts, vib+float64(i)*0.001, 60+float64(i)*0.01, 100.0); err != nil {
				t.Fatalf("insert reading: %v", err)
			}
		}
	}
	return exec
}

func TestReaderRun_SQLite(t *testing.T) {
	exec := openTestTelemetry(t, 30)
	r := NewReader(exec, DefaultCatalog(), 500, time.Second)

	table, query, err := r.Run(context.Background(), QuerySpec{
		Table:   "sensor_data",
		Select:  []Select{{Column: "machine_id"}, {Column: "vibration", Agg: "avg"}},
		Filters: []Filter{{Column: "vibration", Op: ">", Value: 1.0}},
		GroupBy: []string{"machine_id"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if query == "" {
		t.Error("rendered query not returned")
	}
	if len(table.Rows) != 1 || table.Rows[0][0] != "CNC-002" {
		t.Fatalf("rows = %v", table.Rows)
	}
	if v, ok := AsFloat(table.Rows[0][1]); !ok || v < 1.5 {
		t.Errorf("avg_vibration = %v", table.Rows[0][1])
	}
	if table.Columns[1] != "avg_vibration" {
		t.Errorf("columns = %v", table.Columns)
	}
}

func TestReaderRun_TruncatesAtRowCap(t *testing.T) {
	exec := openTestTelemetry(t, 20)
	r := NewReader(exec, DefaultCatalog(), 5, time.Second)

	table, _, err := r.Run(context.Background(), QuerySpec{
		Table:  "sensor_data",
		Select: []Select{{Column: "timestamp"}, {Column: "vibration"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(table.Rows) != 5 || !table.Truncated {
		t.Errorf("rows=%d truncated=%v, want 5/true", len(table.Rows), table.Truncated)
	}
}

func TestReaderRun_SchemaViolationNeverExecutes(t *testing.T) {
	exec := &mockExecutor{}
	r := NewReader(exec, DefaultCatalog(), 0, 0)

	_, _, err := r.Run(context.Background(), QuerySpec{Table: "pg_shadow", Select: []Select{{Column: "passwd"}}})
	if !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("err = %v, want ErrSchemaViolation", err)
	}
	if exec.calls != 0 {
		t.Errorf("executor called %d times", exec.calls)
	}
}

type mockExecutor struct {
	calls   int
	queryFn func(ctx context.Context, query string, args []any) ([]string, [][]any, error)
}

func (m *mockExecutor) Dialect() Dialect { return Postgres }
func (m *mockExecutor) Close() error     { return nil }

func (m *mockExecutor) Introspect(context.Context) ([]Table, error) { return nil, nil }

func (m *mockExecutor) Query(ctx context.Context, query string, args []any) ([]string, [][]any, error) {
	m.calls++
	if m.queryFn != nil {
		return m.queryFn(ctx, query, args)
	}
	return []string{"x"}, nil, nil
}

func TestReaderRun_Timeout(t *testing.T) {
	exec := &mockExecutor{queryFn: func(ctx context.Context, _ string, _ []any) ([]string, [][]any, error) {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}}
	r := NewReader(exec, DefaultCatalog(), 0, 20*time.Millisecond)

	_, _, err := r.Run(context.Background(), QuerySpec{Table: "sensor_data", Select: []Select{{Column: "vibration"}}})
	if !errors.Is(err, ErrQueryTimeout) {
		t.Fatalf("err = %v, want ErrQueryTimeout", err)
	}
}

func TestReaderRun_ServerTimeoutMapped(t *testing.T) {
	exec := &mockExecutor{queryFn: func(context.Context, string, []any) ([]string, [][]any, error) {
		return nil, nil, fmt.Errorf("%w: canceling statement due to statement timeout", ErrQueryTimeout)
	}}
	r := NewReader(exec, DefaultCatalog(), 0, time.Second)

	_, _, err := r.Run(context.Background(), QuerySpec{Table: "sensor_data", Select: []Select{{Column: "vibration"}}})
	if !errors.Is(err, ErrQueryTimeout) {
		t.Fatalf("err = %v, want ErrQueryTimeout", err)
	}
}

func TestReaderRun_CallerCancelIsNotTimeout(t *testing.T) {
	exec := &mockExecutor{queryFn: func(ctx context.Context, _ string, _ []any) ([]string, [][]any, error) {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}}
	r := NewReader(exec, DefaultCatalog(), 0, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := r.Run(ctx, QuerySpec{Table: "sensor_data", Select: []Select{{Column: "vibration"}}})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrQueryTimeout) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestReaderRun_CallerDeadlineIsTimeout(t *testing.T) {
	exec := &mockExecutor{queryFn: func(ctx context.Context, _ string, _ []any) ([]string, [][]any, error) {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}}
	r := NewReader(exec, DefaultCatalog(), 0, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := r.Run(ctx, QuerySpec{Table: "sensor_data", Select: []Select{{Column: "vibration"}}})
	if !errors.Is(err, ErrQueryTimeout) {
		t.Fatalf("err = %v, want ErrQueryTimeout", err)
	}
}

func TestReaderSeries(t *testing.T) {
	exec := openTestTelemetry(t, 30)
	r := NewReader(exec, DefaultCatalog(), 500, time.Second)

	since := time.Date(2026, 10, 1, 0, 10, 0, 0, time.UTC)
	samples, err := r.Series(context.Background(), "CNC-001", since, 15)
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	if len(samples) != 15 {
		t.Fatalf("got %d samples, want 15", len(samples))
	}
	for i := 1; i < len(samples); i++ {
		if !samples[i].Timestamp.After(samples[i-1].Timestamp) {
			t.Fatal("samples not in ascending time order")
		}
	}
	// The most recent 15 of the 20 readings since 00:10 end at 00:29.
	if last := samples[len(samples)-1].Timestamp; !last.Equal(since.Add(19 * time.Minute)) {
		t.Errorf("last sample at %v", last)
	}
	if samples[0].Pressure != 100 || samples[0].Temperature < 60 {
		t.Errorf("sample = %+v", samples[0])
	}
}

func TestReaderMachinesAndIntrospect(t *testing.T) {
	exec := openTestTelemetry(t, 1)
	r := NewReader(exec, DefaultCatalog(), 500, time.Second)

	ids, err := r.Machines(context.Background())
	if err != nil {
		t.Fatalf("Machines: %v", err)
	}
	if fmt.Sprint(ids) != "[CNC-001 CNC-002]" {
		t.Errorf("ids = %v", ids)
	}

	catalog, err := BuildCatalog(context.Background(), exec, "")
	if err != nil {
		t.Fatalf("BuildCatalog: %v", err)
	}
	tbl, ok := catalog.Table("sensor_data")
	if !ok || tbl.TimeColumn != "timestamp" || tbl.MachineColumn != "machine_id" {
		t.Errorf("sensor_data = %+v", tbl)
	}
	if col, _ := tbl.Column("vibration"); col.Type != TypeFloat || col.Description == "" {
		t.Errorf("vibration column = %+v", col)
	}
	if len(catalog.Tables) != 2 {
		t.Errorf("catalog has %d tables, want the 2 live ones", len(catalog.Tables))
	}
}

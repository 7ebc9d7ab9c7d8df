package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// columnType maps a database type name onto a ColumnType.
func columnType(declared string) ColumnType {
	t := strings.ToLower(declared)
	switch {
	case strings.Contains(t, "timestamp"), strings.Contains(t, "date"), strings.Contains(t, "time"):
		return TypeTimestamp
	case strings.Contains(t, "int"), strings.Contains(t, "serial"):
		return TypeInt
	case strings.Contains(t, "real"), strings.Contains(t, "double"), strings.Contains(t, "float"),
		strings.Contains(t, "numeric"), strings.Contains(t, "decimal"):
		return TypeFloat
	default:
		return TypeText
	}
}

// inferTable fills in the time and machine columns by convention.
func inferTable(name string, cols []Column) Table {
	t := Table{Name: name, Columns: cols}
	for _, c := range cols {
		if c.Name == "machine_id" {
			t.MachineColumn = c.Name
		}
		if c.Type == TypeTimestamp && (t.TimeColumn == "" || c.Name == "timestamp") {
			t.TimeColumn = c.Name
		}
	}
	// A lone install date does not make a time series.
	if t.TimeColumn != "" && t.TimeColumn != "timestamp" && !strings.HasSuffix(t.TimeColumn, "_at") && t.TimeColumn != "time" {
		t.TimeColumn = ""
	}
	return t
}

// BuildCatalog assembles the catalog used for query validation. The live
// schema, when it can be read, replaces the built-in tables of the same
// name. An explicit schema file has the last word.
func BuildCatalog(ctx context.Context, exec Executor, schemaFile string) (*Catalog, error) {
	catalog := DefaultCatalog()
	if exec != nil {
		tables, err := exec.Introspect(ctx)
		if err != nil {
			slog.Warn("telemetry schema introspection failed, using built-in catalog", "error", err)
		} else if len(tables) > 0 {
			live := &Catalog{Tables: tables}
			catalog = keep(catalog.Merge(live), tables)
		}
	}
	if schemaFile != "" {
		override, err := LoadCatalog(schemaFile)
		if err != nil {
			return nil, err
		}
		catalog = catalog.Merge(override)
	}
	if err := catalog.check(); err != nil {
		return nil, fmt.Errorf("telemetry catalog: %w", err)
	}
	return catalog, nil
}

// keep restricts c to the named live tables.
func keep(c *Catalog, live []Table) *Catalog {
	names := make(map[string]bool, len(live))
	for _, t := range live {
		names[t.Name] = true
	}
	out := &Catalog{}
	for _, t := range c.Tables {
		if names[t.Name] {
			out.Tables = append(out.Tables, t)
		}
	}
	return out
}

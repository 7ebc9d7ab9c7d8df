// Package telemetry reads machine sensor data. Queries are built from a
// constrained QuerySpec checked against a Catalog of known tables, so no
// model-written SQL ever reaches the database.
package telemetry

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ColumnType is the coarse type used for validation and prompting.
type ColumnType string

const (
	TypeText      ColumnType = "text"
	TypeFloat     ColumnType = "float"
	TypeInt       ColumnType = "int"
	TypeTimestamp ColumnType = "timestamp"
)

func (t ColumnType) numeric() bool { return t == TypeFloat || t == TypeInt }

type Column struct {
	Name        string     `yaml:"name"`
	Type        ColumnType `yaml:"type"`
	Description string     `yaml:"description,omitempty"`
}

type Table struct {
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description,omitempty"`
	TimeColumn    string   `yaml:"time_column,omitempty"`
	MachineColumn string   `yaml:"machine_column,omitempty"`
	Columns       []Column `yaml:"columns"`
}

// Column looks up a column by name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Catalog is the set of tables and columns queries may reference.
type Catalog struct {
	Tables []Table `yaml:"tables"`
}

// DefaultCatalog describes the sensor schema the agent ships with.
func DefaultCatalog() *Catalog {
	return &Catalog{Tables: []Table{
		{
			Name:          "sensor_data",
			Description:   "Per-minute sensor readings for each CNC machine.",
			TimeColumn:    "timestamp",
			MachineColumn: "machine_id",
			Columns: []Column{
				{Name: "machine_id", Type: TypeText, Description: "machine identifier, e.g. CNC-001"},
				{Name: "timestamp", Type: TypeTimestamp},
				{Name: "vibration", Type: TypeFloat, Description: "mm/s RMS"},
				{Name: "temperature", Type: TypeFloat, Description: "degrees Celsius"},
				{Name: "pressure", Type: TypeFloat, Description: "coolant pressure, psi"},
				{Name: "spindle_speed", Type: TypeFloat, Description: "RPM"},
				{Name: "status", Type: TypeText},
			},
		},
		{
			Name:          "machines",
			Description:   "Machine inventory.",
			MachineColumn: "machine_id",
			Columns: []Column{
				{Name: "machine_id", Type: TypeText},
				{Name: "model", Type: TypeText},
				{Name: "install_date", Type: TypeTimestamp},
				{Name: "location", Type: TypeText},
			},
		},
	}}
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing schema file %s: %w", path, err)
	}
	if err := c.check(); err != nil {
		return nil, fmt.Errorf("schema file %s: %w", path, err)
	}
	return &c, nil
}

func (c *Catalog) check() error {
	seen := make(map[string]bool)
	for _, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("table without a name")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate table %q", t.Name)
		}
		seen[t.Name] = true
		if len(t.Columns) == 0 {
			return fmt.Errorf("table %q has no columns", t.Name)
		}
		for _, col := range t.Columns {
			switch col.Type {
			case TypeText, TypeFloat, TypeInt, TypeTimestamp:
			default:
				return fmt.Errorf("column %s.%s: unknown type %q", t.Name, col.Name, col.Type)
			}
		}
		for _, ref := range []string{t.TimeColumn, t.MachineColumn} {
			if _, ok := t.Column(ref); ref != "" && !ok {
				return fmt.Errorf("table %q references missing column %q", t.Name, ref)
			}
		}
	}
	return nil
}

// Merge returns a catalog where tables from other replace same-named tables
// in c. Empty descriptions are inherited from c.
func (c *Catalog) Merge(other *Catalog) *Catalog {
	if other == nil {
		return c
	}
	byName := make(map[string]int, len(c.Tables))
	out := &Catalog{Tables: append([]Table(nil), c.Tables...)}
	for i, t := range out.Tables {
		byName[t.Name] = i
	}
	for _, t := range other.Tables {
		i, ok := byName[t.Name]
		if !ok {
			byName[t.Name] = len(out.Tables)
			out.Tables = append(out.Tables, t)
			continue
		}
		prev := out.Tables[i]
		t.Columns = append([]Column(nil), t.Columns...)
		if t.Description == "" {
			t.Description = prev.Description
		}
		if _, ok := t.Column(prev.TimeColumn); t.TimeColumn == "" && ok {
			t.TimeColumn = prev.TimeColumn
		}
		if _, ok := t.Column(prev.MachineColumn); t.MachineColumn == "" && ok {
			t.MachineColumn = prev.MachineColumn
		}
		for j, col := range t.Columns {
			if old, ok := prev.Column(col.Name); ok && col.Description == "" {
				t.Columns[j].Description = old.Description
			}
		}
		out.Tables[i] = t
	}
	return out
}

func (c *Catalog) Table(name string) (Table, bool) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// SensorTable returns the time-series table keyed by machine, preferring
// the one with the most numeric columns.
func (c *Catalog) SensorTable() (Table, bool) {
	best, bestScore := Table{}, -1
	for _, t := range c.Tables {
		if t.TimeColumn == "" || t.MachineColumn == "" {
			continue
		}
		score := 0
		for _, col := range t.Columns {
			if col.Type.numeric() {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = t, score
		}
	}
	return best, bestScore >= 0
}

// MachineTable returns the table listing machine ids: a table with a
// machine column and no time column, or the sensor table.
func (c *Catalog) MachineTable() (Table, bool) {
	for _, t := range c.Tables {
		if t.MachineColumn != "" && t.TimeColumn == "" {
			return t, true
		}
	}
	return c.SensorTable()
}

// Describe renders the catalog for a model prompt.
func (c *Catalog) Describe() string {
	tables := append([]Table(nil), c.Tables...)
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })

	var sb strings.Builder
	for _, t := range tables {
		fmt.Fprintf(&sb, "Table: %s", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&sb, " (%s)", t.Description)
		}
		sb.WriteString("\n")
		for _, col := range t.Columns {
			fmt.Fprintf(&sb, "  - %s %s", col.Name, col.Type)
			if col.Description != "" {
				fmt.Fprintf(&sb, ": %s", col.Description)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

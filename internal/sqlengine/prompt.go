package sqlengine

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/machinist/internal/agent"
	"github.com/kalambet/machinist/internal/llm"
	"github.com/kalambet/machinist/internal/prompt"
)

const planSystemTemplate = `You translate an operator's question about CNC machine telemetry into a query specification. Your output must be ONLY a single valid JSON object with these fields:

- "table": one table name from the schema
- "select": list of {"column": <name>, "agg": <"" | "avg" | "min" | "max" | "sum" | "count">}; use {"column": "*", "agg": "count"} to count rows
- "filters": list of {"column": <name>, "op": <"=" | "!=" | "<" | "<=" | ">" | ">=" | "like">, "value": <number or string>}
- "group_by": list of column names; every non-aggregated selected column must be listed
- "order_by": a column name or an aggregate alias such as "avg_vibration"
- "desc": true for descending order
- "limit": maximum number of rows, 0 for the default
- "since", "until": optional RFC 3339 bounds on the table's time column

Rules:
- Use ONLY tables and columns from the schema. Never write SQL.
- Timestamps are UTC. The current time is %s.
- "Which machines" questions group by the machine column.

Schema:
%s`

// planMessages builds the chat messages asking the model for a QuerySpec.
func planMessages(question, schema string, params agent.Params, history []agent.Turn, now time.Time) []llm.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, planSystemTemplate, now.UTC().Format(time.RFC3339), schema)
	if hints := paramHints(params); hints != "" {
		sb.WriteString("\n[Known parameters]\n")
		sb.WriteString(hints)
	}

	msgs := []llm.Message{{Role: "system", Content: sb.String()}}
	msgs = append(msgs, prompt.History(history, 800)...)
	return append(msgs, llm.Message{Role: "user", Content: question})
}

func paramHints(p agent.Params) string {
	var lines []string
	if p.MachineID != "" {
		lines = append(lines, "machine_id: "+p.MachineID)
	}
	if !p.Since.IsZero() {
		lines = append(lines, "since: "+p.Since.UTC().Format(time.RFC3339))
	}
	if !p.Until.IsZero() {
		lines = append(lines, "until: "+p.Until.UTC().Format(time.RFC3339))
	}
	return strings.Join(lines, "\n")
}

func planSchema() *llm.Schema {
	return &llm.Schema{
		Type: "object",
		Properties: map[string]llm.SchemaProperty{
			"table":    {Type: "string", Description: "Table to query"},
			"select":   {Type: "array", Description: "Columns to return, optionally aggregated"},
			"filters":  {Type: "array", Description: "Row filters"},
			"group_by": {Type: "array", Description: "Grouping columns"},
			"order_by": {Type: "string", Description: "Sort column or aggregate alias"},
			"desc":     {Type: "boolean", Description: "Sort descending"},
			"limit":    {Type: "integer", Description: "Row limit"},
			"since":    {Type: "string", Description: "RFC 3339 lower time bound"},
			"until":    {Type: "string", Description: "RFC 3339 upper time bound"},
		},
		Required: []string{"table", "select"},
	}
}

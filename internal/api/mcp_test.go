package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/machinist/internal/agent"
	"github.com/kalambet/machinist/internal/analytics"
	"github.com/kalambet/machinist/internal/llm"
	"github.com/kalambet/machinist/internal/prompt"
	"github.com/kalambet/machinist/internal/tools"
)

type mockEngine struct {
	task agent.Task
	res  agent.Result
	err  error
}

func (m *mockEngine) Execute(_ context.Context, task agent.Task, _ agent.Emitter) (agent.Result, error) {
	m.task = task
	return m.res, m.err
}

type mockSearcher struct{ passages []prompt.Passage }

func (m *mockSearcher) Search(context.Context, string) ([]prompt.Passage, error) {
	return m.passages, nil
}

type mockInvoker struct {
	window  time.Duration
	horizon int
	err     error
}

func (m *mockInvoker) ScoreAnomaly(_ context.Context, _ string, window time.Duration) ([]analytics.AnomalyPoint, error) {
	m.window = window
	return []analytics.AnomalyPoint{{Vibration: 2.4, Score: 0.71, IsAnomaly: true}}, m.err
}

func (m *mockInvoker) Forecast(_ context.Context, _ string, horizon int) ([]analytics.ForecastPoint, error) {
	m.horizon = horizon
	return []analytics.ForecastPoint{{Vibration: 1.1, Kind: "forecast"}}, m.err
}

type stubProvider struct{}

func (stubProvider) Name() string { return llm.Local }
func (stubProvider) Chat(context.Context, []llm.Message, *llm.Schema) (string, error) {
	return "", nil
}
func (stubProvider) Stream(context.Context, []llm.Message, func(string) error) error { return nil }

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPServer_RegistersCatalog(t *testing.T) {
	s := NewMCPServer(MCPDeps{Schema: func() string { return "sensor_data" }})
	resp := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	for _, d := range tools.Catalog() {
		if !strings.Contains(string(b), `"name":"`+d.Name+`"`) {
			t.Errorf("tool %s not listed in %s", d.Name, b)
		}
	}
}

func TestNewTool_RequiredParams(t *testing.T) {
	d, _ := tools.Lookup(tools.ScoreAnomaly)
	tool := newTool(d)
	if tool.Name != tools.ScoreAnomaly {
		t.Errorf("name = %q", tool.Name)
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "machine_id" {
		t.Errorf("required = %v", tool.InputSchema.Required)
	}
	if _, ok := tool.InputSchema.Properties["window_hours"]; !ok {
		t.Error("window_hours property missing")
	}
}

func TestMCPQueryTelemetry_ReturnsTable(t *testing.T) {
	eng := &mockEngine{res: agent.Result{Table: &agent.Table{
		Columns: []string{"machine_id", "avg_vibration"},
		Rows:    [][]any{{"CNC-002", 1.3}},
	}}}
	h := mcpQueryTelemetry(MCPDeps{Telemetry: eng, Provider: stubProvider{}})

	res, err := h(context.Background(), makeCallToolRequest(tools.QueryTelemetry, map[string]interface{}{
		"question": "Which machines have vibration above 1.0?",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", toolText(t, res))
	}
	var table agent.Table
	if err := json.Unmarshal([]byte(toolText(t, res)), &table); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if len(table.Rows) != 1 || table.Rows[0][0] != "CNC-002" {
		t.Errorf("table = %+v", table)
	}
	if eng.task.Narrate {
		t.Error("telemetry tool asked for narration")
	}
}

func TestMCPQueryTelemetry_Errors(t *testing.T) {
	h := mcpQueryTelemetry(MCPDeps{Telemetry: &mockEngine{err: errors.New("rejected")}, Provider: stubProvider{}})

	res, _ := h(context.Background(), makeCallToolRequest(tools.QueryTelemetry, map[string]interface{}{}))
	if !res.IsError {
		t.Error("missing question accepted")
	}
	res, _ = h(context.Background(), makeCallToolRequest(tools.QueryTelemetry, map[string]interface{}{"question": "q"}))
	if !res.IsError || !strings.Contains(toolText(t, res), "rejected") {
		t.Errorf("result = %+v", res)
	}
}

func TestMCPSearchManuals_Limit(t *testing.T) {
	s := &mockSearcher{passages: []prompt.Passage{
		{Source: "a.pdf", Text: "one", Score: 0.9},
		{Source: "b.pdf", Text: "two", Score: 0.8},
		{Source: "c.pdf", Text: "three", Score: 0.7},
	}}
	h := mcpSearchManuals(MCPDeps{Manuals: s})

	res, err := h(context.Background(), makeCallToolRequest(tools.SearchManuals, map[string]interface{}{
		"query": "E402",
		"limit": float64(2),
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	var got []passageJSON
	if err := json.Unmarshal([]byte(toolText(t, res)), &got); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if len(got) != 2 || got[0].Source != "a.pdf" {
		t.Errorf("passages = %+v", got)
	}
}

func TestMCPAnalytics(t *testing.T) {
	inv := &mockInvoker{}
	deps := MCPDeps{Analytics: inv}

	res, _ := mcpScoreAnomaly(deps)(context.Background(), makeCallToolRequest(tools.ScoreAnomaly, map[string]interface{}{
		"machine_id":   "CNC-001",
		"window_hours": float64(6),
	}))
	if res.IsError || !strings.Contains(toolText(t, res), `"is_anomaly":true`) {
		t.Errorf("anomaly result = %s", toolText(t, res))
	}
	if inv.window != 6*time.Hour {
		t.Errorf("window = %v, want 6h", inv.window)
	}

	res, _ = mcpForecast(deps)(context.Background(), makeCallToolRequest(tools.Forecast, map[string]interface{}{
		"machine_id": "CNC-001",
	}))
	if res.IsError || inv.horizon != 60 {
		t.Errorf("forecast result = %s, horizon %d", toolText(t, res), inv.horizon)
	}

	inv.err = analytics.ErrNoData
	res, _ = mcpForecast(deps)(context.Background(), makeCallToolRequest(tools.Forecast, map[string]interface{}{
		"machine_id": "CNC-777",
	}))
	if !res.IsError || !strings.Contains(toolText(t, res), "CNC-777") {
		t.Errorf("no-data result = %+v", res)
	}
}

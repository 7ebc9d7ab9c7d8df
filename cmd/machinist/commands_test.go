package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			if strings.HasPrefix(resp, "{\"type\"") {
				w.Header().Set("Content-Type", "application/x-ndjson")
			} else {
				w.Header().Set("Content-Type", "application/json")
			}
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"thread not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useClient points the commands at ts for the duration of the test.
func useClient(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

// execute runs the root command and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

var ctx = context.Background()

const streamedAnswer = `{"type":"status","content":"Starting Agent..."}
{"type":"status","content":"Querying Telemetry..."}
{"type":"log","content":"SQL: SELECT machine_id FROM sensor_data"}
{"type":"token","content":"CNC-002 "}
{"type":"token","content":"is above the threshold."}
{"type":"answer_end"}
`

func TestAskCommand_RendersStream(t *testing.T) {
	noColor = true
	ts := newTestServer(t, map[string]string{"POST /agent/stream": streamedAnswer})
	useClient(t, ts)

	out, err := execute(t, "ask", "--thread", "t-1", "Which", "machines", "vibrate?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if out != "CNC-002 is above the threshold.\n" {
		t.Errorf("stdout = %q", out)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q", r.Auth)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["question"] != "Which machines vibrate?" || body["thread_id"] != "t-1" {
		t.Errorf("body = %v", body)
	}
}

func TestAskCommand_ErrorEvent(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /agent/stream": `{"type":"status","content":"Starting Agent..."}
{"type":"error","content":"The language model is unavailable."}
`,
	})
	useClient(t, ts)

	_, err := execute(t, "ask", "q")
	if err == nil || !strings.Contains(err.Error(), "language model is unavailable") {
		t.Errorf("err = %v", err)
	}
}

func TestAskCommand_RejectedRequest(t *testing.T) {
	ts := newTestServer(t, nil)
	useClient(t, ts)

	_, err := execute(t, "ask", "--thread", "nope", "q")
	if err == nil || !strings.Contains(err.Error(), "404: thread not found") {
		t.Errorf("err = %v", err)
	}
}

func TestRenderEvents(t *testing.T) {
	noColor = true
	input := `{"type":"status","content":"Running Anomaly Detection..."}
{"type":"log","content":"Scored 120 readings"}
{"type":"answer","content":"2 anomalies on CNC-001.","chart_type":"anomaly","chart_data":[{"score":0.7},{"score":0.8}]}
`
	tests := []struct {
		name         string
		verbose      bool
		wantProgress string
	}{
		{"quiet", false, "→ Running Anomaly Detection...\n"},
		{"verbose", true, "→ Running Anomaly Detection...\n  Scored 120 readings\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, progress bytes.Buffer
			failure, err := renderEvents(strings.NewReader(input), &out, &progress, tt.verbose)
			if err != nil || failure != "" {
				t.Fatalf("renderEvents: %v %q", err, failure)
			}
			if progress.String() != tt.wantProgress {
				t.Errorf("progress = %q", progress.String())
			}
			if !strings.Contains(out.String(), "2 anomalies on CNC-001.") || !strings.Contains(out.String(), "[anomaly chart, 2 points]") {
				t.Errorf("out = %q", out.String())
			}
		})
	}
}

func TestRenderEvents_Malformed(t *testing.T) {
	_, err := renderEvents(strings.NewReader("not json\n"), &bytes.Buffer{}, &bytes.Buffer{}, false)
	if err == nil {
		t.Fatal("expected error for malformed line")
	}
}

func TestThreadsList(t *testing.T) {
	noColor = true
	ts := newTestServer(t, map[string]string{
		"GET /threads": `{"threads":[{"thread_id":"t-1","title":"Vibration on CNC-002","updated_at":"2026-10-16T09:00:00Z"},{"thread_id":"t-2","title":""}]}`,
	})
	useClient(t, ts)

	out, err := execute(t, "threads", "list", "--user", "alice")
	if err != nil {
		t.Fatalf("threads list: %v", err)
	}
	if !strings.Contains(out, "t-1  2026-10-16T09:00:00Z  Vibration on CNC-002") || !strings.Contains(out, "(untitled)") {
		t.Errorf("out = %q", out)
	}
	if got := ts.requests[0].Path; got != "/threads?limit=20&user_id=alice" {
		t.Errorf("path = %q", got)
	}
}

func TestThreadsShow(t *testing.T) {
	noColor = true
	ts := newTestServer(t, map[string]string{
		"GET /threads/t-1": `{"thread_id":"t-1","title":"Forecast","messages":[
			{"role":"user","content":"Forecast CNC-001"},
			{"role":"agent","content":"Vibration rises.","chart":{"type":"forecast","data":[]}}]}`,
	})
	useClient(t, ts)

	out, err := execute(t, "threads", "show", "t-1")
	if err != nil {
		t.Fatalf("threads show: %v", err)
	}
	for _, want := range []string{"Forecast\n", "you: Forecast CNC-001", "agent: Vibration rises.", "[chart attached]"} {
		if !strings.Contains(out, want) {
			t.Errorf("out missing %q:\n%s", want, out)
		}
	}
}

func TestDocsUpload(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /documents": `{"status":"indexed","name":"spindle.md","chunks":3}`,
	})
	useClient(t, ts)

	file := t.TempDir() + "/spindle.md"
	if err := os.WriteFile(file, []byte("# Spindle\nReplace bearings every 2000 hours."), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "docs", "upload", file); err != nil {
		t.Fatalf("docs upload: %v", err)
	}
	r := ts.requests[0]
	if !strings.HasPrefix(r.ContentType, "multipart/form-data") {
		t.Errorf("content type = %q", r.ContentType)
	}
	if !strings.Contains(r.Body, `filename="spindle.md"`) || !strings.Contains(r.Body, "Replace bearings") {
		t.Errorf("multipart body = %q", r.Body)
	}
}

func TestDocsUpload_MissingFile(t *testing.T) {
	ts := newTestServer(t, nil)
	useClient(t, ts)

	_, err := execute(t, "docs", "upload", t.TempDir()+"/missing.pdf")
	if err == nil || !strings.Contains(err.Error(), "1 of 1 uploads failed") {
		t.Errorf("err = %v", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("sent %d requests for a missing file", len(ts.requests))
	}
}

func TestDocsDeleteAndReindex(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /documents/manual v2.pdf":        `{"status":"deleted","chunks_removed":7}`,
		"POST /documents/manual v2.pdf/reindex": `{"job_id":"job-9","status":"queued"}`,
	})
	useClient(t, ts)

	if _, err := execute(t, "docs", "delete", "manual v2.pdf"); err != nil {
		t.Fatalf("docs delete: %v", err)
	}
	if _, err := execute(t, "docs", "reindex", "manual v2.pdf"); err != nil {
		t.Fatalf("docs reindex: %v", err)
	}
	if ts.requests[0].Path != "/documents/manual%20v2.pdf" {
		t.Errorf("delete path = %q", ts.requests[0].Path)
	}
}

func TestServerNotReachable(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", httpClient: http.DefaultClient}
	_, err := c.get(ctx, "/threads")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestRedactDSN(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/var/lib/sensors.db", "/var/lib/sensors.db"},
		{"postgres://reader:s3cret@db:5432/telemetry", "postgres://reader:xxxxx@db:5432/telemetry"},
	}
	for _, tt := range tests {
		if got := redactDSN(tt.in); got != tt.want {
			t.Errorf("redactDSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/machinist/internal/conversation"
	"github.com/kalambet/machinist/internal/ingest"
	"github.com/kalambet/machinist/internal/llm"
	"github.com/kalambet/machinist/internal/orchestrator"
	"github.com/kalambet/machinist/internal/retrieval"
	"github.com/kalambet/machinist/internal/storage"
)

const testToken = "test-token-123"

// mockAgent implements Agent for testing.
type mockAgent struct {
	prepareErr error
	events     []orchestrator.Event
	// block makes Run wait for ctx cancellation after sending events.
	block bool
	done  chan struct{}
}

func (m *mockAgent) Prepare(_ context.Context, req orchestrator.Request) (orchestrator.RequestConfig, error) {
	if strings.TrimSpace(req.Question) == "" {
		return orchestrator.RequestConfig{}, orchestrator.ErrEmptyQuestion
	}
	return orchestrator.RequestConfig{}, m.prepareErr
}

func (m *mockAgent) Run(ctx context.Context, req orchestrator.Request, _ orchestrator.RequestConfig, sink orchestrator.Sink) error {
	if m.done != nil {
		defer close(m.done)
	}
	for _, ev := range m.events {
		if ev.Content == "{{question}}" {
			ev.Content = req.Question
		}
		if err := sink.Send(ev); err != nil {
			return orchestrator.ErrCancelledByClient
		}
	}
	if m.block {
		<-ctx.Done()
		return orchestrator.ErrCancelledByClient
	}
	return nil
}

// mockDocuments implements Documents for testing.
type mockDocuments struct {
	indexFn  func(name, contentType string, data []byte) (int, error)
	deleteFn func(name string) (int, error)
	queued   []string
}

func (m *mockDocuments) Index(_ context.Context, name, contentType string, data []byte) (int, error) {
	return m.indexFn(name, contentType, data)
}

func (m *mockDocuments) Delete(_ context.Context, name string) (int, error) {
	return m.deleteFn(name)
}

func (m *mockDocuments) EnqueueReindex(_ context.Context, name string) (string, error) {
	if name == "missing.pdf" {
		return "", storage.ErrNotFound
	}
	m.queued = append(m.queued, name)
	return "job-1", nil
}

type mockSampler struct{ records []retrieval.Record }

func (m *mockSampler) Sample(_ context.Context, limit int) ([]retrieval.Record, error) {
	if limit < len(m.records) {
		return m.records[:limit], nil
	}
	return m.records, nil
}

type fixture struct {
	handler http.Handler
	agent   *mockAgent
	docs    *mockDocuments
	db      *storage.Store
	threads *conversation.Store
}

func setupHandler(t *testing.T, token string) *fixture {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		agent: &mockAgent{events: []orchestrator.Event{
			{Type: orchestrator.EventStatus, Content: "Starting Agent..."},
			{Type: orchestrator.EventToken, Content: "{{question}}"},
			{Type: orchestrator.EventAnswerEnd},
		}},
		docs: &mockDocuments{
			indexFn:  func(string, string, []byte) (int, error) { return 3, nil },
			deleteFn: func(string) (int, error) { return 0, storage.ErrNotFound },
		},
		db:      db,
		threads: conversation.NewStore(db, conversation.NewLocker()),
	}
	f.handler = NewHandler(Deps{
		Agent:     f.agent,
		Threads:   f.threads,
		Documents: f.docs,
		Listing:   db,
		Chunks: &mockSampler{records: []retrieval.Record{
			{Source: "manual.pdf", Text: strings.Repeat("é", 150), Embedding: []float32{1, 2, 3, 4, 5, 6, 7}},
		}},
		Token: token,
	})
	return f
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(f *fixture, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	f := setupHandler(t, testToken)

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"health is public", "/health", "", http.StatusOK},
		{"metrics is public", "/metrics", "", http.StatusOK},
		{"threads without token", "/threads", "", http.StatusUnauthorized},
		{"threads with wrong token", "/threads", "nope", http.StatusUnauthorized},
		{"threads with token", "/threads", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(f, authReq(http.MethodGet, tt.path, "", tt.token))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuth_EmptyTokenDisablesCheck(t *testing.T) {
	f := setupHandler(t, "")
	rec := serve(f, authReq(http.MethodGet, "/threads", "", ""))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func decodeNDJSON(t *testing.T, r io.Reader) []orchestrator.Event {
	t.Helper()
	var events []orchestrator.Event
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var ev orchestrator.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func TestAgentStream_NDJSON(t *testing.T) {
	f := setupHandler(t, testToken)

	rec := serve(f, authReq(http.MethodPost, "/agent/stream", `{"question":"Which machines vibrate?"}`, testToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}
	events := decodeNDJSON(t, rec.Body)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[1].Type != orchestrator.EventToken || events[1].Content != "Which machines vibrate?" {
		t.Errorf("token event = %+v", events[1])
	}
	if events[2].Type != orchestrator.EventAnswerEnd {
		t.Errorf("last event = %+v", events[2])
	}
}

func TestAgentStream_RejectsBeforeStreaming(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		prepareErr error
		want       int
	}{
		{"invalid json", `{`, nil, http.StatusBadRequest},
		{"empty question", `{"question":"  "}`, nil, http.StatusBadRequest},
		{"unknown provider", `{"question":"q","llm_provider":"gpt-9"}`, fmt.Errorf("gpt-9: %w", llm.ErrUnknownProvider), http.StatusBadRequest},
		{"unknown thread", `{"question":"q","thread_id":"nope"}`, storage.ErrNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupHandler(t, testToken)
			f.agent.prepareErr = tt.prepareErr
			rec := serve(f, authReq(http.MethodPost, "/agent/stream", tt.body, testToken))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if !strings.Contains(rec.Body.String(), `"error"`) {
				t.Errorf("body = %s", rec.Body.String())
			}
		})
	}
}

func TestAgentWS(t *testing.T) {
	f := setupHandler(t, "")
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/agent/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	for _, q := range []string{"first", "", "second"} {
		if err := conn.WriteJSON(orchestrator.Request{Question: q}); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
	}

	var got []string
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(got) < 3 {
		var ev orchestrator.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		switch ev.Type {
		case orchestrator.EventToken:
			got = append(got, ev.Content)
		case orchestrator.EventError:
			got = append(got, "error")
		}
	}
	if strings.Join(got, ",") != "first,error,second" {
		t.Errorf("events = %v", got)
	}
}

func TestAgentWS_CloseCancelsRequest(t *testing.T) {
	f := setupHandler(t, "")
	f.agent.block = true
	f.agent.done = make(chan struct{})
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/agent/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := conn.WriteJSON(orchestrator.Request{Question: "long"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var ev orchestrator.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	conn.Close()

	select {
	case <-f.agent.done:
	case <-time.After(5 * time.Second):
		t.Fatal("request not cancelled after socket closed")
	}
}

func TestThreads_Lifecycle(t *testing.T) {
	f := setupHandler(t, testToken)

	rec := serve(f, authReq(http.MethodPost, "/threads", `{"user_id":"u1"}`, testToken))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	json.NewDecoder(rec.Body).Decode(&created)
	id := created["thread_id"]
	if id == "" {
		t.Fatalf("created = %v", created)
	}

	rec = serve(f, authReq(http.MethodGet, "/threads/"+id, "", testToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var thread conversation.Thread
	json.NewDecoder(rec.Body).Decode(&thread)
	if thread.ID != id || len(thread.Messages) != 0 {
		t.Errorf("thread = %+v", thread)
	}

	rec = serve(f, authReq(http.MethodGet, "/threads?user_id=u1", "", testToken))
	var list struct{ Threads []conversation.Thread }
	json.NewDecoder(rec.Body).Decode(&list)
	if len(list.Threads) != 1 {
		t.Errorf("listed %d threads, want 1", len(list.Threads))
	}

	rec = serve(f, authReq(http.MethodDelete, "/threads/"+id, "", testToken))
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	rec = serve(f, authReq(http.MethodGet, "/threads/"+id, "", testToken))
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}
	rec = serve(f, authReq(http.MethodDelete, "/threads/"+id, "", testToken))
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rec.Code)
	}
}

func TestThreads_CreateWithoutBody(t *testing.T) {
	f := setupHandler(t, testToken)
	rec := serve(f, authReq(http.MethodPost, "/threads", "", testToken))
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
}

func uploadReq(t *testing.T, name, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(content))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func TestDocuments_Upload(t *testing.T) {
	tests := []struct {
		name     string
		indexErr error
		want     int
	}{
		{"indexed", nil, http.StatusCreated},
		{"unsupported type", ingest.ErrUnsupportedType, http.StatusUnsupportedMediaType},
		{"empty document", ingest.ErrEmptyDocument, http.StatusUnprocessableEntity},
		{"embedding failure", errors.New("ollama down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupHandler(t, testToken)
			var gotName string
			f.docs.indexFn = func(name, _ string, _ []byte) (int, error) {
				gotName = name
				if tt.indexErr != nil {
					return 0, fmt.Errorf("extracting: %w", tt.indexErr)
				}
				return 4, nil
			}
			rec := serve(f, uploadReq(t, "spindle.md", "# Spindle\nReplace bearings."))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if gotName != "spindle.md" {
				t.Errorf("indexed name = %q", gotName)
			}
		})
	}
}

func TestDocuments_UploadRequiresFile(t *testing.T) {
	f := setupHandler(t, testToken)
	rec := serve(f, authReq(http.MethodPost, "/documents", "", testToken))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDocuments_ListDeleteReindex(t *testing.T) {
	f := setupHandler(t, testToken)
	ctx := context.Background()
	if err := f.db.SaveDocument(ctx, storage.Document{Name: "manual.pdf", ContentType: "application/pdf", Text: "x", Size: 10, Chunks: 2}); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	rec := serve(f, authReq(http.MethodGet, "/documents", "", testToken))
	var list struct{ Documents []documentJSON }
	json.NewDecoder(rec.Body).Decode(&list)
	if len(list.Documents) != 1 || list.Documents[0].Chunks != 2 {
		t.Errorf("documents = %+v", list.Documents)
	}

	f.docs.deleteFn = func(name string) (int, error) {
		if name == "manual.pdf" {
			return 2, nil
		}
		return 0, storage.ErrNotFound
	}
	rec = serve(f, authReq(http.MethodDelete, "/documents/manual.pdf", "", testToken))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"chunks_removed":2`) {
		t.Errorf("delete = %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(f, authReq(http.MethodDelete, "/documents/other.pdf", "", testToken))
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete missing = %d, want 404", rec.Code)
	}

	rec = serve(f, authReq(http.MethodPost, "/documents/manual.pdf/reindex", "", testToken))
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"job_id":"job-1"`) {
		t.Errorf("reindex = %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(f, authReq(http.MethodPost, "/documents/missing.pdf/reindex", "", testToken))
	if rec.Code != http.StatusNotFound {
		t.Errorf("reindex missing = %d, want 404", rec.Code)
	}
}

func TestVectors_Preview(t *testing.T) {
	f := setupHandler(t, testToken)
	rec := serve(f, authReq(http.MethodGet, "/vectors?limit=3", "", testToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct{ Vectors []vectorJSON }
	json.NewDecoder(rec.Body).Decode(&body)
	if len(body.Vectors) != 1 {
		t.Fatalf("vectors = %+v", body.Vectors)
	}
	v := body.Vectors[0]
	if len(v.EmbeddingPreview) != 5 {
		t.Errorf("embedding preview has %d dims, want 5", len(v.EmbeddingPreview))
	}
	if got := []rune(strings.TrimSuffix(v.ContentPreview, "...")); len(got) != 100 {
		t.Errorf("content preview has %d runes, want 100", len(got))
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 5},
		{"limit=7", 7},
		{"limit=-1", 5},
		{"limit=abc", 5},
		{"limit=1000", 100},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/vectors?"+tt.query, nil)
		if got := parseIntParam(req, "limit", 5, 100); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

// Package api exposes the agent over HTTP, WebSocket and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/machinist/internal/conversation"
	"github.com/kalambet/machinist/internal/metrics"
	"github.com/kalambet/machinist/internal/orchestrator"
	"github.com/kalambet/machinist/internal/retrieval"
	"github.com/kalambet/machinist/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Agent answers questions as a stream of events.
type Agent interface {
	Prepare(ctx context.Context, req orchestrator.Request) (orchestrator.RequestConfig, error)
	Run(ctx context.Context, req orchestrator.Request, cfg orchestrator.RequestConfig, sink orchestrator.Sink) error
}

// Threads manages conversation threads.
type Threads interface {
	Create(ctx context.Context, userID string) (conversation.Thread, error)
	Get(ctx context.Context, id string) (conversation.Thread, error)
	List(ctx context.Context, userID string, limit int) ([]conversation.Thread, error)
	Delete(ctx context.Context, id string) error
}

// Documents ingests and removes manuals.
type Documents interface {
	Index(ctx context.Context, name, contentType string, data []byte) (int, error)
	Delete(ctx context.Context, name string) (int, error)
	EnqueueReindex(ctx context.Context, name string) (string, error)
}

// DocumentLister lists stored documents.
type DocumentLister interface {
	ListDocuments(ctx context.Context) ([]storage.Document, error)
}

// ChunkSampler returns stored chunks for the vector preview.
type ChunkSampler interface {
	Sample(ctx context.Context, limit int) ([]retrieval.Record, error)
}

// Health reports readiness of a dependency.
type Health interface {
	Health(ctx context.Context) map[string]string
}

type Deps struct {
	Agent     Agent
	Threads   Threads
	Documents Documents
	Listing   DocumentLister
	Chunks    ChunkSampler
	Health    Health // optional
	Token     string
}

// NewHandler returns the HTTP surface. /health and /metrics are public;
// everything else requires the bearer token when one is configured.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/agent/stream", handleAgentStream(deps))
		r.Get("/agent/ws", handleAgentWS(deps))

		r.Post("/threads", handleCreateThread(deps))
		r.Get("/threads", handleListThreads(deps))
		r.Get("/threads/{id}", handleGetThread(deps))
		r.Delete("/threads/{id}", handleDeleteThread(deps))

		r.Post("/documents", handleUploadDocument(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Delete("/documents/{name}", handleDeleteDocument(deps))
		r.Post("/documents/{name}/reindex", handleReindexDocument(deps))
		r.Get("/vectors", handleVectors(deps))
	})
	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if deps.Health != nil {
			body["components"] = deps.Health.Health(r.Context())
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

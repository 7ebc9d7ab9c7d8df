package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/machinist/internal/ingest"
	"github.com/kalambet/machinist/internal/storage"
)

const maxUploadSize = 20 << 20 // 20MB

type documentJSON struct {
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Chunks      int       `json:"chunks"`
	CreatedAt   time.Time `json:"created_at"`
}

type vectorJSON struct {
	Source           string    `json:"source"`
	ContentPreview   string    `json:"content_preview"`
	EmbeddingPreview []float32 `json:"embedding_preview"`
}

func handleUploadDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart upload: %v", err)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file field is required")
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}

		chunks, err := deps.Documents.Index(r.Context(), header.Filename, header.Header.Get("Content-Type"), data)
		switch {
		case errors.Is(err, ingest.ErrUnsupportedType):
			httpError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "%v", err)
			return
		case errors.Is(err, ingest.ErrEmptyDocument):
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "server_error", "indexing %s: %v", header.Filename, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"status": "indexed",
			"name":   header.Filename,
			"chunks": chunks,
		})
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Listing.ListDocuments(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "listing documents: %v", err)
			return
		}
		out := make([]documentJSON, len(docs))
		for i, d := range docs {
			out[i] = documentJSON{Name: d.Name, ContentType: d.ContentType, Size: d.Size, Chunks: d.Chunks, CreatedAt: d.CreatedAt}
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": out})
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		removed, err := deps.Documents.Delete(r.Context(), name)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document %s not found", name)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "deleting %s: %v", name, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "chunks_removed": removed})
	}
}

func handleReindexDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		jobID, err := deps.Documents.EnqueueReindex(r.Context(), name)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document %s not found", name)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "queueing reindex of %s: %v", name, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "queued"})
	}
}

// handleVectors previews stored chunks for debugging retrieval.
func handleVectors(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 5, 100)
		records, err := deps.Chunks.Sample(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "sampling vectors: %v", err)
			return
		}
		out := make([]vectorJSON, len(records))
		for i, rec := range records {
			emb := rec.Embedding
			if len(emb) > 5 {
				emb = emb[:5]
			}
			out[i] = vectorJSON{Source: rec.Source, ContentPreview: preview(rec.Text, 100), EmbeddingPreview: emb}
		}
		writeJSON(w, http.StatusOK, map[string]any{"vectors": out})
	}
}

func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

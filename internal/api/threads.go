package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/machinist/internal/conversation"
)

type createThreadRequest struct {
	UserID string `json:"user_id"`
}

func handleCreateThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createThreadRequest
		if r.ContentLength != 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
				return
			}
		}
		thread, err := deps.Threads.Create(r.Context(), req.UserID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "creating thread: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{
			"thread_id": thread.ID,
			"title":     thread.Title,
		})
	}
}

func handleListThreads(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		threads, err := deps.Threads.List(r.Context(), r.URL.Query().Get("user_id"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "listing threads: %v", err)
			return
		}
		if threads == nil {
			threads = []conversation.Thread{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
	}
}

func handleGetThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		thread, err := deps.Threads.Get(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, conversation.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "thread not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "loading thread: %v", err)
			return
		}
		if thread.Messages == nil {
			thread.Messages = []conversation.Message{}
		}
		writeJSON(w, http.StatusOK, thread)
	}
}

func handleDeleteThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Threads.Delete(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, conversation.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "thread not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "deleting thread: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

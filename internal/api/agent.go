package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kalambet/machinist/internal/llm"
	"github.com/kalambet/machinist/internal/orchestrator"
	"github.com/kalambet/machinist/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleAgentStream answers one question as newline-delimited JSON events.
// Validation failures are plain HTTP errors; once the first event is sent
// the status is 200 and failures arrive as an error event.
func handleAgentStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req orchestrator.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
			return
		}
		cfg, err := deps.Agent.Prepare(r.Context(), req)
		if err != nil {
			writePrepareError(w, err)
			return
		}

		flusher, _ := w.(http.Flusher)
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		enc := json.NewEncoder(w)
		sink := orchestrator.SinkFunc(func(ev orchestrator.Event) error {
			if err := enc.Encode(ev); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		})
		if err := deps.Agent.Run(r.Context(), req, cfg, sink); err != nil && !errors.Is(err, orchestrator.ErrCancelledByClient) {
			slog.Debug("agent request ended with error", "err", err)
		}
	}
}

func writePrepareError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyQuestion), errors.Is(err, llm.ErrUnknownProvider):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "thread not found")
	default:
		httpError(w, http.StatusInternalServerError, "server_error", "%v", err)
	}
}

// handleAgentWS serves the same event stream over a WebSocket. Requests on
// one connection are answered in order; closing the socket cancels the
// request in flight.
func handleAgentWS(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "err", err)
			return
		}
		ws := &wsConn{conn: conn}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		defer cancel()

		requests := make(chan orchestrator.Request)
		go func() {
			defer cancel()
			defer close(requests)
			for {
				var req orchestrator.Request
				if err := conn.ReadJSON(&req); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						slog.Debug("websocket read error", "err", err)
					}
					return
				}
				select {
				case requests <- req:
				case <-ctx.Done():
					return
				}
			}
		}()

		for req := range requests {
			cfg, err := deps.Agent.Prepare(ctx, req)
			if err != nil {
				if ws.Send(orchestrator.Event{Type: orchestrator.EventError, Content: err.Error()}) != nil {
					return
				}
				continue
			}
			if err := deps.Agent.Run(ctx, req, cfg, ws); errors.Is(err, orchestrator.ErrCancelledByClient) {
				return
			}
		}
	}
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) Send(ev orchestrator.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(ev)
}

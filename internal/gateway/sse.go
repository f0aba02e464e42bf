// ABOUTME: Server-Sent Event and JSON response helpers for the HTTP API
// ABOUTME: Maps service errors to HTTP status codes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/coven-turns/internal/conversation"
	"github.com/2389/coven-turns/internal/response"
	"github.com/2389/coven-turns/internal/statecache"
	"github.com/2389/coven-turns/internal/store"
)

const maxBodyBytes = 1 << 20

var errInvalidJSON = errors.New("invalid JSON body")

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "event", event, "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// sendError maps err to a status code. Server-side failures are logged and
// reported without detail.
func (g *Gateway) sendError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, response.ErrConversationNotFound),
		errors.Is(err, statecache.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, response.ErrApprovalNotFound):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, conversation.ErrEmptyMessage),
		errors.Is(err, response.ErrInvalidRequest),
		errors.Is(err, errInvalidJSON):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrDuplicateConversation):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, statecache.ErrStorageUnavailable),
		errors.Is(err, statecache.ErrClosed):
		g.logger.Warn("storage unavailable", "action", action, "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		g.logger.Error("request failed", "action", action, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errInvalidJSON)
		}
		return fmt.Errorf("%w: %v", errInvalidJSON, err)
	}
	return nil
}

// streamer returns w as a flusher, writing an error response if it cannot stream.
func (g *Gateway) streamer(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
	}
	return flusher, ok
}

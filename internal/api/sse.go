package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/graph-engine/internal/metrics"
	"github.com/flexinfer/mentatlab/services/graph-engine/pkg/types"
)

// heartbeatInterval is how often an idle stream receives a comment line.
var heartbeatInterval = 15 * time.Second

// StreamEvents handles GET /api/v1/sessions/{id}/events
//
// It replays retained events after Last-Event-ID (all of them when the
// header is absent), then streams live events until the session completes
// or is canceled, or the client disconnects.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := mux.Vars(r)["id"]
	startTime := time.Now()
	requestID := GetRequestID(ctx, r)

	if h.history == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "event history not configured", nil)
		return
	}

	state, err := h.svc().States.Get(ctx, sessionID)
	if err != nil {
		h.respondFailure(w, r, "failed to get session", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	// Subscribe before replaying so nothing published in between is lost.
	eventCh, cleanup, err := h.history.Subscribe(ctx, sessionID)
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "failed to subscribe to events", err)
		return
	}
	defer cleanup()

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	logger := h.logger.With(slog.String("session_id", sessionID), slog.String("request_id", requestID))
	logger.Info("SSE connection opened", slog.String("remote_addr", r.RemoteAddr))

	closed := func(reason string) {
		duration := time.Since(startTime)
		metrics.SSEConnectionDuration.Observe(duration.Seconds())
		logger.Info("SSE connection closed", slog.Duration("duration", duration), slog.String("reason", reason))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.writeSSE(w, flusher, &types.Event{
		ID:        "0",
		SessionID: sessionID,
		Type:      types.EventTypeHello,
		Timestamp: time.Now().UTC(),
	})

	last := r.Header.Get("Last-Event-ID")
	replay, err := h.history.EventsSince(ctx, sessionID, last)
	if err != nil {
		logger.Error("failed to get historical events", slog.Any("error", err))
	}
	for _, evt := range replay {
		h.writeSSE(w, flusher, evt)
		last = evt.ID
		if terminal(evt.Type) {
			h.sendStreamEnd(w, flusher, sessionID, evt.Type)
			closed("session_finished")
			return
		}
	}

	// A finished session publishes nothing more.
	state.Bind(h.svc().Registry)
	if state.IsComplete() && len(state.ExecutedHistory) > 0 {
		h.sendStreamEnd(w, flusher, sessionID, types.EventTypeSessionComplete)
		closed("session_finished")
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			closed("client_disconnect")
			return

		case evt, ok := <-eventCh:
			if !ok {
				h.sendStreamEnd(w, flusher, sessionID, "")
				closed("stream_closed")
				return
			}
			// Replayed events may also arrive live; ids are time ordered.
			if last != "" && evt.ID <= last {
				continue
			}
			h.writeSSE(w, flusher, evt)
			last = evt.ID
			if terminal(evt.Type) {
				h.sendStreamEnd(w, flusher, sessionID, evt.Type)
				closed("session_finished")
				return
			}

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

func terminal(t types.EventType) bool {
	return t == types.EventTypeSessionComplete || t == types.EventTypeSessionCanceled
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Debug("failed to write SSE event", slog.Any("error", err))
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Debug("failed to write SSE comment", slog.Any("error", err))
		return
	}
	flusher.Flush()
}

// sendStreamEnd sends the final event of a stream.
func (h *Handlers) sendStreamEnd(w http.ResponseWriter, flusher http.Flusher, sessionID string, cause types.EventType) {
	data, _ := json.Marshal(map[string]any{"cause": cause})
	h.writeSSE(w, flusher, &types.Event{
		ID:        "final",
		SessionID: sessionID,
		Type:      types.EventTypeStreamEnd,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/iconidentify/genqueue/internal/domain"
	"github.com/iconidentify/genqueue/internal/progress"
)

// StreamHandler serves the live event stream over SSE.
type StreamHandler struct {
	bus    *progress.Bus
	logger *slog.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(bus *progress.Bus, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{bus: bus, logger: logger}
}

// Stream handles GET /api/v1/events/stream.
// Server-Sent Events endpoint for real-time event envelopes. The optional
// bulk_job_id query parameter narrows the stream to one bulk job.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	sub := progress.NewChannelSubscriber(32)
	bulkID := domain.BulkJobID(r.URL.Query().Get("bulk_job_id"))
	subID, err := h.bus.Subscribe(bulkID, sub)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "internal_error", "subscriber limit reached")
		return
	}
	defer h.bus.Unsubscribe(subID)

	h.logger.Info("SSE client connected", "subscriber_id", subID, "bulk_job_id", bulkID, "remote_addr", r.RemoteAddr)

	fmt.Fprintf(w, "event: connected\ndata: {\"subscriber_id\": %d}\n\n", subID)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("SSE client disconnected", "subscriber_id", subID)
			return

		case env := <-sub.Events():
			data, err := json.Marshal(env)
			if err != nil {
				h.logger.Error("envelope encode failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, data)
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

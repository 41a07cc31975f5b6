package handler

import (
	"net/http"

	"github.com/parley-ai/conversation-gateway/internal/sink"
	"github.com/parley-ai/conversation-gateway/internal/upstream"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	client *upstream.Client
	nats   *sink.Client
}

// NewHealthHandler creates a new health handler. nats may be nil when the
// turn archive is disabled.
func NewHealthHandler(client *upstream.Client, nats *sink.Client) *HealthHandler {
	return &HealthHandler{client: client, nats: nats}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":           "healthy",
		"upstream_version": h.client.RemoteVersion(),
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.nats != nil && !h.nats.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/parley-ai/conversation-gateway/internal/middleware"
	"github.com/parley-ai/conversation-gateway/internal/orchestrator"
	"github.com/parley-ai/conversation-gateway/internal/session"
	"github.com/parley-ai/conversation-gateway/internal/upstream"
	"github.com/parley-ai/conversation-gateway/pkg/logger"
	"github.com/parley-ai/conversation-gateway/pkg/metrics"
)

// ChatHandler handles turn submission, cancellation and suggestions.
type ChatHandler struct {
	registry *orchestrator.Registry
	logger   *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(registry *orchestrator.Registry, log *logger.Logger) *ChatHandler {
	return &ChatHandler{registry: registry, logger: log}
}

// SendMessageRequest is the body for submitting one turn.
type SendMessageRequest struct {
	Query  string                    `json:"query"`
	Inputs map[string]any            `json:"inputs,omitempty"`
	Files  []upstream.FileAttachment `json:"files,omitempty"`
}

// Send handles POST /api/v1/chat/{id}/messages
//
// The submitted turn is relayed back as an SSE sequence of turn snapshots
// until the turn reaches a terminal status. Closing the response does not
// cancel the turn; cancellation is the explicit Stop endpoint.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateQuery(req.Query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orch := h.registry.ForUser(user)

	updates, stopWatch, err := orch.Watch(conversationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	defer stopWatch()

	turnID, err := orch.Submit(conversationID, req.Query, req.Files, req.Inputs)
	if err != nil {
		var validation *orchestrator.ValidationError
		var concurrent *orchestrator.ConcurrentTurnError
		switch {
		case errors.As(err, &validation):
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":          "required fields missing",
				"missing_fields": validation.Fields,
			})
		case errors.As(err, &concurrent):
			writeError(w, http.StatusConflict, "a turn is already streaming in this conversation")
		case errors.Is(err, orchestrator.ErrUnknownConversation):
			writeError(w, http.StatusNotFound, "conversation not found")
		default:
			h.logger.Error("submit failed", "conversation_id", conversationID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to submit message")
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	// The heartbeat doubles as a fallback terminal check in case the
	// watcher buffer dropped the final snapshot.
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", "conversation_id", conversationID)
			return

		case update := <-updates:
			if update.Turn.ID != turnID {
				continue
			}
			sendSSEEvent(w, flusher, "turn", update)
			if update.Turn.Status.Terminal() {
				sendDone(w, flusher, update)
				return
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", map[string]int64{
				"ts": time.Now().Unix(),
			})
			if turn, ok := findTurn(orch, conversationID, turnID); ok && turn.Status.Terminal() {
				update := orchestrator.Update{
					ConversationID: conversationID,
					Turn:           turn,
				}
				sendSSEEvent(w, flusher, "turn", update)
				sendDone(w, flusher, update)
				return
			}
		}
	}
}

// Stop handles POST /api/v1/chat/{id}/stop
func (h *ChatHandler) Stop(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserID(r.Context())
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.registry.ForUser(user).Cancel(conversationID)
	w.WriteHeader(http.StatusNoContent)
}

// Parameters handles GET /api/v1/parameters
//
// Clients render the input form and the follow-up suggestion toggle from
// this; it is the configuration fetched from the upstream at startup.
func (h *ChatHandler) Parameters(w http.ResponseWriter, r *http.Request) {
	params := h.registry.Params()
	if params.UserInputForm == nil {
		params.UserInputForm = []upstream.UserInputFormItem{}
	}
	writeJSON(w, http.StatusOK, params)
}

// Suggested handles GET /api/v1/chat/{id}/suggested
func (h *ChatHandler) Suggested(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserID(r.Context())

	data := h.registry.ForUser(user).Suggestions()
	if data == nil {
		data = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

// sendDone closes the relay with the terminal status and the conversation's
// current id, which clients use to learn the server-assigned id after
// promotion.
func sendDone(w http.ResponseWriter, flusher http.Flusher, update orchestrator.Update) {
	sendSSEEvent(w, flusher, "done", map[string]string{
		"status":          string(update.Turn.Status),
		"conversation_id": update.ConversationID,
	})
}

func findTurn(orch *orchestrator.Orchestrator, conversationID, turnID string) (session.Turn, bool) {
	turns, err := orch.Transcript(conversationID)
	if err != nil {
		return session.Turn{}, false
	}
	for i := range turns {
		if turns[i].ID == turnID {
			return turns[i], true
		}
	}
	return session.Turn{}, false
}

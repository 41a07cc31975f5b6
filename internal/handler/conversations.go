package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parley-ai/conversation-gateway/internal/middleware"
	"github.com/parley-ai/conversation-gateway/internal/model"
	"github.com/parley-ai/conversation-gateway/internal/orchestrator"
	"github.com/parley-ai/conversation-gateway/internal/session"
	"github.com/parley-ai/conversation-gateway/internal/upstream"
	"github.com/parley-ai/conversation-gateway/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	registry *orchestrator.Registry
	logger   *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(registry *orchestrator.Registry, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{registry: registry, logger: log}
}

// CreateConversationRequest is the body for starting a new chat.
type CreateConversationRequest struct {
	Name string `json:"name,omitempty"`
}

// Create handles POST /api/v1/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserID(r.Context())

	var req CreateConversationRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := middleware.ValidateName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := h.registry.ForUser(user).NewConversation(req.Name)

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":   id,
		"name": req.Name,
	})
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := middleware.GetUserID(ctx)

	entries, err := h.registry.ForUser(user).RefreshConversations(ctx)
	if err != nil {
		h.logger.Error("failed to refresh conversations", "user", user, "error", err)
		writeUpstreamError(w, err, "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}

// RenameConversationRequest is the body for renaming a conversation.
type RenameConversationRequest struct {
	Name string `json:"name"`
}

// Rename handles POST /api/v1/conversations/{id}/name
func (h *ConversationHandler) Rename(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req RenameConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.registry.ForUser(user).RenameConversation(ctx, conversationID, req.Name); err != nil {
		if errors.Is(err, orchestrator.ErrUnknownConversation) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeUpstreamError(w, err, "failed to rename conversation")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":   conversationID,
		"name": req.Name,
	})
}

// Delete handles DELETE /api/v1/conversations/{id}
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.registry.ForUser(user).DeleteConversation(ctx, conversationID); err != nil {
		if errors.Is(err, orchestrator.ErrUnknownConversation) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeUpstreamError(w, err, "failed to delete conversation")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// transcriptTurn is the render-ready shape of one turn.
type transcriptTurn struct {
	ID            string                    `json:"id"`
	MessageID     string                    `json:"message_id,omitempty"`
	Query         string                    `json:"query"`
	Answer        string                    `json:"answer"`
	Status        model.TurnStatus          `json:"status"`
	Error         string                    `json:"error,omitempty"`
	Files         []model.File              `json:"files,omitempty"`
	WorkflowNodes []model.WorkflowNode      `json:"workflow_nodes,omitempty"`
	AgentThoughts []model.AgentThought      `json:"agent_thoughts,omitempty"`
	Resources     []model.RetrieverResource `json:"retriever_resources,omitempty"`
	Feedback      *model.Feedback           `json:"feedback,omitempty"`
	CreatedAt     string                    `json:"created_at"`
}

// Messages handles GET /api/v1/conversations/{id}/messages
//
// Navigating to a conversation selects it: late events from a previously
// watched stream stop mutating anything the UI renders.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orch := h.registry.ForUser(user)

	if err := orch.SelectConversation(conversationID); err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if !session.IsTempID(conversationID) {
		if err := orch.LoadHistory(ctx, conversationID); err != nil {
			var concurrent *orchestrator.ConcurrentTurnError
			if !errors.As(err, &concurrent) {
				h.logger.Error("failed to load history", "conversation_id", conversationID, "error", err)
				writeUpstreamError(w, err, "failed to load history")
				return
			}
			// A streaming turn keeps the in-memory transcript
			// authoritative; serve it as is.
		}
	}

	turns, err := orch.Transcript(conversationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	out := make([]transcriptTurn, 0, len(turns))
	for i := range turns {
		t := &turns[i]
		out = append(out, transcriptTurn{
			ID:            t.ID,
			MessageID:     t.MessageID,
			Query:         t.Query,
			Answer:        t.Answer,
			Status:        t.Status,
			Error:         t.ErrorMessage,
			Files:         t.Files,
			WorkflowNodes: t.WorkflowNodes,
			AgentThoughts: t.Thoughts,
			Resources:     t.Resources,
			Feedback:      t.Feedback,
			CreatedAt:     model.Timestamp(t.CreatedAt.Unix()),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

// writeUpstreamError maps upstream failures to a gateway response,
// forwarding the server-provided message when there is one.
func writeUpstreamError(w http.ResponseWriter, err error, fallback string) {
	var remote *upstream.RemoteAPIError
	if errors.As(err, &remote) {
		msg := remote.Message()
		if msg == "" {
			msg = fallback
		}
		status := remote.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		writeError(w, status, msg)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, fallback)
		return
	}
	writeError(w, http.StatusBadGateway, fallback)
}

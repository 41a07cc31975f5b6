package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parley-ai/conversation-gateway/internal/middleware"
	"github.com/parley-ai/conversation-gateway/internal/model"
	"github.com/parley-ai/conversation-gateway/internal/orchestrator"
	"github.com/parley-ai/conversation-gateway/internal/upstream"
	"github.com/parley-ai/conversation-gateway/pkg/logger"
)

// maxUploadSize caps uploaded files at 50MB.
const maxUploadSize = 50 << 20

// FileHandler handles file upload and feedback proxy endpoints.
type FileHandler struct {
	client   *upstream.Client
	registry *orchestrator.Registry
	logger   *logger.Logger
}

// NewFileHandler creates a new file handler.
func NewFileHandler(client *upstream.Client, registry *orchestrator.Registry, log *logger.Logger) *FileHandler {
	return &FileHandler{client: client, registry: registry, logger: log}
}

// Upload handles POST /api/v1/files/upload
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := middleware.GetUserID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	uploaded, err := h.client.UploadFile(ctx, header.Filename, file, user)
	if err != nil {
		h.logger.Error("file upload failed", "filename", header.Filename, "error", err)
		writeUpstreamError(w, err, "failed to upload file")
		return
	}

	writeJSON(w, http.StatusCreated, uploaded)
}

// FeedbackRequest is the body for rating a message.
type FeedbackRequest struct {
	Rating  model.FeedbackRating `json:"rating"`
	Content string               `json:"content,omitempty"`
}

// Feedback handles POST /api/v1/messages/{id}/feedbacks
func (h *FileHandler) Feedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := middleware.GetUserID(ctx)
	messageID := chi.URLParam(r, "id")

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Rating != model.FeedbackLike && req.Rating != model.FeedbackDislike {
		writeError(w, http.StatusBadRequest, "rating must be like or dislike")
		return
	}

	if err := h.registry.ForUser(user).SubmitFeedback(ctx, messageID, req.Rating, req.Content); err != nil {
		h.logger.Warn("feedback submission failed", "message_id", messageID, "error", err)
		writeUpstreamError(w, err, "failed to submit feedback")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/conversation-gateway/internal/upstream"
	"github.com/parley-ai/conversation-gateway/pkg/logger"
)

func conversationsRouter(h *ConversationHandler, user string) http.Handler {
	r := chi.NewRouter()
	r.Use(userContext(user))
	r.Post("/api/v1/conversations", h.Create)
	r.Get("/api/v1/conversations", h.List)
	r.Post("/api/v1/conversations/{id}/name", h.Rename)
	r.Delete("/api/v1/conversations/{id}", h.Delete)
	r.Get("/api/v1/conversations/{id}/messages", h.Messages)
	return r
}

func TestCreateConversationReturnsTemporaryID(t *testing.T) {
	registry := testRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no upstream call expected")
	}, upstream.AppParameters{})
	h := NewConversationHandler(registry, logger.NewNop())
	router := conversationsRouter(h, "u1")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations",
		strings.NewReader(`{"name":"my chat"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp["id"], "temp_"))
	assert.Equal(t, "my chat", resp["name"])
}

func TestListConversationsRefreshesFromUpstream(t *testing.T) {
	registry := testRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"data":[{"id":"conv_1","name":"first"},{"id":"conv_2","name":"second"}]}`))
	}, upstream.AppParameters{})
	h := NewConversationHandler(registry, logger.NewNop())
	router := conversationsRouter(h, "u1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"conv_1"`)
	assert.Contains(t, rec.Body.String(), `"name":"second"`)
}

func TestMessagesLoadsPersistedHistory(t *testing.T) {
	registry := testRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/conversations":
			w.Write([]byte(`{"data":[{"id":"conv_1","name":"first"}]}`))
		case r.URL.Path == "/messages":
			assert.Equal(t, "conv_1", r.URL.Query().Get("conversation_id"))
			w.Write([]byte(`{"data":[
				{"id":"msg_1","query":"q1","answer":"a1","status":"normal","created_at":100},
				{"id":"msg_2","query":"q2","answer":"","status":"error","error":"boom","created_at":110}
			]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}, upstream.AppParameters{})
	h := NewConversationHandler(registry, logger.NewNop())
	router := conversationsRouter(h, "u1")

	// The orchestrator learns about conv_1 from the authoritative list.
	_, err := registry.ForUser("u1").RefreshConversations(context.Background())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/conv_1/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []transcriptTurn `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "q1", resp.Data[0].Query)
	assert.Equal(t, "a1", resp.Data[0].Answer)
	assert.Equal(t, "success", string(resp.Data[0].Status))
	assert.Equal(t, "error", string(resp.Data[1].Status))
	assert.Equal(t, "boom", resp.Data[1].Error)
	assert.NotEmpty(t, resp.Data[0].CreatedAt)
}

func TestMessagesTemporaryConversationSkipsUpstream(t *testing.T) {
	registry := testRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no upstream call expected")
	}, upstream.AppParameters{})
	h := NewConversationHandler(registry, logger.NewNop())
	router := conversationsRouter(h, "u1")

	convID := registry.ForUser("u1").NewConversation("")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/"+convID+"/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[]}`, rec.Body.String())
}

func TestMessagesUnknownConversation(t *testing.T) {
	registry := testRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no upstream call expected")
	}, upstream.AppParameters{})
	h := NewConversationHandler(registry, logger.NewNop())
	router := conversationsRouter(h, "u1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/conv_missing/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRenameConversationNotFound(t *testing.T) {
	registry := testRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no upstream call expected")
	}, upstream.AppParameters{})
	h := NewConversationHandler(registry, logger.NewNop())
	router := conversationsRouter(h, "u1")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/conv_missing/name",
		strings.NewReader(`{"name":"renamed"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteTemporaryConversation(t *testing.T) {
	registry := testRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no upstream call expected")
	}, upstream.AppParameters{})
	h := NewConversationHandler(registry, logger.NewNop())
	router := conversationsRouter(h, "u1")

	convID := registry.ForUser("u1").NewConversation("")

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/conversations/"+convID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, registry.ForUser("u1").Conversations())
}

package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/parley-ai/conversation-gateway/internal/model"
	"github.com/parley-ai/conversation-gateway/internal/session"
)

const (
	// StreamName is the name of the turn archive stream.
	StreamName = "CHAT_TURNS"

	// SubjectPrefix is the prefix for all archive subjects.
	SubjectPrefix = "chat"
)

// Archiver publishes completed turns to the archive stream.
type Archiver struct {
	client *Client
}

// NewArchiver creates an archiver over a connected client.
func NewArchiver(client *Client) *Archiver {
	return &Archiver{client: client}
}

// EnsureStream ensures the archive stream exists.
func (a *Archiver) EnsureStream(ctx context.Context) error {
	js := a.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Completed chat turns",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// TurnSubject returns the subject a turn is archived under.
func TurnSubject(user, conversationID string, status model.TurnStatus) string {
	return fmt.Sprintf("%s.%s.%s.%s", SubjectPrefix, user, conversationID, status)
}

// archivedTurn is the archive record for one completed turn.
type archivedTurn struct {
	User           string                    `json:"user"`
	ConversationID string                    `json:"conversation_id"`
	TurnID         string                    `json:"turn_id"`
	MessageID      string                    `json:"message_id,omitempty"`
	Query          string                    `json:"query"`
	Answer         string                    `json:"answer"`
	Status         model.TurnStatus          `json:"status"`
	Error          string                    `json:"error,omitempty"`
	Files          []model.File              `json:"files,omitempty"`
	WorkflowNodes  []model.WorkflowNode      `json:"workflow_nodes,omitempty"`
	Thoughts       []model.AgentThought      `json:"agent_thoughts,omitempty"`
	Resources      []model.RetrieverResource `json:"retriever_resources,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	ArchivedAt     time.Time                 `json:"archived_at"`
}

// ArchiveTurn publishes one completed turn.
func (a *Archiver) ArchiveTurn(ctx context.Context, user, conversationID string, turn session.Turn) error {
	record := archivedTurn{
		User:           user,
		ConversationID: conversationID,
		TurnID:         turn.ID,
		MessageID:      turn.MessageID,
		Query:          turn.Query,
		Answer:         turn.Answer,
		Status:         turn.Status,
		Error:          turn.ErrorMessage,
		Files:          turn.Files,
		WorkflowNodes:  turn.WorkflowNodes,
		Thoughts:       turn.Thoughts,
		Resources:      turn.Resources,
		CreatedAt:      turn.CreatedAt,
		ArchivedAt:     time.Now(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	subject := TurnSubject(user, conversationID, turn.Status)
	if _, err := a.client.JetStream().Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish turn: %w", err)
	}
	return nil
}

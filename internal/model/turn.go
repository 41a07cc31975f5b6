// Package model defines data structures shared across the gateway.
package model

import (
	"time"
)

// Role represents the originating role of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnStatus is the lifecycle status of a turn.
type TurnStatus string

const (
	// StatusPending is set at submit time, before the first byte arrives.
	StatusPending TurnStatus = "pending"
	// StatusStreaming is set on the first decoded event.
	StatusStreaming TurnStatus = "streaming"
	// StatusSuccess is set on a received end event.
	StatusSuccess TurnStatus = "success"
	// StatusError is set on a received error event or transport failure.
	StatusError TurnStatus = "error"
	// StatusStopped is set when the consumer explicitly cancels.
	StatusStopped TurnStatus = "stopped"
)

// Terminal reports whether the status is a terminal state.
func (s TurnStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusStopped
}

// NodeStatus is the execution status of a workflow node.
type NodeStatus string

const (
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
)

// WorkflowNode is one step of a workflow execution, reported incrementally
// during a turn. Updates for the same node id replace the entry in place.
type WorkflowNode struct {
	ID          string         `json:"id"`
	NodeType    string         `json:"node_type"`
	Title       string         `json:"title"`
	Status      NodeStatus     `json:"status"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	ElapsedSecs float64        `json:"elapsed_time,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   int64          `json:"created_at,omitempty"`
}

// AgentThought is a discrete reasoning/tool-invocation step reported by the
// assistant during a turn.
type AgentThought struct {
	ID          string   `json:"id"`
	Position    int      `json:"position"`
	Thought     string   `json:"thought"`
	Tool        string   `json:"tool,omitempty"`
	ToolInput   string   `json:"tool_input,omitempty"`
	Observation string   `json:"observation,omitempty"`
	Files       []string `json:"message_files,omitempty"`
	CreatedAt   int64    `json:"created_at,omitempty"`
}

// File is a file attached to a turn, either uploaded by the user or
// produced by the assistant.
type File struct {
	ID             string `json:"id"`
	Name           string `json:"filename,omitempty"`
	Type           string `json:"type,omitempty"`
	MimeType       string `json:"mime_type,omitempty"`
	Size           int64  `json:"size,omitempty"`
	TransferMethod string `json:"transfer_method,omitempty"`
	URL            string `json:"url,omitempty"`
	BelongsTo      string `json:"belongs_to,omitempty"`
}

// RetrieverResource is a retrieved knowledge reference attached to a turn.
type RetrieverResource struct {
	Position     int     `json:"position"`
	DatasetID    string  `json:"dataset_id"`
	DatasetName  string  `json:"dataset_name"`
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	Content      string  `json:"content"`
	Score        float64 `json:"score,omitempty"`
}

// FeedbackRating is a like/dislike rating on a turn.
type FeedbackRating string

const (
	FeedbackLike    FeedbackRating = "like"
	FeedbackDislike FeedbackRating = "dislike"
)

// Feedback is user feedback on an assistant answer.
type Feedback struct {
	Rating  FeedbackRating `json:"rating"`
	Content string         `json:"content,omitempty"`
}

// Timestamp formats a unix-seconds timestamp the way the transcript
// renders creation times.
func Timestamp(unixSecs int64) string {
	if unixSecs == 0 {
		return ""
	}
	return time.Unix(unixSecs, 0).Format("2006-01-02 15:04:05")
}

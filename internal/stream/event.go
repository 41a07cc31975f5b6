// Package stream decodes the upstream chat event stream into typed events.
//
// The wire format is a sequence of newline-delimited JSON envelopes, each
// carrying an "event" discriminator. The upstream may frame records as
// server-sent events; "data: " prefixes, comment lines and blank lines are
// tolerated and stripped.
package stream

import (
	"fmt"

	"github.com/parley-ai/conversation-gateway/internal/model"
)

// Kind discriminates decoded events.
type Kind string

const (
	// KindDelta carries an incremental piece of answer text.
	KindDelta Kind = "delta"
	// KindWorkflowNode carries a workflow node start/update/finish.
	KindWorkflowNode Kind = "workflow_node"
	// KindFile carries a file attached to the turn by the assistant.
	KindFile Kind = "file"
	// KindAgentThought carries one reasoning/tool-call step.
	KindAgentThought Kind = "agent_thought"
	// KindError carries a server error or a local decode failure.
	KindError Kind = "error"
	// KindEnd marks the normal end of the answer.
	KindEnd Kind = "end"
)

// Event is one decoded protocol record. Events are ephemeral: they are owned
// by the decoder until folded into a turn and are not retained afterwards.
type Event struct {
	Kind Kind

	// Stream metadata, present on most record types.
	ConversationID string
	MessageID      string
	TaskID         string

	// Payload, populated according to Kind.
	Text      string
	Node      *model.WorkflowNode
	File      *model.File
	Thought   *model.AgentThought
	Resources []model.RetrieverResource
	Err       error
}

// DecodeError reports a single malformed protocol record. It is recoverable:
// the decoder skips the record and continues with the next one.
type DecodeError struct {
	Record string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed stream record: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// RemoteError reports an error event sent by the upstream. It terminates
// the turn it belongs to.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("upstream error %s (status %d)", e.Code, e.Status)
}

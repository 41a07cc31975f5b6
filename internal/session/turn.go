package session

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/conversation-gateway/internal/model"
	"github.com/parley-ai/conversation-gateway/internal/stream"
)

// Turn is one user message paired with the assistant's response to it. A
// turn is mutated exclusively by Apply during its own streaming window;
// once terminal it never changes again.
type Turn struct {
	// ID is the client-generated turn id; MessageID is the
	// server-assigned message id, learned from the first stream event.
	ID        string `json:"id"`
	MessageID string `json:"message_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`

	Query  string           `json:"query"`
	Answer string           `json:"answer"`
	Status model.TurnStatus `json:"status"`

	Files         []model.File              `json:"files,omitempty"`
	WorkflowNodes []model.WorkflowNode      `json:"workflow_nodes,omitempty"`
	Thoughts      []model.AgentThought      `json:"agent_thoughts,omitempty"`
	Resources     []model.RetrieverResource `json:"retriever_resources,omitempty"`
	Feedback      *model.Feedback           `json:"feedback,omitempty"`

	ErrorMessage string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewTurn creates a pending turn for a submitted query.
func NewTurn(query string, files []model.File) *Turn {
	return &Turn{
		ID:        uuid.NewString(),
		Query:     query,
		Status:    model.StatusPending,
		Files:     append([]model.File(nil), files...),
		CreatedAt: time.Now(),
	}
}

// Terminal reports whether the turn has reached a terminal status.
func (t *Turn) Terminal() bool {
	return t.Status.Terminal()
}

// Apply folds one decoded event into the turn. It is a no-op when the turn
// is already terminal, which guards against straggler events arriving after
// cancellation or completion. Decode failures are not applied here; the
// orchestrator filters them out before calling Apply.
func (t *Turn) Apply(ev stream.Event) {
	if t.Terminal() {
		return
	}
	if t.Status == model.StatusPending {
		t.Status = model.StatusStreaming
	}
	if t.MessageID == "" && ev.MessageID != "" {
		t.MessageID = ev.MessageID
	}
	if t.TaskID == "" && ev.TaskID != "" {
		t.TaskID = ev.TaskID
	}

	switch ev.Kind {
	case stream.KindDelta:
		// Append-only: previously rendered content is never altered.
		t.Answer += ev.Text

	case stream.KindWorkflowNode:
		t.upsertNode(*ev.Node)

	case stream.KindAgentThought:
		t.Thoughts = append(t.Thoughts, *ev.Thought)

	case stream.KindFile:
		t.Files = append(t.Files, *ev.File)

	case stream.KindError:
		// Terminal but non-destructive: partial content accumulated
		// before the error stays on the turn.
		t.Status = model.StatusError
		t.ErrorMessage = errorMessage(ev.Err)

	case stream.KindEnd:
		t.Resources = append(t.Resources, ev.Resources...)
		t.Status = model.StatusSuccess
	}
}

// MarkStopped transitions a non-terminal turn to stopped. The partial
// answer accumulated so far is kept.
func (t *Turn) MarkStopped() {
	if !t.Terminal() {
		t.Status = model.StatusStopped
	}
}

// MarkError transitions a non-terminal turn to error with the given message.
func (t *Turn) MarkError(msg string) {
	if !t.Terminal() {
		t.Status = model.StatusError
		t.ErrorMessage = msg
	}
}

// upsertNode updates a node in place when its id is already present,
// preserving order of first appearance; otherwise it appends.
func (t *Turn) upsertNode(node model.WorkflowNode) {
	for i := range t.WorkflowNodes {
		if t.WorkflowNodes[i].ID == node.ID {
			t.WorkflowNodes[i] = node
			return
		}
	}
	t.WorkflowNodes = append(t.WorkflowNodes, node)
}

// Clone returns a deep snapshot of the turn, safe to hand to readers while
// the original keeps streaming.
func (t *Turn) Clone() Turn {
	out := *t
	out.Files = append([]model.File(nil), t.Files...)
	out.WorkflowNodes = append([]model.WorkflowNode(nil), t.WorkflowNodes...)
	out.Thoughts = append([]model.AgentThought(nil), t.Thoughts...)
	out.Resources = append([]model.RetrieverResource(nil), t.Resources...)
	if t.Feedback != nil {
		fb := *t.Feedback
		out.Feedback = &fb
	}
	return out
}

func errorMessage(err error) string {
	if err == nil {
		return "the assistant failed to respond"
	}
	var remote *stream.RemoteError
	if errors.As(err, &remote) {
		return remote.Error()
	}
	return err.Error()
}

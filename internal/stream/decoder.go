package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/parley-ai/conversation-gateway/internal/model"
)

// maxRecordSize bounds a single protocol record. Node inputs/outputs can be
// large, so this is generous.
const maxRecordSize = 4 * 1024 * 1024

// envelope is the superset of fields across all record types. The "event"
// discriminator decides which ones are meaningful.
type envelope struct {
	Event          string `json:"event"`
	TaskID         string `json:"task_id"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	ID             string `json:"id"`
	CreatedAt      int64  `json:"created_at"`

	// message / agent_message
	Answer string `json:"answer"`

	// node_started / node_finished
	Data json.RawMessage `json:"data"`

	// agent_thought
	Thought     string   `json:"thought"`
	Position    int      `json:"position"`
	Tool        string   `json:"tool"`
	ToolInput   string   `json:"tool_input"`
	Observation string   `json:"observation"`
	Files       []string `json:"message_files"`

	// message_file
	Type           string `json:"type"`
	URL            string `json:"url"`
	BelongsTo      string `json:"belongs_to"`
	TransferMethod string `json:"transfer_method"`

	// error
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`

	// message_end
	Metadata *endMetadata `json:"metadata"`
}

type endMetadata struct {
	RetrieverResources []model.RetrieverResource `json:"retriever_resources"`
}

type nodePayload struct {
	ID          string         `json:"id"`
	NodeID      string         `json:"node_id"`
	NodeType    string         `json:"node_type"`
	Title       string         `json:"title"`
	Status      string         `json:"status"`
	Inputs      map[string]any `json:"inputs"`
	Outputs     map[string]any `json:"outputs"`
	ElapsedTime float64        `json:"elapsed_time"`
	Error       string         `json:"error"`
	CreatedAt   int64          `json:"created_at"`
}

// Decoder converts a raw chunk sequence into typed events. It is a lazy,
// single-consumer sequence: Next blocks on the underlying reader until a
// full record has been assembled.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder over the raw stream body. A record never
// aligns with a transport chunk boundary; the scanner buffers partial
// records until the terminating newline arrives.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxRecordSize)
	return &Decoder{scanner: sc}
}

// Next returns the next decoded event. It returns io.EOF when the underlying
// stream ends; no end event is synthesized. Unknown record types are skipped.
// A malformed record yields a KindError event wrapping *DecodeError and
// decoding continues afterwards.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// SSE framing: strip the data prefix, ignore other fields.
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			line = bytes.TrimSpace(rest)
		} else if line[0] != '{' {
			continue
		}
		if len(line) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return Event{
				Kind: KindError,
				Err:  &DecodeError{Record: string(line), Err: err},
			}, nil
		}

		ev, ok := d.translate(&env)
		if !ok {
			continue
		}
		return ev, nil
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

func (d *Decoder) translate(env *envelope) (Event, bool) {
	ev := Event{
		ConversationID: env.ConversationID,
		MessageID:      env.MessageID,
		TaskID:         env.TaskID,
	}
	if ev.MessageID == "" {
		ev.MessageID = env.ID
	}

	switch env.Event {
	case "message", "agent_message":
		ev.Kind = KindDelta
		ev.Text = env.Answer

	case "agent_thought":
		ev.Kind = KindAgentThought
		ev.Thought = &model.AgentThought{
			ID:          env.ID,
			Position:    env.Position,
			Thought:     env.Thought,
			Tool:        env.Tool,
			ToolInput:   env.ToolInput,
			Observation: env.Observation,
			Files:       env.Files,
			CreatedAt:   env.CreatedAt,
		}

	case "message_file":
		ev.Kind = KindFile
		ev.File = &model.File{
			ID:             env.ID,
			Type:           env.Type,
			URL:            env.URL,
			BelongsTo:      env.BelongsTo,
			TransferMethod: env.TransferMethod,
		}

	case "node_started", "node_finished":
		var payload nodePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			ev.Kind = KindError
			ev.Err = &DecodeError{Record: string(env.Data), Err: err}
			return ev, true
		}
		ev.Kind = KindWorkflowNode
		ev.Node = &model.WorkflowNode{
			ID:          payload.NodeID,
			NodeType:    payload.NodeType,
			Title:       payload.Title,
			Status:      nodeStatus(env.Event, payload),
			Inputs:      payload.Inputs,
			Outputs:     payload.Outputs,
			ElapsedSecs: payload.ElapsedTime,
			Error:       payload.Error,
			CreatedAt:   payload.CreatedAt,
		}
		if ev.Node.ID == "" {
			ev.Node.ID = payload.ID
		}

	case "message_end":
		ev.Kind = KindEnd
		if env.Metadata != nil {
			ev.Resources = env.Metadata.RetrieverResources
		}

	case "error":
		ev.Kind = KindError
		ev.Err = &RemoteError{
			Status:  env.Status,
			Code:    env.Code,
			Message: env.Message,
		}

	default:
		// Forward compatibility: unknown discriminators (ping,
		// workflow_started, tts chunks, ...) are skipped.
		return Event{}, false
	}

	return ev, true
}

func nodeStatus(event string, payload nodePayload) model.NodeStatus {
	if event == "node_started" {
		return model.NodeRunning
	}
	switch payload.Status {
	case "succeeded":
		return model.NodeSucceeded
	case "failed":
		return model.NodeFailed
	case "running":
		return model.NodeRunning
	default:
		if payload.Error != "" {
			return model.NodeFailed
		}
		return model.NodeSucceeded
	}
}

package stream

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/conversation-gateway/internal/model"
)

// chunkReader feeds one predefined chunk per Read call, so record
// boundaries never align with chunk boundaries unless the test says so.
type chunkReader struct {
	chunks []string
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func collect(t *testing.T, d *Decoder) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := d.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestDecoderReassemblesRecordAcrossChunks(t *testing.T) {
	d := NewDecoder(&chunkReader{chunks: []string{
		`{"event":"message","answer":"ab`,
		"c\"}\n",
	}})

	events := collect(t, d)
	require.Len(t, events, 1)
	assert.Equal(t, KindDelta, events[0].Kind)
	assert.Equal(t, "abc", events[0].Text)
}

func TestDecoderDeltaCarriesStreamMetadata(t *testing.T) {
	d := NewDecoder(strings.NewReader(
		`{"event":"message","answer":"Hi","conversation_id":"conv_42","message_id":"msg_1","task_id":"task_9"}` + "\n",
	))

	events := collect(t, d)
	require.Len(t, events, 1)
	assert.Equal(t, "conv_42", events[0].ConversationID)
	assert.Equal(t, "msg_1", events[0].MessageID)
	assert.Equal(t, "task_9", events[0].TaskID)
}

func TestDecoderStripsSSEFraming(t *testing.T) {
	input := "event: message\n" +
		"data: {\"event\":\"message\",\"answer\":\"Hi\"}\n" +
		"\n" +
		"data: {\"event\":\"message_end\"}\n\n"

	events := collect(t, NewDecoder(strings.NewReader(input)))
	require.Len(t, events, 2)
	assert.Equal(t, KindDelta, events[0].Kind)
	assert.Equal(t, "Hi", events[0].Text)
	assert.Equal(t, KindEnd, events[1].Kind)
}

func TestDecoderSkipsUnknownEvents(t *testing.T) {
	input := `{"event":"ping"}
{"event":"workflow_started","task_id":"t1"}
{"event":"message","answer":"ok"}
{"event":"tts_message_end"}
`
	events := collect(t, NewDecoder(strings.NewReader(input)))
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].Text)
}

func TestDecoderRecoversFromMalformedRecord(t *testing.T) {
	input := `{"event":"message","answer":"a"}
{not json at all
{"event":"message","answer":"b"}
`
	events := collect(t, NewDecoder(strings.NewReader(input)))
	require.Len(t, events, 3)

	assert.Equal(t, "a", events[0].Text)

	assert.Equal(t, KindError, events[1].Kind)
	var decodeErr *DecodeError
	require.True(t, errors.As(events[1].Err, &decodeErr))

	assert.Equal(t, "b", events[2].Text)
}

func TestDecoderWorkflowNodeEvents(t *testing.T) {
	input := `{"event":"node_started","task_id":"t1","data":{"node_id":"n1","node_type":"llm","title":"Generate","created_at":1700000000}}
{"event":"node_finished","data":{"node_id":"n1","node_type":"llm","title":"Generate","status":"succeeded","elapsed_time":1.5,"outputs":{"text":"done"}}}
`
	events := collect(t, NewDecoder(strings.NewReader(input)))
	require.Len(t, events, 2)

	require.NotNil(t, events[0].Node)
	assert.Equal(t, "n1", events[0].Node.ID)
	assert.Equal(t, model.NodeRunning, events[0].Node.Status)

	require.NotNil(t, events[1].Node)
	assert.Equal(t, model.NodeSucceeded, events[1].Node.Status)
	assert.Equal(t, 1.5, events[1].Node.ElapsedSecs)
	assert.Equal(t, "done", events[1].Node.Outputs["text"])
}

func TestDecoderAgentThoughtAndFile(t *testing.T) {
	input := `{"event":"agent_thought","id":"th1","position":1,"thought":"looking it up","tool":"search","tool_input":"{\"q\":\"x\"}"}
{"event":"message_file","id":"f1","type":"image","url":"/files/f1","belongs_to":"assistant"}
`
	events := collect(t, NewDecoder(strings.NewReader(input)))
	require.Len(t, events, 2)

	require.NotNil(t, events[0].Thought)
	assert.Equal(t, "looking it up", events[0].Thought.Thought)
	assert.Equal(t, "search", events[0].Thought.Tool)

	require.NotNil(t, events[1].File)
	assert.Equal(t, "f1", events[1].File.ID)
	assert.Equal(t, "assistant", events[1].File.BelongsTo)
}

func TestDecoderErrorEvent(t *testing.T) {
	input := `{"event":"error","status":400,"code":"invalid_param","message":"query is required"}` + "\n"

	events := collect(t, NewDecoder(strings.NewReader(input)))
	require.Len(t, events, 1)
	assert.Equal(t, KindError, events[0].Kind)

	var remote *RemoteError
	require.True(t, errors.As(events[0].Err, &remote))
	assert.Equal(t, 400, remote.Status)
	assert.Equal(t, "query is required", remote.Error())
}

func TestDecoderEndEventWithResources(t *testing.T) {
	input := `{"event":"message_end","message_id":"msg_1","metadata":{"retriever_resources":[{"position":1,"dataset_name":"kb","document_name":"doc.md","content":"snippet"}]}}` + "\n"

	events := collect(t, NewDecoder(strings.NewReader(input)))
	require.Len(t, events, 1)
	assert.Equal(t, KindEnd, events[0].Kind)
	require.Len(t, events[0].Resources, 1)
	assert.Equal(t, "kb", events[0].Resources[0].DatasetName)
}

func TestDecoderNormalTermination(t *testing.T) {
	d := NewDecoder(strings.NewReader(`{"event":"message","answer":"x"}` + "\n"))

	_, err := d.Next()
	require.NoError(t, err)

	_, err = d.Next()
	assert.Equal(t, io.EOF, err)
}

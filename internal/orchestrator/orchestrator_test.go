package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/conversation-gateway/internal/model"
	"github.com/parley-ai/conversation-gateway/internal/session"
	"github.com/parley-ai/conversation-gateway/internal/stream"
	"github.com/parley-ai/conversation-gateway/internal/upstream"
	"github.com/parley-ai/conversation-gateway/pkg/logger"
)

// fakeUpstream serves scripted chat-message streams plus the side endpoints
// the orchestrator calls after a turn and for conversation management.
type fakeUpstream struct {
	mu            sync.Mutex
	chatRecords   []string
	blockChat     chan struct{}
	suggestions   []string
	suggestedFor  []string
	stoppedTasks  []string
	suggestStatus int
	conversations []upstream.RemoteConversation
	history       []upstream.HistoryMessage
	historyFor    []string
	renames       []string
	deletes       []string
}

func (f *fakeUpstream) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		records := append([]string(nil), f.chatRecords...)
		block := f.blockChat
		suggestions := append([]string(nil), f.suggestions...)
		suggestStatus := f.suggestStatus
		f.mu.Unlock()

		switch {
		case r.URL.Path == "/chat-messages" && r.Method == http.MethodPost:
			w.Header().Set("Content-Type", "text/event-stream")
			if block != nil {
				w.WriteHeader(http.StatusOK)
				w.(http.Flusher).Flush()
				select {
				case <-block:
				case <-r.Context().Done():
				}
				return
			}
			for _, rec := range records {
				fmt.Fprintln(w, rec)
			}

		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/messages/") && strings.HasSuffix(r.URL.Path, "/suggested"):
			messageID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/messages/"), "/suggested")
			f.mu.Lock()
			f.suggestedFor = append(f.suggestedFor, messageID)
			f.mu.Unlock()
			if suggestStatus != 0 {
				w.WriteHeader(suggestStatus)
				fmt.Fprint(w, `{"message":"suggestions unavailable"}`)
				return
			}
			fmt.Fprint(w, `{"data":[`)
			for i, s := range suggestions {
				if i > 0 {
					fmt.Fprint(w, ",")
				}
				fmt.Fprintf(w, "%q", s)
			}
			fmt.Fprint(w, `]}`)

		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/chat-messages/") && strings.HasSuffix(r.URL.Path, "/stop"):
			taskID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/chat-messages/"), "/stop")
			f.mu.Lock()
			f.stoppedTasks = append(f.stoppedTasks, taskID)
			f.mu.Unlock()
			fmt.Fprint(w, `{"result":"success"}`)

		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/messages/") && strings.HasSuffix(r.URL.Path, "/feedbacks"):
			fmt.Fprint(w, `{"result":"success"}`)

		case r.Method == http.MethodGet && r.URL.Path == "/conversations":
			f.mu.Lock()
			remotes := append([]upstream.RemoteConversation(nil), f.conversations...)
			f.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{"data": remotes})

		case r.Method == http.MethodGet && r.URL.Path == "/messages":
			f.mu.Lock()
			f.historyFor = append(f.historyFor, r.URL.Query().Get("conversation_id"))
			messages := append([]upstream.HistoryMessage(nil), f.history...)
			f.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{"data": messages})

		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/conversations/") && strings.HasSuffix(r.URL.Path, "/name"):
			id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/conversations/"), "/name")
			var body struct {
				Name string `json:"name"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			f.mu.Lock()
			f.renames = append(f.renames, id+"="+body.Name)
			f.mu.Unlock()
			json.NewEncoder(w).Encode(upstream.RemoteConversation{ID: id, Name: body.Name})

		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/conversations/"):
			id := strings.TrimPrefix(r.URL.Path, "/conversations/")
			f.mu.Lock()
			f.deletes = append(f.deletes, id)
			f.mu.Unlock()
			fmt.Fprint(w, `{"result":"success"}`)

		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"not found"}`)
		}
	}
}

func newTestOrchestrator(t *testing.T, fake *fakeUpstream, params upstream.AppParameters) *Orchestrator {
	t.Helper()
	ts := httptest.NewServer(fake.handler())
	t.Cleanup(ts.Close)
	client := upstream.New(ts.URL, "test-key", 5*time.Second, logger.NewNop())
	return New(client, nil, params, "u1", logger.NewNop())
}

func waitTerminal(t *testing.T, o *Orchestrator, conversationID, turnID string) session.Turn {
	t.Helper()
	var got session.Turn
	require.Eventually(t, func() bool {
		turns, err := o.Transcript(conversationID)
		if err != nil {
			return false
		}
		for _, turn := range turns {
			if turn.ID == turnID && turn.Terminal() {
				got = turn
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	return got
}

func TestSubmitStreamsAndPromotes(t *testing.T) {
	fake := &fakeUpstream{
		chatRecords: []string{
			`{"event":"message","answer":"Hi","conversation_id":"conv_42","message_id":"msg_1","task_id":"task_1"}`,
			`{"event":"message","answer":" there","conversation_id":"conv_42","message_id":"msg_1","task_id":"task_1"}`,
			`{"event":"message_end","conversation_id":"conv_42","message_id":"msg_1","task_id":"task_1"}`,
		},
	}
	o := newTestOrchestrator(t, fake, upstream.AppParameters{})

	// An older conversation below the new one, to pin list positions.
	o.NewConversation("older chat")
	tempID := o.NewConversation("")

	turnID, err := o.Submit(tempID, "Hello", nil, nil)
	require.NoError(t, err)

	turn := waitTerminal(t, o, "conv_42", turnID)
	assert.Equal(t, model.StatusSuccess, turn.Status)
	assert.Equal(t, "Hi there", turn.Answer)
	assert.Equal(t, "msg_1", turn.MessageID)
	assert.Equal(t, "task_1", turn.TaskID)

	// The temporary id is gone and the promoted entry kept its slot.
	_, err = o.Transcript(tempID)
	assert.ErrorIs(t, err, ErrUnknownConversation)

	entries := o.Conversations()
	require.Len(t, entries, 2)
	assert.Equal(t, "conv_42", entries[0].ID)
	assert.Equal(t, "older chat", entries[1].Name)
}

func TestWatchDeliversSnapshots(t *testing.T) {
	fake := &fakeUpstream{
		chatRecords: []string{
			`{"event":"message","answer":"Hi","conversation_id":"conv_42","message_id":"msg_1"}`,
			`{"event":"message_end","conversation_id":"conv_42","message_id":"msg_1"}`,
		},
	}
	o := newTestOrchestrator(t, fake, upstream.AppParameters{})
	tempID := o.NewConversation("")

	updates, cancel, err := o.Watch(tempID)
	require.NoError(t, err)
	defer cancel()

	turnID, err := o.Submit(tempID, "Hello", nil, nil)
	require.NoError(t, err)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case u := <-updates:
			if u.Turn.ID != turnID {
				continue
			}
			if u.Turn.Terminal() {
				assert.Equal(t, model.StatusSuccess, u.Turn.Status)
				assert.Equal(t, "Hi", u.Turn.Answer)
				assert.Equal(t, "conv_42", u.ConversationID)
				return
			}
		case <-deadline:
			t.Fatal("no terminal snapshot delivered")
		}
	}
}

func TestSubmitRequiredFieldsMissing(t *testing.T) {
	params := upstream.AppParameters{
		UserInputForm: []upstream.UserInputFormItem{
			{TextInput: &upstream.FormField{Label: "Topic", Variable: "topic", Required: true}},
			{TextInput: &upstream.FormField{Variable: "tone", Required: false}},
		},
	}
	o := newTestOrchestrator(t, &fakeUpstream{}, params)
	tempID := o.NewConversation("")

	_, err := o.Submit(tempID, "Hello", nil, nil)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"Topic"}, verr.Fields)

	turns, err := o.Transcript(tempID)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestSubmitRequiredFieldSatisfiedByInputs(t *testing.T) {
	fake := &fakeUpstream{
		chatRecords: []string{
			`{"event":"message","answer":"ok","conversation_id":"conv_7","message_id":"msg_1"}`,
			`{"event":"message_end","conversation_id":"conv_7","message_id":"msg_1"}`,
		},
	}
	params := upstream.AppParameters{
		UserInputForm: []upstream.UserInputFormItem{
			{TextInput: &upstream.FormField{Label: "Topic", Variable: "topic", Required: true}},
		},
	}
	o := newTestOrchestrator(t, fake, params)
	tempID := o.NewConversation("")

	turnID, err := o.Submit(tempID, "Hello", nil, map[string]any{"topic": "go"})
	require.NoError(t, err)

	turn := waitTerminal(t, o, "conv_7", turnID)
	assert.Equal(t, model.StatusSuccess, turn.Status)
}

func TestSubmitRejectsConcurrentTurn(t *testing.T) {
	block := make(chan struct{})
	fake := &fakeUpstream{blockChat: block}
	o := newTestOrchestrator(t, fake, upstream.AppParameters{})
	tempID := o.NewConversation("")

	turnID, err := o.Submit(tempID, "first", nil, nil)
	require.NoError(t, err)

	_, err = o.Submit(tempID, "second", nil, nil)
	var cerr *ConcurrentTurnError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, tempID, cerr.ConversationID)

	close(block)
	waitTerminal(t, o, tempID, turnID)
}

func TestSubmitUnknownConversation(t *testing.T) {
	o := newTestOrchestrator(t, &fakeUpstream{}, upstream.AppParameters{})
	_, err := o.Submit("conv_missing", "Hello", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestCancelStopsTurnAndKeepsPartialContent(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	fake := &fakeUpstream{blockChat: block}
	o := newTestOrchestrator(t, fake, upstream.AppParameters{})
	tempID := o.NewConversation("")

	turnID, err := o.Submit(tempID, "Hello", nil, nil)
	require.NoError(t, err)

	// Wait until the stream is open so cancellation exercises the live path.
	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.active) == 1
	}, 3*time.Second, 10*time.Millisecond)

	o.Cancel(tempID)

	turn := waitTerminal(t, o, tempID, turnID)
	assert.Equal(t, model.StatusStopped, turn.Status)
	assert.Empty(t, turn.Answer)

	// The in-flight slot is released, so the next turn is accepted.
	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.active) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCancelNotifiesUpstreamTask(t *testing.T) {
	fake := &fakeUpstream{}
	o := newTestOrchestrator(t, fake, upstream.AppParameters{})
	tempID := o.NewConversation("")
	require.NoError(t, o.SelectConversation(tempID))

	o.mu.Lock()
	conv := o.conversations[tempID]
	o.mu.Unlock()

	turn := session.NewTurn("Hello", nil)
	conv.Append(turn)
	o.mu.Lock()
	o.active[conv] = &activeStream{turn: turn, cancel: func() {}, taskID: "task_3", started: time.Now()}
	o.mu.Unlock()

	o.Cancel(tempID)

	assert.Equal(t, model.StatusStopped, turn.Status)
	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.stoppedTasks) == 1 && fake.stoppedTasks[0] == "task_3"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestApplyDiscardsEventsAfterTerminal(t *testing.T) {
	o := newTestOrchestrator(t, &fakeUpstream{}, upstream.AppParameters{})
	tempID := o.NewConversation("")

	o.mu.Lock()
	conv := o.conversations[tempID]
	o.mu.Unlock()

	turn := session.NewTurn("Hello", nil)
	conv.Append(turn)
	turn.MarkStopped()

	promoted := false
	o.apply(conv, turn, stream.Event{Kind: stream.KindDelta, Text: "late"}, &promoted)
	o.apply(conv, turn, stream.Event{Kind: stream.KindEnd}, &promoted)

	assert.Equal(t, model.StatusStopped, turn.Status)
	assert.Empty(t, turn.Answer)
}

func TestApplyDiscardsEventsForInactiveConversation(t *testing.T) {
	o := newTestOrchestrator(t, &fakeUpstream{}, upstream.AppParameters{})
	firstID := o.NewConversation("first")
	o.NewConversation("second")

	o.mu.Lock()
	first := o.conversations[firstID]
	o.mu.Unlock()

	turn := session.NewTurn("Hello", nil)
	first.Append(turn)

	promoted := false
	o.apply(first, turn, stream.Event{Kind: stream.KindDelta, Text: "stale"}, &promoted)

	assert.Equal(t, model.StatusPending, turn.Status)
	assert.Empty(t, turn.Answer)
}

func TestApplySkipsMalformedRecords(t *testing.T) {
	fake := &fakeUpstream{
		chatRecords: []string{
			`{"event":"message","answer":"Hi","conversation_id":"conv_9","message_id":"msg_1"}`,
			`{not json`,
			`{"event":"message","answer":"!","conversation_id":"conv_9","message_id":"msg_1"}`,
			`{"event":"message_end","conversation_id":"conv_9","message_id":"msg_1"}`,
		},
	}
	o := newTestOrchestrator(t, fake, upstream.AppParameters{})
	tempID := o.NewConversation("")

	turnID, err := o.Submit(tempID, "Hello", nil, nil)
	require.NoError(t, err)

	turn := waitTerminal(t, o, "conv_9", turnID)
	assert.Equal(t, model.StatusSuccess, turn.Status)
	assert.Equal(t, "Hi!", turn.Answer)
}

func TestRemoteErrorEndsTurnKeepingPartialContent(t *testing.T) {
	fake := &fakeUpstream{
		chatRecords: []string{
			`{"event":"message","answer":"partial","conversation_id":"conv_9","message_id":"msg_1"}`,
			`{"event":"error","status":500,"code":"completion_request_error","message":"model overloaded"}`,
		},
	}
	o := newTestOrchestrator(t, fake, upstream.AppParameters{})
	tempID := o.NewConversation("")

	turnID, err := o.Submit(tempID, "Hello", nil, nil)
	require.NoError(t, err)

	turn := waitTerminal(t, o, "conv_9", turnID)
	assert.Equal(t, model.StatusError, turn.Status)
	assert.Equal(t, "partial", turn.Answer)
	assert.Equal(t, "model overloaded", turn.ErrorMessage)
}

func TestStreamWithoutEndEventFailsTurn(t *testing.T) {
	fake := &fakeUpstream{
		chatRecords: []string{
			`{"event":"message","answer":"half","conversation_id":"conv_9","message_id":"msg_1"}`,
		},
	}
	o := newTestOrchestrator(t, fake, upstream.AppParameters{})
	tempID := o.NewConversation("")

	turnID, err := o.Submit(tempID, "Hello", nil, nil)
	require.NoError(t, err)

	turn := waitTerminal(t, o, "conv_9", turnID)
	assert.Equal(t, model.StatusError, turn.Status)
	assert.Equal(t, "half", turn.Answer)
}

func TestSuggestionsFetchedAfterSuccess(t *testing.T) {
	fake := &fakeUpstream{
		chatRecords: []string{
			`{"event":"message","answer":"done","conversation_id":"conv_9","message_id":"msg_1"}`,
			`{"event":"message_end","conversation_id":"conv_9","message_id":"msg_1"}`,
		},
		suggestions: []string{"What next?", "Tell me more"},
	}
	params := upstream.AppParameters{
		SuggestedQuestionsAfterAnswer: upstream.FeatureToggle{Enabled: true},
	}
	o := newTestOrchestrator(t, fake, params)
	tempID := o.NewConversation("")

	_, err := o.Submit(tempID, "Hello", nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(o.Suggestions()) == 2
	}, 3*time.Second, 10*time.Millisecond)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"msg_1"}, fake.suggestedFor)
}

func TestSuggestionFailureDoesNotAffectTurn(t *testing.T) {
	fake := &fakeUpstream{
		chatRecords: []string{
			`{"event":"message","answer":"done","conversation_id":"conv_9","message_id":"msg_1"}`,
			`{"event":"message_end","conversation_id":"conv_9","message_id":"msg_1"}`,
		},
		suggestStatus: http.StatusInternalServerError,
	}
	params := upstream.AppParameters{
		SuggestedQuestionsAfterAnswer: upstream.FeatureToggle{Enabled: true},
	}
	o := newTestOrchestrator(t, fake, params)
	tempID := o.NewConversation("")

	turnID, err := o.Submit(tempID, "Hello", nil, nil)
	require.NoError(t, err)

	turn := waitTerminal(t, o, "conv_9", turnID)
	assert.Equal(t, model.StatusSuccess, turn.Status)

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.suggestedFor) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, o.Suggestions())
}

// recordingArchiver captures archived turns for assertion.
type recordingArchiver struct {
	mu    sync.Mutex
	turns []session.Turn
	convs []string
}

func (a *recordingArchiver) ArchiveTurn(_ context.Context, _ string, conversationID string, turn session.Turn) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns = append(a.turns, turn)
	a.convs = append(a.convs, conversationID)
	return nil
}

func TestTerminalTurnsArchived(t *testing.T) {
	fake := &fakeUpstream{
		chatRecords: []string{
			`{"event":"message","answer":"done","conversation_id":"conv_9","message_id":"msg_1"}`,
			`{"event":"message_end","conversation_id":"conv_9","message_id":"msg_1"}`,
		},
	}
	ts := httptest.NewServer(fake.handler())
	t.Cleanup(ts.Close)
	client := upstream.New(ts.URL, "test-key", 5*time.Second, logger.NewNop())
	archiver := &recordingArchiver{}
	o := New(client, archiver, upstream.AppParameters{}, "u1", logger.NewNop())

	tempID := o.NewConversation("")
	turnID, err := o.Submit(tempID, "Hello", nil, nil)
	require.NoError(t, err)
	waitTerminal(t, o, "conv_9", turnID)

	require.Eventually(t, func() bool {
		archiver.mu.Lock()
		defer archiver.mu.Unlock()
		return len(archiver.turns) == 1
	}, 3*time.Second, 10*time.Millisecond)

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	assert.Equal(t, model.StatusSuccess, archiver.turns[0].Status)
	assert.Equal(t, "conv_9", archiver.convs[0])
}

func TestWorkflowNodesFoldedInOrder(t *testing.T) {
	fake := &fakeUpstream{
		chatRecords: []string{
			`{"event":"node_started","conversation_id":"conv_9","task_id":"t1","data":{"node_id":"n1","title":"retrieve","node_type":"knowledge-retrieval"}}`,
			`{"event":"node_started","conversation_id":"conv_9","task_id":"t1","data":{"node_id":"n2","title":"answer","node_type":"llm"}}`,
			`{"event":"node_finished","conversation_id":"conv_9","task_id":"t1","data":{"node_id":"n1","title":"retrieve","node_type":"knowledge-retrieval","status":"succeeded","elapsed_time":0.4}}`,
			`{"event":"message","answer":"done","conversation_id":"conv_9","message_id":"msg_1"}`,
			`{"event":"message_end","conversation_id":"conv_9","message_id":"msg_1"}`,
		},
	}
	o := newTestOrchestrator(t, fake, upstream.AppParameters{})
	tempID := o.NewConversation("")

	turnID, err := o.Submit(tempID, "run it", nil, nil)
	require.NoError(t, err)

	turn := waitTerminal(t, o, "conv_9", turnID)
	require.Len(t, turn.WorkflowNodes, 2)
	assert.Equal(t, "n1", turn.WorkflowNodes[0].ID)
	assert.Equal(t, model.NodeSucceeded, turn.WorkflowNodes[0].Status)
	assert.InDelta(t, 0.4, turn.WorkflowNodes[0].ElapsedSecs, 1e-9)
	assert.Equal(t, "n2", turn.WorkflowNodes[1].ID)
	assert.Equal(t, model.NodeRunning, turn.WorkflowNodes[1].Status)
}

func TestSelectConversationUnknown(t *testing.T) {
	o := newTestOrchestrator(t, &fakeUpstream{}, upstream.AppParameters{})
	assert.ErrorIs(t, o.SelectConversation("conv_missing"), ErrUnknownConversation)
}

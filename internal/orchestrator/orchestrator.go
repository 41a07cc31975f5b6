// Package orchestrator drives submit-to-completion cycles for one user's
// chat session: request dispatch, event folding, cancellation, conversation
// promotion and follow-up suggestion fetch.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/parley-ai/conversation-gateway/internal/convlist"
	"github.com/parley-ai/conversation-gateway/internal/model"
	"github.com/parley-ai/conversation-gateway/internal/session"
	"github.com/parley-ai/conversation-gateway/internal/stream"
	"github.com/parley-ai/conversation-gateway/internal/upstream"
	"github.com/parley-ai/conversation-gateway/pkg/logger"
	"github.com/parley-ai/conversation-gateway/pkg/metrics"
)

// defaultConversationName matches the placeholder title used before the
// upstream auto-names a conversation.
const defaultConversationName = "New Conversation"

// TurnArchiver publishes completed turns to a durable sink. Archival is
// best-effort and never affects turn status.
type TurnArchiver interface {
	ArchiveTurn(ctx context.Context, user, conversationID string, turn session.Turn) error
}

// Update is a render-ready snapshot delivered to watchers after every
// applied event.
type Update struct {
	ConversationID string       `json:"conversation_id"`
	Turn           session.Turn `json:"turn"`
}

// activeStream tracks the one in-flight turn a conversation may have.
type activeStream struct {
	turn    *session.Turn
	cancel  context.CancelFunc
	taskID  string
	started time.Time
}

// Orchestrator owns the conversation/turn graph for a single user. All
// graph mutation happens under one mutex; the only suspension points are
// transport calls, which run outside it.
type Orchestrator struct {
	client   *upstream.Client
	archiver TurnArchiver
	params   upstream.AppParameters
	user     string
	logger   *logger.Logger

	mu            sync.Mutex
	conversations map[string]*session.Conversation
	active        map[*session.Conversation]*activeStream
	activeConv    *session.Conversation
	list          *convlist.List
	suggestions   []string
	watchers      map[*session.Conversation]map[int]chan Update
	nextWatcher   int
}

// New creates an orchestrator for one user. archiver may be nil.
func New(client *upstream.Client, archiver TurnArchiver, params upstream.AppParameters, user string, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		client:        client,
		archiver:      archiver,
		params:        params,
		user:          user,
		logger:        log.With("user", user),
		conversations: make(map[string]*session.Conversation),
		active:        make(map[*session.Conversation]*activeStream),
		list:          convlist.New(),
		watchers:      make(map[*session.Conversation]map[int]chan Update),
	}
}

// NewConversation starts a new chat under a temporary identity and makes it
// the active conversation. Returns the temporary id.
func (o *Orchestrator) NewConversation(name string) string {
	if name == "" {
		name = defaultConversationName
	}
	conv := session.NewConversation(name)

	o.mu.Lock()
	o.conversations[conv.ID.String()] = conv
	o.activeConv = conv
	o.suggestions = nil
	o.mu.Unlock()

	o.list.Prepend(convlist.Entry{
		ID:        conv.ID.String(),
		Name:      name,
		CreatedAt: conv.CreatedAt.Unix(),
	})
	return conv.ID.String()
}

// SelectConversation makes a known conversation the active one. Late events
// from streams belonging to other conversations are discarded from this
// point (the staleness rule in apply).
func (o *Orchestrator) SelectConversation(conversationID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	conv, ok := o.conversations[conversationID]
	if !ok {
		return ErrUnknownConversation
	}
	o.activeConv = conv
	o.suggestions = nil
	return nil
}

// Submit validates and dispatches one turn. It returns the new turn's id,
// or fails synchronously with *ValidationError, *ConcurrentTurnError or
// ErrUnknownConversation before any network traffic.
func (o *Orchestrator) Submit(conversationID, query string, files []upstream.FileAttachment, inputs map[string]any) (string, error) {
	o.mu.Lock()

	conv, ok := o.conversations[conversationID]
	if !ok {
		o.mu.Unlock()
		return "", ErrUnknownConversation
	}
	if _, inFlight := o.active[conv]; inFlight {
		o.mu.Unlock()
		return "", &ConcurrentTurnError{ConversationID: conversationID}
	}
	if missing := o.missingRequiredFields(conv, inputs); len(missing) > 0 {
		o.mu.Unlock()
		return "", &ValidationError{Fields: missing}
	}

	conv.SetInputs(inputs)

	turn := session.NewTurn(query, attachmentFiles(files))
	conv.Append(turn)
	o.activeConv = conv
	o.suggestions = nil

	req := upstream.ChatMessageRequest{
		Query:  query,
		Inputs: cloneInputs(conv.Inputs),
		Files:  files,
		User:   o.user,
	}
	if !conv.ID.Temporary() {
		req.ConversationID = conv.ID.String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.active[conv] = &activeStream{turn: turn, cancel: cancel, started: time.Now()}
	metrics.ActiveStreams.Inc()
	o.notifyLocked(conv, turn)
	o.mu.Unlock()

	go o.consume(ctx, conv, turn, req)
	return turn.ID, nil
}

// Cancel closes the active stream for the conversation's current turn and
// marks it stopped. The terminal transition happens before the transport
// cancel so a straggling event can never mutate a stopped turn. Cancelling
// with no active stream is a no-op.
func (o *Orchestrator) Cancel(conversationID string) {
	o.mu.Lock()
	conv, ok := o.conversations[conversationID]
	if !ok {
		o.mu.Unlock()
		return
	}
	as, inFlight := o.active[conv]
	if !inFlight {
		o.mu.Unlock()
		return
	}
	taskID := as.taskID
	as.turn.MarkStopped()
	o.notifyLocked(conv, as.turn)
	o.mu.Unlock()

	as.cancel()

	if taskID != "" {
		go func() {
			ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelFn()
			if err := o.client.StopChatMessage(ctx, taskID, o.user); err != nil {
				o.logger.Warn("failed to stop upstream task", "task_id", taskID, "error", err)
			}
		}()
	}
}

// consume is the single control loop for one submitted turn: it opens the
// stream, routes every decoded event through apply and finalizes the turn.
func (o *Orchestrator) consume(ctx context.Context, conv *session.Conversation, turn *session.Turn, req upstream.ChatMessageRequest) {
	body, err := o.client.SendChatMessage(ctx, req)
	if err != nil {
		o.transportFailure(conv, turn, err)
		o.finish(conv, turn)
		return
	}
	defer body.Close()

	dec := stream.NewDecoder(body)
	promoted := false
	for {
		ev, err := dec.Next()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				o.transportFailure(conv, turn, err)
			}
			break
		}
		o.apply(conv, turn, ev, &promoted)
	}

	o.finish(conv, turn)
}

// apply folds one event into the turn under the session lock. Events for
// terminal turns and for conversations that are no longer active are
// discarded.
func (o *Orchestrator) apply(conv *session.Conversation, turn *session.Turn, ev stream.Event, promoted *bool) {
	var decodeErr *stream.DecodeError
	if ev.Err != nil && errors.As(ev.Err, &decodeErr) {
		// A single corrupt record must not abort the stream.
		metrics.StreamDecodeFailures.Inc()
		o.logger.Warn("skipping malformed stream record", "error", decodeErr.Err)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if turn.Terminal() {
		return
	}
	if o.activeConv != conv {
		o.logger.Debug("discarding event for inactive conversation",
			"conversation_id", conv.ID.String(), "kind", string(ev.Kind))
		return
	}

	if as, ok := o.active[conv]; ok && as.taskID == "" && ev.TaskID != "" {
		as.taskID = ev.TaskID
	}

	if !*promoted && conv.ID.Temporary() && ev.ConversationID != "" {
		o.promoteLocked(conv, ev.ConversationID)
		*promoted = true
	}

	turn.Apply(ev)
	metrics.StreamEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	o.notifyLocked(conv, turn)
}

// promoteLocked replaces the conversation's temporary identity with the
// server-assigned id, atomically rekeying every local reference.
func (o *Orchestrator) promoteLocked(conv *session.Conversation, serverID string) {
	tempID := conv.ID.String()
	if !conv.Promote(serverID) {
		return
	}
	delete(o.conversations, tempID)
	o.conversations[serverID] = conv
	o.list.Promote(tempID, serverID)
	o.logger.Info("conversation promoted", "temp_id", tempID, "conversation_id", serverID)
}

// transportFailure marks the turn failed from a transport-level error,
// keeping whatever content was already accumulated.
func (o *Orchestrator) transportFailure(conv *session.Conversation, turn *session.Turn, err error) {
	msg := "the assistant failed to respond"
	var remote *upstream.RemoteAPIError
	if errors.As(err, &remote) {
		if m := remote.Message(); m != "" {
			msg = m
		}
	}
	o.logger.Error("chat stream failed", "conversation_id", conv.ID.String(), "error", err)

	o.mu.Lock()
	defer o.mu.Unlock()
	if turn.Terminal() {
		return
	}
	turn.MarkError(msg)
	o.notifyLocked(conv, turn)
}

// finish releases the active stream slot and runs the best-effort
// follow-ups: suggestion fetch and turn archival.
func (o *Orchestrator) finish(conv *session.Conversation, turn *session.Turn) {
	o.mu.Lock()
	if !turn.Terminal() {
		// Stream ended without an end event and without a transport
		// error surfacing; treat as failure, keep partial content.
		turn.MarkError("stream ended unexpectedly")
	}
	var elapsed time.Duration
	if as, ok := o.active[conv]; ok {
		elapsed = time.Since(as.started)
		delete(o.active, conv)
		metrics.ActiveStreams.Dec()
	}
	o.notifyLocked(conv, turn)
	status := turn.Status
	messageID := turn.MessageID
	snapshot := turn.Clone()
	conversationID := conv.ID.String()
	o.mu.Unlock()

	metrics.RecordTurn(string(status), elapsed.Seconds())

	if status == model.StatusSuccess && o.params.SuggestedQuestionsAfterAnswer.Enabled && messageID != "" {
		o.fetchSuggestions(messageID)
	}

	if o.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.archiver.ArchiveTurn(ctx, o.user, conversationID, snapshot); err != nil {
			o.logger.Warn("failed to archive turn", "conversation_id", conversationID, "error", err)
		} else {
			metrics.ArchivedTurnsTotal.WithLabelValues(string(status)).Inc()
		}
	}
}

// fetchSuggestions loads follow-up question suggestions after a successful
// turn. Failures are logged, never surfaced as a turn error.
func (o *Orchestrator) fetchSuggestions(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, err := o.client.SuggestedQuestions(ctx, messageID, o.user)
	if err != nil {
		metrics.SuggestionFailures.Inc()
		o.logger.Warn("failed to fetch suggestions", "message_id", messageID, "error", err)
		return
	}

	o.mu.Lock()
	o.suggestions = data
	o.mu.Unlock()
}

// missingRequiredFields returns the labels of required input fields still
// unset. Fields count as satisfied once the conversation has prior history
// or a persisted identity.
func (o *Orchestrator) missingRequiredFields(conv *session.Conversation, inputs map[string]any) []string {
	if conv.HasHistory() || !conv.ID.Temporary() {
		return nil
	}
	var missing []string
	for _, item := range o.params.UserInputForm {
		field := item.Field()
		if field == nil || !field.Required {
			continue
		}
		if isSet(conv.Inputs[field.Variable]) || isSet(inputs[field.Variable]) {
			continue
		}
		label := field.Label
		if label == "" {
			label = field.Variable
		}
		missing = append(missing, label)
	}
	return missing
}

// Watch subscribes to turn snapshots for a conversation. The returned
// cancel function must be called to release the subscription. Slow readers
// miss intermediate snapshots rather than blocking the stream.
func (o *Orchestrator) Watch(conversationID string) (<-chan Update, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	conv, ok := o.conversations[conversationID]
	if !ok {
		return nil, nil, ErrUnknownConversation
	}

	ch := make(chan Update, 64)
	id := o.nextWatcher
	o.nextWatcher++
	if o.watchers[conv] == nil {
		o.watchers[conv] = make(map[int]chan Update)
	}
	o.watchers[conv][id] = ch

	cancel := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if m := o.watchers[conv]; m != nil {
			if c, ok := m[id]; ok {
				delete(m, id)
				close(c)
			}
			if len(m) == 0 {
				delete(o.watchers, conv)
			}
		}
	}
	return ch, cancel, nil
}

func (o *Orchestrator) notifyLocked(conv *session.Conversation, turn *session.Turn) {
	m := o.watchers[conv]
	if len(m) == 0 {
		return
	}
	update := Update{ConversationID: conv.ID.String(), Turn: turn.Clone()}
	for _, ch := range m {
		select {
		case ch <- update:
		default:
		}
	}
}

// Transcript returns a render-ready snapshot of a conversation's turns.
func (o *Orchestrator) Transcript(conversationID string) ([]session.Turn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	conv, ok := o.conversations[conversationID]
	if !ok {
		return nil, ErrUnknownConversation
	}
	return conv.Transcript(), nil
}

// Suggestions returns the follow-up questions fetched after the most recent
// successful turn.
func (o *Orchestrator) Suggestions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.suggestions...)
}

func attachmentFiles(files []upstream.FileAttachment) []model.File {
	if len(files) == 0 {
		return nil
	}
	out := make([]model.File, 0, len(files))
	for _, f := range files {
		out = append(out, model.File{
			ID:             f.UploadFileID,
			Type:           f.Type,
			TransferMethod: f.TransferMethod,
			URL:            f.URL,
			BelongsTo:      "user",
		})
	}
	return out
}

func cloneInputs(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	return out
}

func isSet(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	default:
		return true
	}
}

package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/parley-ai/conversation-gateway/internal/convlist"
	"github.com/parley-ai/conversation-gateway/internal/model"
	"github.com/parley-ai/conversation-gateway/internal/session"
)

// Conversations returns the locally synchronized conversation list in order.
func (o *Orchestrator) Conversations() []convlist.Entry {
	return o.list.Entries()
}

// RefreshConversations replaces the local list with the authoritative
// upstream one. Temporary conversations still alive locally are re-added at
// the head, newest first.
func (o *Orchestrator) RefreshConversations(ctx context.Context) ([]convlist.Entry, error) {
	remotes, err := o.client.ListConversations(ctx, o.user, 100)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh conversations: %w", err)
	}

	entries := make([]convlist.Entry, 0, len(remotes))
	for _, rc := range remotes {
		entries = append(entries, convlist.Entry{
			ID:        rc.ID,
			Name:      rc.Name,
			CreatedAt: rc.CreatedAt,
			UpdatedAt: rc.UpdatedAt,
		})
	}
	o.list.Replace(entries)

	o.mu.Lock()
	var temps []*session.Conversation
	for _, conv := range o.conversations {
		if conv.ID.Temporary() {
			temps = append(temps, conv)
		}
	}
	// Register upstream conversations unknown locally so history can be
	// loaded for them later.
	for _, rc := range remotes {
		if _, ok := o.conversations[rc.ID]; !ok {
			o.conversations[rc.ID] = session.OpenConversation(rc.ID, rc.Name)
		}
	}
	o.mu.Unlock()

	// Prepending oldest first leaves the newest temp at the head.
	sort.Slice(temps, func(i, j int) bool {
		return temps[i].CreatedAt.Before(temps[j].CreatedAt)
	})
	for _, conv := range temps {
		o.list.Prepend(convlist.Entry{
			ID:        conv.ID.String(),
			Name:      conv.Name,
			CreatedAt: conv.CreatedAt.Unix(),
		})
	}

	return o.list.Entries(), nil
}

// LoadHistory rebuilds a persisted conversation's transcript from the
// upstream message history and adopts the stored session inputs. Temporary
// conversations have no server-side history and are skipped.
func (o *Orchestrator) LoadHistory(ctx context.Context, conversationID string) error {
	o.mu.Lock()
	conv, ok := o.conversations[conversationID]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownConversation
	}
	if conv.ID.Temporary() {
		o.mu.Unlock()
		return nil
	}
	if _, inFlight := o.active[conv]; inFlight {
		o.mu.Unlock()
		return &ConcurrentTurnError{ConversationID: conversationID}
	}
	o.mu.Unlock()

	messages, err := o.client.MessageHistory(ctx, conversationID, o.user, 100)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	turns := make([]*session.Turn, 0, len(messages))
	for _, msg := range messages {
		status := model.StatusSuccess
		if msg.Status == "error" {
			status = model.StatusError
		}
		turns = append(turns, &session.Turn{
			ID:           msg.ID,
			MessageID:    msg.ID,
			Query:        msg.Query,
			Answer:       msg.Answer,
			Status:       status,
			Files:        msg.MessageFiles,
			Thoughts:     msg.AgentThoughts,
			Resources:    msg.RetrieverResources,
			Feedback:     msg.Feedback,
			ErrorMessage: msg.Error,
			CreatedAt:    time.Unix(msg.CreatedAt, 0),
		})
	}

	var lastMessageID string
	o.mu.Lock()
	conv.Turns = turns
	if len(messages) > 0 && len(messages[0].Inputs) > 0 {
		conv.SetInputs(messages[0].Inputs)
	}
	if len(turns) > 0 {
		lastMessageID = turns[len(turns)-1].MessageID
	}
	o.mu.Unlock()

	if lastMessageID != "" && o.params.SuggestedQuestionsAfterAnswer.Enabled {
		o.fetchSuggestions(lastMessageID)
	}
	return nil
}

// RenameConversation renames a conversation locally and, when persisted,
// upstream as well.
func (o *Orchestrator) RenameConversation(ctx context.Context, conversationID, name string) error {
	o.mu.Lock()
	conv, ok := o.conversations[conversationID]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownConversation
	}
	temporary := conv.ID.Temporary()
	o.mu.Unlock()

	if !temporary {
		if _, err := o.client.RenameConversation(ctx, conversationID, name, o.user); err != nil {
			return err
		}
	}

	o.mu.Lock()
	conv.Name = name
	o.mu.Unlock()
	o.list.Rename(conversationID, name)
	return nil
}

// DeleteConversation removes a conversation. An in-flight turn is cancelled
// first; persisted conversations are deleted upstream as well.
func (o *Orchestrator) DeleteConversation(ctx context.Context, conversationID string) error {
	o.mu.Lock()
	conv, ok := o.conversations[conversationID]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownConversation
	}
	temporary := conv.ID.Temporary()
	o.mu.Unlock()

	o.Cancel(conversationID)

	if !temporary {
		if err := o.client.DeleteConversation(ctx, conversationID, o.user); err != nil {
			return err
		}
	}

	o.mu.Lock()
	delete(o.conversations, conversationID)
	if o.activeConv == conv {
		o.activeConv = nil
	}
	o.mu.Unlock()
	o.list.Remove(conversationID)
	return nil
}

// SubmitFeedback proxies a like/dislike rating and records it on the turn
// on success.
func (o *Orchestrator) SubmitFeedback(ctx context.Context, messageID string, rating model.FeedbackRating, content string) error {
	if err := o.client.SubmitFeedback(ctx, messageID, rating, content, o.user); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, conv := range o.conversations {
		for _, turn := range conv.Turns {
			if turn.MessageID == messageID || turn.ID == messageID {
				turn.Feedback = &model.Feedback{Rating: rating, Content: content}
				return nil
			}
		}
	}
	return nil
}

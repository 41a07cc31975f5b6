package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownConversation is returned when an operation references a
// conversation id the orchestrator has never seen.
var ErrUnknownConversation = errors.New("unknown conversation")

// ValidationError reports required input fields that are still unset. It is
// raised before any network call.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("required fields missing: %s", strings.Join(e.Fields, ", "))
}

// ConcurrentTurnError reports a submit attempted while another turn in the
// same conversation is still streaming. It is rejected synchronously with
// no state mutation.
type ConcurrentTurnError struct {
	ConversationID string
}

func (e *ConcurrentTurnError) Error() string {
	return fmt.Sprintf("conversation %s already has a turn in flight", e.ConversationID)
}

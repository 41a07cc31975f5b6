package session

import "time"

// Conversation holds the ordered turn history for one conversation thread,
// plus the session input parameters supplied before the first turn.
type Conversation struct {
	ID        Identity
	Name      string
	Inputs    map[string]any
	Turns     []*Turn
	CreatedAt time.Time
}

// NewConversation creates an empty conversation under a fresh temporary
// identity.
func NewConversation(name string) *Conversation {
	return &Conversation{
		ID:        NewTemporaryIdentity(),
		Name:      name,
		Inputs:    make(map[string]any),
		CreatedAt: time.Now(),
	}
}

// OpenConversation wraps an existing server-side conversation loaded from
// history.
func OpenConversation(id, name string) *Conversation {
	return &Conversation{
		ID:        ParseIdentity(id),
		Name:      name,
		Inputs:    make(map[string]any),
		CreatedAt: time.Now(),
	}
}

// Promote replaces a temporary identity with the server-assigned id. It
// reports whether a transition happened; promoting an already-persisted
// conversation is a no-op.
func (c *Conversation) Promote(serverID string) bool {
	if !c.ID.Temporary() || serverID == "" {
		return false
	}
	c.ID = PersistedIdentity(serverID)
	return true
}

// SetInputs merges user-supplied form fields into the session parameters.
func (c *Conversation) SetInputs(inputs map[string]any) {
	if c.Inputs == nil {
		c.Inputs = make(map[string]any)
	}
	for k, v := range inputs {
		c.Inputs[k] = v
	}
}

// HasHistory reports whether the conversation already carries prior turns.
// Required input fields are considered satisfied once history exists.
func (c *Conversation) HasHistory() bool {
	return len(c.Turns) > 0
}

// Append adds a new turn at the end of the transcript.
func (c *Conversation) Append(t *Turn) {
	c.Turns = append(c.Turns, t)
}

// Transcript returns a deep snapshot of the turn list.
func (c *Conversation) Transcript() []Turn {
	out := make([]Turn, 0, len(c.Turns))
	for _, t := range c.Turns {
		out = append(out, t.Clone())
	}
	return out
}

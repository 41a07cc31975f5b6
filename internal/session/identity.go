// Package session owns the in-memory conversation/turn graph for one chat
// session and folds decoded stream events into a render-ready transcript.
package session

import (
	"strings"

	"github.com/google/uuid"
)

// tempPrefix marks client-generated placeholder conversation ids issued
// before the server assigns a durable one.
const tempPrefix = "temp_"

// Identity is a tagged conversation identity: temporary (client-generated,
// pending server confirmation) or persisted (server-assigned). Promotion is
// a one-way transition from temporary to persisted.
type Identity struct {
	value     string
	temporary bool
}

// NewTemporaryIdentity generates a fresh temporary identity.
func NewTemporaryIdentity() Identity {
	return Identity{value: tempPrefix + uuid.NewString(), temporary: true}
}

// PersistedIdentity wraps a server-assigned conversation id.
func PersistedIdentity(id string) Identity {
	return Identity{value: id}
}

// ParseIdentity classifies a raw conversation id by the temporary prefix.
func ParseIdentity(id string) Identity {
	return Identity{value: id, temporary: IsTempID(id)}
}

// IsTempID reports whether a raw id is a client-generated placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}

// String returns the raw id value.
func (id Identity) String() string {
	return id.value
}

// Temporary reports whether the identity is still a client placeholder.
func (id Identity) Temporary() bool {
	return id.temporary
}

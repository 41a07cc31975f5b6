// Package convlist reconciles the locally-known ordered list of
// conversations against the server's list.
package convlist

import (
	"sync"
)

// Entry is one conversation in the local list.
type Entry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at,omitempty"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
}

// List is the ordered, locally-held conversation list. All methods are safe
// for concurrent use.
type List struct {
	mu      sync.Mutex
	entries []Entry
}

// New creates an empty list.
func New() *List {
	return &List{}
}

// Entries returns a copy of the current list in order.
func (l *List) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Prepend inserts a new entry at the head of the list.
func (l *List) Prepend(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append([]Entry{e}, l.entries...)
}

// Promote replaces the entry keyed by tempID with the same entry under
// serverID, preserving its position. Promotion is idempotent: when tempID
// is not found (already promoted by a concurrent path) nothing changes.
func (l *List) Promote(tempID, serverID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].ID == tempID {
			l.entries[i].ID = serverID
			return true
		}
	}
	return false
}

// Rename updates the display name of an entry.
func (l *List) Rename(id, name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].ID == id {
			l.entries[i].Name = name
			return true
		}
	}
	return false
}

// Remove deletes an entry by id.
func (l *List) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].ID == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Replace swaps in the authoritative server list wholesale. In-flight
// temporary conversations are not merged; the caller re-adds them if still
// active.
func (l *List) Replace(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append([]Entry(nil), entries...)
}

// Contains reports whether an entry with the given id is present.
func (l *List) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].ID == id {
			return true
		}
	}
	return false
}

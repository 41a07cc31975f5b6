package convlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded() *List {
	l := New()
	l.Replace([]Entry{
		{ID: "conv_1", Name: "first"},
		{ID: "temp_abc", Name: "draft"},
		{ID: "conv_2", Name: "second"},
	})
	return l
}

func TestPromotePreservesPosition(t *testing.T) {
	l := seeded()

	require.True(t, l.Promote("temp_abc", "conv_42"))

	entries := l.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "conv_42", entries[1].ID)
	assert.Equal(t, "draft", entries[1].Name)
	assert.False(t, l.Contains("temp_abc"))
}

func TestPromoteIsIdempotent(t *testing.T) {
	l := seeded()

	require.True(t, l.Promote("temp_abc", "conv_42"))
	once := l.Entries()

	// Second promotion with the same arguments finds no temp id.
	assert.False(t, l.Promote("temp_abc", "conv_42"))
	assert.Equal(t, once, l.Entries())
}

func TestPromoteUnknownTempIDIsNoOp(t *testing.T) {
	l := seeded()
	before := l.Entries()

	assert.False(t, l.Promote("temp_unknown", "conv_99"))
	assert.Equal(t, before, l.Entries())
}

func TestReplaceIsWholesale(t *testing.T) {
	l := seeded()

	l.Replace([]Entry{{ID: "conv_9", Name: "only"}})

	entries := l.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "conv_9", entries[0].ID)
	// Temporary conversations are not merged back by Replace itself.
	assert.False(t, l.Contains("temp_abc"))
}

func TestPrependRenameRemove(t *testing.T) {
	l := New()
	l.Prepend(Entry{ID: "a", Name: "one"})
	l.Prepend(Entry{ID: "b", Name: "two"})

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].ID)

	require.True(t, l.Rename("a", "renamed"))
	assert.Equal(t, "renamed", l.Entries()[1].Name)

	require.True(t, l.Remove("b"))
	assert.False(t, l.Contains("b"))
	assert.False(t, l.Remove("b"))
}

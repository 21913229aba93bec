package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDShape(t *testing.T) {
	id := NewID(TaskIDPrefix, nil)

	require.True(t, strings.HasPrefix(id, "task-"))
	assert.Len(t, strings.TrimPrefix(id, "task-"), 12)

	for _, c := range strings.TrimPrefix(id, "task-") {
		assert.Contains(t, "0123456789abcdef", string(c))
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 10000)

	for i := 0; i < 10000; i++ {
		id := NewID(RunIDPrefix, nil)

		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s after %d draws", id, i)

		seen[id] = struct{}{}
	}
}

func TestNewIDRetriesOnCollision(t *testing.T) {
	calls := 0

	id := NewID(TaskIDPrefix, func(candidate string) bool {
		calls++

		return calls <= 2
	})

	assert.NotEmpty(t, id)
	assert.Equal(t, 3, calls)
}

func TestChildID(t *testing.T) {
	assert.Equal(t, "task-abc123.0", ChildID("task-abc123", 0))
	assert.Equal(t, "task-abc123.7", ChildID("task-abc123", 7))
}

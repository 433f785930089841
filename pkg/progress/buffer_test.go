package progress

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationAppend(t *testing.T) {
	t.Run("should evict oldest once the message cap is exceeded", func(t *testing.T) {
		c := NewConversation(3, 0)

		for i := 1; i <= 5; i++ {
			c.Append(Message{Role: RoleAssistant, Content: fmt.Sprintf("msg %d", i)})
		}

		assert.Equal(t, 3, c.Len())
		assert.Equal(t, 2, c.Truncated())

		snap := c.Snapshot()
		require.Len(t, snap, 4)
		assert.Equal(t, "msg 3", snap[1].Content)
		assert.Equal(t, "msg 5", snap[3].Content)
	})

	t.Run("should evict oldest once the character cap is exceeded", func(t *testing.T) {
		c := NewConversation(0, 20)

		c.Append(Message{Role: RoleAssistant, Content: strings.Repeat("a", 15)})
		c.Append(Message{Role: RoleAssistant, Content: strings.Repeat("b", 15)})

		assert.Equal(t, 1, c.Len())
		assert.Equal(t, 1, c.Truncated())
		assert.Equal(t, strings.Repeat("b", 15), c.Snapshot()[1].Content)
	})

	t.Run("should keep an oversized single message", func(t *testing.T) {
		c := NewConversation(0, 10)
		c.Append(Message{Role: RoleAssistant, Content: strings.Repeat("x", 100)})

		assert.Equal(t, 1, c.Len())
		assert.Zero(t, c.Truncated())
	})

	t.Run("should stamp messages missing a timestamp", func(t *testing.T) {
		c := NewConversation(0, 0)
		c.Append(Message{Role: RoleUser, Content: "hello"})
		assert.False(t, c.Snapshot()[0].Timestamp.IsZero())
	})
}

func TestConversationSnapshot(t *testing.T) {
	t.Run("should carry exactly one truncation marker", func(t *testing.T) {
		c := NewConversation(2, 0)
		for i := 0; i < 10; i++ {
			c.Append(Message{Role: RoleAssistant, Content: "filler"})
		}

		snap := c.Snapshot()
		require.Len(t, snap, 3)
		assert.Equal(t, "[8 earlier messages truncated]", snap[0].Content)

		markers := 0
		for _, msg := range snap {
			if strings.Contains(msg.Content, "truncated") {
				markers++
			}
		}
		assert.Equal(t, 1, markers)
	})

	t.Run("should omit the marker before any eviction", func(t *testing.T) {
		c := NewConversation(0, 0)
		c.Append(Message{Role: RoleUser, Content: "only"})

		snap := c.Snapshot()
		require.Len(t, snap, 1)
		assert.Equal(t, "only", snap[0].Content)
	})
}

func TestConversationTranscript(t *testing.T) {
	c := NewConversation(0, 0)
	c.Append(Message{Role: RoleUser, Content: "do the task"})
	c.Append(Message{Role: RoleAssistant, Content: "on it"})
	c.Append(Message{Role: RoleTool, Content: "completed", ToolName: "edit"})

	transcript := c.Transcript()
	assert.Equal(t, "user: do the task\nassistant: on it\ntool: completed\n", transcript)
}

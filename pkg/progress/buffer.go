package progress

import (
	"fmt"
	"strings"
	"time"
)

// Conversation size caps. Oldest messages are evicted once either cap is
// exceeded; a single truncation marker records how many were dropped.
const (
	DefaultMaxMessages = 50
	DefaultMaxChars    = 16384
)

// Role values for conversation messages
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation turn in a run's bounded buffer
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ToolName  string    `json:"toolName,omitempty"`
	ToolInput string    `json:"toolInput,omitempty"`
}

// Conversation is a bounded per-run message buffer
type Conversation struct {
	msgs        []Message
	chars       int
	truncated   int
	maxMessages int
	maxChars    int
}

// NewConversation creates a buffer with the given caps; zero values use
// the defaults.
func NewConversation(maxMessages, maxChars int) *Conversation {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Conversation{maxMessages: maxMessages, maxChars: maxChars}
}

// Append adds a message, evicting oldest-first while either cap is
// exceeded.
func (c *Conversation) Append(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	c.msgs = append(c.msgs, msg)
	c.chars += len(msg.Content)

	for len(c.msgs) > 1 && (len(c.msgs) > c.maxMessages || c.chars > c.maxChars) {
		c.chars -= len(c.msgs[0].Content)
		c.msgs = c.msgs[1:]
		c.truncated++
	}
}

// Len returns the number of retained messages
func (c *Conversation) Len() int {
	return len(c.msgs)
}

// Truncated returns how many messages have been evicted so far
func (c *Conversation) Truncated() int {
	return c.truncated
}

// Snapshot returns the retained messages, preceded by exactly one
// truncation marker when anything has been evicted.
func (c *Conversation) Snapshot() []Message {
	out := make([]Message, 0, len(c.msgs)+1)
	if c.truncated > 0 {
		out = append(out, Message{
			Role:    RoleUser,
			Content: fmt.Sprintf("[%d earlier messages truncated]", c.truncated),
		})
	}
	return append(out, c.msgs...)
}

// Transcript renders the conversation as plain text
func (c *Conversation) Transcript() string {
	var b strings.Builder
	for _, msg := range c.Snapshot() {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}

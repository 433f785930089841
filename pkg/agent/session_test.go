package agent

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkode/conductor/pkg/acp"
)

// notification builds a session/update message with the given params
func notification(t *testing.T, params interface{}) acp.Message {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return acp.Message{JSONRPC: "2.0", Method: "session/update", Params: raw}
}

// streamingScript answers the handshake, then streams two content chunks
// and a final stop before each prompt response.
func streamingScript(t *testing.T) scriptFunc {
	var sessions atomic.Int64
	return func(msg acp.Message) []acp.Message {
		switch msg.Method {
		case acp.MethodInitialize:
			reply, _ := acp.NewResult(msg.ID, map[string]interface{}{"protocolVersion": 1})
			return []acp.Message{reply}
		case acp.MethodSessionNew:
			sessions.Add(1)
			reply, _ := acp.NewResult(msg.ID, map[string]interface{}{"sessionId": "sess-stream"})
			return []acp.Message{reply}
		case acp.MethodPrompt:
			chunk1 := notification(t, map[string]interface{}{
				"sessionId": "sess-stream",
				"content":   []ContentBlock{{Type: "text", Text: "part one "}},
			})
			chunk2 := notification(t, map[string]interface{}{
				"sessionId": "sess-stream",
				"update": map[string]interface{}{
					"content": []ContentBlock{{Type: "text", Text: "part two"}},
				},
			})
			stop := notification(t, map[string]interface{}{
				"sessionId": "sess-stream",
				"update":    map[string]interface{}{"stopReason": "end_turn"},
			})
			reply, _ := acp.NewResult(msg.ID, map[string]interface{}{
				"stopReason": "end_turn",
				"content":    []ContentBlock{{Type: "text", Text: "inline answer"}},
			})
			return []acp.Message{chunk1, chunk2, stop, reply}
		}
		return nil
	}
}

func TestEnsureSession(t *testing.T) {
	t.Run("should reuse the session for an unchanged cwd", func(t *testing.T) {
		var newSessions atomic.Int64
		script := func(msg acp.Message) []acp.Message {
			switch msg.Method {
			case acp.MethodInitialize:
				reply, _ := acp.NewResult(msg.ID, map[string]interface{}{})
				return []acp.Message{reply}
			case acp.MethodSessionNew:
				n := newSessions.Add(1)
				reply, _ := acp.NewResult(msg.ID, map[string]interface{}{
					"sessionId": "sess-" + string(rune('0'+n)),
				})
				return []acp.Message{reply}
			}
			return nil
		}
		inst, _ := newTestInstance(script, Options{})
		require.NoError(t, inst.Ensure(context.Background()))

		first, err := inst.EnsureSession(context.Background(), "/work")
		require.NoError(t, err)
		second, err := inst.EnsureSession(context.Background(), "/work")
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, int64(1), newSessions.Load())

		third, err := inst.EnsureSession(context.Background(), "/other")
		require.NoError(t, err)
		assert.NotEqual(t, first, third)
		assert.Equal(t, int64(2), newSessions.Load())
	})

	t.Run("should fail when the agent returns no session id", func(t *testing.T) {
		script := func(msg acp.Message) []acp.Message {
			reply, _ := acp.NewResult(msg.ID, map[string]interface{}{})
			return []acp.Message{reply}
		}
		inst, _ := newTestInstance(script, Options{})
		require.NoError(t, inst.Ensure(context.Background()))

		_, err := inst.EnsureSession(context.Background(), "/work")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no session id")
	})
}

func TestPrompt(t *testing.T) {
	t.Run("should prefer streamed text over the inline result", func(t *testing.T) {
		inst, _ := newTestInstance(streamingScript(t), Options{})
		require.NoError(t, inst.Ensure(context.Background()))

		out, err := inst.Run(context.Background(), "/work", "do the thing")
		require.NoError(t, err)
		assert.Equal(t, "part one part two", out)
	})

	t.Run("should fall back to inline content without a stream", func(t *testing.T) {
		inst, _ := newTestInstance(echoScript(), Options{})
		require.NoError(t, inst.Ensure(context.Background()))

		out, err := inst.Run(context.Background(), "/work", "hello")
		require.NoError(t, err)
		assert.Equal(t, "echo: hello", out)
	})

	t.Run("should reset accumulation between prompts", func(t *testing.T) {
		inst, _ := newTestInstance(streamingScript(t), Options{})
		require.NoError(t, inst.Ensure(context.Background()))

		first, err := inst.Run(context.Background(), "/work", "one")
		require.NoError(t, err)
		second, err := inst.Prompt(context.Background(), "two")
		require.NoError(t, err)

		assert.Equal(t, first, second)
	})
}

func TestHandleNotification(t *testing.T) {
	t.Run("should forward processed updates to the sink", func(t *testing.T) {
		inst, _ := newTestInstance(streamingScript(t), Options{})

		var mu sync.Mutex
		var updates []Update
		inst.SetUpdateSink(func(u Update) {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		})

		require.NoError(t, inst.Ensure(context.Background()))
		_, err := inst.Run(context.Background(), "/work", "task")
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(updates) == 3
		}, 2*time.Second, 10*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "coder", updates[0].AgentName)
		assert.Equal(t, "sess-stream", updates[0].SessionID)
		assert.False(t, updates[0].IsComplete)
		assert.True(t, updates[2].IsComplete)
		assert.Equal(t, "end_turn", updates[2].StopReason)
	})

	t.Run("should stop accumulating after completion", func(t *testing.T) {
		inst, _ := newTestInstance(nil, Options{})
		inst.sess = &session{id: "s1", cwd: "/work"}

		feed := func(params interface{}) {
			raw, err := json.Marshal(params)
			require.NoError(t, err)
			inst.handleNotification(acp.Message{JSONRPC: "2.0", Method: "session/update", Params: raw})
		}

		feed(map[string]interface{}{"content": []ContentBlock{{Type: "text", Text: "kept"}}})
		feed(map[string]interface{}{"stopReason": "end_turn"})
		feed(map[string]interface{}{"content": []ContentBlock{{Type: "text", Text: " dropped"}}})

		assert.Equal(t, "kept", inst.AccumulatedText())
	})
}

package approval

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var standardOptions = []Option{
	{ID: "opt-always", Name: "Always", Kind: KindAllowAlways},
	{ID: "opt-once", Name: "Once", Kind: KindAllowOnce},
	{ID: "opt-deny", Name: "Deny", Kind: KindDeny},
}

func testRequest(sessionID, title string) Request {
	return Request{
		SessionID: sessionID,
		ToolCall:  ToolCall{ID: "tc-1", Title: title, Input: json.RawMessage(`{"cmd":"ls"}`)},
		Options:   standardOptions,
	}
}

// requestAsync runs Request in a goroutine and waits for the grant to be
// registered before returning the outcome channel.
func requestAsync(t *testing.T, g *Gate, ctx context.Context, req Request) <-chan Outcome {
	t.Helper()
	out := make(chan Outcome, 1)
	go func() {
		outcome, _ := g.Request(ctx, req)
		out <- outcome
	}()
	require.Eventually(t, func() bool {
		return len(g.PendingList()) > 0
	}, 2*time.Second, 5*time.Millisecond)
	return out
}

func TestRequest(t *testing.T) {
	t.Run("should select allow_once when approved", func(t *testing.T) {
		g := NewGate(zerolog.Nop())
		out := requestAsync(t, g, context.Background(), testRequest("s1", "run ls"))

		pending := g.PendingList()
		require.Len(t, pending, 1)
		assert.True(t, g.Resolve(pending[0].ID, true))

		outcome := <-out
		assert.Equal(t, "selected", outcome.Kind)
		assert.Equal(t, "opt-once", outcome.OptionID)
		assert.Empty(t, g.PendingList())
	})

	t.Run("should select the deny option when denied", func(t *testing.T) {
		g := NewGate(zerolog.Nop())
		out := requestAsync(t, g, context.Background(), testRequest("s1", "rm -rf"))

		pending := g.PendingList()
		require.Len(t, pending, 1)
		g.Resolve(pending[0].ID, false)

		outcome := <-out
		assert.Equal(t, "selected", outcome.Kind)
		assert.Equal(t, "opt-deny", outcome.OptionID)
	})

	t.Run("should report cancelled on approval without any non-deny option", func(t *testing.T) {
		g := NewGate(zerolog.Nop())
		req := Request{
			SessionID: "s1",
			ToolCall:  ToolCall{Title: "odd"},
			Options:   []Option{{ID: "opt-deny", Kind: KindDeny}},
		}
		out := requestAsync(t, g, context.Background(), req)

		pending := g.PendingList()
		require.Len(t, pending, 1)
		g.Resolve(pending[0].ID, true)

		outcome := <-out
		assert.Equal(t, "cancelled", outcome.Kind)
	})

	t.Run("should unblock with an error when the context ends", func(t *testing.T) {
		g := NewGate(zerolog.Nop())
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			_, err := g.Request(ctx, testRequest("s1", "slow"))
			done <- err
		}()
		require.Eventually(t, func() bool {
			return len(g.PendingList()) == 1
		}, 2*time.Second, 5*time.Millisecond)

		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("request never unblocked")
		}
		assert.Empty(t, g.PendingList())
	})

	t.Run("should ignore a second resolve for the same grant", func(t *testing.T) {
		g := NewGate(zerolog.Nop())
		out := requestAsync(t, g, context.Background(), testRequest("s1", "once"))

		pending := g.PendingList()
		require.Len(t, pending, 1)
		require.True(t, g.Resolve(pending[0].ID, true))

		outcome := <-out
		assert.Equal(t, "opt-once", outcome.OptionID)
		assert.False(t, g.Resolve(pending[0].ID, false))
	})

	t.Run("should ignore unknown ids", func(t *testing.T) {
		g := NewGate(zerolog.Nop())
		assert.False(t, g.Resolve("no-such-grant", true))
	})
}

func TestCancelSession(t *testing.T) {
	t.Run("should release only the session's blocked waiters", func(t *testing.T) {
		g := NewGate(zerolog.Nop())

		first := requestAsync(t, g, context.Background(), testRequest("s1", "a"))
		second := requestAsync(t, g, context.Background(), testRequest("s1", "b"))
		other := requestAsync(t, g, context.Background(), testRequest("s2", "c"))

		require.Eventually(t, func() bool {
			return len(g.PendingList()) == 3
		}, 2*time.Second, 5*time.Millisecond)

		assert.Equal(t, 2, g.CancelSession("s1"))

		for _, ch := range []<-chan Outcome{first, second} {
			select {
			case outcome := <-ch:
				assert.Equal(t, "cancelled", outcome.Kind)
			case <-time.After(2 * time.Second):
				t.Fatal("cancelled request never unblocked")
			}
		}

		select {
		case <-other:
			t.Fatal("unrelated session was cancelled")
		case <-time.After(50 * time.Millisecond):
		}

		require.Eventually(t, func() bool {
			return len(g.PendingList()) == 1
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, "s2", g.PendingList()[0].SessionID)
	})

	t.Run("should report zero for a session with no grants", func(t *testing.T) {
		g := NewGate(zerolog.Nop())
		assert.Zero(t, g.CancelSession("nobody"))
	})
}

func TestPendingOrder(t *testing.T) {
	g := NewGate(zerolog.Nop())

	_ = requestAsync(t, g, context.Background(), testRequest("s1", "first"))
	_ = requestAsync(t, g, context.Background(), testRequest("s1", "second"))
	require.Eventually(t, func() bool {
		return len(g.PendingList()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	t.Run("should list oldest first", func(t *testing.T) {
		pending := g.PendingList()
		assert.Equal(t, "first", pending[0].Title)
		assert.Equal(t, "second", pending[1].Title)
	})

	t.Run("should report the newest grant as latest", func(t *testing.T) {
		latest, ok := g.Latest()
		require.True(t, ok)
		assert.Equal(t, "second", latest.Title)
	})

	t.Run("should report no latest when drained", func(t *testing.T) {
		for _, p := range g.PendingList() {
			g.Resolve(p.ID, false)
		}
		require.Eventually(t, func() bool {
			return len(g.PendingList()) == 0
		}, 2*time.Second, 5*time.Millisecond)

		_, ok := g.Latest()
		assert.False(t, ok)
	})
}

type recordingObserver struct {
	mu       sync.Mutex
	pending  []Pending
	resolved map[string]bool
	panics   bool
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{resolved: make(map[string]bool)}
}

func (o *recordingObserver) ApprovalPending(p Pending) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, p)
	if o.panics {
		panic("observer failure")
	}
}

func (o *recordingObserver) ApprovalResolved(id string, approved bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolved[id] = approved
	if o.panics {
		panic("observer failure")
	}
}

func TestObservers(t *testing.T) {
	t.Run("should notify observers on pending and resolved", func(t *testing.T) {
		g := NewGate(zerolog.Nop())
		obs := newRecordingObserver()
		g.AddObserver(obs)

		out := requestAsync(t, g, context.Background(), testRequest("s1", "watched"))

		obs.mu.Lock()
		require.Len(t, obs.pending, 1)
		id := obs.pending[0].ID
		assert.Equal(t, "watched", obs.pending[0].Title)
		obs.mu.Unlock()

		g.Resolve(id, true)
		<-out

		obs.mu.Lock()
		defer obs.mu.Unlock()
		approved, ok := obs.resolved[id]
		require.True(t, ok)
		assert.True(t, approved)
	})

	t.Run("should notify resolved when the context ends", func(t *testing.T) {
		g := NewGate(zerolog.Nop())
		obs := newRecordingObserver()
		g.AddObserver(obs)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := g.Request(ctx, testRequest("s1", "doomed"))
			done <- err
		}()
		require.Eventually(t, func() bool {
			return len(g.PendingList()) == 1
		}, 2*time.Second, 5*time.Millisecond)

		obs.mu.Lock()
		require.Len(t, obs.pending, 1)
		id := obs.pending[0].ID
		obs.mu.Unlock()

		cancel()
		require.ErrorIs(t, <-done, context.Canceled)

		obs.mu.Lock()
		defer obs.mu.Unlock()
		approved, ok := obs.resolved[id]
		require.True(t, ok)
		assert.False(t, approved)
	})

	t.Run("should survive a panicking observer", func(t *testing.T) {
		g := NewGate(zerolog.Nop())
		bad := newRecordingObserver()
		bad.panics = true
		good := newRecordingObserver()
		g.AddObserver(bad)
		g.AddObserver(good)

		out := requestAsync(t, g, context.Background(), testRequest("s1", "risky"))

		good.mu.Lock()
		require.Len(t, good.pending, 1)
		id := good.pending[0].ID
		good.mu.Unlock()

		g.Resolve(id, false)

		outcome := <-out
		assert.Equal(t, "selected", outcome.Kind)

		good.mu.Lock()
		defer good.mu.Unlock()
		_, ok := good.resolved[id]
		assert.True(t, ok)
	})
}

func TestHandleRequest(t *testing.T) {
	t.Run("should fill in the session id from the dispatch context", func(t *testing.T) {
		g := NewGate(zerolog.Nop())

		raw, err := json.Marshal(Request{
			ToolCall: ToolCall{Title: "edit file"},
			Options:  standardOptions,
		})
		require.NoError(t, err)

		type handled struct {
			result interface{}
			err    error
		}
		done := make(chan handled, 1)
		go func() {
			result, err := g.HandleRequest(context.Background(), "sess-abc", raw)
			done <- handled{result, err}
		}()

		require.Eventually(t, func() bool {
			return len(g.PendingList()) == 1
		}, 2*time.Second, 5*time.Millisecond)

		pending := g.PendingList()[0]
		assert.Equal(t, "sess-abc", pending.SessionID)
		g.Resolve(pending.ID, true)

		h := <-done
		require.NoError(t, h.err)

		payload, ok := h.result.(map[string]interface{})
		require.True(t, ok)
		outcome, ok := payload["outcome"].(Outcome)
		require.True(t, ok)
		assert.Equal(t, "opt-once", outcome.OptionID)
	})

	t.Run("should reject malformed params", func(t *testing.T) {
		g := NewGate(zerolog.Nop())
		_, err := g.HandleRequest(context.Background(), "s1", []byte("not json"))
		assert.Error(t, err)
	})
}

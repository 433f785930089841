// Package approval turns an agent's "may I run this tool" request into a
// user-facing decision and blocks the asking agent until it is answered
// or its session is torn down.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Option kinds offered by agents on a permission request
const (
	KindAllowOnce   = "allow_once"
	KindAllowAlways = "allow_always"
	KindDeny        = "deny"
)

// ToolCall describes the tool invocation awaiting permission
type ToolCall struct {
	ID     string          `json:"toolCallId,omitempty"`
	Title  string          `json:"title,omitempty"`
	Status string          `json:"status,omitempty"`
	Input  json.RawMessage `json:"rawInput,omitempty"`
	Output json.RawMessage `json:"rawOutput,omitempty"`
}

// Option is one selectable answer to a permission request
type Option struct {
	ID   string `json:"optionId"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Request is the payload of a session/request_permission call
type Request struct {
	SessionID string   `json:"sessionId,omitempty"`
	ToolCall  ToolCall `json:"toolCall"`
	Options   []Option `json:"options"`
}

// Outcome is what the gate reports back to the agent
type Outcome struct {
	Kind     string `json:"outcome"` // "selected" or "cancelled"
	OptionID string `json:"optionId,omitempty"`
}

// Pending is one grant awaiting a decision, exposed to approval observers
type Pending struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Title     string    `json:"title"`
	RawInput  string    `json:"rawInput,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Observer is notified when grants appear and resolve. Failures inside
// the observer must never reach the protocol loop; calls are best-effort.
type Observer interface {
	ApprovalPending(p Pending)
	ApprovalResolved(id string, approved bool)
}

type grant struct {
	pending Pending
	options []Option
	ch      chan decision
	once    sync.Once
}

type decision struct {
	approved  bool
	cancelled bool
}

func (g *grant) resolve(d decision) {
	g.once.Do(func() { g.ch <- d })
}

// Gate tracks pending grants and suspends callers until resolution.
// There is deliberately no timeout at this layer; session-level deadlines
// are the caller's responsibility.
type Gate struct {
	logger    zerolog.Logger
	mu        sync.Mutex
	grants    map[string]*grant
	order     []string // insertion order, for the latest-pending heuristic
	observers []Observer
}

// NewGate creates an approval gate
func NewGate(logger zerolog.Logger) *Gate {
	return &Gate{
		logger: logger,
		grants: make(map[string]*grant),
	}
}

// AddObserver registers a UI-facing observer for grant lifecycle events
func (g *Gate) AddObserver(obs Observer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, obs)
}

// Request registers a grant and blocks until it is resolved, cancelled
// with its session, or ctx ends. The returned outcome selects an option
// per the request's option kinds.
func (g *Gate) Request(ctx context.Context, req Request) (Outcome, error) {
	id := uuid.New().String()
	gr := &grant{
		pending: Pending{
			ID:        id,
			SessionID: req.SessionID,
			Title:     req.ToolCall.Title,
			RawInput:  string(req.ToolCall.Input),
			CreatedAt: time.Now(),
		},
		options: req.Options,
		ch:      make(chan decision, 1),
	}

	g.mu.Lock()
	g.grants[id] = gr
	g.order = append(g.order, id)
	observers := append([]Observer(nil), g.observers...)
	g.mu.Unlock()

	g.logger.Info().
		Str("approval_id", id).
		Str("session_id", req.SessionID).
		Str("tool", req.ToolCall.Title).
		Msg("Permission requested")

	for _, obs := range observers {
		g.safeNotifyPending(obs, gr.pending)
	}

	var d decision
	select {
	case d = <-gr.ch:
	case <-ctx.Done():
		g.remove(id)
		for _, obs := range observers {
			g.safeNotifyResolved(obs, id, false)
		}
		return Outcome{Kind: "cancelled"}, ctx.Err()
	}

	g.remove(id)

	for _, obs := range observers {
		g.safeNotifyResolved(obs, id, d.approved)
	}

	return g.selectOutcome(req.Options, d), nil
}

// Resolve answers a pending grant by id. Unknown ids are ignored; a grant
// resolves at most once.
func (g *Gate) Resolve(id string, approved bool) bool {
	g.mu.Lock()
	gr, ok := g.grants[id]
	g.mu.Unlock()
	if !ok {
		return false
	}

	g.logger.Info().Str("approval_id", id).Bool("approved", approved).Msg("Permission resolved")
	gr.resolve(decision{approved: approved})
	return true
}

// CancelSession resolves every pending grant of a session as cancelled so
// callers blocked in Request are released immediately.
func (g *Gate) CancelSession(sessionID string) int {
	g.mu.Lock()
	var cancelled []*grant
	for _, gr := range g.grants {
		if gr.pending.SessionID == sessionID {
			cancelled = append(cancelled, gr)
		}
	}
	g.mu.Unlock()

	for _, gr := range cancelled {
		gr.resolve(decision{cancelled: true})
	}

	if len(cancelled) > 0 {
		g.logger.Info().
			Str("session_id", sessionID).
			Int("count", len(cancelled)).
			Msg("Cancelled pending permission grants for stopped session")
	}
	return len(cancelled)
}

// PendingList returns all grants awaiting a decision, oldest first
func (g *Gate) PendingList() []Pending {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Pending, 0, len(g.grants))
	for _, id := range g.order {
		if gr, ok := g.grants[id]; ok {
			out = append(out, gr.pending)
		}
	}
	return out
}

// Latest returns the most recently inserted pending grant. This is a
// best-effort heuristic for ambiguous approval responses that name no id;
// it is not a guarantee of which grant the user meant.
func (g *Gate) Latest() (Pending, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := len(g.order) - 1; i >= 0; i-- {
		if gr, ok := g.grants[g.order[i]]; ok {
			return gr.pending, true
		}
	}
	return Pending{}, false
}

func (g *Gate) remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.grants, id)
	for i, existing := range g.order {
		if existing == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// selectOutcome maps a decision onto the agent's offered options: approved
// picks the first allow_once, else the first non-deny; denied picks the
// explicit deny option when present, else reports cancelled.
func (g *Gate) selectOutcome(options []Option, d decision) Outcome {
	if d.cancelled {
		return Outcome{Kind: "cancelled"}
	}

	if d.approved {
		for _, opt := range options {
			if opt.Kind == KindAllowOnce {
				return Outcome{Kind: "selected", OptionID: opt.ID}
			}
		}
		for _, opt := range options {
			if opt.Kind != KindDeny {
				return Outcome{Kind: "selected", OptionID: opt.ID}
			}
		}
		return Outcome{Kind: "cancelled"}
	}

	for _, opt := range options {
		if opt.Kind == KindDeny {
			return Outcome{Kind: "selected", OptionID: opt.ID}
		}
	}
	return Outcome{Kind: "cancelled"}
}

func (g *Gate) safeNotifyPending(obs Observer, p Pending) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error().Interface("panic", r).Msg("Approval observer panicked")
		}
	}()
	obs.ApprovalPending(p)
}

func (g *Gate) safeNotifyResolved(obs Observer, id string, approved bool) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error().Interface("panic", r).Msg("Approval observer panicked")
		}
	}()
	obs.ApprovalResolved(id, approved)
}

// HandleRequest adapts the gate to the inbound dispatch table for
// session/request_permission calls.
func (g *Gate) HandleRequest(ctx context.Context, sessionID string, raw json.RawMessage) (interface{}, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid permission request: %w", err)
	}
	if req.SessionID == "" {
		req.SessionID = sessionID
	}

	outcome, err := g.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"outcome": outcome}, nil
}

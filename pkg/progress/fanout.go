// Package progress aggregates streamed agent output into bounded
// per-run conversation buffers and emits rate-limited snapshots to
// observers. Sink failures are logged and swallowed; they never become
// task failures.
package progress

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vkode/conductor/pkg/agent"
	"github.com/vkode/conductor/pkg/approval"
)

// DefaultMinEmitInterval is the per-run floor between snapshot emissions.
// Updates carrying the completion flag always emit immediately.
const DefaultMinEmitInterval = 500 * time.Millisecond

// RunResolver maps streamed notifications to delegation runs. It is the
// mapping registry passed in by reference, not ambient global state.
type RunResolver interface {
	ResolveSession(sessionID string) (string, bool)
	ResolveAgentActive(agentName string) (string, bool)
	BindSession(sessionID, runID string)
	CompareAndDeleteSession(sessionID, runID string) bool
	CompareAndDeleteAgent(agentName, runID string) bool
}

// ApprovalSource exposes pending permission grants for snapshots
type ApprovalSource interface {
	PendingList() []approval.Pending
}

// Snapshot is one progress emission for a run
type Snapshot struct {
	RunID           string            `json:"runId"`
	SessionID       string            `json:"sessionId,omitempty"`
	Steps           []string          `json:"steps,omitempty"`
	IsComplete      bool              `json:"isComplete"`
	Conversation    []Message         `json:"conversation"`
	PendingApproval *approval.Pending `json:"pendingApproval,omitempty"`
}

// Sink receives snapshots. Delivery failures are the fan-out's to log and
// ignore.
type Sink interface {
	Publish(snap Snapshot) error
}

type runState struct {
	conv     *Conversation
	steps    []string
	lastEmit time.Time
}

// Fanout is the streamed-update receiver for all agent instances
type Fanout struct {
	resolver  RunResolver
	approvals ApprovalSource
	logger    zerolog.Logger

	minInterval time.Duration

	mu    sync.Mutex
	runs  map[string]*runState
	sinks []Sink
}

// NewFanout creates a progress fan-out over the given mapping registry
func NewFanout(resolver RunResolver, logger zerolog.Logger) *Fanout {
	return &Fanout{
		resolver:    resolver,
		logger:      logger,
		minInterval: DefaultMinEmitInterval,
		runs:        make(map[string]*runState),
	}
}

// SetApprovalSource wires the permission gate for snapshot enrichment
func (f *Fanout) SetApprovalSource(src ApprovalSource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals = src
}

// AddSink registers a snapshot receiver
func (f *Fanout) AddSink(sink Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, sink)
}

// HandleUpdate implements agent.UpdateSink. It resolves the update to a
// run, appends content to the run's conversation, and emits a snapshot
// unless rate-limited.
func (f *Fanout) HandleUpdate(u agent.Update) {
	runID, ok := f.resolveRun(u)
	if !ok {
		f.logger.Debug().
			Str("agent", u.AgentName).
			Str("session_id", u.SessionID).
			Msg("Dropping update with no resolvable run")
		return
	}

	f.mu.Lock()
	state, exists := f.runs[runID]
	if !exists {
		state = &runState{conv: NewConversation(0, 0)}
		f.runs[runID] = state
	}

	for _, block := range u.Blocks {
		if block.Text != "" {
			state.conv.Append(Message{Role: RoleAssistant, Content: block.Text})
		}
	}
	if u.ToolCall != nil {
		state.conv.Append(Message{
			Role:     RoleTool,
			Content:  u.ToolCall.Status,
			ToolName: u.ToolCall.Title,
		})
		state.steps = append(state.steps, u.ToolCall.Title)
	}

	now := time.Now()
	if !u.IsComplete && now.Sub(state.lastEmit) < f.minInterval {
		f.mu.Unlock()
		return
	}
	state.lastEmit = now

	snap := Snapshot{
		RunID:        runID,
		SessionID:    u.SessionID,
		Steps:        append([]string(nil), state.steps...),
		IsComplete:   u.IsComplete,
		Conversation: state.conv.Snapshot(),
	}
	approvals := f.approvals
	sinks := append([]Sink(nil), f.sinks...)
	f.mu.Unlock()

	if approvals != nil {
		for _, pending := range approvals.PendingList() {
			if pending.SessionID == u.SessionID {
				p := pending
				snap.PendingApproval = &p
				break
			}
		}
	}

	for _, sink := range sinks {
		f.safePublish(sink, snap)
	}

	if u.IsComplete {
		f.resolver.CompareAndDeleteSession(u.SessionID, runID)
		f.resolver.CompareAndDeleteAgent(u.AgentName, runID)
	}
}

// resolveRun maps the update's session to a run, falling back to the
// agent's active run and establishing the session mapping so future
// updates resolve directly.
func (f *Fanout) resolveRun(u agent.Update) (string, bool) {
	if u.SessionID != "" {
		if runID, ok := f.resolver.ResolveSession(u.SessionID); ok {
			return runID, true
		}
	}

	runID, ok := f.resolver.ResolveAgentActive(u.AgentName)
	if !ok {
		return "", false
	}
	if u.SessionID != "" {
		f.resolver.BindSession(u.SessionID, runID)
	}
	return runID, true
}

// Transcript returns the accumulated conversation for a run as text,
// satisfying the delegation router's transcript source.
func (f *Fanout) Transcript(runID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.runs[runID]
	if !ok {
		return ""
	}
	return state.conv.Transcript()
}

// Conversation returns the run's current message snapshot
func (f *Fanout) Conversation(runID string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.runs[runID]
	if !ok {
		return nil
	}
	return state.conv.Snapshot()
}

// DropRun releases a run's buffered conversation
func (f *Fanout) DropRun(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.runs, runID)
}

func (f *Fanout) safePublish(sink Sink, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error().Interface("panic", r).Msg("Progress sink panicked")
		}
	}()
	if err := sink.Publish(snap); err != nil {
		f.logger.Warn().Err(err).Str("run_id", snap.RunID).Msg("Progress sink delivery failed")
	}
}

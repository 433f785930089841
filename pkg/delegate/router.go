package delegate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/vkode/conductor/pkg/agent"
	"github.com/vkode/conductor/pkg/remote"
)

// DefaultMaxDepth bounds recursive internal delegation. The depth is an
// explicit parameter threaded through every internal sub-session, never
// inferred from the call stack.
const DefaultMaxDepth = 3

// remotePollInterval paces status polling of remote runs
const remotePollInterval = 2 * time.Second

// RemoteClient reaches remote agents' run endpoints
type RemoteClient interface {
	RunAsync(ctx context.Context, baseURL, task string) (string, error)
	RunStatus(ctx context.Context, baseURL, acpRunID string) (remote.Status, error)
}

// TranscriptSource supplies the conversation transcript accumulated for a
// run, implemented by the progress fan-out.
type TranscriptSource interface {
	Transcript(runID string) string
}

// RunObserver is notified when a run reaches a terminal status
type RunObserver interface {
	RunFinished(agentName string, status RunStatus, duration time.Duration)
}

// Router analyzes tasks, scores candidate agents by capability overlap,
// and dispatches delegations synchronously or asynchronously.
type Router struct {
	sup      *agent.Supervisor
	remote   RemoteClient
	reg      *Registry
	store    *Store
	logger   zerolog.Logger
	maxDepth int

	transcripts TranscriptSource
	runObserver RunObserver

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // subSessionID -> internal run cancel
}

// NewRouter creates a delegation router. store may be nil to disable run
// history persistence.
func NewRouter(sup *agent.Supervisor, remoteClient RemoteClient, reg *Registry, store *Store, logger zerolog.Logger) *Router {
	return &Router{
		sup:      sup,
		remote:   remoteClient,
		reg:      reg,
		store:    store,
		logger:   logger,
		maxDepth: DefaultMaxDepth,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// SetMaxDepth overrides the internal delegation depth ceiling
func (r *Router) SetMaxDepth(depth int) {
	if depth > 0 {
		r.maxDepth = depth
	}
}

// SetTranscriptSource wires the progress fan-out's conversation buffers
func (r *Router) SetTranscriptSource(src TranscriptSource) {
	r.transcripts = src
}

// SetRunObserver wires a receiver for terminal run notifications
func (r *Router) SetRunObserver(obs RunObserver) {
	r.runObserver = obs
}

// Registry exposes the run registry for wiring into the fan-out
func (r *Router) Registry() *Registry {
	return r.reg
}

// newRunID builds a process-unique run id from time plus randomness
func newRunID() string {
	suffix, err := gonanoid.New(8)
	if err != nil {
		suffix = "00000000"
	}
	return fmt.Sprintf("run_%d_%s", time.Now().UnixMilli(), suffix)
}

// Delegate routes a task to an agent. With no explicit agent name the
// best capability match is picked. Routing failures come back as a failed
// Result, not an error, since delegation is advisory.
func (r *Router) Delegate(ctx context.Context, req Request) Result {
	if strings.TrimSpace(req.Task) == "" {
		return Result{Status: StatusFailed, Error: "task must not be empty"}
	}

	agentName := req.AgentName
	if agentName == "" {
		analysis := Analyze(req.Task)
		suggestions := Rank(analysis, r.sup.Definitions())
		if !Recommend(analysis, suggestions) {
			return Result{Status: StatusFailed, Error: ErrNoMatch.Error()}
		}
		agentName = suggestions[0].AgentName
	}

	def, err := r.sup.Definition(agentName)
	if err != nil {
		return Result{Status: StatusFailed, Error: err.Error()}
	}
	if !def.Enabled {
		return Result{Status: StatusFailed, Error: fmt.Sprintf("agent %s is disabled", agentName)}
	}

	run := &Run{
		ID:              newRunID(),
		AgentName:       agentName,
		ParentSessionID: req.ParentSessionID,
		Task:            req.Task,
		Status:          StatusPending,
		StartTime:       time.Now(),
	}
	r.reg.Insert(run)

	r.logger.Info().
		Str("run_id", run.ID).
		Str("agent", agentName).
		Bool("async", req.Async).
		Int("depth", req.Depth).
		Msg("Delegation started")

	if req.Async {
		go r.execute(context.Background(), run.ID, def, req)
		return Result{RunID: run.ID, AgentName: agentName, Status: StatusPending}
	}

	r.execute(ctx, run.ID, def, req)
	return r.resultFor(run.ID, true)
}

// execute drives one run to a terminal status
func (r *Router) execute(ctx context.Context, runID string, def agent.Definition, req Request) {
	r.reg.Update(runID, func(run *Run) { run.Status = StatusRunning })

	var output string
	var err error
	switch {
	case def.Connection.Stdio != nil:
		output, err = r.runStdio(ctx, runID, def, req)
	case def.Connection.Remote != nil:
		output, err = r.runRemote(ctx, runID, def, req)
	case def.Connection.Internal:
		output, err = r.runInternal(ctx, runID, req)
	default:
		err = fmt.Errorf("agent %s has no usable connection", def.Name)
	}

	if err != nil {
		r.finish(runID, StatusFailed, "", err.Error())
		return
	}
	r.finish(runID, StatusCompleted, output, "")
}

// runStdio dispatches to a spawned stdio agent, binding the protocol
// session to the run as soon as it is known.
func (r *Router) runStdio(ctx context.Context, runID string, def agent.Definition, req Request) (string, error) {
	inst, err := r.sup.Ensure(ctx, def.Name)
	if err != nil {
		return "", err
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd = def.Connection.Stdio.Cwd
	}
	if cwd == "" {
		cwd = "."
	}

	sessionID, err := inst.EnsureSession(ctx, cwd)
	if err != nil {
		return "", err
	}
	r.reg.BindSession(sessionID, runID)

	return inst.Prompt(ctx, req.Task)
}

// runRemote submits the task to a remote agent and polls its run status
func (r *Router) runRemote(ctx context.Context, runID string, def agent.Definition, req Request) (string, error) {
	baseURL := def.Connection.Remote.BaseURL

	acpRunID, err := r.remote.RunAsync(ctx, baseURL, req.Task)
	if err != nil {
		return "", fmt.Errorf("remote dispatch failed: %w", err)
	}
	r.reg.Update(runID, func(run *Run) {
		run.ACPRunID = acpRunID
		run.BaseURL = baseURL
	})

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(remotePollInterval):
		}

		status, err := r.remote.RunStatus(ctx, baseURL, acpRunID)
		if err != nil {
			r.logger.Warn().Err(err).Str("run_id", runID).Msg("Remote status poll failed")
			continue
		}

		switch status.Status {
		case remote.StatusCompleted:
			return status.Output, nil
		case remote.StatusFailed:
			return "", fmt.Errorf("remote run failed: %s", status.Error)
		}
	}
}

// runInternal executes the task as an in-process recursive sub-session:
// the task is decomposed and each piece is re-delegated to the best
// matching agent at depth+1, up to the hard ceiling.
func (r *Router) runInternal(ctx context.Context, runID string, req Request) (string, error) {
	if req.Depth >= r.maxDepth {
		return "", fmt.Errorf("%w (%d)", ErrMaxDepth, r.maxDepth)
	}

	subSessionID, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate sub-session id: %w", err)
	}
	r.reg.Update(runID, func(run *Run) { run.SubSessionID = subSessionID })

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancels[subSessionID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, subSessionID)
		r.mu.Unlock()
	}()

	analysis := Analyze(req.Task)
	pieces := analysis.Subtasks
	if len(pieces) == 0 {
		pieces = []string{req.Task}
	}

	var outputs []string
	for _, piece := range pieces {
		if cctx.Err() != nil {
			return "", cctx.Err()
		}

		child := r.Delegate(cctx, Request{
			Task:            piece,
			ParentSessionID: subSessionID,
			Cwd:             req.Cwd,
			Depth:           req.Depth + 1,
		})
		if child.Status != StatusCompleted {
			return "", fmt.Errorf("subtask %q failed: %s", piece, child.Error)
		}
		outputs = append(outputs, child.Output)
	}

	return strings.Join(outputs, "\n\n"), nil
}

// finish moves a run to a terminal status, cleans up its mappings with
// conditional deletes, and persists it to history. A run that is already
// terminal stays untouched, so a late execute outcome can never overwrite
// a cancellation that landed first.
func (r *Router) finish(runID string, status RunStatus, output, errMsg string) {
	now := time.Now()
	applied := false
	r.reg.Update(runID, func(run *Run) {
		if run.Status.IsTerminal() {
			return
		}
		run.Status = status
		run.EndTime = &now
		run.Result = output
		run.Error = errMsg
		applied = true
	})
	if !applied {
		return
	}

	snap, ok := r.reg.Get(runID)
	if !ok {
		return
	}

	r.reg.CompareAndDeleteSession(snap.SessionID, runID)
	r.reg.CompareAndDeleteAgent(snap.AgentName, runID)

	if r.store != nil {
		if err := r.store.SaveRun(snap); err != nil {
			r.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to persist run history")
		}
	}

	if r.runObserver != nil {
		r.runObserver.RunFinished(snap.AgentName, status, now.Sub(snap.StartTime))
	}

	r.logger.Info().
		Str("run_id", runID).
		Str("status", string(status)).
		Msg("Delegation finished")
}

// Cancel stops a running delegation. Only internal runs can actually be
// interrupted; external and remote runs are only marked cancelled here.
func (r *Router) Cancel(runID string) Result {
	snap, ok := r.reg.Get(runID)
	if !ok {
		return Result{RunID: runID, Status: StatusFailed, Error: ErrRunNotFound.Error()}
	}
	if snap.Status.IsTerminal() {
		return r.resultFor(runID, false)
	}

	note := "run marked cancelled locally; the agent may still be working since cancellation does not stop external or remote work"
	if snap.SubSessionID != "" {
		r.mu.Lock()
		cancel, found := r.cancels[snap.SubSessionID]
		r.mu.Unlock()
		if found {
			cancel()
			note = "internal sub-session interrupted"
		}
	}

	r.finish(runID, StatusCancelled, "", "cancelled by caller")

	res := r.resultFor(runID, false)
	res.Note = note
	return res
}

// CheckStatus reports a run's current state, polling remote runs that are
// still in flight. Runs already evicted from memory are served from the
// history store.
func (r *Router) CheckStatus(ctx context.Context, runID string) Result {
	snap, ok := r.reg.Get(runID)
	if !ok {
		if r.store != nil {
			if hist, found, err := r.store.GetRun(runID); err == nil && found {
				return Result{
					RunID:     hist.ID,
					AgentName: hist.AgentName,
					Status:    hist.Status,
					Output:    hist.Result,
					Error:     hist.Error,
				}
			}
		}
		return Result{RunID: runID, Status: StatusFailed, Error: ErrRunNotFound.Error()}
	}

	if !snap.Status.IsTerminal() && snap.ACPRunID != "" {
		status, err := r.remote.RunStatus(ctx, snap.BaseURL, snap.ACPRunID)
		if err == nil {
			switch status.Status {
			case remote.StatusCompleted:
				r.finish(runID, StatusCompleted, status.Output, "")
			case remote.StatusFailed:
				r.finish(runID, StatusFailed, "", status.Error)
			}
		}
	}

	return r.resultFor(runID, false)
}

// Runs lists all in-memory runs
func (r *Router) Runs() []Run {
	return r.reg.List()
}

func (r *Router) resultFor(runID string, withTranscript bool) Result {
	snap, ok := r.reg.Get(runID)
	if !ok {
		return Result{RunID: runID, Status: StatusFailed, Error: ErrRunNotFound.Error()}
	}

	res := Result{
		RunID:     snap.ID,
		AgentName: snap.AgentName,
		Status:    snap.Status,
		Output:    snap.Result,
		Error:     snap.Error,
	}
	if withTranscript && r.transcripts != nil {
		res.Transcript = r.transcripts.Transcript(snap.ID)
	}
	return res
}

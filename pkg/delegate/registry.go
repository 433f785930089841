package delegate

import (
	"sync"
	"time"
)

// Registry owns the delegation runs plus the two auxiliary lookup maps:
// sessionID to runID, and agentName to the currently active runID (the
// fallback used only until a session mapping exists). Deletions are
// conditional, so a late cleanup from an old run can never clobber a
// newer run's mapping.
type Registry struct {
	mu        sync.Mutex
	runs      map[string]*Run
	bySession map[string]string
	byAgent   map[string]string
}

// NewRegistry creates an empty run registry
func NewRegistry() *Registry {
	return &Registry{
		runs:      make(map[string]*Run),
		bySession: make(map[string]string),
		byAgent:   make(map[string]string),
	}
}

// Insert registers a new run and claims the agent-name fallback mapping
func (r *Registry) Insert(run *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
	r.byAgent[run.AgentName] = run.ID
}

// Get returns a snapshot of a run
func (r *Registry) Get(runID string) (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// Update applies fn to a run under the registry lock
func (r *Registry) Update(runID string, fn func(*Run)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return false
	}
	fn(run)
	return true
}

// BindSession establishes the sessionID to runID mapping once a protocol
// session is known for a run. Future notifications resolve directly.
func (r *Registry) BindSession(sessionID, runID string) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySession[sessionID] = runID
	if run, ok := r.runs[runID]; ok {
		run.SessionID = sessionID
	}
}

// ResolveSession maps a protocol session to its run
func (r *Registry) ResolveSession(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runID, ok := r.bySession[sessionID]
	return runID, ok
}

// ResolveAgentActive maps an agent name to its active run, the fallback
// used before a session mapping exists.
func (r *Registry) ResolveAgentActive(agentName string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runID, ok := r.byAgent[agentName]
	return runID, ok
}

// CompareAndDeleteSession removes the session mapping only if it still
// points at the given run.
func (r *Registry) CompareAndDeleteSession(sessionID, runID string) bool {
	if sessionID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.bySession[sessionID]; ok && current == runID {
		delete(r.bySession, sessionID)
		return true
	}
	return false
}

// CompareAndDeleteAgent removes the agent fallback mapping only if it
// still points at the given run.
func (r *Registry) CompareAndDeleteAgent(agentName, runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.byAgent[agentName]; ok && current == runID {
		delete(r.byAgent, agentName)
		return true
	}
	return false
}

// List returns snapshots of all tracked runs
func (r *Registry) List() []Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Run, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, *run)
	}
	return out
}

// Cleanup drops terminal runs older than the retention window and returns
// how many were removed. Mapping deletions stay conditional even here.
func (r *Registry) Cleanup(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, run := range r.runs {
		if !run.Status.IsTerminal() {
			continue
		}
		if run.EndTime == nil || run.EndTime.After(cutoff) {
			continue
		}
		if current, ok := r.bySession[run.SessionID]; ok && current == id {
			delete(r.bySession, run.SessionID)
		}
		if current, ok := r.byAgent[run.AgentName]; ok && current == id {
			delete(r.byAgent, run.AgentName)
		}
		delete(r.runs, id)
		removed++
	}
	return removed
}

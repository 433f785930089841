package delegate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertRun(r *Registry, id, agentName string) *Run {
	run := &Run{
		ID:        id,
		AgentName: agentName,
		Task:      "task for " + id,
		Status:    StatusRunning,
		StartTime: time.Now(),
	}
	r.Insert(run)
	return run
}

func TestRegistryMappings(t *testing.T) {
	t.Run("should resolve a bound session to its run", func(t *testing.T) {
		r := NewRegistry()
		insertRun(r, "run-1", "coder")

		r.BindSession("sess-1", "run-1")

		runID, ok := r.ResolveSession("sess-1")
		require.True(t, ok)
		assert.Equal(t, "run-1", runID)

		snap, ok := r.Get("run-1")
		require.True(t, ok)
		assert.Equal(t, "sess-1", snap.SessionID)
	})

	t.Run("should ignore empty session ids", func(t *testing.T) {
		r := NewRegistry()
		insertRun(r, "run-1", "coder")

		r.BindSession("", "run-1")
		_, ok := r.ResolveSession("")
		assert.False(t, ok)
	})

	t.Run("should resolve the agent fallback to the latest run", func(t *testing.T) {
		r := NewRegistry()
		insertRun(r, "run-1", "coder")
		insertRun(r, "run-2", "coder")

		runID, ok := r.ResolveAgentActive("coder")
		require.True(t, ok)
		assert.Equal(t, "run-2", runID)
	})
}

func TestConditionalDeletes(t *testing.T) {
	t.Run("should not clobber a mapping claimed by a newer run", func(t *testing.T) {
		r := NewRegistry()
		insertRun(r, "run-old", "coder")
		insertRun(r, "run-new", "coder")

		// The old run's cleanup must leave the new run's claim intact
		assert.False(t, r.CompareAndDeleteAgent("coder", "run-old"))

		runID, ok := r.ResolveAgentActive("coder")
		require.True(t, ok)
		assert.Equal(t, "run-new", runID)

		assert.True(t, r.CompareAndDeleteAgent("coder", "run-new"))
		_, ok = r.ResolveAgentActive("coder")
		assert.False(t, ok)
	})

	t.Run("should apply the same rule to session mappings", func(t *testing.T) {
		r := NewRegistry()
		insertRun(r, "run-a", "coder")
		insertRun(r, "run-b", "coder")
		r.BindSession("sess-1", "run-a")
		r.BindSession("sess-1", "run-b")

		assert.False(t, r.CompareAndDeleteSession("sess-1", "run-a"))

		runID, ok := r.ResolveSession("sess-1")
		require.True(t, ok)
		assert.Equal(t, "run-b", runID)

		assert.True(t, r.CompareAndDeleteSession("sess-1", "run-b"))
	})

	t.Run("should refuse empty session ids", func(t *testing.T) {
		r := NewRegistry()
		assert.False(t, r.CompareAndDeleteSession("", "run-1"))
	})
}

func TestRegistryUpdate(t *testing.T) {
	r := NewRegistry()
	insertRun(r, "run-1", "coder")

	ok := r.Update("run-1", func(run *Run) { run.Status = StatusCompleted })
	require.True(t, ok)

	snap, _ := r.Get("run-1")
	assert.Equal(t, StatusCompleted, snap.Status)

	assert.False(t, r.Update("missing", func(run *Run) {}))
}

func TestRegistryCleanup(t *testing.T) {
	t.Run("should drop only old terminal runs", func(t *testing.T) {
		r := NewRegistry()

		old := time.Now().Add(-48 * time.Hour)
		stale := insertRun(r, "run-stale", "coder")
		r.Update(stale.ID, func(run *Run) {
			run.Status = StatusCompleted
			run.EndTime = &old
		})

		recent := time.Now()
		fresh := insertRun(r, "run-fresh", "writer")
		r.Update(fresh.ID, func(run *Run) {
			run.Status = StatusCompleted
			run.EndTime = &recent
		})

		insertRun(r, "run-live", "researcher")

		removed := r.Cleanup(24 * time.Hour)
		assert.Equal(t, 1, removed)

		_, ok := r.Get("run-stale")
		assert.False(t, ok)
		_, ok = r.Get("run-fresh")
		assert.True(t, ok)
		_, ok = r.Get("run-live")
		assert.True(t, ok)
	})

	t.Run("should release the stale run's mappings", func(t *testing.T) {
		r := NewRegistry()
		old := time.Now().Add(-48 * time.Hour)
		run := insertRun(r, "run-1", "coder")
		r.BindSession("sess-1", run.ID)
		r.Update(run.ID, func(run *Run) {
			run.Status = StatusFailed
			run.EndTime = &old
		})

		require.Equal(t, 1, r.Cleanup(24*time.Hour))

		_, ok := r.ResolveSession("sess-1")
		assert.False(t, ok)
		_, ok = r.ResolveAgentActive("coder")
		assert.False(t, ok)
	})
}

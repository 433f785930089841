package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkode/conductor/pkg/approval"
	"github.com/vkode/conductor/pkg/delegate"
	"github.com/vkode/conductor/pkg/progress"
)

func TestRunFinished(t *testing.T) {
	m := NewMetrics()

	m.RunFinished("coder", delegate.StatusCompleted, 3*time.Second)
	m.RunFinished("coder", delegate.StatusCompleted, 5*time.Second)
	m.RunFinished("coder", delegate.StatusFailed, time.Second)

	assert.InDelta(t, 2.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("coder", "completed")), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("coder", "failed")), 0.001)
}

func TestApprovalObserver(t *testing.T) {
	m := NewMetrics()

	m.ApprovalPending(approval.Pending{ID: "a1"})
	m.ApprovalPending(approval.Pending{ID: "a2"})
	assert.InDelta(t, 2.0, testutil.ToFloat64(m.ApprovalsPending), 0.001)

	m.ApprovalResolved("a1", true)
	m.ApprovalResolved("a2", false)
	assert.InDelta(t, 0.0, testutil.ToFloat64(m.ApprovalsPending), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.ApprovalsResolvedTotal.WithLabelValues("approved")), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.ApprovalsResolvedTotal.WithLabelValues("denied")), 0.001)
}

func TestProgressSink(t *testing.T) {
	m := NewMetrics()

	require.NoError(t, m.Publish(progress.Snapshot{RunID: "run-1"}))
	require.NoError(t, m.Publish(progress.Snapshot{RunID: "run-1", IsComplete: true}))

	assert.InDelta(t, 2.0, testutil.ToFloat64(m.SnapshotsPublishedTotal), 0.001)
}

func TestHandler(t *testing.T) {
	m := NewMetrics()
	m.RunFinished("coder", delegate.StatusCompleted, time.Second)

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := make([]byte, 1<<16)
	n, _ := resp.Body.Read(body)
	assert.Contains(t, string(body[:n]), "conductor_runs_total")
}

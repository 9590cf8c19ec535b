package sprintpulse

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dashboardFixture struct {
	srv       *fakeServer
	dash      *DashboardStream
	notices   *noticeLog
	summaries atomic.Int32
	summary   atomic.Value
	resyncs   atomic.Int32
	refreshes atomic.Int32

	mu          sync.Mutex
	resyncCode  int
	lastRefresh string
}

func newDashboardFixture(t *testing.T, opts ...func(*DashboardConfig)) *dashboardFixture {
	t.Helper()
	f := &dashboardFixture{srv: newFakeServer(t), notices: &noticeLog{}, resyncCode: http.StatusAccepted}

	f.srv.mux.HandleFunc("/api/projects/p1/resync", func(w http.ResponseWriter, r *http.Request) {
		f.resyncs.Add(1)
		f.mu.Lock()
		code := f.resyncCode
		f.mu.Unlock()
		writeResult(w, code, map[string]string{"jobId": "job-1", "projectId": "p1", "status": "queued"})
	})
	f.srv.mux.HandleFunc("/api/projects/p1/insights/refresh", func(w http.ResponseWriter, r *http.Request) {
		f.refreshes.Add(1)
		writeResult(w, http.StatusAccepted, map[string]string{"jobId": "job-2"})
	})
	f.srv.mux.HandleFunc("/api/projects/p1/summary", func(w http.ResponseWriter, r *http.Request) {
		f.summaries.Add(1)
		writeResult(w, http.StatusOK, map[string]any{"projectId": "p1", "metrics": map[string]int{"open": 3}})
	})

	client := NewClient(
		StaticSession{AccessToken: testToken, TenantID: "acme"},
		WithBaseURL(f.srv.srv.URL),
		WithLogger(testLogger()),
	)
	cfg := &DashboardConfig{
		DirectPort:     f.srv.port(t),
		DebounceWindow: 30 * time.Millisecond,
		DisplayWindow:  80 * time.Millisecond,
		OnNotice:       f.notices.add,
		OnSummary:      func(s *Summary) { f.summary.Store(s) },
	}
	for _, opt := range opts {
		opt(cfg)
	}
	f.dash = client.Dashboard(cfg)
	t.Cleanup(f.dash.Close)
	return f
}

func (f *dashboardFixture) mount(t *testing.T, projectID string) acceptedConn {
	t.Helper()
	require.NoError(t, f.dash.Mount(context.Background(), projectID))
	return f.srv.nextConn(t)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

func TestDashboard_MountUsesTenantAndProject(t *testing.T) {
	f := newDashboardFixture(t)
	server := f.mount(t, "p1")

	assert.Equal(t, "/ws/acme/dashboard", server.path)
	assert.Equal(t, "p1", server.projectID)
	assert.Equal(t, testToken, server.token)
	assert.Equal(t, StateOpen, f.dash.Connection().State())
}

func TestDashboard_ResyncLifecycle(t *testing.T) {
	f := newDashboardFixture(t)
	server := f.mount(t, "p1")

	require.NoError(t, f.dash.TriggerResync(context.Background()))
	s := f.dash.Resync().Snapshot()
	assert.Equal(t, JobPending, s.Status)
	assert.Equal(t, ResyncStartProgress, s.Progress)
	assert.Equal(t, int32(1), f.resyncs.Load())

	sendJSON(t, server.conn, map[string]any{
		"type": EventSyncProgress, "progress": 45, "status": "in_progress", "message": "Fetching...", "project_id": "p1",
	})
	eventually(t, func() bool { return f.dash.Resync().Snapshot().Progress == 45 }, "progress applied")
	assert.Equal(t, JobInProgress, f.dash.Resync().Snapshot().Status)

	sendJSON(t, server.conn, map[string]any{
		"type": EventSyncProgress, "progress": 100, "status": "success", "message": "Sync complete", "project_id": "p1",
	})
	eventually(t, func() bool { return f.dash.Resync().Snapshot().Status == JobSuccess }, "resync completed")
	assert.Equal(t, 100, f.dash.Resync().Snapshot().Progress)

	eventually(t, func() bool { return f.summaries.Load() == 1 }, "summary refetched after sync")
	eventually(t, func() bool { return f.dash.Resync().Snapshot().Status == JobIdle }, "reset after display window")
	assert.Equal(t, []Notice{{Level: NoticeSuccess, Text: "Sync complete"}}, f.notices.all())
}

func TestDashboard_TriggerFailure(t *testing.T) {
	f := newDashboardFixture(t)
	f.mu.Lock()
	f.resyncCode = http.StatusInternalServerError
	f.mu.Unlock()
	f.mount(t, "p1")

	err := f.dash.TriggerResync(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)

	s := f.dash.Resync().Snapshot()
	assert.Equal(t, JobFailed, s.Status)
	assert.Equal(t, 0, s.Progress)
	notices := f.notices.all()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeError, notices[0].Level)
}

func TestDashboard_MetricsBurstRefetchesOnce(t *testing.T) {
	f := newDashboardFixture(t)
	server := f.mount(t, "p1")

	for i := 0; i < 5; i++ {
		sendJSON(t, server.conn, map[string]any{"type": EventMetricsUpdate})
	}
	eventually(t, func() bool { return f.summaries.Load() == 1 }, "summary refetched")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), f.summaries.Load())

	summary, _ := f.summary.Load().(*Summary)
	require.NotNil(t, summary)
	assert.Equal(t, "p1", summary.ProjectID)
}

func TestDashboard_IgnoresOtherProjects(t *testing.T) {
	f := newDashboardFixture(t)
	server := f.mount(t, "p1")

	sendJSON(t, server.conn, map[string]any{
		"type": EventSyncProgress, "progress": 50, "status": "in_progress", "project_id": "p2",
	})
	// Follow with an accepted event so ordering proves the first was seen.
	sendJSON(t, server.conn, map[string]any{
		"type": EventSyncProgress, "progress": 10, "status": "in_progress", "project_id": "p1",
	})
	eventually(t, func() bool { return f.dash.Resync().Snapshot().Status == JobInProgress }, "own project applied")
	assert.Equal(t, 10, f.dash.Resync().Snapshot().Progress)
}

func TestDashboard_InsightEventsRouteByScope(t *testing.T) {
	f := newDashboardFixture(t, func(c *DashboardConfig) { c.DisplayWindow = time.Hour })
	server := f.mount(t, "p1")

	var insightRefetches atomic.Int32
	f.dash.Refetch().Register(RefetchInsights, func(context.Context) error {
		insightRefetches.Add(1)
		return nil
	})

	require.NoError(t, f.dash.TriggerDeepSprintRefresh(context.Background(), "s-9"))
	require.NoError(t, f.dash.TriggerInsightRefresh(context.Background(), ""))
	assert.Equal(t, int32(2), f.refreshes.Load())

	sendJSON(t, server.conn, map[string]any{
		"type":    EventAIInsightProgress,
		"payload": map[string]any{"progress": 30, "status": "in_progress", "scope": "deep_sprint", "project_id": "p1"},
	})
	eventually(t, func() bool { return f.dash.DeepSprint().Snapshot().Progress == 30 }, "deep sprint progress")
	assert.Equal(t, JobPending, f.dash.Insight().Snapshot().Status)

	sendJSON(t, server.conn, map[string]any{
		"type":    EventAIInsightUpdate,
		"payload": map[string]any{"project_id": "p1"},
	})
	eventually(t, func() bool { return f.dash.Insight().Snapshot().Status == JobSuccess }, "insight completed")
	eventually(t, func() bool { return insightRefetches.Load() == 1 }, "insights refetched")

	// Stale progress after the update is ignored.
	sendJSON(t, server.conn, map[string]any{
		"type":    EventAIInsightProgress,
		"payload": map[string]any{"progress": 90, "status": "in_progress", "project_id": "p1"},
	})
	sendJSON(t, server.conn, map[string]any{
		"type":    EventAIInsightProgress,
		"payload": map[string]any{"progress": 60, "status": "in_progress", "scope": "deep_sprint", "project_id": "p1"},
	})
	eventually(t, func() bool { return f.dash.DeepSprint().Snapshot().Progress == 60 }, "deep sprint progress")
	assert.Equal(t, JobSuccess, f.dash.Insight().Snapshot().Status)
	assert.Equal(t, 100, f.dash.Insight().Snapshot().Progress)
}

func TestDashboard_SprintScopedEventsReachDeepSprintJob(t *testing.T) {
	f := newDashboardFixture(t, func(c *DashboardConfig) { c.DisplayWindow = time.Hour })
	server := f.mount(t, "p1")

	require.NoError(t, f.dash.TriggerDeepSprintRefresh(context.Background(), "s-9"))
	sendJSON(t, server.conn, map[string]any{
		"type":    EventAIInsightProgress,
		"payload": map[string]any{"progress": 40, "status": "in_progress", "scope": "deep_sprint", "sprint_id": "s-9"},
	})
	eventually(t, func() bool { return f.dash.DeepSprint().Snapshot().Progress == 40 }, "sprint-only event applied")
	assert.Equal(t, JobInProgress, f.dash.DeepSprint().Snapshot().Status)

	sendJSON(t, server.conn, map[string]any{
		"type":    EventAIInsightUpdate,
		"payload": map[string]any{"scope": "deep_sprint", "sprint_id": "s-9"},
	})
	eventually(t, func() bool { return f.dash.DeepSprint().Snapshot().Status == JobSuccess }, "sprint-only update completes")
}

func TestDashboard_RepeatedInsightUpdatesRefetchEachTime(t *testing.T) {
	f := newDashboardFixture(t, func(c *DashboardConfig) { c.DisplayWindow = time.Hour })
	server := f.mount(t, "p1")

	var insightRefetches atomic.Int32
	f.dash.Refetch().Register(RefetchInsights, func(context.Context) error {
		insightRefetches.Add(1)
		return nil
	})

	require.NoError(t, f.dash.TriggerInsightRefresh(context.Background(), ""))
	update := map[string]any{"type": EventAIInsightUpdate, "payload": map[string]any{"project_id": "p1"}}

	sendJSON(t, server.conn, update)
	eventually(t, func() bool { return insightRefetches.Load() == 1 }, "first update refetches")
	require.Equal(t, JobSuccess, f.dash.Insight().Snapshot().Status)

	// The run is still displayed as successful; the new data must be fetched anyway.
	sendJSON(t, server.conn, update)
	eventually(t, func() bool { return insightRefetches.Load() == 2 }, "second update refetches")
	assert.Len(t, f.notices.all(), 1)

	// Updates for another project stay ignored.
	sendJSON(t, server.conn, map[string]any{"type": EventAIInsightUpdate, "payload": map[string]any{"project_id": "p2"}})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), insightRefetches.Load())
}

func TestDashboard_RemountSwitchesProject(t *testing.T) {
	f := newDashboardFixture(t)
	first := f.mount(t, "p1")
	oldConn := f.dash.Connection()

	second := f.mount(t, "p2")
	assert.Equal(t, "p1", first.projectID)
	assert.Equal(t, "p2", second.projectID)
	assert.Equal(t, "p2", f.dash.ProjectID())
	assert.Equal(t, StateClosed, oldConn.State())
	assert.NotSame(t, oldConn, f.dash.Connection())
}

func TestDashboard_CloseTearsDown(t *testing.T) {
	f := newDashboardFixture(t)
	f.mount(t, "p1")
	conn := f.dash.Connection()

	f.dash.Refetch().Notify(RefetchSummary)
	f.dash.Close()

	assert.Empty(t, f.dash.Dispatcher().Channels())
	assert.Equal(t, StateClosed, conn.State())
	assert.False(t, f.dash.Refetch().Pending(RefetchSummary))
	assert.Error(t, f.dash.Mount(context.Background(), "p1"))

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, f.summaries.Load())
}

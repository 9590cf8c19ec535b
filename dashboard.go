package sprintpulse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Refetch keys used by DashboardStream.
const (
	RefetchSummary  = "summary"
	RefetchInsights = "insights"
)

// scopeDeepSprint marks ai_insight_* events that belong to the deep sprint job.
const scopeDeepSprint = "deep_sprint"

// DashboardAPI is the request/response side of the dashboard. *Client implements it.
type DashboardAPI interface {
	TriggerResync(ctx context.Context, projectID string) (*TriggerResult, error)
	TriggerInsightRefresh(ctx context.Context, projectID string, opts *InsightRefreshOptions) (*TriggerResult, error)
	Summary(ctx context.Context, projectID string) (*Summary, error)
}

// DashboardConfig configures a DashboardStream.
type DashboardConfig struct {
	// DirectPort is the backend port the primary endpoint targets.
	DirectPort     int
	DebounceWindow time.Duration
	DisplayWindow  time.Duration
	Logger         *slog.Logger
	HTTPClient     *http.Client

	OnNotice      func(Notice)
	OnStateChange func(ConnectionState)
	// OnSummary receives every debounced summary refetch.
	OnSummary func(*Summary)
}

func (c *DashboardConfig) defaults() {
	if c.DirectPort == 0 {
		c.DirectPort = DefaultDirectPort
	}
	if c.DebounceWindow == 0 {
		c.DebounceWindow = DefaultDebounceWindow
	}
	if c.DisplayWindow == 0 {
		c.DisplayWindow = DefaultDisplayWindow
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// DashboardStream owns the telemetry connection for the project in focus.
// It routes sync and insight progress to the job trackers and debounces
// aggregate refetches on metrics updates.
//
// The connection tries the primary endpoint, then the fallback once, and
// does not retry on its own. Mount again (new project, new token) to retry.
type DashboardStream struct {
	api     DashboardAPI
	baseURL string
	session Session
	config  DashboardConfig
	logger  *slog.Logger

	dispatcher *Dispatcher
	refetch    *RefetchCoordinator
	resync     *JobTracker
	insight    *JobTracker
	deep       *JobTracker

	mu        sync.Mutex
	conn      *Connection
	projectID string
	closed    bool
}

// Dashboard creates a DashboardStream backed by this client.
func (c *Client) Dashboard(config *DashboardConfig) *DashboardStream {
	var cfg DashboardConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = c.httpClient
	}
	return NewDashboardStream(c, c.baseURL, c.session, cfg)
}

// NewDashboardStream creates an unmounted DashboardStream.
func NewDashboardStream(api DashboardAPI, baseURL string, session Session, config DashboardConfig) *DashboardStream {
	cfg := config
	cfg.defaults()
	if session == nil {
		session = StaticSession{}
	}
	logger := cfg.Logger.With("stream", "dashboard")

	d := &DashboardStream{
		api:        api,
		baseURL:    baseURL,
		session:    session,
		config:     cfg,
		logger:     logger,
		dispatcher: NewDispatcher(logger),
		refetch:    NewRefetchCoordinator(cfg.DebounceWindow, logger),
	}
	jobCfg := func(start int) JobConfig {
		return JobConfig{
			StartProgress: start,
			DisplayWindow: cfg.DisplayWindow,
			Logger:        logger,
			OnNotice:      cfg.OnNotice,
		}
	}
	d.resync = NewJobTracker(JobResync, jobCfg(ResyncStartProgress))
	d.insight = NewJobTracker(JobAIRefresh, jobCfg(0))
	d.deep = NewJobTracker(JobDeepSprintRefresh, jobCfg(0))

	d.refetch.Register(RefetchSummary, d.fetchSummary)
	return d
}

// Resync returns the project re-sync job tracker.
func (d *DashboardStream) Resync() *JobTracker { return d.resync }

// Insight returns the AI insight refresh job tracker.
func (d *DashboardStream) Insight() *JobTracker { return d.insight }

// DeepSprint returns the deep sprint analysis job tracker.
func (d *DashboardStream) DeepSprint() *JobTracker { return d.deep }

// Refetch returns the coordinator so callers can register extra refetch
// keys, such as RefetchInsights.
func (d *DashboardStream) Refetch() *RefetchCoordinator { return d.refetch }

// Dispatcher returns the channel dispatcher, which outlives remounts.
func (d *DashboardStream) Dispatcher() *Dispatcher { return d.dispatcher }

// ProjectID returns the project in focus.
func (d *DashboardStream) ProjectID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.projectID
}

// Connection returns the current connection, or nil before Mount.
func (d *DashboardStream) Connection() *Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

// Mount focuses the stream on projectID and (re)connects. Any previous
// connection is closed first. Endpoints are derived from the session at
// call time.
func (d *DashboardStream) Mount(ctx context.Context, projectID string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("dashboard stream closed")
	}
	old := d.conn
	d.conn = nil
	d.projectID = projectID
	d.mu.Unlock()

	if old != nil {
		old.Close()
	}
	for _, t := range []*JobTracker{d.resync, d.insight, d.deep} {
		t.SetFocus(projectID)
	}
	d.subscribe()

	tenant := ResolveTenant(d.session.Tenant(), hostOf(d.baseURL))
	ep, err := TelemetryEndpoint(d.baseURL, tenant, projectID, d.config.DirectPort)
	if err != nil {
		return fmt.Errorf("resolve dashboard endpoint: %w", err)
	}

	conn := NewConnection(ConnectionConfig{
		Endpoint:      ep,
		Session:       d.session,
		Dispatcher:    d.dispatcher,
		Logger:        d.logger,
		HTTPClient:    d.config.HTTPClient,
		OnStateChange: d.config.OnStateChange,
	})

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("dashboard stream closed")
	}
	d.conn = conn
	d.mu.Unlock()

	return conn.Open(ctx)
}

// Remount reconnects for the current project, e.g. after the token changed.
func (d *DashboardStream) Remount(ctx context.Context) error {
	return d.Mount(ctx, d.ProjectID())
}

// Close closes the connection, cancels pending refetch and reset timers and
// removes all channel subscriptions.
func (d *DashboardStream) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, ch := range d.dispatcher.Channels() {
		d.dispatcher.Unsubscribe(ch)
	}
	d.refetch.Stop()
	for _, t := range []*JobTracker{d.resync, d.insight, d.deep} {
		t.Close()
	}
}

// TriggerResync starts a re-sync of the project in focus.
func (d *DashboardStream) TriggerResync(ctx context.Context) error {
	projectID := d.ProjectID()
	return d.resync.Trigger(ctx, projectID, func(ctx context.Context) error {
		_, err := d.api.TriggerResync(ctx, projectID)
		return err
	})
}

// TriggerInsightRefresh regenerates AI insights for the project in focus.
func (d *DashboardStream) TriggerInsightRefresh(ctx context.Context, sprintID string) error {
	projectID := d.ProjectID()
	return d.insight.Trigger(ctx, projectID, func(ctx context.Context) error {
		_, err := d.api.TriggerInsightRefresh(ctx, projectID, &InsightRefreshOptions{SprintID: sprintID})
		return err
	})
}

// TriggerDeepSprintRefresh runs the whole-sprint analysis for sprintID.
func (d *DashboardStream) TriggerDeepSprintRefresh(ctx context.Context, sprintID string) error {
	projectID := d.ProjectID()
	return d.deep.Trigger(ctx, projectID, func(ctx context.Context) error {
		_, err := d.api.TriggerInsightRefresh(ctx, projectID, &InsightRefreshOptions{SprintID: sprintID, Deep: true})
		return err
	})
}

func (d *DashboardStream) subscribe() {
	d.dispatcher.Subscribe(EventSyncProgress, d.onSyncProgress)
	d.dispatcher.Subscribe(EventAIInsightProgress, d.onInsightProgress)
	d.dispatcher.Subscribe(EventAIInsightUpdate, d.onInsightUpdate)
	d.dispatcher.Subscribe(EventMetricsUpdate, d.onMetricsUpdate)
}

func (d *DashboardStream) onSyncProgress(env Envelope) {
	ev, ok := d.decodeProgress(env)
	if !ok {
		return
	}
	if d.resync.ApplyProgress(ev) && d.resync.Snapshot().Status == JobSuccess {
		d.refetch.Notify(RefetchSummary)
	}
}

func (d *DashboardStream) onInsightProgress(env Envelope) {
	ev, ok := d.decodeProgress(env)
	if !ok {
		return
	}
	d.insightTracker(ev).ApplyProgress(ev)
}

// onInsightUpdate is authoritative: it completes the run even if a progress
// event for the same run is still in flight. Every accepted update refetches
// insights, including repeats while the run is already successful.
func (d *DashboardStream) onInsightUpdate(env Envelope) {
	ev, ok := d.decodeProgress(env)
	if !ok {
		return
	}
	tracker := d.insightTracker(ev)
	if !tracker.Accepts(ev.ProjectID) {
		return
	}
	message := ev.Message
	if message == "" {
		message = "AI insights updated"
	}
	tracker.Complete(ev.ProjectID, message)
	d.refetch.Notify(RefetchInsights)
}

func (d *DashboardStream) onMetricsUpdate(Envelope) {
	d.refetch.Notify(RefetchSummary)
}

func (d *DashboardStream) insightTracker(ev ProgressEvent) *JobTracker {
	if strings.EqualFold(ev.Scope, scopeDeepSprint) {
		return d.deep
	}
	return d.insight
}

func (d *DashboardStream) decodeProgress(env Envelope) (ProgressEvent, bool) {
	var ev ProgressEvent
	if err := env.Decode(&ev); err != nil {
		d.logger.Warn("Dropping undecodable progress event", "channel", env.Type, "error", err)
		return ProgressEvent{}, false
	}
	return ev, true
}

func (d *DashboardStream) fetchSummary(ctx context.Context) error {
	projectID := d.ProjectID()
	if projectID == "" || d.api == nil {
		return nil
	}
	summary, err := d.api.Summary(ctx, projectID)
	if err != nil {
		return err
	}
	if d.config.OnSummary != nil {
		d.config.OnSummary(summary)
	}
	return nil
}

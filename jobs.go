package sprintpulse

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// DefaultDisplayWindow is how long a finished job stays visible before it
// resets to idle.
const DefaultDisplayWindow = 2 * time.Second

// ResyncStartProgress is the floor a resync shows as soon as it is triggered.
const ResyncStartProgress = 5

// JobKind identifies a long-running server job.
type JobKind string

const (
	JobResync            JobKind = "resync"
	JobAIRefresh         JobKind = "ai_refresh"
	JobDeepSprintRefresh JobKind = "deep_sprint_refresh"
)

// Label is the human-readable job name used in notices.
func (k JobKind) Label() string {
	switch k {
	case JobResync:
		return "Project sync"
	case JobAIRefresh:
		return "AI insight refresh"
	case JobDeepSprintRefresh:
		return "Deep sprint analysis"
	default:
		return string(k)
	}
}

// JobStatus is a job's lifecycle state.
//
//	idle -> pending -> in_progress -> success | failed -> (display window) -> idle
type JobStatus string

const (
	JobIdle       JobStatus = "idle"
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobSuccess    JobStatus = "success"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether s ends a run.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed
}

// JobState is a snapshot of one job.
type JobState struct {
	Kind          JobKind   `json:"kind"`
	Status        JobStatus `json:"status"`
	Progress      int       `json:"progress"`
	Message       string    `json:"message,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// JobConfig configures a JobTracker.
type JobConfig struct {
	// StartProgress is shown as soon as a run starts, before server feedback.
	StartProgress int
	// DisplayWindow is how long success/failed stays before resetting.
	DisplayWindow time.Duration
	Logger        *slog.Logger
	// OnNotice receives user-visible success and failure notices.
	OnNotice func(Notice)
}

func (c *JobConfig) defaults() {
	if c.DisplayWindow == 0 {
		c.DisplayWindow = DefaultDisplayWindow
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.StartProgress = clampPercent(c.StartProgress)
}

// JobTracker drives one job kind through its status lifecycle from local
// triggers and dispatched progress events.
//
// Within a run, progress never decreases. Once a run is success or failed,
// further progress events are ignored until the next Start; update events
// are authoritative and always complete the run.
type JobTracker struct {
	kind   JobKind
	config JobConfig
	logger *slog.Logger

	mu        sync.Mutex
	state     JobState
	focus     string
	clear     *time.Timer
	clearGen  uint64
	listeners []func(JobState)
	closed    bool
}

// NewJobTracker creates an idle tracker for kind.
func NewJobTracker(kind JobKind, config JobConfig) *JobTracker {
	cfg := config
	cfg.defaults()
	return &JobTracker{
		kind:   kind,
		config: cfg,
		logger: cfg.Logger.With("job", string(kind)),
		state:  JobState{Kind: kind, Status: JobIdle, UpdatedAt: time.Now()},
	}
}

// Kind returns the tracked job kind.
func (t *JobTracker) Kind() JobKind { return t.kind }

// Snapshot returns the current state.
func (t *JobTracker) Snapshot() JobState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnChange registers a listener called after every state change.
// Listeners run outside the tracker's lock.
func (t *JobTracker) OnChange(fn func(JobState)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// SetFocus restricts the tracker to events for correlationID. Events that
// carry a different id are ignored; "" accepts everything.
func (t *JobTracker) SetFocus(correlationID string) {
	t.mu.Lock()
	t.focus = correlationID
	t.mu.Unlock()
}

// Start begins a new run in pending at the configured starting progress.
func (t *JobTracker) Start(correlationID string) {
	t.update(func(s *JobState) bool {
		t.focus = correlationID
		t.stopClearLocked()
		s.Status = JobPending
		s.Progress = t.config.StartProgress
		s.Message = ""
		s.CorrelationID = correlationID
		return true
	})
}

// Trigger starts a run and performs the request that kicks the job off on
// the server. If the request fails the run fails immediately, with progress
// reset to 0, and the error is returned.
func (t *JobTracker) Trigger(ctx context.Context, correlationID string, call func(context.Context) error) error {
	t.Start(correlationID)
	if err := call(ctx); err != nil {
		t.logger.Warn("Job trigger failed", "correlation_id", correlationID, "error", err)
		t.fail("Failed to start "+strings.ToLower(t.kind.Label())+": "+err.Error(), true)
		return err
	}
	return nil
}

// ApplyProgress applies a progress event and reports whether it changed state.
// Events are matched to the focus by project id only; events without one
// are accepted.
func (t *JobTracker) ApplyProgress(ev ProgressEvent) bool {
	status := normalizeJobStatus(ev.Status)
	message := ev.Message
	if message == "" {
		message = ev.Error
	}

	switch {
	case status == JobFailed:
		return t.failFor(ev.ProjectID, message)
	case status == JobSuccess && (ev.Progress == nil || *ev.Progress >= 100):
		return t.Complete(ev.ProjectID, message)
	}

	return t.update(func(s *JobState) bool {
		if !t.acceptsLocked(ev.ProjectID) || s.Status.Terminal() {
			return false
		}
		changed := false
		if ev.Progress != nil {
			p := clampPercent(int(math.Round(*ev.Progress)))
			if s.Status != JobInProgress {
				s.Status = JobInProgress
				changed = true
			}
			if p > s.Progress {
				s.Progress = p
				changed = true
			}
			if s.CorrelationID == "" && ev.ProjectID != "" {
				s.CorrelationID = ev.ProjectID
			}
		}
		if message != "" && message != s.Message && (s.Status == JobInProgress || s.Status == JobPending) {
			s.Message = message
			changed = true
		}
		return changed
	})
}

// Complete ends the run successfully at 100%. It applies whatever state the
// run is in, including a stale in_progress or a reported failure.
func (t *JobTracker) Complete(correlationID, message string) bool {
	applied := t.update(func(s *JobState) bool {
		if !t.acceptsLocked(correlationID) {
			return false
		}
		if s.Status == JobSuccess {
			return false
		}
		s.Status = JobSuccess
		s.Progress = 100
		s.Message = message
		if correlationID != "" {
			s.CorrelationID = correlationID
		}
		t.scheduleClearLocked()
		return true
	})
	if applied {
		text := message
		if text == "" {
			text = t.kind.Label() + " completed"
		}
		t.notice(Notice{Level: NoticeSuccess, Text: text})
	}
	return applied
}

// Accepts reports whether events for correlationID belong to the run in focus.
func (t *JobTracker) Accepts(correlationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acceptsLocked(correlationID)
}

// Fail ends the run with a server-reported failure. A run that already
// finished is left alone.
func (t *JobTracker) Fail(correlationID, message string) bool {
	return t.failFor(correlationID, message)
}

// Reset returns the tracker to idle immediately.
func (t *JobTracker) Reset() {
	t.update(func(s *JobState) bool {
		t.stopClearLocked()
		return t.resetLocked(s)
	})
}

// Close cancels the pending reset timer and drops all listeners. A closed
// tracker ignores further updates.
func (t *JobTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopClearLocked()
	t.listeners = nil
	t.closed = true
}

func (t *JobTracker) failFor(correlationID, message string) bool {
	if !t.Accepts(correlationID) {
		return false
	}
	return t.fail(message, false)
}

// fail moves the run to failed. A trigger failure (resetProgress) always
// applies; a server-reported one is ignored once the run is terminal.
func (t *JobTracker) fail(message string, resetProgress bool) bool {
	if message == "" {
		message = t.kind.Label() + " failed"
	}
	applied := t.update(func(s *JobState) bool {
		if !resetProgress && s.Status.Terminal() {
			return false
		}
		if s.Status == JobFailed && s.Message == message {
			return false
		}
		s.Status = JobFailed
		s.Message = message
		if resetProgress {
			s.Progress = 0
		}
		t.scheduleClearLocked()
		return true
	})
	if applied {
		t.notice(Notice{Level: NoticeError, Text: message})
	}
	return applied
}

func (t *JobTracker) acceptsLocked(correlationID string) bool {
	return correlationID == "" || t.focus == "" || correlationID == t.focus
}

func (t *JobTracker) scheduleClearLocked() {
	t.stopClearLocked()
	t.clearGen++
	gen := t.clearGen
	t.clear = time.AfterFunc(t.config.DisplayWindow, func() {
		t.update(func(s *JobState) bool {
			if gen != t.clearGen || !s.Status.Terminal() {
				return false
			}
			t.clear = nil
			return t.resetLocked(s)
		})
	})
}

func (t *JobTracker) stopClearLocked() {
	if t.clear != nil {
		t.clear.Stop()
		t.clear = nil
	}
	t.clearGen++
}

func (t *JobTracker) resetLocked(s *JobState) bool {
	if s.Status == JobIdle && s.Progress == 0 && s.Message == "" {
		return false
	}
	s.Status = JobIdle
	s.Progress = 0
	s.Message = ""
	return true
}

// update runs fn under the lock and notifies listeners if it reports a change.
func (t *JobTracker) update(fn func(*JobState) bool) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	if !fn(&t.state) {
		t.mu.Unlock()
		return false
	}
	t.state.UpdatedAt = time.Now()
	snapshot := t.state
	listeners := append([]func(JobState){}, t.listeners...)
	t.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
	return true
}

func (t *JobTracker) notice(n Notice) {
	if t.config.OnNotice != nil {
		t.config.OnNotice(n)
	}
}

func normalizeJobStatus(s string) JobStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "succeeded", "completed", "complete", "done":
		return JobSuccess
	case "failed", "failure", "error":
		return JobFailed
	case "in_progress", "running", "processing", "started":
		return JobInProgress
	case "pending", "queued":
		return JobPending
	default:
		return ""
	}
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

package sprintpulse

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic REST response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Trigger Types
// ============================================================================

// TriggerResult is returned by the job trigger endpoints. Success only means
// the server accepted the job; completion is observed on the event stream.
type TriggerResult struct {
	JobID     string `json:"jobId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	Status    string `json:"status,omitempty"`
}

// InsightRefreshOptions selects what an AI insight refresh covers.
type InsightRefreshOptions struct {
	SprintID string `json:"sprintId,omitempty"`
	// Deep requests the slower whole-sprint analysis.
	Deep bool `json:"deep,omitempty"`
}

// Summary is the aggregate dashboard payload refetched after metrics updates.
type Summary struct {
	ProjectID string         `json:"projectId"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	UpdatedAt string         `json:"updatedAt,omitempty"`
}

// ============================================================================
// Notification Types
// ============================================================================

// NotificationType is the severity of a notification.
type NotificationType string

const (
	NotificationInfo    NotificationType = "info"
	NotificationSuccess NotificationType = "success"
	NotificationWarning NotificationType = "warning"
	NotificationError   NotificationType = "error"
)

// Notification is a single notification entity.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title,omitempty"`
	Message   string           `json:"message"`
	CreatedAt time.Time        `json:"createdAt"`
	IsRead    bool             `json:"isRead"`
}

// ============================================================================
// Stream Event Types
// ============================================================================

// Event types recognised on the dashboard and notification streams.
const (
	EventMetricsUpdate     = "metrics_update"
	EventAIInsightUpdate   = "ai_insight_update"
	EventAIInsightProgress = "ai_insight_progress"
	EventSyncProgress      = "sync_progress"
	EventNotification      = "notification"
)

// ProgressEvent is the payload of sync_progress and ai_insight_* events.
// Progress is a pointer so an absent percent can be told apart from 0.
type ProgressEvent struct {
	Progress  *float64 `json:"progress,omitempty"`
	Status    string   `json:"status,omitempty"`
	Message   string   `json:"message,omitempty"`
	Error     string   `json:"error,omitempty"`
	ProjectID string   `json:"project_id,omitempty"`
	SourceID  string   `json:"source_id,omitempty"`
	SprintID  string   `json:"sprint_id,omitempty"`
	Scope     string   `json:"scope,omitempty"`
}

// UnmarshalJSON accepts snake_case and camelCase id keys, with ids encoded
// as either strings or numbers.
func (e *ProgressEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["progress"]; ok {
		var f float64
		if json.Unmarshal(v, &f) == nil {
			e.Progress = &f
		}
	}
	e.Status = looseString(raw, "status")
	e.Message = looseString(raw, "message")
	e.Error = looseString(raw, "error")
	e.ProjectID = looseString(raw, "project_id", "projectId")
	e.SourceID = looseString(raw, "source_id", "sourceId")
	e.SprintID = looseString(raw, "sprint_id", "sprintId")
	e.Scope = looseString(raw, "scope")
	return nil
}

// looseString returns the first key present as a string or number.
func looseString(raw map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(v, &s) == nil {
			return s
		}
		var n json.Number
		if json.Unmarshal(v, &n) == nil {
			return n.String()
		}
		return strings.TrimSpace(string(v))
	}
	return ""
}

// NoticeLevel is the severity of a user-visible notice.
type NoticeLevel string

const (
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
)

// Notice is a user-visible toast raised by the realtime core.
type Notice struct {
	Level NoticeLevel
	Text  string
}

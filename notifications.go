package sprintpulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const defaultConfirmTimeout = 10 * time.Second

// ============================================================================
// NotificationStore
// ============================================================================

// NotificationStore is a goroutine-safe, most-recent-first notification list
// with unique ids. Nothing is ever removed from it.
type NotificationStore struct {
	mu    sync.RWMutex
	items []Notification
	index map[string]struct{}
}

// NewNotificationStore creates an empty store.
func NewNotificationStore() *NotificationStore {
	return &NotificationStore{index: make(map[string]struct{})}
}

// Replace swaps the whole list, as after the initial bulk fetch. Later
// duplicates of an id are dropped.
func (s *NotificationStore) Replace(list []Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make([]Notification, 0, len(list))
	s.index = make(map[string]struct{}, len(list))
	for _, n := range list {
		if _, dup := s.index[n.ID]; dup {
			continue
		}
		s.index[n.ID] = struct{}{}
		s.items = append(s.items, n)
	}
}

// Push prepends n unless its id is already present. It reports whether n was added.
func (s *NotificationStore) Push(n Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.index[n.ID]; dup {
		return false
	}
	s.index[n.ID] = struct{}{}
	s.items = append([]Notification{n}, s.items...)
	return true
}

// MarkRead flags id as read and reports whether anything changed.
func (s *NotificationStore) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			if s.items[i].IsRead {
				return false
			}
			s.items[i].IsRead = true
			return true
		}
	}
	return false
}

// MarkAllRead flags every notification as read and returns how many changed.
func (s *NotificationStore) MarkAllRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for i := range s.items {
		if !s.items[i].IsRead {
			s.items[i].IsRead = true
			changed++
		}
	}
	return changed
}

// Get returns the notification with id.
func (s *NotificationStore) Get(id string) (Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.items {
		if n.ID == id {
			return n, true
		}
	}
	return Notification{}, false
}

// List returns a copy of the list.
func (s *NotificationStore) List() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Notification{}, s.items...)
}

func (s *NotificationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *NotificationStore) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.items {
		if !n.IsRead {
			count++
		}
	}
	return count
}

// ============================================================================
// NotificationStream
// ============================================================================

// NotificationAPI is the request/response side of notifications. *Client implements it.
type NotificationAPI interface {
	ListNotifications(ctx context.Context) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// Desktop shows OS-level notifications. Show is only called when Permitted
// reports true, and its failures are logged and otherwise ignored.
type Desktop interface {
	Permitted() bool
	Show(n Notification) error
}

// NotificationConfig configures a NotificationStream.
type NotificationConfig struct {
	API        NotificationAPI
	Endpoint   func() (Endpoint, error)
	Session    Session
	Logger     *slog.Logger
	HTTPClient *http.Client

	// ReconnectDelay defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration
	ConfirmTimeout time.Duration
	Desktop        Desktop

	// OnChange receives the full list after every local or pushed change.
	OnChange       func([]Notification)
	OnStateChange  func(ConnectionState)
	OnReconnecting func(attempt int, delay time.Duration)
}

func (c *NotificationConfig) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Session == nil {
		c.Session = StaticSession{}
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = defaultConfirmTimeout
	}
}

// NotificationStream keeps a NotificationStore in sync with the server: one
// bulk load on Mount, then live pushes over a connection that reconnects
// forever. Read marks are applied locally first and confirmed in the
// background; a failed confirmation is logged, never rolled back.
type NotificationStream struct {
	config     NotificationConfig
	logger     *slog.Logger
	store      *NotificationStore
	dispatcher *Dispatcher
	stream     *RetryingStream

	background sync.WaitGroup
}

// Notifications creates a NotificationStream backed by this client. API,
// Endpoint and Session are filled in from the client when unset.
func (c *Client) Notifications(config *NotificationConfig) (*NotificationStream, error) {
	var cfg NotificationConfig
	if config != nil {
		cfg = *config
	}
	if cfg.API == nil {
		cfg.API = c
	}
	if cfg.Session == nil {
		cfg.Session = c.session
	}
	if cfg.Endpoint == nil {
		cfg.Endpoint = func() (Endpoint, error) {
			return NotificationEndpoint(c.baseURL, c.tenant())
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = c.httpClient
	}
	return NewNotificationStream(cfg)
}

// NewNotificationStream creates an unmounted stream.
func NewNotificationStream(config NotificationConfig) (*NotificationStream, error) {
	cfg := config
	cfg.defaults()
	if cfg.API == nil {
		return nil, errors.New("notification stream requires an API")
	}
	if cfg.Endpoint == nil {
		return nil, errors.New("notification stream requires an endpoint resolver")
	}

	logger := cfg.Logger.With("stream", "notifications")
	dispatcher := NewDispatcher(logger)
	n := &NotificationStream{
		config:     cfg,
		logger:     logger,
		store:      NewNotificationStore(),
		dispatcher: dispatcher,
	}
	n.stream = NewRetryingStream(RetryConfig{
		Endpoint:       cfg.Endpoint,
		Session:        cfg.Session,
		Dispatcher:     dispatcher,
		Logger:         logger,
		HTTPClient:     cfg.HTTPClient,
		Delay:          cfg.ReconnectDelay,
		OnReconnecting: cfg.OnReconnecting,
		OnStateChange:  cfg.OnStateChange,
	})
	return n, nil
}

// Store returns the backing list.
func (n *NotificationStream) Store() *NotificationStore { return n.store }

// Stream returns the underlying reconnecting stream.
func (n *NotificationStream) Stream() *RetryingStream { return n.stream }

// Mount loads the current list and starts the live stream. A failed initial
// load is logged; the stream still starts.
func (n *NotificationStream) Mount(ctx context.Context) {
	list, err := n.config.API.ListNotifications(ctx)
	if err != nil {
		n.logger.Warn("Failed to load notifications", "error", err)
	} else {
		n.store.Replace(list)
		n.changed()
	}

	n.dispatcher.Subscribe(EventNotification, n.handlePush)
	n.stream.Start(ctx)
}

// Close stops the stream and any pending reconnect, removes the channel
// subscription and waits for background confirmations to finish.
func (n *NotificationStream) Close() {
	n.stream.Stop()
	n.dispatcher.Unsubscribe(EventNotification)
	n.background.Wait()
}

// Restart drops the live connection and dials again right away, e.g. after
// the token changed. The list is kept.
func (n *NotificationStream) Restart(ctx context.Context) {
	n.stream.Stop()
	n.stream.Start(ctx)
}

// MarkAsRead marks id read locally and confirms it with the server in the background.
func (n *NotificationStream) MarkAsRead(id string) {
	if n.store.MarkRead(id) {
		n.changed()
	}
	n.confirm("mark_read", func(ctx context.Context) error {
		return n.config.API.MarkNotificationRead(ctx, id)
	})
}

// MarkAllAsRead marks everything read locally and confirms it in the background.
func (n *NotificationStream) MarkAllAsRead() {
	if n.store.MarkAllRead() > 0 {
		n.changed()
	}
	n.confirm("mark_all_read", n.config.API.MarkAllNotificationsRead)
}

func (n *NotificationStream) confirm(op string, call func(context.Context) error) {
	n.background.Add(1)
	go func() {
		defer n.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.config.ConfirmTimeout)
		defer cancel()
		if err := call(ctx); err != nil {
			n.logger.Warn("Failed to confirm notification update", "op", op, "error", err)
		}
	}()
}

func (n *NotificationStream) handlePush(env Envelope) {
	notif, err := decodeNotification(env)
	if err != nil {
		n.logger.Warn("Dropping notification", "error", err)
		return
	}
	if !n.store.Push(notif) {
		n.logger.Debug("Dropping duplicate notification", "id", notif.ID)
		return
	}
	n.changed()
	n.showDesktop(notif)
}

func (n *NotificationStream) showDesktop(notif Notification) {
	d := n.config.Desktop
	if d == nil {
		return
	}
	n.background.Add(1)
	go func() {
		defer n.background.Done()
		defer func() {
			if r := recover(); r != nil {
				n.logger.Warn("Desktop notification panicked", "panic", r)
			}
		}()
		if !d.Permitted() {
			return
		}
		if err := d.Show(notif); err != nil {
			n.logger.Debug("Desktop notification failed", "error", err)
		}
	}()
}

func (n *NotificationStream) changed() {
	if n.config.OnChange != nil {
		n.config.OnChange(n.store.List())
	}
}

// decodeNotification accepts the entity at the payload root or nested under
// "notification". When the envelope was flat, the entity's own "type" was
// consumed as the channel name, so "notification_type" is also checked and
// the severity defaults to info.
func decodeNotification(env Envelope) (Notification, error) {
	var raw map[string]json.RawMessage
	if err := env.Decode(&raw); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	if nested, ok := raw["notification"]; ok && isObject(nested) {
		raw = nil
		if err := json.Unmarshal(nested, &raw); err != nil {
			return Notification{}, fmt.Errorf("decode notification: %w", err)
		}
	}

	n := Notification{
		ID:      looseString(raw, "id"),
		Type:    NotificationType(looseString(raw, "type", "notification_type", "notificationType")),
		Title:   looseString(raw, "title"),
		Message: looseString(raw, "message", "body"),
	}
	if n.ID == "" {
		return Notification{}, errors.New("notification has no id")
	}
	switch n.Type {
	case NotificationInfo, NotificationSuccess, NotificationWarning, NotificationError:
	default:
		n.Type = NotificationInfo
	}
	if ts := looseString(raw, "createdAt", "created_at"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			n.CreatedAt = t
		}
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	for _, k := range []string{"isRead", "is_read"} {
		if v, ok := raw[k]; ok {
			_ = json.Unmarshal(v, &n.IsRead)
			break
		}
	}
	return n, nil
}

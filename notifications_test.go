package sprintpulse

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationStore_PushDedupesAndPrepends(t *testing.T) {
	s := NewNotificationStore()
	s.Replace([]Notification{{ID: "b"}, {ID: "a"}, {ID: "b"}})
	require.Equal(t, 2, s.Len())

	assert.True(t, s.Push(Notification{ID: "c", Title: "new"}))
	assert.False(t, s.Push(Notification{ID: "a", Title: "dup"}))

	ids := []string{}
	for _, n := range s.List() {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)
	n, ok := s.Get("a")
	require.True(t, ok)
	assert.Empty(t, n.Title, "duplicate push must not overwrite")
}

func TestNotificationStore_MarkRead(t *testing.T) {
	s := NewNotificationStore()
	s.Replace([]Notification{{ID: "a"}, {ID: "b", IsRead: true}, {ID: "c"}})
	assert.Equal(t, 2, s.UnreadCount())

	assert.True(t, s.MarkRead("a"))
	assert.False(t, s.MarkRead("a"))
	assert.False(t, s.MarkRead("missing"))
	assert.Equal(t, 1, s.UnreadCount())

	assert.Equal(t, 1, s.MarkAllRead())
	assert.Equal(t, 0, s.MarkAllRead())
	assert.Zero(t, s.UnreadCount())
	assert.Equal(t, 3, s.Len(), "marking never removes")
}

type fakeNotificationAPI struct {
	list    []Notification
	listErr error
	markErr error

	mu      sync.Mutex
	marked  []string
	allRead int
}

func (f *fakeNotificationAPI) ListNotifications(context.Context) ([]Notification, error) {
	return f.list, f.listErr
}

func (f *fakeNotificationAPI) MarkNotificationRead(_ context.Context, id string) error {
	f.mu.Lock()
	f.marked = append(f.marked, id)
	f.mu.Unlock()
	return f.markErr
}

func (f *fakeNotificationAPI) MarkAllNotificationsRead(context.Context) error {
	f.mu.Lock()
	f.allRead++
	f.mu.Unlock()
	return f.markErr
}

type fakeDesktop struct {
	permitted bool
	shown     chan Notification
}

func (d *fakeDesktop) Permitted() bool { return d.permitted }

func (d *fakeDesktop) Show(n Notification) error {
	d.shown <- n
	return nil
}

func newTestNotificationStream(t *testing.T, srv *fakeServer, api NotificationAPI, desktop Desktop) *NotificationStream {
	t.Helper()
	cfg := NotificationConfig{
		API:            api,
		Endpoint:       fixedEndpoint(srv.wsURL("/ws/acme/notifications")),
		Session:        StaticSession{AccessToken: testToken, TenantID: "acme"},
		Logger:         testLogger(),
		ReconnectDelay: 20 * time.Millisecond,
	}
	if desktop != nil {
		cfg.Desktop = desktop
	}
	n, err := NewNotificationStream(cfg)
	require.NoError(t, err)
	t.Cleanup(n.Close)
	return n
}

func TestNotificationStream_MountLoadsAndReceivesPushes(t *testing.T) {
	srv := newFakeServer(t)
	api := &fakeNotificationAPI{list: []Notification{{ID: "old", Type: NotificationInfo}}}
	n := newTestNotificationStream(t, srv, api, nil)

	n.Mount(context.Background())
	require.Equal(t, 1, n.Store().Len())

	server := srv.nextConn(t)
	assert.Equal(t, "/ws/acme/notifications", server.path)

	sendJSON(t, server.conn, map[string]any{
		"type": EventNotification,
		"payload": map[string]any{
			"id":         "n1",
			"type":       "warning",
			"title":      "Sprint at risk",
			"message":    "Velocity dropped",
			"created_at": "2026-10-01T12:00:00Z",
		},
	})
	require.Eventually(t, func() bool { return n.Store().Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	first := n.Store().List()[0]
	assert.Equal(t, "n1", first.ID)
	assert.Equal(t, NotificationWarning, first.Type)
	assert.Equal(t, "Sprint at risk", first.Title)
	assert.False(t, first.IsRead)
	assert.Equal(t, time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC), first.CreatedAt.UTC())

	// Same id again is dropped.
	sendJSON(t, server.conn, map[string]any{"type": EventNotification, "payload": map[string]any{"id": "n1"}})
	sendJSON(t, server.conn, map[string]any{"type": EventNotification, "payload": map[string]any{"id": "n2"}})
	require.Eventually(t, func() bool { return n.Store().Len() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "n2", n.Store().List()[0].ID)
}

func TestNotificationStream_LoadFailureStillStreams(t *testing.T) {
	srv := newFakeServer(t)
	api := &fakeNotificationAPI{listErr: errors.New("boom")}
	n := newTestNotificationStream(t, srv, api, nil)

	n.Mount(context.Background())
	assert.Zero(t, n.Store().Len())
	srv.nextConn(t)
}

func TestNotificationStream_MarkAsReadIsOptimistic(t *testing.T) {
	srv := newFakeServer(t)
	api := &fakeNotificationAPI{
		list:    []Notification{{ID: "a"}, {ID: "b"}},
		markErr: errors.New("server down"),
	}
	n := newTestNotificationStream(t, srv, api, nil)
	n.Mount(context.Background())

	n.MarkAsRead("a")
	got, _ := n.Store().Get("a")
	assert.True(t, got.IsRead, "local state flips before the server answers")

	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.marked) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The failed confirmation does not roll back.
	got, _ = n.Store().Get("a")
	assert.True(t, got.IsRead)

	n.MarkAllAsRead()
	assert.Zero(t, n.Store().UnreadCount())
	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.allRead == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNotificationStream_DesktopOnlyWhenPermitted(t *testing.T) {
	srv := newFakeServer(t)
	desktop := &fakeDesktop{permitted: true, shown: make(chan Notification, 4)}
	n := newTestNotificationStream(t, srv, &fakeNotificationAPI{}, desktop)
	n.Mount(context.Background())
	server := srv.nextConn(t)

	sendJSON(t, server.conn, map[string]any{"type": EventNotification, "payload": map[string]any{"id": "n1", "title": "Hi"}})
	select {
	case shown := <-desktop.shown:
		assert.Equal(t, "Hi", shown.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("desktop notification not shown")
	}

	srv2 := newFakeServer(t)
	denied := &fakeDesktop{permitted: false, shown: make(chan Notification, 4)}
	n2 := newTestNotificationStream(t, srv2, &fakeNotificationAPI{}, denied)
	n2.Mount(context.Background())
	server2 := srv2.nextConn(t)

	sendJSON(t, server2.conn, map[string]any{"type": EventNotification, "payload": map[string]any{"id": "n1"}})
	require.Eventually(t, func() bool { return n2.Store().Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	select {
	case <-denied.shown:
		t.Fatal("desktop notification shown without permission")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotificationStream_OnChange(t *testing.T) {
	srv := newFakeServer(t)
	var changes atomic.Int32
	n, err := NewNotificationStream(NotificationConfig{
		API:      &fakeNotificationAPI{list: []Notification{{ID: "a"}}},
		Endpoint: fixedEndpoint(srv.wsURL("/ws/acme/notifications")),
		Session:  StaticSession{AccessToken: testToken},
		Logger:   testLogger(),
		OnChange: func([]Notification) { changes.Add(1) },
	})
	require.NoError(t, err)
	t.Cleanup(n.Close)

	n.Mount(context.Background())
	assert.Equal(t, int32(1), changes.Load())

	n.MarkAsRead("a")
	n.MarkAsRead("a")
	assert.Equal(t, int32(2), changes.Load())
}

func TestNotificationStream_CloseUnsubscribes(t *testing.T) {
	srv := newFakeServer(t)
	n := newTestNotificationStream(t, srv, &fakeNotificationAPI{}, nil)
	n.Mount(context.Background())
	srv.nextConn(t)

	n.Close()
	assert.False(t, n.dispatcher.Handles(EventNotification))
	assert.Nil(t, n.Stream().Current())
}

func TestNewNotificationStream_RequiresAPIAndEndpoint(t *testing.T) {
	_, err := NewNotificationStream(NotificationConfig{Endpoint: fixedEndpoint("ws://x")})
	assert.Error(t, err)
	_, err = NewNotificationStream(NotificationConfig{API: &fakeNotificationAPI{}})
	assert.Error(t, err)
}

func TestDecodeNotification(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Notification
	}{
		{
			name:  "nested under notification",
			frame: `{"type":"notification","payload":{"notification":{"id":7,"type":"error","message":"x","is_read":true}}}`,
			want:  Notification{ID: "7", Type: NotificationError, Message: "x", IsRead: true},
		},
		{
			name:  "flat with notification_type",
			frame: `{"type":"notification","id":"n1","notification_type":"success","title":"ok"}`,
			want:  Notification{ID: "n1", Type: NotificationSuccess, Title: "ok"},
		},
		{
			name:  "unknown severity defaults to info",
			frame: `{"type":"notification","message":{"id":"n2","type":"shout","isRead":false}}`,
			want:  Notification{ID: "n2", Type: NotificationInfo},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.frame))
			require.NoError(t, err)
			got, err := decodeNotification(env)
			require.NoError(t, err)
			assert.False(t, got.CreatedAt.IsZero())
			got.CreatedAt = time.Time{}
			assert.Equal(t, tt.want, got)
		})
	}

	env, err := ParseEnvelope([]byte(`{"type":"notification","payload":{"title":"no id"}}`))
	require.NoError(t, err)
	_, err = decodeNotification(env)
	assert.Error(t, err)
}

func TestNotificationStream_RestartUsesNewToken(t *testing.T) {
	srv := newFakeServer(t)
	session := NewSessionStore("old", "acme")
	n, err := NewNotificationStream(NotificationConfig{
		API:            &fakeNotificationAPI{list: []Notification{{ID: "a"}}},
		Endpoint:       fixedEndpoint(srv.wsURL("/ws/acme/notifications")),
		Session:        session,
		Logger:         testLogger(),
		ReconnectDelay: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(n.Close)

	n.Mount(context.Background())
	assert.Equal(t, "old", srv.nextConn(t).token)

	session.Update("new", "acme")
	n.Restart(context.Background())
	assert.Equal(t, "new", srv.nextConn(t).token)
	assert.Equal(t, 1, n.Store().Len())
}

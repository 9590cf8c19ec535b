package sprintpulse

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

const testToken = "tok-123"

// acceptedConn is a server-side socket plus the request that opened it.
type acceptedConn struct {
	conn      *websocket.Conn
	path      string
	token     string
	projectID string
}

// fakeServer serves WebSocket upgrades on /ws/ and delegates everything else
// to an optional REST mux.
type fakeServer struct {
	srv      *httptest.Server
	mux      *http.ServeMux
	accepted chan acceptedConn

	mu      sync.Mutex
	upgrades int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		mux:      http.NewServeMux(),
		accepted: make(chan acceptedConn, 16),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ws/") {
			f.mux.ServeHTTP(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		f.mu.Lock()
		f.upgrades++
		f.mu.Unlock()

		ctx := conn.CloseRead(context.Background())
		q := r.URL.Query()
		f.accepted <- acceptedConn{conn: conn, path: r.URL.Path, token: q.Get("token"), projectID: q.Get("project_id")}
		<-ctx.Done()
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) upgradeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upgrades
}

func (f *fakeServer) port(t *testing.T) int {
	t.Helper()
	_, p, err := net.SplitHostPort(f.srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}

func (f *fakeServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
}

func (f *fakeServer) nextConn(t *testing.T) acceptedConn {
	t.Helper()
	select {
	case c := <-f.accepted:
		t.Cleanup(func() { c.conn.Close(websocket.StatusNormalClosure, "") })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for websocket connection")
		return acceptedConn{}
	}
}

func writeResult(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status >= http.StatusBadRequest {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":    false,
			"error": map[string]string{"code": "INTERNAL", "message": http.StatusText(status)},
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": data})
}

func sendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	sendRaw(t, conn, string(data))
}

func sendRaw(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

// deadAddr returns a ws URL on a port nothing listens on.
func deadAddr(t *testing.T, path string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "ws://" + addr + path
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// envelopeRecorder collects dispatched envelopes for one channel.
type envelopeRecorder struct {
	ch chan Envelope
}

func newRecorder(d *Dispatcher, channel string) *envelopeRecorder {
	r := &envelopeRecorder{ch: make(chan Envelope, 32)}
	d.Subscribe(channel, func(env Envelope) { r.ch <- env })
	return r
}

func (r *envelopeRecorder) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-r.ch:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func (r *envelopeRecorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case env := <-r.ch:
		t.Fatalf("unexpected envelope %q", env.Type)
	case <-time.After(wait):
	}
}

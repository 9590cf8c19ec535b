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

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ConnectionState represents the socket lifecycle of a Connection.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
)

var (
	// ErrConnectionUsed is returned by Open on a Connection that was already opened.
	ErrConnectionUsed = errors.New("connection already used")
	// ErrNotConnected is returned by Send when no socket is open.
	ErrNotConnected = errors.New("not connected")
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultReadLimit   = 16 << 20
)

// ConnectionConfig configures a single Connection.
type ConnectionConfig struct {
	Endpoint   Endpoint
	Session    Session
	Dispatcher *Dispatcher
	Logger     *slog.Logger
	HTTPClient *http.Client
	// DialTimeout bounds each individual dial attempt.
	DialTimeout time.Duration
	// ReadLimit caps one inbound frame in bytes. A larger frame closes the
	// connection with a transport error.
	ReadLimit int64
	// OnStateChange is called after every state transition.
	OnStateChange func(ConnectionState)
}

func (c *ConnectionConfig) defaults() {
	if c.Session == nil {
		c.Session = StaticSession{}
	}
	if c.Dispatcher == nil {
		c.Dispatcher = NewDispatcher(c.Logger)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
}

// Connection owns exactly one authenticated socket. It is single-use: once
// closed, from either side, it stays closed. Reconnecting means building a
// new Connection.
type Connection struct {
	id     string
	config ConnectionConfig
	logger *slog.Logger

	mu          sync.Mutex
	state       ConnectionState
	used        bool
	finished    bool
	intentional bool
	conn        *websocket.Conn
	cancelFn    context.CancelFunc
	attempts    int
	err         error
	done        chan struct{}
}

// NewConnection creates a Connection in the closed state. Call Open to dial.
func NewConnection(config ConnectionConfig) *Connection {
	cfg := config
	cfg.defaults()
	id := uuid.New().String()
	return &Connection{
		id:     id,
		config: cfg,
		logger: cfg.Logger.With("connection_id", id),
		state:  StateClosed,
		done:   make(chan struct{}),
	}
}

// ID returns the connection's log identifier.
func (c *Connection) ID() string { return c.id }

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection reaches its terminal closed state.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed; nil after Close or while open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Attempts returns how many dials were made, counting primary and fallback.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Open dials the primary endpoint, falling back to the secondary once if the
// primary fails. ctx bounds the whole connection lifetime, not just the dial.
//
// With no token in the session nothing is dialed: the connection finishes
// closed and ErrNoToken is returned.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.used {
		c.mu.Unlock()
		return ErrConnectionUsed
	}
	c.used = true
	lifeCtx, cancel := context.WithCancel(ctx)
	c.cancelFn = cancel
	c.mu.Unlock()

	token := c.config.Session.Token()
	if token == "" {
		c.logger.Warn("Skipping connection without auth token",
			"endpoint", redactURL(c.config.Endpoint.Primary))
		c.finish(ErrNoToken)
		return ErrNoToken
	}

	c.setState(StateConnecting)

	conn, err := c.dial(lifeCtx, c.config.Endpoint.Primary, token)
	if err != nil && c.config.Endpoint.HasFallback() && lifeCtx.Err() == nil {
		c.logger.Warn("Primary endpoint failed, trying fallback",
			"endpoint", redactURL(c.config.Endpoint.Primary), "error", err)
		conn, err = c.dial(lifeCtx, c.config.Endpoint.Fallback, token)
	}
	if err != nil {
		c.finish(err)
		return fmt.Errorf("connect: %w", err)
	}

	conn.SetReadLimit(c.config.ReadLimit)

	c.mu.Lock()
	if c.finished {
		// Closed while dialing.
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client closing")
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	c.setState(StateOpen)
	go c.readLoop(lifeCtx, conn)
	return nil
}

// Close closes the socket without reporting an error. Safe to call repeatedly.
func (c *Connection) Close() {
	c.mu.Lock()
	c.intentional = true
	c.mu.Unlock()
	c.finish(nil)
}

// Send writes v as a JSON text frame.
func (c *Connection) Send(ctx context.Context, v interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Connection) dial(ctx context.Context, endpoint, token string) (*websocket.Conn, error) {
	u, err := authenticate(endpoint, token)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()
	c.logger.Info("Connecting to event stream", "endpoint", redactURL(u))

	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, u, &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.finish(err)
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			c.logger.Warn("Dropping malformed frame", "error", err)
			continue
		}
		c.deliver(env)
	}
}

// deliver isolates the read loop from panicking handlers.
func (c *Connection) deliver(env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panicked", "channel", env.Type, "panic", r)
		}
	}()
	c.config.Dispatcher.Dispatch(env)
}

func (c *Connection) setState(s ConnectionState) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	if c.config.OnStateChange != nil {
		c.config.OnStateChange(s)
	}
}

func (c *Connection) finish(err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.state = StateClosed
	if !c.intentional {
		c.err = err
	}
	conn := c.conn
	c.conn = nil
	cancel := c.cancelFn
	c.cancelFn = nil
	intentional := c.intentional
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	close(c.done)

	if intentional || err == nil {
		c.logger.Info("Connection closed")
	} else {
		c.logger.Info("Connection closed", "error", err)
	}
	if c.config.OnStateChange != nil {
		c.config.OnStateChange(StateClosed)
	}
}

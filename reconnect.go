package sprintpulse

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DefaultReconnectDelay is the fixed wait between notification stream attempts.
const DefaultReconnectDelay = 5 * time.Second

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	delay       time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(delay time.Duration, maxAttempts int) *reconnector {
	return &reconnector{delay: delay, maxAttempts: maxAttempts}
}

// shouldReconnect is always true when maxAttempts is 0.
func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	return r.delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// RetryingStream
// ============================================================================

// RetryConfig configures a RetryingStream.
type RetryConfig struct {
	// Endpoint is called before every attempt so token and tenant changes
	// are picked up.
	Endpoint   func() (Endpoint, error)
	Session    Session
	Dispatcher *Dispatcher
	Logger     *slog.Logger
	HTTPClient *http.Client

	// Delay between the end of one connection and the next attempt.
	Delay time.Duration
	// MaxAttempts caps consecutive failed attempts; 0 retries forever.
	MaxAttempts int

	OnReconnecting func(attempt int, delay time.Duration)
	OnStateChange  func(ConnectionState)
}

func (c *RetryConfig) defaults() {
	if c.Session == nil {
		c.Session = StaticSession{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dispatcher == nil {
		c.Dispatcher = NewDispatcher(c.Logger)
	}
	if c.Delay == 0 {
		c.Delay = DefaultReconnectDelay
	}
}

// RetryingStream keeps a Connection alive: whenever the connection closes,
// after a failed dial or a finished session alike, it waits Delay and dials
// again. It stops when Stop is called, the context ends, or the session has
// no token.
type RetryingStream struct {
	config RetryConfig
	recon  *reconnector

	mu       sync.Mutex
	conn     *Connection
	cancelFn context.CancelFunc
	done     chan struct{}
	connects int
}

// NewRetryingStream creates a stopped RetryingStream.
func NewRetryingStream(config RetryConfig) *RetryingStream {
	cfg := config
	cfg.defaults()
	return &RetryingStream{
		config: cfg,
		recon:  newReconnector(cfg.Delay, cfg.MaxAttempts),
	}
}

// Dispatcher returns the dispatcher shared by every connection of this stream.
func (s *RetryingStream) Dispatcher() *Dispatcher { return s.config.Dispatcher }

// Start launches the connect loop. It is a no-op if already running.
func (s *RetryingStream) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.done = make(chan struct{})
	go s.run(loopCtx, s.done)
}

// Stop cancels any pending retry, closes the active connection and waits
// for the loop to exit. No further attempt is made afterwards.
func (s *RetryingStream) Stop() {
	s.mu.Lock()
	cancel := s.cancelFn
	done := s.done
	conn := s.conn
	s.cancelFn = nil
	s.done = nil
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
}

// Current returns the live connection, or nil between attempts.
func (s *RetryingStream) Current() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Connects returns how many connection attempts the stream has started.
func (s *RetryingStream) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *RetryingStream) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	log := s.config.Logger

	for {
		if ctx.Err() != nil {
			return
		}
		if s.config.Session.Token() == "" {
			log.Info("Stopping stream: no auth token")
			return
		}

		if s.attempt(ctx) {
			s.recon.reset()
		}

		if ctx.Err() != nil {
			return
		}
		if !s.recon.shouldReconnect() {
			log.Warn("Giving up on stream", "attempts", s.recon.attempt)
			return
		}

		delay := s.recon.nextDelay()
		if s.config.OnReconnecting != nil {
			s.config.OnReconnecting(s.recon.attempt, delay)
		}
		log.Info("Reconnecting to stream", "attempt", s.recon.attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// attempt runs one connection until it closes and reports whether it opened.
func (s *RetryingStream) attempt(ctx context.Context) bool {
	ep, err := s.config.Endpoint()
	if err != nil {
		s.config.Logger.Error("Failed to resolve stream endpoint", "error", err)
		return false
	}

	conn := NewConnection(ConnectionConfig{
		Endpoint:      ep,
		Session:       s.config.Session,
		Dispatcher:    s.config.Dispatcher,
		Logger:        s.config.Logger,
		HTTPClient:    s.config.HTTPClient,
		OnStateChange: s.config.OnStateChange,
	})

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	s.connects++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	if err := conn.Open(ctx); err != nil {
		if !errors.Is(err, ErrNoToken) {
			s.config.Logger.Warn("Stream connection failed", "error", err)
		}
		return false
	}

	select {
	case <-conn.Done():
	case <-ctx.Done():
		conn.Close()
	}
	return true
}

package sprintpulse

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounceWindow is the quiet period before a coalesced refetch runs.
const DefaultDebounceWindow = 500 * time.Millisecond

// RefetchFunc reloads one piece of aggregate data.
type RefetchFunc func(ctx context.Context) error

type pendingRefetch struct {
	timer *time.Timer
	gen   uint64
}

// RefetchCoordinator debounces refetches per key: every Notify restarts the
// key's timer, and the action runs once, Window after the last Notify.
type RefetchCoordinator struct {
	window time.Duration
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	actions map[string]RefetchFunc
	pending map[string]*pendingRefetch
	gen     uint64
	stopped bool
	running sync.WaitGroup
}

// NewRefetchCoordinator creates a coordinator. A zero window uses DefaultDebounceWindow.
func NewRefetchCoordinator(window time.Duration, logger *slog.Logger) *RefetchCoordinator {
	if window == 0 {
		window = DefaultDebounceWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RefetchCoordinator{
		window:  window,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		actions: make(map[string]RefetchFunc),
		pending: make(map[string]*pendingRefetch),
	}
}

// Register sets the action for key, replacing any previous one.
func (r *RefetchCoordinator) Register(key string, fn RefetchFunc) {
	r.mu.Lock()
	r.actions[key] = fn
	r.mu.Unlock()
}

// Notify (re)starts the debounce timer for key.
func (r *RefetchCoordinator) Notify(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if _, ok := r.actions[key]; !ok {
		r.logger.Debug("No refetch registered", "key", key)
		return
	}
	if p, ok := r.pending[key]; ok {
		p.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.pending[key] = &pendingRefetch{
		gen:   gen,
		timer: time.AfterFunc(r.window, func() { r.fire(key, gen) }),
	}
}

// Pending reports whether key has a refetch waiting on its timer.
func (r *RefetchCoordinator) Pending(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[key]
	return ok
}

// Cancel drops key's pending refetch, if any.
func (r *RefetchCoordinator) Cancel(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[key]; ok {
		p.timer.Stop()
		delete(r.pending, key)
	}
}

// Flush runs key's pending refetch now instead of waiting for the timer.
func (r *RefetchCoordinator) Flush(key string) {
	r.mu.Lock()
	p, ok := r.pending[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	p.timer.Stop()
	gen := p.gen
	r.mu.Unlock()
	r.fire(key, gen)
}

// Stop cancels all pending timers and in-flight refetch contexts and waits
// for running actions to return. Later Notify calls are ignored.
func (r *RefetchCoordinator) Stop() {
	r.mu.Lock()
	r.stopped = true
	for key, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, key)
	}
	r.mu.Unlock()
	r.cancel()
	r.running.Wait()
}

func (r *RefetchCoordinator) fire(key string, gen uint64) {
	r.mu.Lock()
	p, ok := r.pending[key]
	if !ok || p.gen != gen || r.stopped {
		// Superseded by a later Notify, cancelled, or stopped.
		r.mu.Unlock()
		return
	}
	delete(r.pending, key)
	fn := r.actions[key]
	r.running.Add(1)
	r.mu.Unlock()

	defer r.running.Done()
	if err := fn(r.ctx); err != nil {
		r.logger.Warn("Refetch failed", "key", key, "error", err)
	}
}

package sprintpulse

import (
	"log/slog"
	"sort"
	"sync"
)

// Handler consumes one dispatched envelope.
type Handler func(Envelope)

// Dispatcher routes envelopes to at most one handler per channel.
//
// Registration is last-write-wins: Subscribe on a channel that already has a
// handler replaces it. Owners unsubscribe by channel name rather than by
// handle, so each channel holds a single active handler per dispatcher.
//
// A Dispatcher is independent of any Connection and survives reconnects.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Subscribe registers h for channel, replacing any previous handler.
func (d *Dispatcher) Subscribe(channel string, h Handler) {
	d.mu.Lock()
	_, replaced := d.handlers[channel]
	d.handlers[channel] = h
	d.mu.Unlock()
	if replaced {
		d.logger.Debug("Replaced channel handler", "channel", channel)
	}
}

// Unsubscribe removes the handler for channel.
func (d *Dispatcher) Unsubscribe(channel string) {
	d.mu.Lock()
	delete(d.handlers, channel)
	d.mu.Unlock()
}

// Handles reports whether channel currently has a handler.
func (d *Dispatcher) Handles(channel string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[channel]
	return ok
}

// Channels returns the subscribed channel names, sorted.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.handlers))
	for ch := range d.handlers {
		out = append(out, ch)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Dispatch invokes the handler for env.Type on the calling goroutine. The
// lock is released before the call so handlers may (un)subscribe.
func (d *Dispatcher) Dispatch(env Envelope) {
	d.mu.RLock()
	h, ok := d.handlers[env.Type]
	d.mu.RUnlock()
	if !ok {
		return
	}
	h(env)
}

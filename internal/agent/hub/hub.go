// Package hub provides per-agent fan-out of the event stream: one producer
// (the supervisor), many subscribers (SSE connections, workflow watchers).
package hub

import (
	"sync"

	"go.uber.org/zap"

	"github.com/hivemind/hivemind/internal/agent/eventlog"
	"github.com/hivemind/hivemind/internal/agent/stream"
	"github.com/hivemind/hivemind/internal/common/logger"
	"github.com/hivemind/hivemind/internal/sanitizer"
)

// InjectedIndex is the index carried by injected (local-only) entries,
// which are never appended to the log.
const InjectedIndex = -1

// Listener receives log entries. Replayed and live entries arrive on the
// subscriber's goroutine of the publisher; listeners must not block.
type Listener func(eventlog.Entry)

// Hub fans one agent's event stream out to subscribers. Every published
// event is sanitized, appended to the log, then delivered; subscribers
// attached with a replay index observe a gapless, duplicate-free sequence.
type Hub struct {
	mu        sync.Mutex
	log       *eventlog.Log
	sanitizer *sanitizer.Sanitizer
	listeners map[int]Listener
	nextID    int
	logger    *logger.Logger
}

// New creates a hub over the given log.
func New(log *eventlog.Log, san *sanitizer.Sanitizer, lg *logger.Logger) *Hub {
	return &Hub{
		log:       log,
		sanitizer: san,
		listeners: make(map[int]Listener),
		logger:    lg,
	}
}

// Subscribe atomically replays the retained tail with index >= after into
// the listener, then registers it for live events. The returned unsubscribe
// func is idempotent.
func (h *Hub) Subscribe(fn Listener, after int) func() {
	h.mu.Lock()
	for _, entry := range h.log.Snapshot(after) {
		h.deliver(fn, entry)
	}
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

// Publish sanitizes the event, appends it to the log, and notifies every
// subscriber. On sanitizer failure the event is dropped and a synthetic
// error event is published in its place, so raw secrets are never
// forwarded. Returns the appended index.
func (h *Hub) Publish(ev stream.Event) int {
	clean, err := h.sanitizer.Sanitize(ev)
	if err != nil {
		h.logger.Error("sanitizer failed, dropping event",
			zap.String("event_type", ev.Type()), zap.Error(err))
		clean = stream.Event{
			"type":    stream.TypeSystem,
			"subtype": "sanitizer_error",
			"text":    "an event was dropped because sanitization failed",
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.log.Append(clean)
	entry := eventlog.Entry{Index: idx, Event: clean}
	for _, fn := range h.listeners {
		h.deliver(fn, entry)
	}
	return idx
}

// Inject delivers a local-only event to current subscribers without
// appending it to the log; replay on reconnect never reproduces it.
func (h *Hub) Inject(ev stream.Event) {
	clean, err := h.sanitizer.Sanitize(ev)
	if err != nil {
		h.logger.Error("sanitizer failed, dropping injected event",
			zap.String("event_type", ev.Type()), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	entry := eventlog.Entry{Index: InjectedIndex, Event: clean}
	for _, fn := range h.listeners {
		h.deliver(fn, entry)
	}
}

// SubscriberCount returns the number of registered listeners.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// deliver invokes one listener, isolating panics so a broken subscriber
// cannot take down the stream for the rest.
func (h *Hub) deliver(fn Listener, entry eventlog.Entry) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("event listener panicked", zap.Any("panic", r))
		}
	}()
	fn(entry)
}

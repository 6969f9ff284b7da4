package bus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hivemind/hivemind/internal/common/logger"
	"github.com/hivemind/hivemind/internal/guardrails"
)

// flushDebounce is how long the bus waits after a mutation before
// persisting, so bursts of posts coalesce into one write.
const flushDebounce = 500 * time.Millisecond

// defaultQueryLimit caps a query that does not ask for a limit.
const defaultQueryLimit = 100

// Listener receives every message posted to the bus.
type Listener func(Message)

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	To       string
	From     string
	Channel  string
	Type     string
	UnreadBy string
	Since    time.Time
	Limit    int
}

// Bus holds the bounded message log. All methods are safe for
// concurrent use.
type Bus struct {
	mu       sync.RWMutex
	messages []Message
	maxSize  int

	listenerMu sync.RWMutex
	listeners  map[int]Listener
	nextID     int

	path   string
	logger *logger.Logger

	flushMu    sync.Mutex
	flushTimer *time.Timer
	flushing   bool
}

// New creates a bus persisting to messages.json under baseDir. Any
// snapshot already on disk is loaded; a corrupt snapshot resets the bus
// to empty rather than failing startup.
func New(baseDir string, log *logger.Logger) *Bus {
	b := &Bus{
		maxSize:   guardrails.MaxMessages,
		listeners: make(map[int]Listener),
		path:      filepath.Join(baseDir, "messages.json"),
		logger:    log,
	}
	b.load()
	return b
}

// Post appends a message, evicting the oldest when the bus is full,
// and notifies listeners.
func (b *Bus) Post(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.ReadBy == nil {
		msg.ReadBy = make(map[string]bool)
	}

	b.mu.Lock()
	b.messages = append(b.messages, msg)
	if len(b.messages) > b.maxSize {
		b.messages = b.messages[len(b.messages)-b.maxSize:]
	}
	stored := msg.clone()
	b.mu.Unlock()

	b.scheduleFlush()
	b.notify(stored)
	return stored
}

// Query returns the messages matching the filter, oldest first. A "to"
// filter matches messages addressed to that agent plus broadcasts the
// caller's role may see; without one, an agentID narrows the result to
// what that agent may see, and an empty agentID returns the whole log.
// When more than the limit match, the newest ones win but the
// chronological order of the result is preserved.
func (b *Bus) Query(agentID, role string, f Filter) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []Message
	for _, m := range b.messages {
		switch {
		case f.To != "":
			if m.To != f.To && !(m.IsBroadcast() && !m.RoleExcluded(role)) {
				continue
			}
		case agentID != "":
			if !m.VisibleTo(agentID, role) {
				continue
			}
		}
		if f.From != "" && m.From != f.From {
			continue
		}
		if f.Channel != "" && m.Channel != f.Channel {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		if f.UnreadBy != "" && m.ReadBy[f.UnreadBy] {
			continue
		}
		if !f.Since.IsZero() && !m.CreatedAt.After(f.Since) {
			continue
		}
		matched = append(matched, m.clone())
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// MarkRead marks one message read by an agent. A flush is scheduled
// only when the read mark is new.
func (b *Bus) MarkRead(messageID, agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.messages {
		if b.messages[i].ID == messageID {
			if b.messages[i].ReadBy[agentID] {
				return true
			}
			if b.messages[i].ReadBy == nil {
				b.messages[i].ReadBy = make(map[string]bool)
			}
			b.messages[i].ReadBy[agentID] = true
			b.scheduleFlushLocked()
			return true
		}
	}
	return false
}

// MarkAllRead marks every message currently visible to the agent as read
// and returns how many were newly marked.
func (b *Bus) MarkAllRead(agentID, role string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for i := range b.messages {
		m := &b.messages[i]
		if !m.VisibleTo(agentID, role) || m.ReadBy[agentID] {
			continue
		}
		if m.ReadBy == nil {
			m.ReadBy = make(map[string]bool)
		}
		m.ReadBy[agentID] = true
		count++
	}
	if count > 0 {
		b.scheduleFlushLocked()
	}
	return count
}

// UnreadCount reports how many visible messages the agent has not read.
// The agent's own messages do not count as unread.
func (b *Bus) UnreadCount(agentID, role string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for i := range b.messages {
		m := &b.messages[i]
		if m.From == agentID {
			continue
		}
		if m.VisibleTo(agentID, role) && !m.ReadBy[agentID] {
			count++
		}
	}
	return count
}

// Delete removes a message by id.
func (b *Bus) Delete(messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.messages {
		if b.messages[i].ID == messageID {
			b.messages = append(b.messages[:i], b.messages[i+1:]...)
			b.scheduleFlushLocked()
			return true
		}
	}
	return false
}

// CleanupForAgent removes the agent's direct messages and its read marks
// when the agent is destroyed. Broadcasts it sent stay on the bus.
func (b *Bus) CleanupForAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.messages[:0]
	for _, m := range b.messages {
		if !m.IsBroadcast() && (m.To == agentID || m.From == agentID) {
			continue
		}
		delete(m.ReadBy, agentID)
		kept = append(kept, m)
	}
	b.messages = kept
	b.scheduleFlushLocked()
}

// Len returns the number of messages currently held.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}

// Subscribe registers a listener for every posted message. The returned
// function unsubscribes.
func (b *Bus) Subscribe(fn Listener) func() {
	b.listenerMu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.listenerMu.Lock()
			delete(b.listeners, id)
			b.listenerMu.Unlock()
		})
	}
}

func (b *Bus) notify(msg Message) {
	b.listenerMu.RLock()
	fns := make([]Listener, 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.listenerMu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}

// load reads the snapshot from disk. Parse failures reset the bus.
func (b *Bus) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Warn("Failed to read message snapshot", zap.String("path", b.path), zap.Error(err))
		}
		return
	}

	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		b.logger.Warn("Message snapshot corrupt, starting empty",
			zap.String("path", b.path), zap.Error(err))
		return
	}
	if len(msgs) > b.maxSize {
		msgs = msgs[len(msgs)-b.maxSize:]
	}
	b.messages = msgs
	b.logger.Info("Loaded message snapshot",
		zap.String("path", b.path), zap.Int("messages", len(msgs)))
}

func (b *Bus) scheduleFlushLocked() {
	// b.mu is held; the timer fires outside of it
	b.scheduleFlush()
}

// scheduleFlush arms the debounce timer unless one is already pending.
func (b *Bus) scheduleFlush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if b.flushTimer != nil {
		return
	}
	b.flushTimer = time.AfterFunc(flushDebounce, b.flushNow)
}

func (b *Bus) flushNow() {
	b.flushMu.Lock()
	if b.flushing {
		// A write is still in flight; try again after the window.
		b.flushTimer = time.AfterFunc(flushDebounce, b.flushNow)
		b.flushMu.Unlock()
		return
	}
	b.flushing = true
	b.flushTimer = nil
	b.flushMu.Unlock()

	if err := b.writeSnapshot(); err != nil {
		b.logger.Error("Failed to persist messages", zap.String("path", b.path), zap.Error(err))
	}

	b.flushMu.Lock()
	b.flushing = false
	b.flushMu.Unlock()
}

// Flush forces a synchronous write, cancelling any pending debounce.
// Used on shutdown.
func (b *Bus) Flush() error {
	b.flushMu.Lock()
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.flushMu.Unlock()
	return b.writeSnapshot()
}

// writeSnapshot writes the full message list to a temp file and renames
// it over the snapshot so readers never observe a partial file.
func (b *Bus) writeSnapshot() error {
	b.mu.RLock()
	data, err := json.Marshal(b.messages)
	b.mu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "messages-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), b.path)
}

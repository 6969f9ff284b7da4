// Package eventlog provides per-agent append-only event logs with a bounded
// tail and indexed replay.
package eventlog

import (
	"sync"

	"github.com/hivemind/hivemind/internal/agent/stream"
)

// DefaultRetention is how many events the tail retains per agent.
const DefaultRetention = 2000

// Entry is one logged event together with its absolute index.
type Entry struct {
	Index int          `json:"index"`
	Event stream.Event `json:"event"`
}

// Log is a per-agent append-only sequence of events. Events keep their
// absolute index for the lifetime of the agent even after older entries
// fall out of the retained tail.
type Log struct {
	mu        sync.RWMutex
	events    []stream.Event
	start     int // absolute index of events[0]
	retention int
}

// New creates a log retaining the last `retention` events
// (DefaultRetention when <= 0).
func New(retention int) *Log {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Log{retention: retention}
}

// Append pushes an event and returns its absolute index.
func (l *Log) Append(ev stream.Event) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, ev)
	if len(l.events) > l.retention {
		drop := len(l.events) - l.retention
		l.events = append([]stream.Event(nil), l.events[drop:]...)
		l.start += drop
	}
	return l.start + len(l.events) - 1
}

// Snapshot returns the retained entries with index >= after, in order.
// Pass 0 (or negative) for the whole retained tail.
func (l *Log) Snapshot(after int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	from := after - l.start
	if from < 0 {
		from = 0
	}
	if from >= len(l.events) {
		return nil
	}

	out := make([]Entry, 0, len(l.events)-from)
	for i := from; i < len(l.events); i++ {
		out = append(out, Entry{Index: l.start + i, Event: l.events[i]})
	}
	return out
}

// All returns the entire retained sequence.
func (l *Log) All() []Entry {
	return l.Snapshot(0)
}

// Len returns the total number of events ever appended.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.start + len(l.events)
}

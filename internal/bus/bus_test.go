package bus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind/hivemind/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	return New(t.TempDir(), testLogger(t))
}

func TestPostAndQueryDirect(t *testing.T) {
	b := newTestBus(t)

	b.Post(NewMessage("a1", "alpha", "a2", "", "task", "review this"))
	b.Post(NewMessage("a2", "beta", "a1", "", "reply", "looks good"))
	b.Post(NewMessage("a3", "gamma", "a4", "", "task", "unrelated"))

	visible := b.Query("a1", "worker", Filter{})
	require.Len(t, visible, 2)
	assert.Equal(t, "review this", visible[0].Content)
	assert.Equal(t, "looks good", visible[1].Content)

	// a3's direct message to a4 is invisible to a1
	for _, m := range visible {
		assert.NotEqual(t, "unrelated", m.Content)
	}
}

func TestBroadcastExcludeRoles(t *testing.T) {
	b := newTestBus(t)

	msg := NewMessage("a1", "alpha", "", "", "announcement", "deploy at noon")
	msg.ExcludeRoles = []string{"reviewer"}
	b.Post(msg)

	assert.Len(t, b.Query("a2", "worker", Filter{}), 1)
	assert.Empty(t, b.Query("a3", "reviewer", Filter{}))
	// the sender sees its own broadcast regardless of role
	assert.Len(t, b.Query("a1", "worker", Filter{}), 1)
}

func TestQueryFilters(t *testing.T) {
	b := newTestBus(t)

	b.Post(NewMessage("a1", "alpha", "", "general", "status", "one"))
	b.Post(NewMessage("a2", "beta", "", "general", "task", "two"))
	b.Post(NewMessage("a2", "beta", "", "ops", "status", "three"))

	assert.Len(t, b.Query("a9", "worker", Filter{Channel: "general"}), 2)
	assert.Len(t, b.Query("a9", "worker", Filter{Type: "status"}), 2)

	got := b.Query("a9", "worker", Filter{From: "a2", Channel: "ops"})
	require.Len(t, got, 1)
	assert.Equal(t, "three", got[0].Content)
}

func TestQueryToFilterIncludesBroadcasts(t *testing.T) {
	b := newTestBus(t)

	b.Post(NewMessage("a1", "alpha", "a2", "", "", "direct"))
	b.Post(NewMessage("a1", "alpha", "a3", "", "", "other direct"))
	bc := NewMessage("a1", "alpha", "", "", "", "broadcast")
	bc.ExcludeRoles = []string{"reviewer"}
	b.Post(bc)

	got := b.Query("a2", "worker", Filter{To: "a2"})
	require.Len(t, got, 2)
	assert.Equal(t, "direct", got[0].Content)
	assert.Equal(t, "broadcast", got[1].Content)

	// Excluded roles do not see the broadcast even when querying by to
	got = b.Query("a3", "reviewer", Filter{To: "a3"})
	require.Len(t, got, 1)
	assert.Equal(t, "other direct", got[0].Content)
}

func TestQueryByToWithoutCallerIdentity(t *testing.T) {
	b := newTestBus(t)

	b.Post(NewMessage("a1", "alpha", "r1", "", "", "direct"))
	b.Post(NewMessage("a1", "alpha", "r2", "", "", "elsewhere"))

	got := b.Query("", "", Filter{To: "r1"})
	require.Len(t, got, 1)
	assert.Equal(t, "direct", got[0].Content)

	// No identity and no filter returns the whole log.
	assert.Len(t, b.Query("", "", Filter{}), 2)
}

func TestQuerySinceAndLimit(t *testing.T) {
	b := newTestBus(t)

	var cutoff time.Time
	for i := 0; i < 10; i++ {
		m := NewMessage("a1", "alpha", "", "", "", "msg")
		m.CreatedAt = time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC)
		if i == 4 {
			cutoff = m.CreatedAt
		}
		b.Post(m)
	}

	since := b.Query("a9", "worker", Filter{Since: cutoff})
	assert.Len(t, since, 5) // strictly after the cutoff

	limited := b.Query("a9", "worker", Filter{Limit: 3})
	require.Len(t, limited, 3)
	// newest three, still oldest first
	assert.True(t, limited[0].CreatedAt.Before(limited[2].CreatedAt))
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 9, 0, time.UTC), limited[2].CreatedAt)
}

func TestUnreadTracking(t *testing.T) {
	b := newTestBus(t)

	m1 := b.Post(NewMessage("a1", "alpha", "a2", "", "", "first"))
	b.Post(NewMessage("a1", "alpha", "a2", "", "", "second"))

	assert.Equal(t, 2, b.UnreadCount("a2", "worker"))
	assert.Equal(t, 0, b.UnreadCount("a1", "worker")) // own messages never unread

	require.True(t, b.MarkRead(m1.ID, "a2"))
	assert.Equal(t, 1, b.UnreadCount("a2", "worker"))

	unread := b.Query("a2", "worker", Filter{UnreadBy: "a2"})
	require.Len(t, unread, 1)
	assert.Equal(t, "second", unread[0].Content)

	assert.Equal(t, 1, b.MarkAllRead("a2", "worker"))
	assert.Equal(t, 0, b.UnreadCount("a2", "worker"))

	assert.False(t, b.MarkRead("no-such-id", "a2"))
}

func TestMarkReadSkipsFlushWhenUnchanged(t *testing.T) {
	b := newTestBus(t)

	m := b.Post(NewMessage("a1", "alpha", "a2", "", "", "hi"))
	require.True(t, b.MarkRead(m.ID, "a2"))
	require.NoError(t, b.Flush())

	// Marking again changes nothing and must not arm the debounce timer.
	require.True(t, b.MarkRead(m.ID, "a2"))
	b.flushMu.Lock()
	timer := b.flushTimer
	b.flushMu.Unlock()
	assert.Nil(t, timer)
}

func TestCapacityEvictsOldest(t *testing.T) {
	b := newTestBus(t)
	b.maxSize = 3

	for i, content := range []string{"one", "two", "three", "four", "five"} {
		m := NewMessage("a1", "alpha", "", "", "", content)
		m.CreatedAt = time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC)
		b.Post(m)
	}

	assert.Equal(t, 3, b.Len())
	got := b.Query("a9", "worker", Filter{})
	require.Len(t, got, 3)
	assert.Equal(t, "three", got[0].Content)
	assert.Equal(t, "five", got[2].Content)
}

func TestCleanupForAgent(t *testing.T) {
	b := newTestBus(t)

	b.Post(NewMessage("a1", "alpha", "a2", "", "", "direct out"))
	b.Post(NewMessage("a3", "gamma", "a1", "", "", "direct in"))
	bc := b.Post(NewMessage("a1", "alpha", "", "", "", "broadcast"))
	require.True(t, b.MarkRead(bc.ID, "a1"))

	b.CleanupForAgent("a1")

	assert.Equal(t, 1, b.Len())
	got := b.Query("a9", "worker", Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, "broadcast", got[0].Content)
	assert.False(t, got[0].ReadBy["a1"])
}

func TestDelete(t *testing.T) {
	b := newTestBus(t)

	m := b.Post(NewMessage("a1", "alpha", "", "", "", "ephemeral"))
	require.True(t, b.Delete(m.ID))
	assert.False(t, b.Delete(m.ID))
	assert.Equal(t, 0, b.Len())
}

func TestSubscribeDelivers(t *testing.T) {
	b := newTestBus(t)

	var got []Message
	unsub := b.Subscribe(func(m Message) { got = append(got, m) })

	b.Post(NewMessage("a1", "alpha", "", "", "", "hello"))
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Content)

	unsub()
	unsub() // idempotent
	b.Post(NewMessage("a1", "alpha", "", "", "", "after"))
	assert.Len(t, got, 1)
}

func TestFlushAndReload(t *testing.T) {
	dir := t.TempDir()
	log := testLogger(t)

	b := New(dir, log)
	b.Post(NewMessage("a1", "alpha", "a2", "", "task", "persist me"))
	require.NoError(t, b.Flush())

	reloaded := New(dir, log)
	assert.Equal(t, 1, reloaded.Len())
	got := reloaded.Query("a2", "worker", Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, "persist me", got[0].Content)
}

func TestDebouncedFlushWrites(t *testing.T) {
	dir := t.TempDir()
	b := New(dir, testLogger(t))

	b.Post(NewMessage("a1", "alpha", "", "", "", "soon on disk"))

	path := filepath.Join(dir, "messages.json")
	deadline := time.Now().Add(3 * time.Second)
	for {
		if data, err := os.ReadFile(path); err == nil {
			var msgs []Message
			require.NoError(t, json.Unmarshal(data, &msgs))
			require.Len(t, msgs, 1)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("snapshot never written")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCorruptSnapshotResets(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "messages.json"), []byte("{not json"), 0o644))

	b := New(dir, testLogger(t))
	assert.Equal(t, 0, b.Len())
}

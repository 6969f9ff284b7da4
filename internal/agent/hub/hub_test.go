package hub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind/hivemind/internal/agent/eventlog"
	"github.com/hivemind/hivemind/internal/agent/stream"
	"github.com/hivemind/hivemind/internal/common/logger"
	"github.com/hivemind/hivemind/internal/sanitizer"
)

func newHub(t *testing.T) *Hub {
	t.Helper()
	log := logger.Default()
	return New(eventlog.New(100), sanitizer.New(log), log)
}

func collect() (*[]eventlog.Entry, Listener) {
	var mu sync.Mutex
	entries := &[]eventlog.Entry{}
	return entries, func(e eventlog.Entry) {
		mu.Lock()
		*entries = append(*entries, e)
		mu.Unlock()
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	h := newHub(t)
	got, fn := collect()
	unsub := h.Subscribe(fn, 0)
	defer unsub()

	h.Publish(stream.Event{"type": "system", "n": 0})
	h.Publish(stream.Event{"type": "assistant", "n": 1})
	h.Publish(stream.Event{"type": "result", "n": 2})

	require.Len(t, *got, 3)
	for i, e := range *got {
		assert.Equal(t, i, e.Index)
		assert.Equal(t, i, e.Event["n"])
	}
}

func TestSubscribeReplaysThenStreams(t *testing.T) {
	h := newHub(t)
	h.Publish(stream.Event{"type": "system", "n": 0})
	h.Publish(stream.Event{"type": "assistant", "n": 1})

	got, fn := collect()
	unsub := h.Subscribe(fn, 1)
	defer unsub()

	h.Publish(stream.Event{"type": "result", "n": 2})

	require.Len(t, *got, 2)
	assert.Equal(t, 1, (*got)[0].Index)
	assert.Equal(t, 2, (*got)[1].Index)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	h := newHub(t)
	got, fn := collect()
	unsub := h.Subscribe(fn, 0)

	unsub()
	unsub()

	h.Publish(stream.Event{"type": "system"})
	assert.Empty(t, *got)
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestInjectNotLogged(t *testing.T) {
	h := newHub(t)
	got, fn := collect()
	unsub := h.Subscribe(fn, 0)
	defer unsub()

	h.Inject(stream.Event{"type": "system", "local": true})
	h.Publish(stream.Event{"type": "assistant"})

	require.Len(t, *got, 2)
	assert.Equal(t, InjectedIndex, (*got)[0].Index)
	assert.Equal(t, 0, (*got)[1].Index)

	// A reconnecting subscriber replays only the logged event.
	replay, fn2 := collect()
	unsub2 := h.Subscribe(fn2, 0)
	defer unsub2()
	require.Len(t, *replay, 1)
	assert.Equal(t, "assistant", (*replay)[0].Event.Type())
}

func TestPanickingListenerIsolated(t *testing.T) {
	h := newHub(t)

	unsubBad := h.Subscribe(func(eventlog.Entry) { panic("boom") }, 0)
	defer unsubBad()

	got, fn := collect()
	unsub := h.Subscribe(fn, 0)
	defer unsub()

	h.Publish(stream.Event{"type": "system"})
	require.Len(t, *got, 1)
}

func TestPublishSanitizes(t *testing.T) {
	t.Setenv("HIVE_HUB_TEST_TOKEN", "hub-secret-value")
	log := logger.Default()
	h := New(eventlog.New(100), sanitizer.New(log), log)

	got, fn := collect()
	unsub := h.Subscribe(fn, 0)
	defer unsub()

	h.Publish(stream.Event{"type": "raw", "text": "leaking hub-secret-value"})

	require.Len(t, *got, 1)
	assert.NotContains(t, (*got)[0].Event.String("text"), "hub-secret-value")
}

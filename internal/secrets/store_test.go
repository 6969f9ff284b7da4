package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind/hivemind/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewStore(log)
}

func TestSetGetDelete(t *testing.T) {
	s := newTestStore(t)

	_, ok := s.Get("API_KEY")
	assert.False(t, ok)

	s.Set("API_KEY", "sk-first")
	v, ok := s.Get("API_KEY")
	require.True(t, ok)
	assert.Equal(t, "sk-first", v)

	s.Set("API_KEY", "sk-second")
	v, _ = s.Get("API_KEY")
	assert.Equal(t, "sk-second", v)

	assert.True(t, s.Delete("API_KEY"))
	assert.False(t, s.Delete("API_KEY"))
	_, ok = s.Get("API_KEY")
	assert.False(t, ok)
}

func TestNamesOmitValues(t *testing.T) {
	s := newTestStore(t)
	s.Set("TOKEN_A", "value-a")
	s.Set("TOKEN_B", "value-b")

	names := s.Names()
	assert.ElementsMatch(t, []string{"TOKEN_A", "TOKEN_B"}, names)
	assert.ElementsMatch(t, []string{"value-a", "value-b"}, s.Values())
}

func TestSubscribeNotifiesOnEveryChange(t *testing.T) {
	s := newTestStore(t)

	calls := 0
	unsub := s.Subscribe(func() { calls++ })

	s.Set("A", "1")
	s.Set("A", "2")
	require.True(t, s.Delete("A"))
	assert.Equal(t, 3, calls)

	// deleting a missing secret is not a change
	s.Delete("A")
	assert.Equal(t, 3, calls)

	unsub()
	s.Set("B", "3")
	assert.Equal(t, 3, calls)
}

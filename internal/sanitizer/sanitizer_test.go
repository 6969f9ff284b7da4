package sanitizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind/hivemind/internal/agent/stream"
	"github.com/hivemind/hivemind/internal/common/logger"
)

func newSanitizer(t *testing.T, providers ...Provider) *Sanitizer {
	t.Helper()
	return New(logger.Default(), providers...)
}

func TestSanitizeRedactsEnvSecrets(t *testing.T) {
	t.Setenv("HIVE_TEST_TOKEN", "abcdef12345")
	t.Setenv("HIVE_TEST_KEY", "ghijklm67890")

	s := newSanitizer(t)
	ev, err := s.Sanitize(stream.Event{
		"type": "raw",
		"text": "TOKEN=abcdef12345 KEY=ghijklm67890",
	})
	require.NoError(t, err)

	text := ev.String("text")
	assert.Equal(t, 2, strings.Count(text, Redacted))
	assert.NotContains(t, text, "abcdef12345")
	assert.NotContains(t, text, "ghijklm67890")
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	t.Setenv("HIVE_TEST_SECRET", "supersecretvalue")

	s := newSanitizer(t)
	in := stream.Event{
		"type": "assistant",
		"message": map[string]any{
			"content": []any{
				map[string]any{"type": "text", "text": "leaked supersecretvalue here"},
			},
		},
	}

	out, err := s.Sanitize(in)
	require.NoError(t, err)

	// Input untouched.
	content := in["message"].(map[string]any)["content"].([]any)
	assert.Contains(t, content[0].(map[string]any)["text"], "supersecretvalue")

	// Output redacted, including nested leaves.
	gotContent := out["message"].(map[string]any)["content"].([]any)
	got := gotContent[0].(map[string]any)["text"].(string)
	assert.NotContains(t, got, "supersecretvalue")
	assert.Contains(t, got, Redacted)
}

func TestSanitizeShortSecretsIgnored(t *testing.T) {
	t.Setenv("HIVE_TEST_SHORT_TOKEN", "short")

	s := newSanitizer(t)
	ev, err := s.Sanitize(stream.Event{"type": "raw", "text": "value is short"})
	require.NoError(t, err)
	assert.Equal(t, "value is short", ev.String("text"))
}

func TestSanitizeNonCredentialKeysIgnored(t *testing.T) {
	t.Setenv("HIVE_TEST_WORKDIR", "/home/builder/workspace")

	s := newSanitizer(t)
	ev, err := s.Sanitize(stream.Event{"type": "raw", "text": "cd /home/builder/workspace"})
	require.NoError(t, err)
	assert.Contains(t, ev.String("text"), "/home/builder/workspace")
}

func TestSanitizeNonStringLeavesPassThrough(t *testing.T) {
	s := newSanitizer(t)
	ev, err := s.Sanitize(stream.Event{
		"type":   "result",
		"turns":  float64(3),
		"ok":     true,
		"detail": nil,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(3), ev["turns"])
	assert.Equal(t, true, ev["ok"])
	assert.Nil(t, ev["detail"])
}

func TestSanitizeProviderSecrets(t *testing.T) {
	s := newSanitizer(t, func() []string { return []string{"provider-secret-value"} })

	ev, err := s.Sanitize(stream.Event{"type": "raw", "text": "got provider-secret-value"})
	require.NoError(t, err)
	assert.NotContains(t, ev.String("text"), "provider-secret-value")
}

func TestResetCachePicksUpNewSecrets(t *testing.T) {
	var current []string
	s := newSanitizer(t, func() []string { return current })

	ev, err := s.Sanitize(stream.Event{"type": "raw", "text": "hello new-secret-value"})
	require.NoError(t, err)
	assert.Contains(t, ev.String("text"), "new-secret-value")

	// A new secret appears; the cache still holds the old set.
	current = []string{"new-secret-value"}
	ev, err = s.Sanitize(stream.Event{"type": "raw", "text": "hello new-secret-value"})
	require.NoError(t, err)
	assert.Contains(t, ev.String("text"), "new-secret-value")

	s.ResetCache()
	ev, err = s.Sanitize(stream.Event{"type": "raw", "text": "hello new-secret-value"})
	require.NoError(t, err)
	assert.NotContains(t, ev.String("text"), "new-secret-value")
}

func TestSanitizeMultipleOccurrences(t *testing.T) {
	t.Setenv("HIVE_TEST_API_KEY", "repeated-secret-1")

	s := newSanitizer(t)
	ev, err := s.Sanitize(stream.Event{
		"type": "raw",
		"text": "repeated-secret-1 and again repeated-secret-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(ev.String("text"), Redacted))
}

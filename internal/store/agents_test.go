package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "hivemind.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(db)
	require.NoError(t, err)
	return s
}

func TestSaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &AgentRecord{
		ID:           "a1",
		Name:         "analyze-security-3f2a1b",
		Role:         "worker",
		Capabilities: []string{"code", "review"},
		Model:        "claude-sonnet-4-5",
		MaxTurns:     50,
		WorkspaceDir: "/tmp/ws/a1",
		Status:       "running",
		SessionID:    "sess-1",
		TokensIn:     120,
		TokensOut:    450,
		CreatedAt:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
	}
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, []string{"code", "review"}, got.Capabilities)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, int64(450), got.TokensOut)
}

func TestSaveOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &AgentRecord{ID: "a1", Name: "first", Status: "running",
		CreatedAt: time.Now().UTC(), LastActivity: time.Now().UTC()}
	require.NoError(t, s.Save(ctx, rec))

	rec.Status = "idle"
	rec.SessionID = "sess-2"
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "idle", got.Status)
	assert.Equal(t, "sess-2", got.SessionID)
}

func TestListOrdersByCreation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, s.Save(ctx, &AgentRecord{
			ID: id, Name: id, CreatedAt: base.Add(time.Duration(i) * time.Minute),
			LastActivity: base,
		}))
	}

	got, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "a3", got[2].ID)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &AgentRecord{ID: "a1", Name: "gone",
		CreatedAt: time.Now().UTC(), LastActivity: time.Now().UTC()}))
	require.NoError(t, s.Delete(ctx, "a1"))

	_, err := s.Get(ctx, "a1")
	assert.Error(t, err)
}

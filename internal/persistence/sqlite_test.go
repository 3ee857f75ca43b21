package persistence

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGetTab(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tab := &SessionTab{WorkspaceID: "ws-1", Title: "First tab", AgentType: "claude-code"}
	require.NoError(t, store.CreateTab(ctx, tab))
	assert.NotEmpty(t, tab.ID)
	assert.Equal(t, TabStateActive, tab.State)

	got, err := store.GetTab(ctx, tab.ID)
	require.NoError(t, err)
	assert.Equal(t, "ws-1", got.WorkspaceID)
	assert.Equal(t, "First tab", got.Title)
	assert.Equal(t, "claude-code", got.AgentType)
	assert.True(t, got.LastPromptAt.IsZero())
}

func TestGetTab_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetTab(context.Background(), "missing")
	assert.Error(t, err)
}

func TestFindTabByIdempotencyKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tab := &SessionTab{WorkspaceID: "ws-1", IdempotencyKey: "key-1"}
	require.NoError(t, store.CreateTab(ctx, tab))

	found, err := store.FindTabByIdempotencyKey(ctx, "ws-1", "key-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, tab.ID, found.ID)

	// Unseen key and empty key both return nil without error.
	found, err = store.FindTabByIdempotencyKey(ctx, "ws-1", "other")
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = store.FindTabByIdempotencyKey(ctx, "ws-1", "")
	require.NoError(t, err)
	assert.Nil(t, found)

	// Same key in another workspace is a different tab.
	other := &SessionTab{WorkspaceID: "ws-2", IdempotencyKey: "key-1"}
	require.NoError(t, store.CreateTab(ctx, other))
}

func TestCreateTab_DuplicateIdempotencyKeyRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTab(ctx, &SessionTab{WorkspaceID: "ws-1", IdempotencyKey: "key-1"}))
	err := store.CreateTab(ctx, &SessionTab{WorkspaceID: "ws-1", IdempotencyKey: "key-1"})
	assert.Error(t, err)

	// Tabs without a key never collide.
	require.NoError(t, store.CreateTab(ctx, &SessionTab{WorkspaceID: "ws-1"}))
	require.NoError(t, store.CreateTab(ctx, &SessionTab{WorkspaceID: "ws-1"}))
}

func TestListTabs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTab(ctx, &SessionTab{WorkspaceID: "ws-1", Title: "a"}))
	require.NoError(t, store.CreateTab(ctx, &SessionTab{WorkspaceID: "ws-1", Title: "b"}))
	require.NoError(t, store.CreateTab(ctx, &SessionTab{WorkspaceID: "ws-2", Title: "c"}))

	tabs, err := store.ListTabs(ctx, "ws-1")
	require.NoError(t, err)
	assert.Len(t, tabs, 2)

	tabs, err = store.ListTabs(ctx, "ws-3")
	require.NoError(t, err)
	assert.Empty(t, tabs)
}

func TestUpdateTabState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tab := &SessionTab{WorkspaceID: "ws-1"}
	require.NoError(t, store.CreateTab(ctx, tab))

	require.NoError(t, store.UpdateTabState(ctx, tab.ID, TabStateSuspended))
	got, err := store.GetTab(ctx, tab.ID)
	require.NoError(t, err)
	assert.Equal(t, TabStateSuspended, got.State)

	assert.Error(t, store.UpdateTabState(ctx, "missing", TabStateActive))
}

func TestUpdateAcpSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tab := &SessionTab{WorkspaceID: "ws-1"}
	require.NoError(t, store.CreateTab(ctx, tab))

	require.NoError(t, store.UpdateAcpSession(ctx, tab.ID, "acp-xyz", "google-gemini"))
	got, err := store.GetTab(ctx, tab.ID)
	require.NoError(t, err)
	assert.Equal(t, "acp-xyz", got.AcpSessionID)
	assert.Equal(t, "google-gemini", got.AgentType)
}

func TestUpdateLastPrompt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tab := &SessionTab{WorkspaceID: "ws-1"}
	require.NoError(t, store.CreateTab(ctx, tab))

	require.NoError(t, store.UpdateLastPrompt(ctx, tab.ID, "fix the flaky login test"))
	got, err := store.GetTab(ctx, tab.ID)
	require.NoError(t, err)
	assert.False(t, got.LastPromptAt.IsZero())
	assert.Equal(t, "fix the flaky login test", got.LastPrompt)

	// The preview is capped at 200 characters.
	long := strings.Repeat("x", 500)
	require.NoError(t, store.UpdateLastPrompt(ctx, tab.ID, long))
	got, err = store.GetTab(ctx, tab.ID)
	require.NoError(t, err)
	assert.Len(t, got.LastPrompt, 200)
}

func TestDeleteTab(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tab := &SessionTab{WorkspaceID: "ws-1"}
	require.NoError(t, store.CreateTab(ctx, tab))

	require.NoError(t, store.DeleteTab(ctx, tab.ID))
	_, err := store.GetTab(ctx, tab.ID)
	assert.Error(t, err)

	assert.Error(t, store.DeleteTab(ctx, tab.ID))
}

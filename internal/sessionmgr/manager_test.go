package sessionmgr

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/sessiond/core/internal/agentquery"
	"github.com/sessiond/core/internal/common/logger"
	sessiondb "github.com/sessiond/core/internal/db"
	"github.com/sessiond/core/internal/events/bus"
	"github.com/sessiond/core/internal/provider"
	"github.com/sessiond/core/internal/rewind"
	"github.com/sessiond/core/internal/sessioncache"
	"github.com/sessiond/core/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writer, err := sessiondb.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := sessiondb.OpenSQLiteReader(dbPath)
	require.NoError(t, err)

	st, err := store.NewWithDB(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	cache := sessioncache.New(16, time.Hour, log)
	providers := provider.NewRegistry(log)
	rewindEngine := rewind.New(st, eventBus, log)

	m := New(st, cache, eventBus, agentquery.FakeFactory{}, providers, rewindEngine, log)
	t.Cleanup(func() { m.Cleanup(context.Background()) })
	return m
}

func TestCreateAppliesDefaultSandboxConfig(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "/workspace", "my session", store.SessionConfig{Model: "claude-opus"})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	require.Equal(t, true, sess.Config.Sandbox["enabled"])

	fromDB, err := m.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ID, fromDB.ID)
}

func TestCreateRejectedAfterCleanup(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	m.Cleanup(ctx)
	_, err := m.Create(ctx, "/workspace", "too late", store.SessionConfig{})
	require.Error(t, err)
}

func TestGetCachesAgentSessionAcrossCalls(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "/workspace", "", store.SessionConfig{})
	require.NoError(t, err)

	first, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	second, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestSendMessagePersistsAndRespondsOnce(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "/workspace", "", store.SessionConfig{})
	require.NoError(t, err)

	_, err = m.SendMessage(ctx, sess.ID, "hello there", nil)
	require.NoError(t, err)

	messages, err := m.store.ListUserMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "hello there", messages[0].Content)
}

func TestUpdatePublishesSessionUpdated(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "/workspace", "original", store.SessionConfig{})
	require.NoError(t, err)

	received := make(chan struct{}, 1)
	_, err = m.bus.Subscribe("session.updated.*", func(ctx context.Context, evt *bus.Event) error {
		received <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	updated, err := m.Update(ctx, sess.ID, func(s *store.Session) { s.Title = "renamed" })
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Title)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session.updated")
	}
}

func TestDeleteRemovesSessionAndCacheEntry(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "/workspace", "", store.SessionConfig{})
	require.NoError(t, err)
	_, err = m.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 1, m.cache.Len())

	require.NoError(t, m.Delete(ctx, sess.ID))
	require.Equal(t, 0, m.cache.Len())

	_, err = m.GetSession(ctx, sess.ID)
	require.Error(t, err)
}

func TestCleanupCoalescesConcurrentCallers(t *testing.T) {
	m := newTestManager(t)

	done := make(chan struct{}, 4)
	for i := 0; i < 4; i++ {
		go func() {
			m.Cleanup(context.Background())
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("cleanup call never returned")
		}
	}
	require.Equal(t, CleanupCleaned, m.cleanupState)
}

func TestMessagePersistedGeneratesTitleOnce(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "/workspace", "", store.SessionConfig{})
	require.NoError(t, err)

	_, err = m.SendMessage(ctx, sess.ID, "Plan the migration\nmore detail", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := m.GetSession(ctx, sess.ID)
		return err == nil && s.Title != ""
	}, time.Second, 10*time.Millisecond)

	s, err := m.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "Plan the migration", s.Title)
	require.True(t, s.Metadata.TitleGenerated)
}

package broadcaster

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
	"github.com/sessiond/core/internal/sessionmgr"
	"github.com/sessiond/core/internal/store"
)

func newTestSetup(t *testing.T) (*sessionmgr.Manager, *store.Store, bus.EventBus) {
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

	mgr := sessionmgr.New(st, cache, eventBus, agentquery.FakeFactory{}, providers, rewindEngine, log)
	t.Cleanup(func() { mgr.Cleanup(context.Background()) })
	return mgr, st, eventBus
}

func TestGlobalSessionsFiltersArchivedByDefault(t *testing.T) {
	mgr, st, eventBus := newTestSetup(t)
	ctx := context.Background()
	log := logger.Default()

	b := New(mgr, st, eventBus, log)
	t.Cleanup(b.Close)

	sess, err := mgr.Create(ctx, "/workspace", "s1", store.SessionConfig{})
	require.NoError(t, err)

	snap, err := b.GlobalSessions(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Sessions, 1)
	require.False(t, snap.HasArchivedSessions)

	_, err = mgr.Archive(ctx, sess.ID, true)
	require.NoError(t, err)

	snap2, err := b.GlobalSessions(ctx)
	require.NoError(t, err)
	require.Empty(t, snap2.Sessions)
	require.True(t, snap2.HasArchivedSessions)
	require.Greater(t, snap2.Version, snap.Version)
}

func TestGlobalSessionsDeltaEmitsRemovedOnArchive(t *testing.T) {
	mgr, st, eventBus := newTestSetup(t)
	ctx := context.Background()
	log := logger.Default()

	b := New(mgr, st, eventBus, log)
	t.Cleanup(b.Close)

	sess, err := mgr.Create(ctx, "/workspace", "s1", store.SessionConfig{})
	require.NoError(t, err)

	deltas := make(chan *bus.Event, 4)
	_, err = eventBus.Subscribe("global.sessions.delta", func(ctx context.Context, evt *bus.Event) error {
		deltas <- evt
		return nil
	})
	require.NoError(t, err)

	_, err = mgr.Archive(ctx, sess.ID, true)
	require.NoError(t, err)

	select {
	case evt := <-deltas:
		removed, _ := evt.Data["removed"].([]any)
		require.Len(t, removed, 1)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for global.sessions.delta")
	}
}

func TestGlobalSessionsDeltaEmitsUpdatedWhenShowArchived(t *testing.T) {
	mgr, st, eventBus := newTestSetup(t)
	ctx := context.Background()
	log := logger.Default()

	b := New(mgr, st, eventBus, log)
	t.Cleanup(b.Close)
	b.SetShowArchived(true)

	sess, err := mgr.Create(ctx, "/workspace", "s1", store.SessionConfig{})
	require.NoError(t, err)

	deltas := make(chan *bus.Event, 4)
	_, err = eventBus.Subscribe("global.sessions.delta", func(ctx context.Context, evt *bus.Event) error {
		deltas <- evt
		return nil
	})
	require.NoError(t, err)

	_, err = mgr.Archive(ctx, sess.ID, true)
	require.NoError(t, err)

	select {
	case evt := <-deltas:
		require.Empty(t, evt.Data["removed"])
		updated, _ := evt.Data["updated"].([]any)
		require.Len(t, updated, 1)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for global.sessions.delta")
	}
}

func TestSessionSnapshotUnknownSessionReturnsNotFound(t *testing.T) {
	mgr, st, eventBus := newTestSetup(t)
	ctx := context.Background()
	log := logger.Default()

	b := New(mgr, st, eventBus, log)
	t.Cleanup(b.Close)

	_, err := b.SessionSnapshot(ctx, "does-not-exist")
	require.Error(t, err)
}

func TestBroadcastSessionStateChangeOnUnknownSessionIsNoop(t *testing.T) {
	mgr, st, eventBus := newTestSetup(t)
	ctx := context.Background()
	log := logger.Default()

	b := New(mgr, st, eventBus, log)
	t.Cleanup(b.Close)

	// Must not panic or block; the spec requires this to be a silent no-op.
	b.BroadcastSessionStateChange(ctx, "does-not-exist")
}

// TestDeltaVersionsAreMonotonicPerSession exercises the delta-snapshot
// convergence property (spec §8 property 3): versions only increase, so a
// client applying deltas in order and discarding any delta with version <=
// its last snapshot's version never double-applies or drops a change.
func TestDeltaVersionsAreMonotonicPerSession(t *testing.T) {
	mgr, st, eventBus := newTestSetup(t)
	ctx := context.Background()
	log := logger.Default()

	b := New(mgr, st, eventBus, log)
	t.Cleanup(b.Close)

	sess, err := mgr.Create(ctx, "/workspace", "s1", store.SessionConfig{})
	require.NoError(t, err)

	var lastVersion uint64
	for i := 0; i < 5; i++ {
		b.BroadcastSessionStateChange(ctx, sess.ID)
		snap, err := b.SessionSnapshot(ctx, sess.ID)
		require.NoError(t, err)
		require.Greater(t, snap.Version, lastVersion)
		lastVersion = snap.Version
	}
}

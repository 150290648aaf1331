package roommgr

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/sessiond/core/internal/agentquery"
	"github.com/sessiond/core/internal/common/config"
	"github.com/sessiond/core/internal/common/logger"
	sessiondb "github.com/sessiond/core/internal/db"
	"github.com/sessiond/core/internal/events"
	"github.com/sessiond/core/internal/events/bus"
	"github.com/sessiond/core/internal/provider"
	"github.com/sessiond/core/internal/rewind"
	"github.com/sessiond/core/internal/sessioncache"
	"github.com/sessiond/core/internal/sessionmgr"
	"github.com/sessiond/core/internal/store"
)

func newTestSetup(t *testing.T) (*store.Store, bus.EventBus, *sessionmgr.Manager) {
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

	return st, eventBus, mgr
}

func testRoomConfig() config.RoomConfig {
	return config.RoomConfig{MaxConcurrentPairs: 2, MaxErrorCount: 3}
}

func TestStartAllStartsAnAgentPerPersistedRoom(t *testing.T) {
	st, eventBus, mgr := newTestSetup(t)
	ctx := context.Background()
	log := logger.Default()

	room := &store.Room{Name: "engineering", DefaultPath: "/workspace"}
	require.NoError(t, st.CreateRoom(ctx, room))

	m := New(st, eventBus, mgr, testRoomConfig(), log)
	require.NoError(t, m.StartAll(ctx))
	defer m.Stop()

	// The started agent should be listening on this room's message subject:
	// sending /pause must flip its persisted lifecycle state to paused.
	evt := bus.NewEvent(events.RoomMessage, "test", map[string]interface{}{
		"roomId":  room.ID,
		"content": "/pause",
		"source":  "client",
	})
	require.NoError(t, eventBus.Publish(ctx, events.BuildRoomSubject(events.RoomMessage, room.ID), evt))

	require.Eventually(t, func() bool {
		state, err := st.GetRoomAgentState(ctx, room.ID)
		return err == nil && state.LifecycleState == store.RoomPaused
	}, time.Second, 10*time.Millisecond)
}

func TestStartAllSkipsNothingWhenNoRoomsExist(t *testing.T) {
	st, eventBus, mgr := newTestSetup(t)
	ctx := context.Background()
	log := logger.Default()

	m := New(st, eventBus, mgr, testRoomConfig(), log)
	require.NoError(t, m.StartAll(ctx))
	require.Empty(t, m.agents)
	m.Stop()
}

func TestStopTerminatesRoomAgentsSoFurtherMessagesAreIgnored(t *testing.T) {
	st, eventBus, mgr := newTestSetup(t)
	ctx := context.Background()
	log := logger.Default()

	room := &store.Room{Name: "design", DefaultPath: "/workspace"}
	require.NoError(t, st.CreateRoom(ctx, room))

	m := New(st, eventBus, mgr, testRoomConfig(), log)
	require.NoError(t, m.StartAll(ctx))
	m.Stop()

	evt := bus.NewEvent(events.RoomMessage, "test", map[string]interface{}{
		"roomId":  room.ID,
		"content": "/pause",
		"source":  "client",
	})
	require.NoError(t, eventBus.Publish(ctx, events.BuildRoomSubject(events.RoomMessage, room.ID), evt))

	// Give any (incorrectly) still-subscribed handler a chance to run, then
	// confirm the state was never touched.
	time.Sleep(50 * time.Millisecond)
	state, err := st.GetRoomAgentState(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, store.RoomIdle, state.LifecycleState)
}

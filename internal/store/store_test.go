package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/sessiond/core/internal/apperr"
	sessiondb "github.com/sessiond/core/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writer, err := sessiondb.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := sessiondb.OpenSQLiteReader(dbPath)
	require.NoError(t, err)

	s, err := NewWithDB(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &Session{Title: "first", WorkspacePath: "/tmp/ws"}
	sess.Config.Model = "claude"
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NotEmpty(t, sess.ID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "first", got.Title)
	require.Equal(t, "claude", got.Config.Model)
	require.Equal(t, SessionPending, got.Status)
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	require.True(t, apperr.IsNotFound(err))
}

func TestListSessionsExcludesArchivedByDefault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := &Session{Title: "active"}
	require.NoError(t, s.CreateSession(ctx, active))
	archived := &Session{Title: "archived"}
	require.NoError(t, s.CreateSession(ctx, archived))
	require.NoError(t, s.ArchiveSession(ctx, archived.ID))

	visible, err := s.ListSessions(ctx, false)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	require.Equal(t, active.ID, visible[0].ID)

	all, err := s.ListSessions(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestDeleteSessionCascadesOwnedRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &Session{Title: "to-delete"}
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NoError(t, s.AppendSDKMessage(ctx, &SDKMessage{SessionID: sess.ID, Type: SDKMessageUser, Content: "hi"}))
	require.NoError(t, s.CreateCheckpoint(ctx, &Checkpoint{SessionID: sess.ID, TurnNumber: 1}))

	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	msgs, err := s.ListSDKMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)

	cps, err := s.ListCheckpoints(ctx, sess.ID)
	require.NoError(t, err)
	require.Empty(t, cps)
}

func TestAppendSDKMessageIsIdempotentOnReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &Session{Title: "stream"}
	require.NoError(t, s.CreateSession(ctx, sess))

	msg := &SDKMessage{UUID: "fixed-uuid", SessionID: sess.ID, Type: SDKMessageAssistant, Content: "hello"}
	require.NoError(t, s.AppendSDKMessage(ctx, msg))
	// Simulate a reconnect replaying the same message.
	replay := &SDKMessage{UUID: "fixed-uuid", SessionID: sess.ID, Type: SDKMessageAssistant, Content: "hello"}
	require.NoError(t, s.AppendSDKMessage(ctx, replay))

	msgs, err := s.ListSDKMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestCheckpointTurnNumberMustIncrease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &Session{Title: "turns"}
	require.NoError(t, s.CreateSession(ctx, sess))

	require.NoError(t, s.CreateCheckpoint(ctx, &Checkpoint{SessionID: sess.ID, TurnNumber: 1}))
	require.NoError(t, s.CreateCheckpoint(ctx, &Checkpoint{SessionID: sess.ID, TurnNumber: 2}))
	// A duplicate turn number violates the unique index.
	err := s.CreateCheckpoint(ctx, &Checkpoint{SessionID: sess.ID, TurnNumber: 2})
	require.Error(t, err)

	latest, err := s.GetLatestCheckpoint(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 2, latest.TurnNumber)
}

func TestMemoryAccessCountIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRoom(ctx, &Room{ID: "room-1", Name: "r1"}))
	mem := &Memory{RoomID: "room-1", Type: MemoryNote, Content: "remember this"}
	require.NoError(t, s.AddMemory(ctx, mem))

	for i := 0; i < 3; i++ {
		recalled, err := s.RecallMemory(ctx, mem.ID)
		require.NoError(t, err)
		require.Equal(t, i+1, recalled.AccessCount)
	}
}

func TestDeleteMemoryFromForeignRoomIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRoom(ctx, &Room{ID: "room-a", Name: "a"}))
	require.NoError(t, s.CreateRoom(ctx, &Room{ID: "room-b", Name: "b"}))
	mem := &Memory{RoomID: "room-a", Type: MemoryNote, Content: "owned by a"}
	require.NoError(t, s.AddMemory(ctx, mem))

	deleted, err := s.DeleteMemory(ctx, "room-b", mem.ID)
	require.NoError(t, err)
	require.False(t, deleted)

	still, err := s.RecallMemory(ctx, mem.ID)
	require.NoError(t, err)
	require.Equal(t, "owned by a", still.Content)
}

func TestSearchMemoriesMatchesLiteralSpecialCharacters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRoom(ctx, &Room{ID: "room-1", Name: "r1"}))
	require.NoError(t, s.AddMemory(ctx, &Memory{RoomID: "room-1", Type: MemoryNote, Content: "uses (parens) and 50% done"}))
	require.NoError(t, s.AddMemory(ctx, &Memory{RoomID: "room-1", Type: MemoryNote, Content: "plain text"}))

	results, err := s.SearchMemories(ctx, "room-1", "(parens)", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)

	results, err = s.SearchMemories(ctx, "room-1", "50%", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestRoomCreationSeedsIdleAgentState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRoom(ctx, &Room{ID: "room-1", Name: "r1"}))

	state, err := s.GetRoomAgentState(ctx, "room-1")
	require.NoError(t, err)
	require.Equal(t, RoomIdle, state.LifecycleState)
	require.Equal(t, 0, state.ErrorCount)
}

func TestIncrementRoomErrorCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRoom(ctx, &Room{ID: "room-1", Name: "r1"}))

	count, err := s.IncrementRoomErrorCount(ctx, "room-1", "boom")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = s.IncrementRoomErrorCount(ctx, "room-1", "boom again")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestSessionPairLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRoom(ctx, &Room{ID: "room-1", Name: "r1"}))

	pair := &SessionPair{RoomID: "room-1", ManagerSessionID: "mgr-1", WorkerSessionID: "wkr-1"}
	require.NoError(t, s.CreateSessionPair(ctx, pair))

	count, err := s.CountActiveSessionPairs(ctx, "room-1")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.NoError(t, s.UpdateSessionPairStatus(ctx, pair.ID, PairCompleted, ""))
	count, err = s.CountActiveSessionPairs(ctx, "room-1")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestTouchSessionUpdatesLastActiveOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &Session{Title: "ping"}
	require.NoError(t, s.CreateSession(ctx, sess))
	later := time.Now().UTC().Add(time.Hour)

	require.NoError(t, s.TouchSession(ctx, sess.ID, later))
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.WithinDuration(t, later, got.LastActiveAt, time.Second)
	require.Equal(t, "ping", got.Title)
}

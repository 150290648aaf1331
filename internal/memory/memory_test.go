package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	sessiondb "github.com/sessiond/core/internal/db"
	"github.com/sessiond/core/internal/store"
)

func newTestMemoryStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writer, err := sessiondb.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := sessiondb.OpenSQLiteReader(dbPath)
	require.NoError(t, err)

	st, err := store.NewWithDB(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return New(st)
}

func TestRecallRecordsAccessForEveryResult(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.store.CreateRoom(ctx, &store.Room{ID: "room-1", Name: "r1"}))
	a := &store.Memory{RoomID: "room-1", Type: store.MemoryNote, Content: "first"}
	b := &store.Memory{RoomID: "room-1", Type: store.MemoryNote, Content: "second"}
	require.NoError(t, s.Add(ctx, a))
	require.NoError(t, s.Add(ctx, b))

	results, err := s.Recall(ctx, "room-1", Filter{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, m := range results {
		require.Equal(t, 1, m.AccessCount)
	}

	again, err := s.Recall(ctx, "room-1", Filter{})
	require.NoError(t, err)
	for _, m := range again {
		require.Equal(t, 2, m.AccessCount)
	}
}

func TestMemoryIsolationAcrossRooms(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.store.CreateRoom(ctx, &store.Room{ID: "room-a", Name: "a"}))
	require.NoError(t, s.store.CreateRoom(ctx, &store.Room{ID: "room-b", Name: "b"}))
	require.NoError(t, s.Add(ctx, &store.Memory{RoomID: "room-a", Type: store.MemoryNote, Content: "owned by a"}))

	results, err := s.Recall(ctx, "room-b", Filter{})
	require.NoError(t, err)
	require.Empty(t, results)

	results, err = s.Search(ctx, "room-b", "owned", 0)
	require.NoError(t, err)
	require.Empty(t, results)

	deleted, err := s.Delete(ctx, "room-b", "nonexistent-id")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestRecallOrdersByImportanceThenCreatedAt(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.store.CreateRoom(ctx, &store.Room{ID: "room-1", Name: "r1"}))
	require.NoError(t, s.Add(ctx, &store.Memory{RoomID: "room-1", Type: store.MemoryNote, Content: "low", Importance: store.ImportanceLow}))
	require.NoError(t, s.Add(ctx, &store.Memory{RoomID: "room-1", Type: store.MemoryNote, Content: "high", Importance: store.ImportanceHigh}))
	require.NoError(t, s.Add(ctx, &store.Memory{RoomID: "room-1", Type: store.MemoryNote, Content: "normal", Importance: store.ImportanceNormal}))

	results, err := s.Recall(ctx, "room-1", Filter{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	// Lexicographic DESC on the importance string: "normal" > "low" > "high".
	require.Equal(t, "normal", results[0].Content)
	require.Equal(t, "low", results[1].Content)
	require.Equal(t, "high", results[2].Content)
}

func TestListDoesNotRecordAccess(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.store.CreateRoom(ctx, &store.Room{ID: "room-1", Name: "r1"}))
	require.NoError(t, s.Add(ctx, &store.Memory{RoomID: "room-1", Type: store.MemoryNote, Content: "first"}))

	results, err := s.List(ctx, "room-1", "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 0, results[0].AccessCount)

	again, err := s.List(ctx, "room-1", "")
	require.NoError(t, err)
	require.Equal(t, 0, again[0].AccessCount)
}

func TestCountNarrowsByType(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.store.CreateRoom(ctx, &store.Room{ID: "room-1", Name: "r1"}))
	require.NoError(t, s.Add(ctx, &store.Memory{RoomID: "room-1", Type: store.MemoryNote, Content: "n1"}))
	require.NoError(t, s.Add(ctx, &store.Memory{RoomID: "room-1", Type: store.MemoryDecision, Content: "d1"}))

	total, err := s.Count(ctx, "room-1", "")
	require.NoError(t, err)
	require.Equal(t, 2, total)

	notes, err := s.Count(ctx, "room-1", store.MemoryNote)
	require.NoError(t, err)
	require.Equal(t, 1, notes)
}

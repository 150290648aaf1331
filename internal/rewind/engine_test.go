package rewind

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/sessiond/core/internal/agentquery"
	"github.com/sessiond/core/internal/apperr"
	"github.com/sessiond/core/internal/common/logger"
	sessiondb "github.com/sessiond/core/internal/db"
	"github.com/sessiond/core/internal/events"
	"github.com/sessiond/core/internal/events/bus"
	"github.com/sessiond/core/internal/store"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, bus.EventBus) {
	t.Helper()
	dbPath := t.TempDir() + "/rewind.db"

	writer, err := sessiondb.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := sessiondb.OpenSQLiteReader(dbPath)
	require.NoError(t, err)

	db, err := store.NewWithDB(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	eb := bus.NewMemoryEventBus(newTestLogger(t))
	t.Cleanup(eb.Close)
	return New(db, eb, newTestLogger(t)), db, eb
}

// fakeHandle adapts agentquery.Fake to the QueryHandle interface so the
// engine can be exercised without a live Agent Session.
type fakeHandle struct {
	*agentquery.Fake
	active       bool
	ready        bool
	restartCalls int
	restartErr   error
}

func (h *fakeHandle) Active() bool { return h.active }
func (h *fakeHandle) Ready() bool  { return h.ready }
func (h *fakeHandle) RestartQuery(ctx context.Context) error {
	h.restartCalls++
	return h.restartErr
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{Fake: agentquery.NewFake("default"), active: true, ready: true}
}

func TestPreviewRewindUnknownCheckpoint(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.PreviewRewind(context.Background(), "s1", "missing", newFakeHandle())
	require.True(t, apperr.IsNotFound(err))
}

func TestPreviewRewindRequiresActiveQuery(t *testing.T) {
	e, db, _ := newTestEngine(t)
	ctx := context.Background()
	cp := &store.Checkpoint{SessionID: "s1", TurnNumber: 1, MessagePreview: "hi"}
	require.NoError(t, db.CreateCheckpoint(ctx, cp))

	h := newFakeHandle()
	h.active = false
	_, err := e.PreviewRewind(ctx, "s1", cp.ID, h)
	require.True(t, apperr.IsPreconditionFailed(err))
	require.Contains(t, err.Error(), "SDK query not active")
}

func TestPreviewRewindRequiresReadyQuery(t *testing.T) {
	e, db, _ := newTestEngine(t)
	ctx := context.Background()
	cp := &store.Checkpoint{SessionID: "s1", TurnNumber: 1, MessagePreview: "hi"}
	require.NoError(t, db.CreateCheckpoint(ctx, cp))

	h := newFakeHandle()
	h.ready = false
	_, err := e.PreviewRewind(ctx, "s1", cp.ID, h)
	require.True(t, apperr.IsPreconditionFailed(err))
	require.Contains(t, err.Error(), "SDK not ready")
}

func TestPreviewSelectiveRewindEmptySelection(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res, err := e.PreviewSelectiveRewind(context.Background(), "s1", nil, newFakeHandle())
	require.NoError(t, err)
	require.False(t, res.CanRewind)
	require.Equal(t, "No messages selected", res.Error)
}

func TestExecuteRewindFilesSuccess(t *testing.T) {
	e, db, eb := newTestEngine(t)
	ctx := context.Background()
	cp := &store.Checkpoint{SessionID: "s1", TurnNumber: 1, MessagePreview: "hi"}
	require.NoError(t, db.CreateCheckpoint(ctx, cp))

	var completed []string
	_, err := eb.Subscribe(events.BuildSessionSubject(events.RewindCompleted, "s1"), func(ctx context.Context, evt *bus.Event) error {
		completed = append(completed, evt.Type)
		return nil
	})
	require.NoError(t, err)

	h := newFakeHandle()
	h.RewindResult = &agentquery.RewindResult{CanRewind: true, FilesChanged: 2, Insertions: 5, Deletions: 1}
	res, err := e.ExecuteRewind(ctx, "s1", cp.ID, ModeFiles, h)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 2, res.FilesChanged)
	require.Eventually(t, func() bool { return len(completed) == 1 }, time.Second, time.Millisecond)
}

func TestExecuteRewindFilesFailureEmitsFailed(t *testing.T) {
	e, db, eb := newTestEngine(t)
	ctx := context.Background()
	cp := &store.Checkpoint{SessionID: "s1", TurnNumber: 1, MessagePreview: "hi"}
	require.NoError(t, db.CreateCheckpoint(ctx, cp))

	var failedErrs []string
	_, err := eb.Subscribe(events.BuildSessionSubject(events.RewindFailed, "s1"), func(ctx context.Context, evt *bus.Event) error {
		if m, ok := evt.Data["error"].(string); ok {
			failedErrs = append(failedErrs, m)
		}
		return nil
	})
	require.NoError(t, err)

	h := newFakeHandle()
	h.RewindResult = &agentquery.RewindResult{CanRewind: false}
	res, err := e.ExecuteRewind(ctx, "s1", cp.ID, ModeFiles, h)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "Rewind failed", res.Error)
	require.Eventually(t, func() bool { return len(failedErrs) == 1 && failedErrs[0] == "Rewind failed" }, time.Second, time.Millisecond)
}

func TestExecuteRewindBothStopsAfterFileFailure(t *testing.T) {
	e, db, _ := newTestEngine(t)
	ctx := context.Background()

	sess := &store.Session{Title: "s"}
	require.NoError(t, db.CreateSession(ctx, sess))
	cp := &store.Checkpoint{SessionID: sess.ID, TurnNumber: 1, MessagePreview: "hi"}
	require.NoError(t, db.CreateCheckpoint(ctx, cp))
	require.NoError(t, db.AppendSDKMessage(ctx, &store.SDKMessage{SessionID: sess.ID, Type: store.SDKMessageUser, Content: "hi"}))

	h := newFakeHandle()
	h.RewindResult = &agentquery.RewindResult{CanRewind: false}
	res, err := e.ExecuteRewind(ctx, sess.ID, cp.ID, ModeBoth, h)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "File rewind failed", res.Error)

	// Conversation rewind must not have run: the message inserted above
	// (with a timestamp at or after the checkpoint) must still be present.
	msgs, err := db.ListSDKMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestExecuteRewindConversationDeletesAfterAndRestartsQuery(t *testing.T) {
	e, db, _ := newTestEngine(t)
	ctx := context.Background()

	sess := &store.Session{Title: "s"}
	require.NoError(t, db.CreateSession(ctx, sess))
	cp := &store.Checkpoint{SessionID: sess.ID, TurnNumber: 1, MessagePreview: "hi", Timestamp: time.Now().UTC()}
	require.NoError(t, db.CreateCheckpoint(ctx, cp))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, db.AppendSDKMessage(ctx, &store.SDKMessage{SessionID: sess.ID, Type: store.SDKMessageAssistant, Content: "after"}))

	h := newFakeHandle()
	res, err := e.ExecuteRewind(ctx, sess.ID, cp.ID, ModeConversation, h)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.ConversationRewound)
	require.Equal(t, 1, res.MessagesDeleted)
	require.Equal(t, 1, h.restartCalls)

	got, err := db.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, cp.ID, got.Metadata.ResumeSessionAt)
}

func TestExecuteRewindInvalidMode(t *testing.T) {
	e, db, _ := newTestEngine(t)
	ctx := context.Background()
	cp := &store.Checkpoint{SessionID: "s1", TurnNumber: 1, MessagePreview: "hi"}
	require.NoError(t, db.CreateCheckpoint(ctx, cp))

	_, err := e.ExecuteRewind(ctx, "s1", cp.ID, Mode("bogus"), newFakeHandle())
	require.True(t, apperr.IsValidation(err))
}

func TestExecuteSelectiveRewindEmptySelection(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res, err := e.ExecuteSelectiveRewind(context.Background(), "s1", nil, newFakeHandle())
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "No messages selected", res.Error)
}

func TestGetRewindPointsNewestTurnFirst(t *testing.T) {
	e, db, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, db.CreateCheckpoint(ctx, &store.Checkpoint{SessionID: "s1", TurnNumber: 1, MessagePreview: "a"}))
	require.NoError(t, db.CreateCheckpoint(ctx, &store.Checkpoint{SessionID: "s1", TurnNumber: 2, MessagePreview: "b"}))
	require.NoError(t, db.CreateCheckpoint(ctx, &store.Checkpoint{SessionID: "s1", TurnNumber: 3, MessagePreview: "c"}))

	pts, err := e.GetRewindPoints(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, pts, 3)
	require.Equal(t, 3, pts[0].TurnNumber)
	require.Equal(t, 2, pts[1].TurnNumber)
	require.Equal(t, 1, pts[2].TurnNumber)
}

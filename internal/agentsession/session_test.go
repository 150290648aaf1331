package agentsession

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
	"github.com/sessiond/core/internal/store"
)

func newTestSession(t *testing.T) (*Session, *store.Store, *store.Session) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "agentsession.db")
	writer, err := sessiondb.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := sessiondb.OpenSQLiteReader(dbPath)
	require.NoError(t, err)

	st, err := store.NewWithDB(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	providers := provider.NewRegistry(log)
	rewindEngine := rewind.New(st, eventBus, log)

	sess := &store.Session{Title: "s", WorkspacePath: "/workspace"}
	sess.Config.Model = "claude-sonnet-4-5"
	require.NoError(t, st.CreateSession(context.Background(), sess))

	as := New(sess.ID, st, eventBus, agentquery.FakeFactory{}, providers, rewindEngine, log)
	return as, st, sess
}

func TestInitialProcessingStateIsIdle(t *testing.T) {
	as, _, _ := newTestSession(t)
	require.Equal(t, StatusIdle, as.GetProcessingState().Status)
	require.True(t, as.GetProcessingState().IsTerminal())
}

func TestHandleMessageSendTransitionsToProcessing(t *testing.T) {
	as, _, _ := newTestSession(t)
	_, err := as.HandleMessageSend(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return as.GetProcessingState().Status == StatusProcessing
	}, time.Second, time.Millisecond)
}

func TestHandleMessageSendRejectsArchivedSession(t *testing.T) {
	as, st, sess := newTestSession(t)
	require.NoError(t, st.ArchiveSession(context.Background(), sess.ID))
	_, err := as.HandleMessageSend(context.Background(), "hello", nil)
	require.Error(t, err)
}

func TestHandleInterruptIdempotent(t *testing.T) {
	as, _, _ := newTestSession(t)
	ctx := context.Background()
	_, err := as.HandleMessageSend(ctx, "hello", nil)
	require.NoError(t, err)

	require.NoError(t, as.HandleInterrupt(ctx))
	require.Equal(t, StatusInterrupted, as.GetProcessingState().Status)

	// A second interrupt after the first must be a no-op: no error, and the
	// state stays interrupted.
	require.NoError(t, as.HandleInterrupt(ctx))
	require.Equal(t, StatusInterrupted, as.GetProcessingState().Status)
}

func TestHandleInterruptOnIdleSessionIsNoop(t *testing.T) {
	as, _, _ := newTestSession(t)
	require.NoError(t, as.HandleInterrupt(context.Background()))
	require.Equal(t, StatusIdle, as.GetProcessingState().Status)
}

func TestHandleModelSwitchRejectsUnknownModel(t *testing.T) {
	as, _, _ := newTestSession(t)
	res := as.HandleModelSwitch(context.Background(), "totally-unknown-model")
	require.False(t, res.Success)
	require.Contains(t, res.Error, "Invalid model")
}

func TestHandleModelSwitchIdempotentOnSameModel(t *testing.T) {
	as, _, sess := newTestSession(t)
	res := as.HandleModelSwitch(context.Background(), sess.Config.Model)
	require.True(t, res.Success)
	require.Contains(t, res.Error, "Already using")
}

func TestHandleModelSwitchUpdatesConfigWithNoQueryRunning(t *testing.T) {
	as, st, sess := newTestSession(t)
	res := as.HandleModelSwitch(context.Background(), "gpt-5")
	require.True(t, res.Success)
	require.Empty(t, res.Error)

	got, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, "gpt-5", got.Config.Model)
}

func TestResetQueryWithRestartStartsFreshQuery(t *testing.T) {
	as, _, _ := newTestSession(t)
	ctx := context.Background()
	_, err := as.HandleMessageSend(ctx, "hello", nil)
	require.NoError(t, err)

	flushed, err := as.ResetQuery(ctx, true)
	require.NoError(t, err)
	require.GreaterOrEqual(t, flushed, 0)
	require.True(t, as.Active())
}

func TestSetMaxThinkingTokensNormalizesInvalidLevel(t *testing.T) {
	as, st, sess := newTestSession(t)
	require.NoError(t, as.SetMaxThinkingTokens(context.Background(), "extreme"))

	got, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, "auto", got.Config.ThinkingLevel)
}

func TestSetCoordinatorModeNoopWhenUnchanged(t *testing.T) {
	as, _, _ := newTestSession(t)
	require.NoError(t, as.SetCoordinatorMode(context.Background(), false))
}

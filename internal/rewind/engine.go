// Package rewind implements the Rewind Engine (component F): enumerating
// checkpoints, previewing the consequence of rewinding to one, and
// executing a rewind in files/conversation/both mode against a session's
// running Query. It never holds a Query itself — the Agent Session remains
// the sole owner of its Query (spec §3 Ownership) and is handed to each
// call as a QueryHandle.
package rewind

import (
	"context"

	"go.uber.org/zap"

	"github.com/sessiond/core/internal/agentquery"
	"github.com/sessiond/core/internal/apperr"
	"github.com/sessiond/core/internal/common/logger"
	"github.com/sessiond/core/internal/events"
	"github.com/sessiond/core/internal/events/bus"
	"github.com/sessiond/core/internal/store"
)

// QueryHandle is the narrow view of an Agent Session's Query the Rewind
// Engine needs. Agent Session implements it directly so the engine never
// has to reach past the session's own synchronization.
type QueryHandle interface {
	// Active reports whether a Query is currently attached.
	Active() bool
	// Ready reports whether the attached Query has completed its provider
	// handshake. Meaningless (and ignored) when Active() is false.
	Ready() bool
	// RewindFiles delegates to the attached Query's RewindFiles.
	RewindFiles(ctx context.Context, checkpointID string, opts agentquery.RewindOptions) (agentquery.RewindResult, error)
	// RestartQuery tears down and restarts the session's Query, the step
	// a conversation/both rewind takes after trimming message history.
	RestartQuery(ctx context.Context) error
}

// Mode selects what a rewind affects.
type Mode string

const (
	ModeFiles        Mode = "files"
	ModeConversation Mode = "conversation"
	ModeBoth         Mode = "both"
)

// PreviewResult is the outcome of previewRewind/previewSelectiveRewind.
type PreviewResult struct {
	CanRewind    bool   `json:"canRewind"`
	FilesChanged int    `json:"filesChanged,omitempty"`
	Insertions   int    `json:"insertions,omitempty"`
	Deletions    int    `json:"deletions,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ExecuteResult is the outcome of executeRewind/executeSelectiveRewind.
type ExecuteResult struct {
	Success            bool   `json:"success"`
	Error              string `json:"error,omitempty"`
	FilesChanged       int    `json:"filesChanged,omitempty"`
	Insertions         int    `json:"insertions,omitempty"`
	Deletions          int    `json:"deletions,omitempty"`
	ConversationRewound bool  `json:"conversationRewound,omitempty"`
	MessagesDeleted    int    `json:"messagesDeleted,omitempty"`
}

// Engine implements component F against the persistence layer and the bus.
type Engine struct {
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger
}

// New creates a Rewind Engine.
func New(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Engine {
	return &Engine{store: st, bus: eventBus, logger: log.WithFields(zap.String("component", "rewind-engine"))}
}

// GetRewindPoints returns a session's checkpoints, newest turn first.
func (e *Engine) GetRewindPoints(ctx context.Context, sessionID string) ([]*store.Checkpoint, error) {
	cps, err := e.store.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	reversed := make([]*store.Checkpoint, len(cps))
	for i, cp := range cps {
		reversed[len(cps)-1-i] = cp
	}
	return reversed, nil
}

// PreviewRewind reports the consequence of rewinding to checkpointID
// without performing it.
func (e *Engine) PreviewRewind(ctx context.Context, sessionID, checkpointID string, qh QueryHandle) (PreviewResult, error) {
	if _, err := e.store.GetCheckpoint(ctx, checkpointID); err != nil {
		return PreviewResult{}, apperr.NotFound("Checkpoint not found")
	}
	return e.previewAgainstQuery(ctx, checkpointID, qh)
}

// PreviewSelectiveRewind reports the consequence of rewinding an arbitrary
// set of message ids. An empty set is rejected outright.
func (e *Engine) PreviewSelectiveRewind(ctx context.Context, sessionID string, messageIDs []string, qh QueryHandle) (PreviewResult, error) {
	if len(messageIDs) == 0 {
		return PreviewResult{CanRewind: false, Error: "No messages selected"}, nil
	}
	anchor := messageIDs[0]
	return e.previewAgainstQuery(ctx, anchor, qh)
}

func (e *Engine) previewAgainstQuery(ctx context.Context, anchorID string, qh QueryHandle) (PreviewResult, error) {
	if !qh.Active() {
		return PreviewResult{}, apperr.PreconditionFailed("SDK query not active")
	}
	if !qh.Ready() {
		return PreviewResult{}, apperr.PreconditionFailed("SDK not ready")
	}
	res, err := qh.RewindFiles(ctx, anchorID, agentquery.RewindOptions{DryRun: true})
	if err != nil {
		return PreviewResult{}, apperr.Transport(normalizeErr(err))
	}
	return PreviewResult{
		CanRewind:    res.CanRewind,
		FilesChanged: res.FilesChanged,
		Insertions:   res.Insertions,
		Deletions:    res.Deletions,
		Error:        res.Error,
	}, nil
}

// ExecuteRewind performs a rewind in the requested mode.
func (e *Engine) ExecuteRewind(ctx context.Context, sessionID, checkpointID string, mode Mode, qh QueryHandle) (ExecuteResult, error) {
	cp, err := e.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return ExecuteResult{}, apperr.NotFound("Checkpoint not found")
	}

	switch mode {
	case ModeFiles:
		return e.executeFiles(ctx, sessionID, checkpointID, qh)
	case ModeConversation:
		return e.executeConversation(ctx, sessionID, cp, qh)
	case ModeBoth:
		return e.executeBoth(ctx, sessionID, cp, qh)
	default:
		return ExecuteResult{}, apperr.Validationf("Invalid rewind mode: %s", mode)
	}
}

// ExecuteSelectiveRewind performs a files-mode rewind against an arbitrary
// message id set instead of a checkpoint.
func (e *Engine) ExecuteSelectiveRewind(ctx context.Context, sessionID string, messageIDs []string, qh QueryHandle) (ExecuteResult, error) {
	if len(messageIDs) == 0 {
		return ExecuteResult{Success: false, Error: "No messages selected"}, nil
	}
	return e.executeFiles(ctx, sessionID, messageIDs[0], qh)
}

func (e *Engine) executeFiles(ctx context.Context, sessionID, anchorID string, qh QueryHandle) (ExecuteResult, error) {
	e.emit(events.RewindStarted, sessionID, map[string]any{"sessionId": sessionID, "checkpointId": anchorID, "mode": string(ModeFiles)})

	res, err := qh.RewindFiles(ctx, anchorID, agentquery.RewindOptions{})
	if err != nil {
		msg := normalizeErr(err)
		e.emit(events.RewindFailed, sessionID, map[string]any{"sessionId": sessionID, "checkpointId": anchorID, "mode": string(ModeFiles), "error": msg})
		return ExecuteResult{Success: false, Error: msg}, nil
	}
	if !res.CanRewind {
		msg := res.Error
		if msg == "" {
			msg = "Rewind failed"
		}
		e.emit(events.RewindFailed, sessionID, map[string]any{"sessionId": sessionID, "checkpointId": anchorID, "mode": string(ModeFiles), "error": msg})
		return ExecuteResult{Success: false, Error: msg}, nil
	}

	e.emit(events.RewindCompleted, sessionID, map[string]any{"sessionId": sessionID, "checkpointId": anchorID, "mode": string(ModeFiles)})
	return ExecuteResult{Success: true, FilesChanged: res.FilesChanged, Insertions: res.Insertions, Deletions: res.Deletions}, nil
}

func (e *Engine) executeConversation(ctx context.Context, sessionID string, cp *store.Checkpoint, qh QueryHandle) (ExecuteResult, error) {
	e.emit(events.RewindStarted, sessionID, map[string]any{"sessionId": sessionID, "checkpointId": cp.ID, "mode": string(ModeConversation)})

	deleted, err := e.store.DeleteMessagesAfter(ctx, sessionID, cp.Timestamp)
	if err != nil {
		e.emit(events.RewindFailed, sessionID, map[string]any{"sessionId": sessionID, "checkpointId": cp.ID, "mode": string(ModeConversation), "error": err.Error()})
		return ExecuteResult{}, err
	}
	if err := e.store.DeleteCheckpointsAfter(ctx, sessionID, cp.TurnNumber); err != nil {
		return ExecuteResult{}, err
	}

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return ExecuteResult{}, err
	}
	sess.Metadata.ResumeSessionAt = cp.ID
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return ExecuteResult{}, err
	}

	if qh.Active() {
		if err := qh.RestartQuery(ctx); err != nil {
			e.logger.Warn("failed to restart query after conversation rewind", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	e.emit(events.RewindCompleted, sessionID, map[string]any{"sessionId": sessionID, "checkpointId": cp.ID, "mode": string(ModeConversation), "messagesDeleted": deleted})
	return ExecuteResult{Success: true, ConversationRewound: true, MessagesDeleted: deleted}, nil
}

func (e *Engine) executeBoth(ctx context.Context, sessionID string, cp *store.Checkpoint, qh QueryHandle) (ExecuteResult, error) {
	e.emit(events.RewindStarted, sessionID, map[string]any{"sessionId": sessionID, "checkpointId": cp.ID, "mode": string(ModeBoth)})

	filesRes, err := qh.RewindFiles(ctx, cp.ID, agentquery.RewindOptions{})
	if err != nil || !filesRes.CanRewind {
		msg := "File rewind failed"
		if err != nil {
			msg = normalizeErr(err)
		} else if filesRes.Error != "" {
			msg = filesRes.Error
		}
		e.emit(events.RewindFailed, sessionID, map[string]any{"sessionId": sessionID, "checkpointId": cp.ID, "mode": string(ModeBoth), "error": msg})
		return ExecuteResult{Success: false, Error: msg}, nil
	}

	convResult, err := e.executeConversation(ctx, sessionID, cp, qh)
	if err != nil {
		return ExecuteResult{}, err
	}
	convResult.FilesChanged = filesRes.FilesChanged
	convResult.Insertions = filesRes.Insertions
	convResult.Deletions = filesRes.Deletions
	return convResult, nil
}

func (e *Engine) emit(subject, sessionID string, data map[string]any) {
	scoped := events.BuildSessionSubject(subject, sessionID)
	if e.bus == nil {
		return
	}
	evt := bus.NewEvent(subject, "rewind-engine", data)
	if err := e.bus.Publish(context.Background(), scoped, evt); err != nil {
		e.logger.Warn("failed to publish rewind event", zap.String("subject", scoped), zap.Error(err))
	}
}

func normalizeErr(err error) string {
	if err == nil {
		return "Unknown error"
	}
	if err.Error() == "" {
		return "Unknown error"
	}
	return err.Error()
}

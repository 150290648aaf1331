package broadcaster

import (
	"context"

	"go.uber.org/zap"

	"github.com/sessiond/core/internal/apperr"
	"github.com/sessiond/core/internal/common/logger"
	ws "github.com/sessiond/core/pkg/websocket"
)

// Handlers adapts a Broadcaster to the snapshot-request RPC surface:
// global.snapshot, global.system, global.sessions, session.snapshot.
type Handlers struct {
	broadcaster *Broadcaster
	logger      *logger.Logger
}

// NewHandlers creates snapshot RPC handlers bound to b.
func NewHandlers(b *Broadcaster, log *logger.Logger) *Handlers {
	return &Handlers{broadcaster: b, logger: log.WithFields(zap.String("component", "broadcaster-ws-handlers"))}
}

// RegisterHandlers registers every snapshot action this package owns on d.
func (h *Handlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionGlobalSnapshot, h.GlobalSnapshot)
	d.RegisterFunc(ws.ActionGlobalSystem, h.GlobalSystem)
	d.RegisterFunc(ws.ActionGlobalSessions, h.GlobalSessions)
	d.RegisterFunc(ws.ActionSessionSnapshot, h.SessionSnapshot)
}

func (h *Handlers) GlobalSnapshot(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	snap, err := h.broadcaster.GlobalSnapshot(ctx)
	if err != nil {
		h.logger.Error("global.snapshot failed", zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to build global snapshot", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, snap)
}

func (h *Handlers) GlobalSystem(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, h.broadcaster.GlobalSystem(ctx))
}

func (h *Handlers) GlobalSessions(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	snap, err := h.broadcaster.GlobalSessions(ctx)
	if err != nil {
		h.logger.Error("global.sessions failed", zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to list sessions", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, snap)
}

type sessionSnapshotRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *Handlers) SessionSnapshot(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req sessionSnapshotRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "sessionId is required", nil)
	}
	snap, err := h.broadcaster.SessionSnapshot(ctx, req.SessionID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Session not found", nil)
		}
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to build session snapshot", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, snap)
}

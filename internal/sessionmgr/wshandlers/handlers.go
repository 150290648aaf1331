// Package wshandlers registers the session lifecycle, messaging, model,
// coordinator, thinking, and rewind RPC methods on the WebSocket
// dispatcher, translating between wire payloads and the Session Manager /
// Agent Session APIs.
package wshandlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/sessiond/core/internal/apperr"
	"github.com/sessiond/core/internal/common/logger"
	"github.com/sessiond/core/internal/rewind"
	"github.com/sessiond/core/internal/sessionmgr"
	"github.com/sessiond/core/internal/store"
	ws "github.com/sessiond/core/pkg/websocket"
)

// Handlers adapts a Session Manager to the session.*, message.*,
// client.interrupt, agent.getState, and rewind.* RPC surface.
type Handlers struct {
	manager *sessionmgr.Manager
	logger  *logger.Logger
}

// NewHandlers creates session/message/rewind RPC handlers bound to manager.
func NewHandlers(manager *sessionmgr.Manager, log *logger.Logger) *Handlers {
	return &Handlers{manager: manager, logger: log.WithFields(zap.String("component", "session-ws-handlers"))}
}

// RegisterHandlers registers every handler this package owns on d.
func (h *Handlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionSessionCreate, h.SessionCreate)
	d.RegisterFunc(ws.ActionSessionList, h.SessionList)
	d.RegisterFunc(ws.ActionSessionGet, h.SessionGet)
	d.RegisterFunc(ws.ActionSessionValidate, h.SessionValidate)
	d.RegisterFunc(ws.ActionSessionUpdate, h.SessionUpdate)
	d.RegisterFunc(ws.ActionSessionDelete, h.SessionDelete)
	d.RegisterFunc(ws.ActionSessionArchive, h.SessionArchive)
	d.RegisterFunc(ws.ActionSessionSetWorktreeMode, h.SessionSetWorktreeMode)

	d.RegisterFunc(ws.ActionMessageSend, h.MessageSend)
	d.RegisterFunc(ws.ActionClientInterrupt, h.ClientInterrupt)

	d.RegisterFunc(ws.ActionSessionModelGet, h.SessionModelGet)
	d.RegisterFunc(ws.ActionSessionModelSwitch, h.SessionModelSwitch)
	d.RegisterFunc(ws.ActionSessionThinkingSet, h.SessionThinkingSet)
	d.RegisterFunc(ws.ActionSessionCoordinatorSwitch, h.SessionCoordinatorSwitch)
	d.RegisterFunc(ws.ActionSessionResetQuery, h.SessionResetQuery)
	d.RegisterFunc(ws.ActionSessionQueryTrigger, h.SessionQueryTrigger)
	d.RegisterFunc(ws.ActionSessionMessagesCountByStatus, h.SessionMessagesCountByStatus)

	d.RegisterFunc(ws.ActionAgentGetState, h.AgentGetState)

	d.RegisterFunc(ws.ActionRewindCheckpoints, h.RewindCheckpoints)
	d.RegisterFunc(ws.ActionRewindPreview, h.RewindPreview)
	d.RegisterFunc(ws.ActionRewindExecute, h.RewindExecute)
	d.RegisterFunc(ws.ActionRewindPreviewSelective, h.RewindPreviewSelective)
	d.RegisterFunc(ws.ActionRewindExecuteSelective, h.RewindExecuteSelective)
}

func (h *Handlers) badRequest(msg *ws.Message, err error) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
}

func (h *Handlers) validation(msg *ws.Message, text string) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, text, nil)
}

// translateError maps a Session Manager/Agent Session error to its ws
// error code, preserving the literal message clients assert on.
func (h *Handlers) translateError(msg *ws.Message, err error) (*ws.Message, error) {
	switch {
	case apperr.IsNotFound(err):
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
	case apperr.IsValidation(err):
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
	case apperr.IsPreconditionFailed(err):
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodePreconditionFailed, err.Error(), nil)
	case apperr.IsProviderUnavailable(err):
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeProviderUnavailable, err.Error(), nil)
	case apperr.IsTimeout(err):
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeTimeout, err.Error(), nil)
	case apperr.IsTransport(err):
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeTransport, err.Error(), nil)
	default:
		h.logger.Error("handler error", zap.String("action", msg.Action), zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to "+msg.Action, nil)
	}
}

// --- session lifecycle ---

type sessionCreateRequest struct {
	WorkspacePath string              `json:"workspacePath"`
	Title         string              `json:"title"`
	Config        store.SessionConfig `json:"config"`
}

func (h *Handlers) SessionCreate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req sessionCreateRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.WorkspacePath == "" {
		return h.validation(msg, "workspacePath is required")
	}
	sess, err := h.manager.Create(ctx, req.WorkspacePath, req.Title, req.Config)
	if err != nil {
		return h.translateError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"sessionId": sess.ID, "session": sess})
}

type sessionListRequest struct {
	IncludeArchived bool `json:"includeArchived"`
}

func (h *Handlers) SessionList(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req sessionListRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	sessions, err := h.manager.List(ctx, req.IncludeArchived)
	if err != nil {
		return h.translateError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"sessions": sessions})
}

type sessionIDRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *Handlers) requireSessionID(msg *ws.Message) (string, *ws.Message, error) {
	var req sessionIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		m, rerr := h.badRequest(msg, err)
		return "", m, rerr
	}
	if req.SessionID == "" {
		m, rerr := h.validation(msg, "sessionId is required")
		return "", m, rerr
	}
	return req.SessionID, nil, nil
}

func (h *Handlers) SessionGet(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	sessionID, errMsg, err := h.requireSessionID(msg)
	if errMsg != nil || err != nil {
		return errMsg, err
	}
	as, getErr := h.manager.Get(ctx, sessionID)
	if getErr != nil {
		return h.translateError(msg, getErr)
	}
	data, err := as.GetSessionData(ctx)
	if err != nil {
		return h.translateError(msg, err)
	}
	contextInfo, _ := as.GetContextInfo(ctx)
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{
		"session":     data.Session,
		"contextInfo": contextInfo,
	})
}

func (h *Handlers) SessionValidate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	sessionID, errMsg, err := h.requireSessionID(msg)
	if errMsg != nil || err != nil {
		return errMsg, err
	}
	if _, getErr := h.manager.GetSession(ctx, sessionID); getErr != nil {
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"valid": false, "error": "Session not found"})
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"valid": true})
}

type sessionUpdateRequest struct {
	SessionID string              `json:"sessionId"`
	Title     *string             `json:"title,omitempty"`
	Config    *store.SessionConfig `json:"config,omitempty"`
}

func (h *Handlers) SessionUpdate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req sessionUpdateRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.SessionID == "" {
		return h.validation(msg, "sessionId is required")
	}
	sess, err := h.manager.Update(ctx, req.SessionID, func(s *store.Session) {
		if req.Title != nil {
			s.Title = *req.Title
		}
		if req.Config != nil {
			s.Config = *req.Config
		}
	})
	if err != nil {
		return h.translateError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"session": sess})
}

func (h *Handlers) SessionDelete(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	sessionID, errMsg, err := h.requireSessionID(msg)
	if errMsg != nil || err != nil {
		return errMsg, err
	}
	if err := h.manager.Delete(ctx, sessionID); err != nil {
		return h.translateError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"success": true})
}

type sessionArchiveRequest struct {
	SessionID string `json:"sessionId"`
	Confirmed bool   `json:"confirmed"`
}

func (h *Handlers) SessionArchive(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req sessionArchiveRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.SessionID == "" {
		return h.validation(msg, "sessionId is required")
	}
	result, archErr := h.manager.Archive(ctx, req.SessionID, req.Confirmed)
	if archErr != nil {
		return h.translateError(msg, archErr)
	}
	if !result.Success {
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{
			"success":              false,
			"requiresConfirmation": true,
			"commitStatus":         map[string]any{"commitsAhead": result.CommitsAhead},
		})
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"success": true, "session": result.Session})
}

type sessionSetWorktreeModeRequest struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
}

func (h *Handlers) SessionSetWorktreeMode(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req sessionSetWorktreeModeRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.SessionID == "" || req.Mode == "" {
		return h.validation(msg, "Missing required fields: sessionId and mode")
	}
	sess, err := h.manager.SetWorktreeMode(ctx, req.SessionID, req.Mode)
	if err != nil {
		return h.translateError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"session": sess})
}

// --- messaging and interruption ---

type messageSendRequest struct {
	SessionID string   `json:"sessionId"`
	Content   string   `json:"content"`
	Images    []string `json:"images,omitempty"`
}

func (h *Handlers) MessageSend(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req messageSendRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.SessionID == "" {
		return h.validation(msg, "sessionId is required")
	}
	messageID, err := h.manager.SendMessage(ctx, req.SessionID, req.Content, req.Images)
	if err != nil {
		return h.translateError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"messageId": messageID})
}

func (h *Handlers) ClientInterrupt(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	sessionID, errMsg, err := h.requireSessionID(msg)
	if errMsg != nil || err != nil {
		return errMsg, err
	}
	if err := h.manager.Interrupt(ctx, sessionID); err != nil {
		return h.translateError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"accepted": true})
}

// --- model / coordinator / thinking ---

func (h *Handlers) SessionModelGet(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	sessionID, errMsg, err := h.requireSessionID(msg)
	if errMsg != nil || err != nil {
		return errMsg, err
	}
	as, getErr := h.manager.Get(ctx, sessionID)
	if getErr != nil {
		return h.translateError(msg, getErr)
	}
	model, modelErr := as.GetCurrentModel(ctx)
	if modelErr != nil {
		return h.translateError(msg, modelErr)
	}
	info, _ := as.GetContextInfo(ctx)
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"currentModel": model, "modelInfo": info})
}

type sessionModelSwitchRequest struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
}

func (h *Handlers) SessionModelSwitch(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req sessionModelSwitchRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.SessionID == "" || req.Model == "" {
		return h.validation(msg, "Missing required fields: sessionId and model")
	}
	as, getErr := h.manager.Get(ctx, req.SessionID)
	if getErr != nil {
		return h.translateError(msg, getErr)
	}
	result := as.HandleModelSwitch(ctx, req.Model)
	return ws.NewResponse(msg.ID, msg.Action, result)
}

type sessionThinkingSetRequest struct {
	SessionID string `json:"sessionId"`
	Level     string `json:"level"`
}

func (h *Handlers) SessionThinkingSet(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req sessionThinkingSetRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.SessionID == "" {
		return h.validation(msg, "sessionId is required")
	}
	as, getErr := h.manager.Get(ctx, req.SessionID)
	if getErr != nil {
		return h.translateError(msg, getErr)
	}
	if err := as.SetMaxThinkingTokens(ctx, req.Level); err != nil {
		return h.translateError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"success": true})
}

type sessionCoordinatorSwitchRequest struct {
	SessionID string `json:"sessionId"`
	Enabled   bool   `json:"enabled"`
}

func (h *Handlers) SessionCoordinatorSwitch(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req sessionCoordinatorSwitchRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.SessionID == "" {
		return h.validation(msg, "sessionId is required")
	}
	as, getErr := h.manager.Get(ctx, req.SessionID)
	if getErr != nil {
		return h.translateError(msg, getErr)
	}
	if err := as.SetCoordinatorMode(ctx, req.Enabled); err != nil {
		return h.translateError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"success": true})
}

type sessionResetQueryRequest struct {
	SessionID    string `json:"sessionId"`
	RestartQuery bool   `json:"restartQuery"`
}

func (h *Handlers) SessionResetQuery(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req sessionResetQueryRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.SessionID == "" {
		return h.validation(msg, "sessionId is required")
	}
	as, getErr := h.manager.Get(ctx, req.SessionID)
	if getErr != nil {
		return h.translateError(msg, getErr)
	}
	flushed, err := as.ResetQuery(ctx, req.RestartQuery)
	if err != nil {
		return h.translateError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"flushed": flushed})
}

func (h *Handlers) SessionQueryTrigger(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	sessionID, errMsg, err := h.requireSessionID(msg)
	if errMsg != nil || err != nil {
		return errMsg, err
	}
	as, getErr := h.manager.Get(ctx, sessionID)
	if getErr != nil {
		return h.translateError(msg, getErr)
	}
	flushed, triggerErr := as.HandleQueryTrigger(ctx)
	if triggerErr != nil {
		return h.translateError(msg, triggerErr)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"flushed": flushed})
}

type sessionMessagesCountByStatusRequest struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
}

func (h *Handlers) SessionMessagesCountByStatus(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req sessionMessagesCountByStatusRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.SessionID == "" {
		return h.validation(msg, "sessionId is required")
	}
	count, err := h.manager.CountMessagesByStatus(ctx, req.SessionID, req.Type)
	if err != nil {
		return h.translateError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"count": count})
}

func (h *Handlers) AgentGetState(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	sessionID, errMsg, err := h.requireSessionID(msg)
	if errMsg != nil || err != nil {
		return errMsg, err
	}
	as, getErr := h.manager.Get(ctx, sessionID)
	if getErr != nil {
		return h.translateError(msg, getErr)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"state": as.GetProcessingState()})
}

// --- rewind ---

func (h *Handlers) RewindCheckpoints(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	sessionID, errMsg, err := h.requireSessionID(msg)
	if errMsg != nil || err != nil {
		return errMsg, err
	}
	as, getErr := h.manager.Get(ctx, sessionID)
	if getErr != nil {
		return h.translateError(msg, getErr)
	}
	points, rerr := as.GetRewindPoints(ctx)
	if rerr != nil {
		return h.translateError(msg, rerr)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"checkpoints": points})
}

type rewindCheckpointRequest struct {
	SessionID    string `json:"sessionId"`
	CheckpointID string `json:"checkpointId"`
}

func (h *Handlers) RewindPreview(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req rewindCheckpointRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.SessionID == "" || req.CheckpointID == "" {
		return h.validation(msg, "Missing required fields: sessionId and checkpointId")
	}
	as, getErr := h.manager.Get(ctx, req.SessionID)
	if getErr != nil {
		return h.translateError(msg, getErr)
	}
	result, rerr := as.PreviewRewind(ctx, req.CheckpointID)
	if rerr != nil {
		return h.translateError(msg, rerr)
	}
	return ws.NewResponse(msg.ID, msg.Action, result)
}

type rewindExecuteRequest struct {
	SessionID    string `json:"sessionId"`
	CheckpointID string `json:"checkpointId"`
	Mode         string `json:"mode"`
}

func (h *Handlers) RewindExecute(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req rewindExecuteRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.SessionID == "" || req.CheckpointID == "" {
		return h.validation(msg, "Missing required fields: sessionId and checkpointId")
	}
	as, getErr := h.manager.Get(ctx, req.SessionID)
	if getErr != nil {
		return h.translateError(msg, getErr)
	}
	mode := rewind.Mode(req.Mode)
	if mode == "" {
		mode = rewind.ModeFiles
	}
	result, rerr := as.ExecuteRewind(ctx, req.CheckpointID, mode)
	if rerr != nil {
		return h.translateError(msg, rerr)
	}
	return ws.NewResponse(msg.ID, msg.Action, result)
}

type rewindSelectiveRequest struct {
	SessionID  string   `json:"sessionId"`
	MessageIDs []string `json:"messageIds"`
}

func (h *Handlers) RewindPreviewSelective(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req rewindSelectiveRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.SessionID == "" || len(req.MessageIDs) == 0 {
		return h.validation(msg, "No messages selected")
	}
	as, getErr := h.manager.Get(ctx, req.SessionID)
	if getErr != nil {
		return h.translateError(msg, getErr)
	}
	result, rerr := as.PreviewSelectiveRewind(ctx, req.MessageIDs)
	if rerr != nil {
		return h.translateError(msg, rerr)
	}
	return ws.NewResponse(msg.ID, msg.Action, result)
}

func (h *Handlers) RewindExecuteSelective(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req rewindSelectiveRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.SessionID == "" || len(req.MessageIDs) == 0 {
		return h.validation(msg, "No messages selected")
	}
	as, getErr := h.manager.Get(ctx, req.SessionID)
	if getErr != nil {
		return h.translateError(msg, getErr)
	}
	result, rerr := as.ExecuteSelectiveRewind(ctx, req.MessageIDs)
	if rerr != nil {
		return h.translateError(msg, rerr)
	}
	return ws.NewResponse(msg.ID, msg.Action, result)
}

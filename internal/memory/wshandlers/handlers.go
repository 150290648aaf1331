// Package wshandlers registers the memory.* RPC methods on the WebSocket
// dispatcher, adapting wire payloads to the Memory Store.
package wshandlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/sessiond/core/internal/apperr"
	"github.com/sessiond/core/internal/common/logger"
	"github.com/sessiond/core/internal/memory"
	"github.com/sessiond/core/internal/store"
	ws "github.com/sessiond/core/pkg/websocket"
)

// Handlers adapts a Memory Store to the memory.* RPC surface.
type Handlers struct {
	store  *memory.Store
	logger *logger.Logger
}

// NewHandlers creates memory RPC handlers bound to store.
func NewHandlers(memStore *memory.Store, log *logger.Logger) *Handlers {
	return &Handlers{store: memStore, logger: log.WithFields(zap.String("component", "memory-ws-handlers"))}
}

// RegisterHandlers registers every handler this package owns on d.
func (h *Handlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionMemoryAdd, h.MemoryAdd)
	d.RegisterFunc(ws.ActionMemoryList, h.MemoryList)
	d.RegisterFunc(ws.ActionMemorySearch, h.MemorySearch)
	d.RegisterFunc(ws.ActionMemoryRecall, h.MemoryRecall)
	d.RegisterFunc(ws.ActionMemoryDelete, h.MemoryDelete)
}

func (h *Handlers) badRequest(msg *ws.Message, err error) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
}

func (h *Handlers) validation(msg *ws.Message, text string) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, text, nil)
}

func (h *Handlers) translateError(msg *ws.Message, err error) (*ws.Message, error) {
	switch {
	case apperr.IsNotFound(err):
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
	case apperr.IsValidation(err):
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
	default:
		h.logger.Error("handler error", zap.String("action", msg.Action), zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to "+msg.Action, nil)
	}
}

type memoryAddRequest struct {
	RoomID     string               `json:"roomId"`
	Type       store.MemoryType     `json:"type,omitempty"`
	Content    string               `json:"content"`
	Tags       []string             `json:"tags,omitempty"`
	Importance store.MemoryImportance `json:"importance,omitempty"`
	SessionID  string               `json:"sessionId,omitempty"`
	TaskID     string               `json:"taskId,omitempty"`
}

// MemoryAdd defaults an unspecified type to note and importance to normal.
func (h *Handlers) MemoryAdd(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req memoryAddRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.RoomID == "" || req.Content == "" {
		return h.validation(msg, "Missing required fields: roomId and content")
	}
	if req.Type == "" {
		req.Type = store.MemoryNote
	}
	if req.Importance == "" {
		req.Importance = store.ImportanceNormal
	}
	m := &store.Memory{
		RoomID:     req.RoomID,
		Type:       req.Type,
		Content:    req.Content,
		Tags:       req.Tags,
		Importance: req.Importance,
		SessionID:  req.SessionID,
		TaskID:     req.TaskID,
	}
	if err := h.store.Add(ctx, m); err != nil {
		return h.translateError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"memory": m})
}

type memoryListRequest struct {
	RoomID string            `json:"roomId"`
	Type   store.MemoryType  `json:"type,omitempty"`
}

func (h *Handlers) MemoryList(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req memoryListRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.RoomID == "" {
		return h.validation(msg, "roomId is required")
	}
	memories, err := h.store.List(ctx, req.RoomID, req.Type)
	if err != nil {
		return h.translateError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"memories": memories})
}

type memorySearchRequest struct {
	RoomID string `json:"roomId"`
	Query  string `json:"query"`
	Limit  int    `json:"limit,omitempty"`
}

func (h *Handlers) MemorySearch(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req memorySearchRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.RoomID == "" || req.Query == "" {
		return h.validation(msg, "Missing required fields: roomId and query")
	}
	memories, err := h.store.Search(ctx, req.RoomID, req.Query, req.Limit)
	if err != nil {
		return h.translateError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"memories": memories})
}

type memoryRecallRequest struct {
	RoomID     string                  `json:"roomId"`
	Type       store.MemoryType        `json:"type,omitempty"`
	Tags       []string                `json:"tags,omitempty"`
	Importance store.MemoryImportance  `json:"importance,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
}

func (h *Handlers) MemoryRecall(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req memoryRecallRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.RoomID == "" {
		return h.validation(msg, "roomId is required")
	}
	memories, err := h.store.Recall(ctx, req.RoomID, memory.Filter{
		Type:       req.Type,
		Tags:       req.Tags,
		Importance: req.Importance,
		Limit:      req.Limit,
	})
	if err != nil {
		return h.translateError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"memories": memories})
}

type memoryDeleteRequest struct {
	RoomID string `json:"roomId"`
	ID     string `json:"id"`
}

func (h *Handlers) MemoryDelete(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req memoryDeleteRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, err)
	}
	if req.RoomID == "" || req.ID == "" {
		return h.validation(msg, "Missing required fields: roomId and id")
	}
	deleted, err := h.store.Delete(ctx, req.RoomID, req.ID)
	if err != nil {
		return h.translateError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"deleted": deleted})
}

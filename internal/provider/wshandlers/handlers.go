// Package wshandlers registers the models.* RPC methods on the WebSocket
// dispatcher, adapting wire payloads to the provider Registry.
package wshandlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/sessiond/core/internal/common/logger"
	"github.com/sessiond/core/internal/provider"
	ws "github.com/sessiond/core/pkg/websocket"
)

// Handlers adapts a provider Registry to the models.* RPC surface.
type Handlers struct {
	registry *provider.Registry
	logger   *logger.Logger
}

// NewHandlers creates models.* RPC handlers bound to registry.
func NewHandlers(registry *provider.Registry, log *logger.Logger) *Handlers {
	return &Handlers{registry: registry, logger: log.WithFields(zap.String("component", "provider-ws-handlers"))}
}

// RegisterHandlers registers every handler this package owns on d.
func (h *Handlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionModelsList, h.ModelsList)
	d.RegisterFunc(ws.ActionModelsClearCache, h.ModelsClearCache)
}

func (h *Handlers) ModelsList(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"models": h.registry.GetModels()})
}

func (h *Handlers) ModelsClearCache(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	h.registry.ClearCache()
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"success": true})
}

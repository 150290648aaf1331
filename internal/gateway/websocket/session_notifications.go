package websocket

import (
	"context"

	"github.com/sessiond/core/internal/common/logger"
	"github.com/sessiond/core/internal/events"
	"github.com/sessiond/core/internal/events/bus"
	ws "github.com/sessiond/core/pkg/websocket"
	"go.uber.org/zap"
)

// StateBroadcaster derives the gateway's channel notifications from bus
// events published by the Session Manager, Rewind Engine, and Room Agent. It
// is the edge between the internal event bus and the client-facing
// WebSocket channel topics.
type StateBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterStateBroadcaster wires every channel topic in the external
// interface to its corresponding internal bus subject.
func RegisterStateBroadcaster(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *StateBroadcaster {
	b := &StateBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "state-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribeSession(eventBus, events.BuildSessionWildcardSubject(events.SessionUpdated), ws.TopicSessionUpdated)
	b.subscribeSession(eventBus, events.BuildSessionWildcardSubject(events.SessionDeleted), ws.TopicSessionDeleted)
	b.subscribeSession(eventBus, events.BuildSessionWildcardSubject(events.SessionModelSwitch), ws.TopicSessionModelSwitching)
	b.subscribeSession(eventBus, events.BuildSessionWildcardSubject(events.SessionModelSwitched), ws.TopicSessionModelSwitched)
	b.subscribeSession(eventBus, events.BuildSessionWildcardSubject(events.SessionError), ws.TopicSessionError)
	b.subscribeSession(eventBus, events.BuildSessionWildcardSubject(events.AgentReset), ws.TopicAgentReset)
	b.subscribeSession(eventBus, events.BuildSessionWildcardSubject(events.RewindStarted), ws.TopicRewindStarted)
	b.subscribeSession(eventBus, events.BuildSessionWildcardSubject(events.RewindCompleted), ws.TopicRewindCompleted)
	b.subscribeSession(eventBus, events.BuildSessionWildcardSubject(events.RewindFailed), ws.TopicRewindFailed)
	b.subscribeSession(eventBus, events.BuildSessionWildcardSubject(events.BridgeWorkerTerminal), ws.TopicBridgeWorkerTerminal)
	b.subscribeSession(eventBus, events.BuildSessionWildcardSubject(events.BridgeManagerTerminal), ws.TopicBridgeManagerTerminal)
	b.subscribeSession(eventBus, events.BuildSessionWildcardSubject(events.BridgeMessagesForwarded), ws.TopicBridgeMessagesForwarded)
	b.subscribeSession(eventBus, events.BuildSessionWildcardSubject(ws.TopicSessionStateDelta), ws.TopicSessionStateDelta)
	b.subscribeSession(eventBus, events.BuildSessionWildcardSubject(ws.TopicSessionSDKMessagesDelta), ws.TopicSessionSDKMessagesDelta)

	b.subscribeRoom(eventBus, events.BuildRoomWildcardSubject(events.RoomAgentStateChanged), ws.TopicRoomAgentStateChanged)
	b.subscribeRoom(eventBus, events.BuildRoomWildcardSubject(events.RoomMessage), ws.TopicRoomMessage)
	b.subscribeGlobal(eventBus, ws.TopicGlobalSessionsDelta, ws.TopicGlobalSessionsDelta)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close unsubscribes from every bus subject this broadcaster listens on.
func (b *StateBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *StateBroadcaster) subscribeSession(eventBus bus.EventBus, subject, topic string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		sessionID := extractID(event.Data, "sessionId")
		if sessionID == "" {
			return nil
		}
		msg, err := ws.NewNotification(topic, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification", zap.String("topic", topic), zap.Error(err))
			return nil
		}
		b.hub.BroadcastToSession(sessionID, msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to bus subject", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

func (b *StateBroadcaster) subscribeRoom(eventBus bus.EventBus, subject, topic string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		roomID := extractID(event.Data, "roomId")
		if roomID == "" {
			return nil
		}
		msg, err := ws.NewNotification(topic, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification", zap.String("topic", topic), zap.Error(err))
			return nil
		}
		b.hub.BroadcastToRoom(roomID, msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to bus subject", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

func (b *StateBroadcaster) subscribeGlobal(eventBus bus.EventBus, subject, topic string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(topic, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification", zap.String("topic", topic), zap.Error(err))
			return nil
		}
		b.hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to bus subject", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

func extractID(data any, key string) string {
	if data == nil {
		return ""
	}
	if typed, ok := data.(interface{ GetID() string }); ok {
		return typed.GetID()
	}
	if m, ok := data.(map[string]any); ok {
		if id, ok := m[key].(string); ok {
			return id
		}
	}
	return ""
}

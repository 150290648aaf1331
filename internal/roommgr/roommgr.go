// Package roommgr boots the Room Agent / Session Bridge half of component
// G: one room.Agent per room persisted when StartAll runs, all sharing a
// single bridge.Manager, so a room.message for any of those rooms has a
// listening agent. Rooms created after StartAll get no agent from here.
package roommgr

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sessiond/core/internal/bridge"
	"github.com/sessiond/core/internal/common/config"
	"github.com/sessiond/core/internal/common/logger"
	"github.com/sessiond/core/internal/events/bus"
	"github.com/sessiond/core/internal/room"
	"github.com/sessiond/core/internal/sessionmgr"
	"github.com/sessiond/core/internal/store"
)

// Manager owns the Bridge Manager and every room's Room Agent for the
// lifetime of the daemon process.
type Manager struct {
	store    *store.Store
	bus      bus.EventBus
	sessions *sessionmgr.Manager
	bridges  *bridge.Manager
	roomCfg  config.RoomConfig
	agents   map[string]*room.Agent
	logger   *logger.Logger
}

// New constructs a Manager bound to the given Session Manager, which
// satisfies both room.Sessions and bridge.SessionAccessor.
func New(st *store.Store, eventBus bus.EventBus, sessions *sessionmgr.Manager, roomCfg config.RoomConfig, log *logger.Logger) *Manager {
	return &Manager{
		store:    st,
		bus:      eventBus,
		sessions: sessions,
		bridges:  bridge.New(st, eventBus, sessions, log),
		roomCfg:  roomCfg,
		agents:   make(map[string]*room.Agent),
		logger:   log.WithFields(zap.String("component", "room-manager")),
	}
}

// StartAll loads every persisted room and starts its Room Agent, so rooms
// created before this process started keep reacting to room.message.
func (m *Manager) StartAll(ctx context.Context) error {
	rooms, err := m.store.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rooms: %w", err)
	}
	for _, r := range rooms {
		if err := m.startAgent(ctx, r.ID); err != nil {
			m.logger.Error("failed to start room agent", zap.String("roomId", r.ID), zap.Error(err))
		}
	}
	m.logger.Info("started room agents", zap.Int("count", len(m.agents)))
	return nil
}

func (m *Manager) startAgent(ctx context.Context, roomID string) error {
	agent := room.New(roomID, m.store, m.bus, m.sessions, m.bridges, m.logger,
		room.WithMaxConcurrentPairs(m.roomCfg.MaxConcurrentPairs),
		room.WithMaxErrorCount(m.roomCfg.MaxErrorCount),
	)
	if err := agent.Start(ctx); err != nil {
		return err
	}
	m.agents[roomID] = agent
	return nil
}

// Stop unsubscribes every Room Agent and tears down all active bridges.
func (m *Manager) Stop() {
	for _, agent := range m.agents {
		agent.Stop()
	}
	m.bridges.StopAllBridges()
}

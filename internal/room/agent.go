// Package room implements the Room Agent half of component G: a
// lifecycle FSM, one per room, that turns an incoming room message into a
// capacity-gated Worker/Manager session pair and recognizes a small set of
// slash commands for controlling it.
package room

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sessiond/core/internal/common/logger"
	"github.com/sessiond/core/internal/events"
	"github.com/sessiond/core/internal/events/bus"
	"github.com/sessiond/core/internal/store"
)

const defaultMaxErrorCount = 5

// Sessions is the narrow slice of the Session Manager a Room Agent needs to
// spawn and kick off a Worker/Manager pair.
type Sessions interface {
	Create(ctx context.Context, workspacePath, title string, cfg store.SessionConfig) (*store.Session, error)
	SendMessage(ctx context.Context, sessionID, content string, images []string) (string, error)
}

// Bridges is the narrow slice of the bridge Manager a Room Agent needs to
// couple a freshly spawned pair.
type Bridges interface {
	StartBridge(ctx context.Context, pairID string) error
}

// Agent is one room's Room Agent: a single-threaded-per-room FSM reacting
// to room.message events on its room subject. It subscribes to no
// pair-completion subject; a completed pair reaches it only through a
// HandlePairTaskCompleted call.
type Agent struct {
	roomID   string
	store    *store.Store
	bus      bus.EventBus
	sessions Sessions
	bridges  Bridges
	logger   *logger.Logger

	maxConcurrentPairs int
	maxErrorCount      int

	mu  sync.Mutex
	sub bus.Subscription
}

// Option configures an Agent at construction time.
type Option func(*Agent)

// WithMaxConcurrentPairs overrides the default capacity of one active pair.
func WithMaxConcurrentPairs(n int) Option {
	return func(a *Agent) { a.maxConcurrentPairs = n }
}

// WithMaxErrorCount overrides the default consecutive-failure threshold
// before the FSM enters the error state.
func WithMaxErrorCount(n int) Option {
	return func(a *Agent) { a.maxErrorCount = n }
}

// New creates a Room Agent for roomID. The room and its agent-state row
// must already exist (store.CreateRoom creates both).
func New(roomID string, st *store.Store, eventBus bus.EventBus, sessions Sessions, bridges Bridges, log *logger.Logger, opts ...Option) *Agent {
	a := &Agent{
		roomID:             roomID,
		store:              st,
		bus:                eventBus,
		sessions:           sessions,
		bridges:            bridges,
		logger:             log.WithFields(zap.String("component", "room-agent"), zap.String("room_id", roomID)),
		maxConcurrentPairs: 1,
		maxErrorCount:      defaultMaxErrorCount,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start subscribes the agent to its room channel and clears a prior error
// state back to idle, the room-agent equivalent of a process restart
// picking up where persisted state left off.
func (a *Agent) Start(ctx context.Context) error {
	sub, err := a.bus.Subscribe(events.BuildRoomSubject(events.RoomMessage, a.roomID), a.onRoomMessage)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.sub = sub
	a.mu.Unlock()

	st, err := a.store.GetRoomAgentState(ctx, a.roomID)
	if err != nil {
		return err
	}
	if st.LifecycleState != store.RoomError {
		return nil
	}
	st.LifecycleState = store.RoomIdle
	st.ErrorCount = 0
	st.LastError = ""
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.persist(ctx, st)
}

// Stop unsubscribes the agent from its room channel.
func (a *Agent) Stop() {
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

func (a *Agent) onRoomMessage(ctx context.Context, evt *bus.Event) error {
	roomID, _ := evt.Data["roomId"].(string)
	if roomID != "" && roomID != a.roomID {
		return nil
	}
	// The agent's own replies are published on this same room channel so
	// clients can read them; without this guard they'd loop back in as a
	// new incoming message.
	if source, _ := evt.Data["source"].(string); source == "room-agent" {
		return nil
	}
	content, _ := evt.Data["content"].(string)
	return a.HandleMessage(ctx, content)
}

// HandleMessage runs one message through the FSM: command dispatch, or
// (when unpaused) planning and capacity-gated pair spawning. All
// transitions for this room are serialized by a.mu, the single-threaded
// logical execution the FSM assumes per room.
func (a *Agent) HandleMessage(ctx context.Context, content string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, err := a.store.GetRoomAgentState(ctx, a.roomID)
	if err != nil {
		return err
	}

	if cmd, ok := parseCommand(content); ok {
		return a.handleCommand(ctx, st, cmd)
	}

	if st.LifecycleState == store.RoomPaused {
		return nil
	}

	return a.planAndSpawn(ctx, st, content)
}

// HandlePairTaskCompleted marks a pair's task complete, removes it from the
// active set, and returns the room to idle once no pairs remain.
func (a *Agent) HandlePairTaskCompleted(ctx context.Context, pairID, taskID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, err := a.store.GetRoomAgentState(ctx, a.roomID)
	if err != nil {
		return err
	}

	if taskID != "" {
		if err := a.store.UpdateTaskStatus(ctx, taskID, "completed"); err != nil {
			a.logger.Warn("failed to mark task completed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	if err := a.store.UpdateSessionPairStatus(ctx, pairID, store.PairCompleted, ""); err != nil {
		a.logger.Warn("failed to mark pair completed", zap.String("pair_id", pairID), zap.Error(err))
	}

	remaining := make([]string, 0, len(st.ActiveSessionPairIDs))
	for _, id := range st.ActiveSessionPairIDs {
		if id != pairID {
			remaining = append(remaining, id)
		}
	}
	st.ActiveSessionPairIDs = remaining
	if len(remaining) == 0 {
		st.LifecycleState = store.RoomIdle
	}
	return a.persist(ctx, st)
}

func parseCommand(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	switch {
	case trimmed == "/pause":
		return "pause", true
	case trimmed == "/resume":
		return "resume", true
	case trimmed == "/status":
		return "status", true
	case trimmed == "/goals":
		return "goals", true
	default:
		return "", false
	}
}

func (a *Agent) handleCommand(ctx context.Context, st *store.RoomAgentState, cmd string) error {
	switch cmd {
	case "pause":
		st.LifecycleState = store.RoomPaused
		return a.persist(ctx, st)
	case "resume":
		if st.LifecycleState == store.RoomPaused {
			st.LifecycleState = store.RoomIdle
		}
		return a.persist(ctx, st)
	case "status":
		a.reply(ctx, fmt.Sprintf("Room is %s with %d active pair(s)", st.LifecycleState, len(st.ActiveSessionPairIDs)))
		return nil
	case "goals":
		goals, err := a.store.ListGoalsByRoom(ctx, a.roomID)
		if err != nil {
			return err
		}
		a.reply(ctx, formatGoals(goals))
		return nil
	default:
		return nil
	}
}

func formatGoals(goals []*store.Goal) string {
	if len(goals) == 0 {
		return "No goals recorded for this room."
	}
	var sb strings.Builder
	for i, g := range goals {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("- [%s] %s", g.Status, g.Title))
	}
	return sb.String()
}

// planAndSpawn enters planning, then spawns a pair if the room is under
// its concurrency cap; otherwise it declines and stays in planning.
func (a *Agent) planAndSpawn(ctx context.Context, st *store.RoomAgentState, content string) error {
	st.LifecycleState = store.RoomPlanning
	if err := a.persist(ctx, st); err != nil {
		return err
	}

	active, err := a.store.CountActiveSessionPairs(ctx, a.roomID)
	if err != nil {
		return a.recordError(ctx, st, err)
	}
	if active >= a.maxConcurrentPairs {
		return nil
	}

	pair, err := a.spawnPair(ctx, content)
	if err != nil {
		return a.recordError(ctx, st, err)
	}

	st.LifecycleState = store.RoomExecuting
	st.ActiveSessionPairIDs = append(st.ActiveSessionPairIDs, pair.ID)
	return a.persist(ctx, st)
}

func (a *Agent) spawnPair(ctx context.Context, content string) (*store.SessionPair, error) {
	room, err := a.store.GetRoom(ctx, a.roomID)
	if err != nil {
		return nil, err
	}

	worker, err := a.sessions.Create(ctx, room.DefaultPath, "Worker", store.SessionConfig{})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn worker session: %w", err)
	}
	manager, err := a.sessions.Create(ctx, room.DefaultPath, "Manager", store.SessionConfig{})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn manager session: %w", err)
	}

	pair := &store.SessionPair{RoomID: a.roomID, WorkerSessionID: worker.ID, ManagerSessionID: manager.ID}
	if err := a.store.CreateSessionPair(ctx, pair); err != nil {
		return nil, err
	}

	if err := a.bridges.StartBridge(ctx, pair.ID); err != nil {
		a.logger.Warn("failed to start bridge for new pair", zap.String("pair_id", pair.ID), zap.Error(err))
	}
	if _, err := a.sessions.SendMessage(ctx, worker.ID, content, nil); err != nil {
		a.logger.Warn("failed to deliver initial message to worker", zap.String("pair_id", pair.ID), zap.Error(err))
	}

	return pair, nil
}

// recordError increments the room's consecutive-error count and, once it
// reaches maxErrorCount, transitions the FSM to error. A recorded failure is
// logged and nil is returned, so the message itself does not fail; the cause
// is returned only when the error count cannot be incremented.
func (a *Agent) recordError(ctx context.Context, st *store.RoomAgentState, cause error) error {
	count, err := a.store.IncrementRoomErrorCount(ctx, a.roomID, cause.Error())
	if err != nil {
		return cause
	}
	if count >= a.maxErrorCount {
		st.LifecycleState = store.RoomError
		st.ErrorCount = count
		st.LastError = cause.Error()
		if err := a.persist(ctx, st); err != nil {
			a.logger.Warn("failed to persist error-state transition", zap.Error(err))
		}
	}
	a.logger.Warn("room agent operation failed", zap.Int("error_count", count), zap.Error(cause))
	return nil
}

func (a *Agent) persist(ctx context.Context, st *store.RoomAgentState) error {
	st.RoomID = a.roomID
	if err := a.store.UpdateRoomAgentState(ctx, st); err != nil {
		return err
	}
	a.emit(ctx, events.RoomAgentStateChanged, map[string]any{"roomId": a.roomID, "lifecycleState": string(st.LifecycleState)})
	return nil
}

func (a *Agent) reply(ctx context.Context, content string) {
	a.emit(ctx, events.RoomMessage, map[string]any{"roomId": a.roomID, "content": content, "source": "room-agent"})
}

func (a *Agent) emit(ctx context.Context, subject string, data map[string]any) {
	scoped := events.BuildRoomSubject(subject, a.roomID)
	evt := bus.NewEvent(subject, "room-agent", data)
	if err := a.bus.Publish(ctx, scoped, evt); err != nil {
		a.logger.Warn("failed to publish room event", zap.String("subject", scoped), zap.Error(err))
	}
}

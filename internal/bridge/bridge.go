// Package bridge implements the Session Bridge half of component G: it
// couples a Room's Worker and Manager sessions, watching both for terminal
// processing states and forwarding the one's output as the other's next
// input, so a Worker/Manager pair converses without a human relaying text
// between them.
package bridge

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sessiond/core/internal/agentsession"
	"github.com/sessiond/core/internal/common/logger"
	"github.com/sessiond/core/internal/events"
	"github.com/sessiond/core/internal/events/bus"
	"github.com/sessiond/core/internal/store"
)

const crashRetryThreshold = 3

// SessionAccessor is the narrow slice of the Session Manager a bridge needs:
// enough to read a session's live state and forward a message into another.
type SessionAccessor interface {
	Get(ctx context.Context, sessionID string) (*agentsession.Session, error)
	GetSession(ctx context.Context, sessionID string) (*store.Session, error)
	SendMessage(ctx context.Context, sessionID, content string, images []string) (string, error)
}

// bridge couples one session pair's worker and manager sessions.
type bridge struct {
	pair     *store.SessionPair
	store    *store.Store
	bus      bus.EventBus
	sessions SessionAccessor
	logger   *logger.Logger

	mu       sync.Mutex
	workerSub  bus.Subscription
	managerSub bus.Subscription
	stopped    bool
}

// Manager owns every active bridge, keyed by session-pair id.
type Manager struct {
	store    *store.Store
	bus      bus.EventBus
	sessions SessionAccessor
	logger   *logger.Logger

	mu      sync.Mutex
	bridges map[string]*bridge
}

// New creates a bridge Manager.
func New(st *store.Store, eventBus bus.EventBus, sessions SessionAccessor, log *logger.Logger) *Manager {
	return &Manager{
		store:    st,
		bus:      eventBus,
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "session-bridge")),
		bridges:  make(map[string]*bridge),
	}
}

// StartBridge joins both of a pair's session channels and begins watching
// for terminal-state transitions. Starting an already-started pair is a
// no-op. Failing to fetch either session's initial state is swallowed — the
// bridge stays active and picks up the first state-change event instead.
func (m *Manager) StartBridge(ctx context.Context, pairID string) error {
	m.mu.Lock()
	if _, ok := m.bridges[pairID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	pair, err := m.store.GetSessionPair(ctx, pairID)
	if err != nil {
		return err
	}

	b := &bridge{pair: pair, store: m.store, bus: m.bus, sessions: m.sessions, logger: m.logger}

	workerSub, err := m.bus.Subscribe(events.BuildSessionSubject(events.SessionStateChanged, pair.WorkerSessionID), b.onWorkerStateChanged)
	if err != nil {
		return err
	}
	managerSub, err := m.bus.Subscribe(events.BuildSessionSubject(events.SessionStateChanged, pair.ManagerSessionID), b.onManagerStateChanged)
	if err != nil {
		_ = workerSub.Unsubscribe()
		return err
	}
	b.workerSub, b.managerSub = workerSub, managerSub

	m.mu.Lock()
	m.bridges[pairID] = b
	m.mu.Unlock()

	// Best-effort initial fetch, concurrent since the two are independent: a
	// pair freshly created before either side has emitted a state change
	// should still forward once they settle.
	var g errgroup.Group
	g.Go(func() error { _, _ = m.sessions.Get(ctx, pair.WorkerSessionID); return nil })
	g.Go(func() error { _, _ = m.sessions.Get(ctx, pair.ManagerSessionID); return nil })
	_ = g.Wait()
	return nil
}

// StopBridge unsubscribes and forgets a pair's bridge. A no-op if it was
// never started (or already stopped).
func (m *Manager) StopBridge(pairID string) {
	m.mu.Lock()
	b, ok := m.bridges[pairID]
	if ok {
		delete(m.bridges, pairID)
	}
	m.mu.Unlock()
	if ok {
		b.stop()
	}
}

// StopAllBridges stops every active bridge, used on daemon shutdown.
func (m *Manager) StopAllBridges() {
	m.mu.Lock()
	all := make([]*bridge, 0, len(m.bridges))
	for id, b := range m.bridges {
		all = append(all, b)
		delete(m.bridges, id)
	}
	m.mu.Unlock()
	for _, b := range all {
		b.stop()
	}
}

func (b *bridge) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	if b.workerSub != nil {
		_ = b.workerSub.Unsubscribe()
	}
	if b.managerSub != nil {
		_ = b.managerSub.Unsubscribe()
	}
}

func (b *bridge) onWorkerStateChanged(ctx context.Context, evt *bus.Event) error {
	return b.onStateChanged(ctx, b.pair.WorkerSessionID, b.pair.ManagerSessionID, "[Worker Update]", "worker-to-manager", events.BridgeWorkerTerminal, true)
}

func (b *bridge) onManagerStateChanged(ctx context.Context, evt *bus.Event) error {
	return b.onStateChanged(ctx, b.pair.ManagerSessionID, b.pair.WorkerSessionID, "[Manager Response]", "manager-to-worker", events.BridgeManagerTerminal, false)
}

// onStateChanged handles a terminal-state transition on fromID, forwarding
// its accumulated assistant output to toID. isWorker distinguishes the
// crash-recovery path, which only applies to the worker side.
func (b *bridge) onStateChanged(ctx context.Context, fromID, toID, label, direction, terminalEvent string, isWorker bool) error {
	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if stopped {
		return nil
	}

	sess, err := b.sessions.Get(ctx, fromID)
	if err != nil {
		return nil
	}
	agentState := sess.GetProcessingState()
	if !agentState.IsTerminal() {
		return nil
	}

	b.emit(ctx, terminalEvent, map[string]any{"pairId": b.pair.ID, "sessionId": fromID, "agentState": agentState})

	if isWorker && b.maybeHandleCrash(ctx, fromID) {
		return nil
	}

	text, err := b.concatenatedAssistantText(ctx, fromID)
	if err != nil {
		b.logger.Warn("failed to read assistant messages for forwarding", zap.String("session_id", fromID), zap.Error(err))
		return nil
	}
	if text == "" {
		return nil
	}

	if _, err := b.sessions.SendMessage(ctx, toID, label+"\n\n"+text, nil); err != nil {
		b.logger.Warn("failed to forward message across bridge", zap.String("from", fromID), zap.String("to", toID), zap.Error(err))
		return nil
	}

	b.emit(ctx, events.BridgeMessagesForwarded, map[string]any{"pairId": b.pair.ID, "direction": direction, "count": 1})
	return nil
}

// maybeHandleCrash handles a worker transitioning to a terminal state with
// an error recorded against it: below the retry threshold it's treated as
// recoverable and the manager is informed; at or above threshold the pair
// is escalated as crashed and its bridge is stopped. Reports whether it
// took either action, so the caller skips the normal forwarding path.
func (b *bridge) maybeHandleCrash(ctx context.Context, workerID string) bool {
	sess, err := b.sessions.GetSession(ctx, workerID)
	if err != nil || sess.Metadata.RecoveryContext == nil {
		return false
	}
	rc := sess.Metadata.RecoveryContext
	if rc.LastError == "" {
		return false
	}

	if rc.RetryCount < crashRetryThreshold {
		msg := "Worker session encountered an error and is attempting to recover: " + rc.LastError
		_, _ = b.sessions.SendMessage(ctx, b.pair.ManagerSessionID, msg, nil)
		return true
	}

	msg := "Worker session crashed and could not be recovered: " + rc.LastError
	_, _ = b.sessions.SendMessage(ctx, b.pair.ManagerSessionID, msg, nil)
	_ = b.store.UpdateSessionPairStatus(ctx, b.pair.ID, store.PairCrashed, b.pair.CurrentTaskID)
	b.stop()
	return true
}

// concatenatedAssistantText reads every assistant-type SDK message recorded
// for sessionID and concatenates their text content in arrival order.
func (b *bridge) concatenatedAssistantText(ctx context.Context, sessionID string) (string, error) {
	messages, err := b.store.ListSDKMessages(ctx, sessionID, 0)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, msg := range messages {
		if msg.Type != store.SDKMessageAssistant {
			continue
		}
		if msg.Content == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(msg.Content)
	}
	return sb.String(), nil
}

func (b *bridge) emit(ctx context.Context, subject string, data map[string]any) {
	if b.bus == nil {
		return
	}
	evt := bus.NewEvent(subject, "session-bridge", data)
	if err := b.bus.Publish(ctx, subject, evt); err != nil {
		b.logger.Warn("failed to publish bridge event", zap.String("subject", subject), zap.Error(err))
	}
}

// Package broadcaster implements the State Broadcaster (component J): for
// each named topic it maintains a snapshot the hub's request/reply surface
// can return on demand, and a versioned delta it publishes on the bus
// whenever the topic's underlying state changes. The pairing is the
// contract a reconnecting client uses to reconcile without losing or
// duplicating updates (spec §4.B, §8 property 3).
package broadcaster

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sessiond/core/internal/agentsession"
	"github.com/sessiond/core/internal/apperr"
	"github.com/sessiond/core/internal/common/logger"
	"github.com/sessiond/core/internal/events"
	"github.com/sessiond/core/internal/events/bus"
	"github.com/sessiond/core/internal/sessionmgr"
	"github.com/sessiond/core/internal/store"
)

// Delta is the additive change set a delta channel publishes: every field
// the spec names, plus the monotonic version a client compares against its
// last-applied snapshot's version.
type Delta struct {
	Added     []any     `json:"added,omitempty"`
	Updated   []any     `json:"updated,omitempty"`
	Removed   []any     `json:"removed,omitempty"`
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemSnapshot is the authoritative value of the "global.system" topic.
type SystemSnapshot struct {
	Version      uint64    `json:"version"`
	DefaultModel string    `json:"defaultModel"`
	AuthState    string    `json:"authState"`
	Healthy      bool      `json:"healthy"`
	Timestamp    time.Time `json:"timestamp"`
}

// SessionsSnapshot is the authoritative value of the "global.sessions" topic.
type SessionsSnapshot struct {
	Sessions            []*store.Session `json:"sessions"`
	Version             uint64           `json:"version"`
	HasArchivedSessions  bool            `json:"hasArchivedSessions"`
	Timestamp           time.Time        `json:"timestamp"`
}

// GlobalSnapshot is the composite "global.snapshot" topic value.
type GlobalSnapshot struct {
	System   SystemSnapshot   `json:"system"`
	Sessions SessionsSnapshot `json:"sessions"`
}

// SessionUnified is the authoritative value of the "session:{id}" topic.
type SessionUnified struct {
	SessionInfo   *store.Session              `json:"sessionInfo"`
	AgentState    agentsession.ProcessingState `json:"agentState"`
	CommandsData  any                          `json:"commandsData,omitempty"`
	ContextInfo   *agentsession.ContextInfo    `json:"contextInfo,omitempty"`
	Error         string                       `json:"error,omitempty"`
	Version       uint64                       `json:"version"`
	Timestamp     time.Time                    `json:"timestamp"`
}

// DeltaPublisher is the narrow slice of bus.EventBus the broadcaster needs
// to push a delta to subscribers; it is the EventBus itself in production.
type DeltaPublisher interface {
	Publish(ctx context.Context, subject string, event *bus.Event) error
}

// Broadcaster derives every snapshot/delta topic in spec §4.J from the
// Session Manager and persisted state, and republishes state-change bus
// events as versioned deltas.
type Broadcaster struct {
	manager *sessionmgr.Manager
	store   *store.Store
	pub     DeltaPublisher
	logger  *logger.Logger

	mu                  sync.Mutex
	showArchived        bool
	globalSessionsVer   uint64
	hasArchivedSessions bool
	sessionVersions     map[string]uint64

	subsMu sync.Mutex
	subs   []bus.Subscription
}

// New constructs a Broadcaster and subscribes it to the bus subjects whose
// changes drive its derived topics.
func New(mgr *sessionmgr.Manager, st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Broadcaster {
	b := &Broadcaster{
		manager:         mgr,
		store:           st,
		pub:             eventBus,
		logger:          log.WithFields(zap.String("component", "state-broadcaster")),
		sessionVersions: make(map[string]uint64),
	}

	subscribe := func(subject string, handler bus.EventHandler) {
		sub, err := eventBus.Subscribe(subject, handler)
		if err != nil {
			b.logger.Warn("failed to subscribe", zap.String("subject", subject), zap.Error(err))
			return
		}
		b.subsMu.Lock()
		b.subs = append(b.subs, sub)
		b.subsMu.Unlock()
	}

	subscribe(events.BuildSessionWildcardSubject(events.SessionUpdated), b.onSessionChanged)
	subscribe(events.BuildSessionWildcardSubject(events.SessionDeleted), b.onSessionDeleted)
	subscribe(events.BuildSessionWildcardSubject(events.SessionStateChanged), b.onSessionStateChanged)
	subscribe(events.BuildSessionWildcardSubject("state.sdkMessages.delta"), b.onSDKMessageDelta)

	return b
}

// SetShowArchived flips the setting that decides whether archived sessions
// appear in global.sessions and whether an archive transition is published
// as a "removed" or an "updated" delta (spec §4.J, §8 scenario 5).
func (b *Broadcaster) SetShowArchived(show bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.showArchived = show
}

// Close unsubscribes the broadcaster from every bus subject it listens on.
func (b *Broadcaster) Close() {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, sub := range b.subs {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subs = nil
}

func (b *Broadcaster) nextGlobalSessionsVersion() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.globalSessionsVer++
	return b.globalSessionsVer
}

func (b *Broadcaster) nextSessionVersion(sessionID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionVersions[sessionID]++
	return b.sessionVersions[sessionID]
}

func (b *Broadcaster) currentGlobalSessionsVersion() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.globalSessionsVer
}

func (b *Broadcaster) currentSessionVersion(sessionID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionVersions[sessionID]
}

// GlobalSystem returns the "global.system" snapshot.
func (b *Broadcaster) GlobalSystem(ctx context.Context) SystemSnapshot {
	defaultModel := "default"
	return SystemSnapshot{
		Version:      b.currentGlobalSessionsVersion(),
		DefaultModel: defaultModel,
		AuthState:    "ready",
		Healthy:      true,
		Timestamp:    time.Now().UTC(),
	}
}

// GlobalSessions returns the "global.sessions" snapshot, filtered by the
// showArchived setting, and the hasArchivedSessions flag that flips true
// the first time a session is archived.
func (b *Broadcaster) GlobalSessions(ctx context.Context) (SessionsSnapshot, error) {
	b.mu.Lock()
	show := b.showArchived
	hasArchived := b.hasArchivedSessions
	b.mu.Unlock()

	all, err := b.store.ListSessions(ctx, true)
	if err != nil {
		return SessionsSnapshot{}, err
	}

	filtered := make([]*store.Session, 0, len(all))
	for _, sess := range all {
		if sess.Status == store.SessionArchived {
			if !hasArchived {
				b.mu.Lock()
				b.hasArchivedSessions = true
				b.mu.Unlock()
				hasArchived = true
			}
			if !show {
				continue
			}
		}
		filtered = append(filtered, sess)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].LastActiveAt.After(filtered[j].LastActiveAt)
	})

	return SessionsSnapshot{
		Sessions:            filtered,
		Version:             b.currentGlobalSessionsVersion(),
		HasArchivedSessions: hasArchived,
		Timestamp:           time.Now().UTC(),
	}, nil
}

// GlobalSnapshot returns the composite "global.snapshot" topic value.
func (b *Broadcaster) GlobalSnapshot(ctx context.Context) (GlobalSnapshot, error) {
	sessions, err := b.GlobalSessions(ctx)
	if err != nil {
		return GlobalSnapshot{}, err
	}
	return GlobalSnapshot{System: b.GlobalSystem(ctx), Sessions: sessions}, nil
}

// SessionSnapshot returns the unified "session:{id}" topic value. Unknown
// or deleted session ids surface the literal "Session not found" error the
// spec's snapshot handlers return.
func (b *Broadcaster) SessionSnapshot(ctx context.Context, sessionID string) (SessionUnified, error) {
	as, err := b.manager.Get(ctx, sessionID)
	if err != nil {
		return SessionUnified{}, apperr.NotFoundf("Session not found")
	}
	data, err := as.GetSessionData(ctx)
	if err != nil {
		return SessionUnified{}, apperr.NotFoundf("Session not found")
	}
	contextInfo, _ := as.GetContextInfo(ctx)
	return SessionUnified{
		SessionInfo:  data.Session,
		AgentState:   data.ProcessingState,
		ContextInfo:  &contextInfo,
		Version:      b.currentSessionVersion(sessionID),
		Timestamp:    time.Now().UTC(),
	}, nil
}

// BroadcastSessionStateChange republishes a session's latest unified state
// as a delta on the session's channel. An unknown/deleted session id is a
// silent no-op, per spec §4.J ("never throws").
func (b *Broadcaster) BroadcastSessionStateChange(ctx context.Context, sessionID string) {
	unified, err := b.SessionSnapshot(ctx, sessionID)
	if err != nil {
		return
	}
	version := b.nextSessionVersion(sessionID)
	unified.Version = version
	b.publishScoped(events.BuildSessionSubject("state.session.delta", sessionID), sessionID, Delta{
		Updated:   []any{unified},
		Version:   version,
		Timestamp: time.Now().UTC(),
	})
}

func (b *Broadcaster) onSessionStateChanged(ctx context.Context, evt *bus.Event) error {
	sessionID, _ := evt.Data["sessionId"].(string)
	if sessionID == "" {
		return nil
	}
	b.BroadcastSessionStateChange(ctx, sessionID)
	return nil
}

func (b *Broadcaster) onSDKMessageDelta(ctx context.Context, evt *bus.Event) error {
	sessionID, _ := evt.Data["sessionId"].(string)
	if sessionID == "" {
		return nil
	}
	version := b.nextSessionVersion(sessionID)
	b.publishScoped(events.BuildSessionSubject("session.sdkMessages.delta", sessionID), sessionID, Delta{
		Added:     []any{evt.Data["message"]},
		Version:   version,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// onSessionChanged handles session.updated events, deriving the
// global.sessions delta: an archive transition emits "removed" when
// showArchived is false, else "updated" (spec §8 scenario 5).
func (b *Broadcaster) onSessionChanged(ctx context.Context, evt *bus.Event) error {
	sessionID, _ := evt.Data["sessionId"].(string)
	if sessionID == "" {
		return nil
	}
	sess, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil
	}

	b.mu.Lock()
	show := b.showArchived
	b.mu.Unlock()

	version := b.nextGlobalSessionsVersion()
	delta := Delta{Version: version, Timestamp: time.Now().UTC()}

	if sess.Status == store.SessionArchived {
		b.mu.Lock()
		b.hasArchivedSessions = true
		b.mu.Unlock()
		if !show {
			delta.Removed = []any{sess}
		} else {
			delta.Updated = []any{map[string]any{"id": sess.ID, "status": string(sess.Status)}}
		}
	} else {
		delta.Updated = []any{sess}
	}

	b.publish("global.sessions.delta", delta)
	b.BroadcastSessionStateChange(ctx, sessionID)
	return nil
}

func (b *Broadcaster) onSessionDeleted(ctx context.Context, evt *bus.Event) error {
	sessionID, _ := evt.Data["sessionId"].(string)
	if sessionID == "" {
		return nil
	}
	version := b.nextGlobalSessionsVersion()
	b.publish("global.sessions.delta", Delta{
		Removed:   []any{map[string]any{"id": sessionID}},
		Version:   version,
		Timestamp: time.Now().UTC(),
	})
	b.mu.Lock()
	delete(b.sessionVersions, sessionID)
	b.mu.Unlock()
	return nil
}

func (b *Broadcaster) publish(subject string, delta Delta) {
	b.publishData(subject, map[string]any{
		"added":     delta.Added,
		"updated":   delta.Updated,
		"removed":   delta.Removed,
		"version":   delta.Version,
		"timestamp": delta.Timestamp,
	})
}

// publishScoped is publish plus a "sessionId" field, so gateway subscribers
// that route by session (extractID in the gateway's state broadcaster) can
// find the target channel without parsing the delta payload itself.
func (b *Broadcaster) publishScoped(subject, sessionID string, delta Delta) {
	b.publishData(subject, map[string]any{
		"sessionId": sessionID,
		"added":     delta.Added,
		"updated":   delta.Updated,
		"removed":   delta.Removed,
		"version":   delta.Version,
		"timestamp": delta.Timestamp,
	})
}

func (b *Broadcaster) publishData(subject string, data map[string]any) {
	if b.pub == nil {
		return
	}
	evt := bus.NewEvent(subject, "state-broadcaster", data)
	if err := b.pub.Publish(context.Background(), subject, evt); err != nil {
		b.logger.Warn("failed to publish delta", zap.String("subject", subject), zap.Error(err))
	}
}

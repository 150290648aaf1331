// Package sessionmgr implements the Session Manager (component E): the
// thin orchestrator that allocates, looks up, updates, and tears down
// sessions, wiring the persistence layer, the session cache, and each
// session's Agent Session together behind a single cleanup barrier.
package sessionmgr

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sessiond/core/internal/agentquery"
	"github.com/sessiond/core/internal/agentsession"
	"github.com/sessiond/core/internal/apperr"
	"github.com/sessiond/core/internal/common/logger"
	"github.com/sessiond/core/internal/common/stringutil"
	"github.com/sessiond/core/internal/events"
	"github.com/sessiond/core/internal/events/bus"
	"github.com/sessiond/core/internal/provider"
	"github.com/sessiond/core/internal/rewind"
	"github.com/sessiond/core/internal/sessioncache"
	"github.com/sessiond/core/internal/store"
)

// WorktreeCollaborator is the narrow interface onto the out-of-scope
// worktree/Git plumbing collaborator: enough for session.archive to ask
// whether a session's worktree has commits the user hasn't pushed or
// merged yet, and to remove it once archival is confirmed.
type WorktreeCollaborator interface {
	CommitsAhead(ctx context.Context, worktreePath string) (int, error)
	Remove(ctx context.Context, worktreePath string) error
}

// ArchiveResult is the outcome of a session.archive call: either the
// session was archived, or it wasn't because its worktree has unconfirmed
// commits ahead and the caller must re-call with confirmed=true.
type ArchiveResult struct {
	Session             *store.Session `json:"session,omitempty"`
	Success             bool           `json:"success"`
	RequiresConfirmation bool          `json:"requiresConfirmation,omitempty"`
	CommitsAhead        int            `json:"commitsAhead,omitempty"`
}

// CleanupState is the manager's shutdown barrier.
type CleanupState int32

const (
	CleanupIdle CleanupState = iota
	CleanupCleaning
	CleanupCleaned
)

// Manager is the Session Manager: it owns the Session Cache exclusively and
// is the only path through which an AgentSession's config is mutated, so
// persistence and the in-memory cache never diverge.
type Manager struct {
	store     *store.Store
	cache     *sessioncache.Cache
	bus       bus.EventBus
	queryFac  agentquery.Factory
	providers *provider.Registry
	rewind    *rewind.Engine
	logger    *logger.Logger

	cleanupMu    sync.Mutex
	cleanupState CleanupState
	cleanupDone  chan struct{}

	subsMu sync.Mutex
	subs   []bus.Subscription

	worktrees WorktreeCollaborator
}

// New constructs a Manager and subscribes it to the internal bus subjects
// it owns: message.persisted (background title generation).
func New(st *store.Store, cache *sessioncache.Cache, eventBus bus.EventBus, queryFac agentquery.Factory, providers *provider.Registry, rewindEngine *rewind.Engine, log *logger.Logger) *Manager {
	m := &Manager{
		store:     st,
		cache:     cache,
		bus:       eventBus,
		queryFac:  queryFac,
		providers: providers,
		rewind:    rewindEngine,
		logger:    log.WithFields(zap.String("component", "session-manager")),
	}

	if sub, err := eventBus.Subscribe(events.BuildSessionWildcardSubject(events.MessagePersisted), m.onMessagePersisted); err == nil {
		m.subsMu.Lock()
		m.subs = append(m.subs, sub)
		m.subsMu.Unlock()
	} else {
		m.logger.Warn("failed to subscribe to message.persisted", zap.Error(err))
	}

	return m
}

// SetWorktreeCollaborator wires the worktree/Git plumbing collaborator used
// by session.archive's commit-confirmation check. Left nil, archival never
// requires confirmation — the conservative default for a deployment that
// hasn't wired worktree support.
func (m *Manager) SetWorktreeCollaborator(c WorktreeCollaborator) {
	m.worktrees = c
}

func defaultSandboxConfig() map[string]any {
	return map[string]any{
		"enabled":                  true,
		"autoAllowBashIfSandboxed": true,
		"excludedCommands":         []string{"git"},
		"network": map[string]any{
			"allowedDomains":     []string{"api.anthropic.com", "api.openai.com", "generativelanguage.googleapis.com"},
			"allowLocalBinding":  true,
			"allowAllUnixSockets": true,
		},
	}
}

// Create allocates a session, applies the default sandbox config when the
// caller didn't set one, persists it, and warms the cache with a
// lazily-started Agent Session. Rejected once the manager has been cleaned
// up.
func (m *Manager) Create(ctx context.Context, workspacePath, title string, cfg store.SessionConfig) (*store.Session, error) {
	if m.isCleaned() {
		return nil, apperr.PreconditionFailed("session manager is shutting down")
	}
	if cfg.Sandbox == nil {
		cfg.Sandbox = defaultSandboxConfig()
	}

	sess := &store.Session{WorkspacePath: workspacePath, Title: title, Config: cfg}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	if !m.isCleaned() {
		m.cache.Put(sess.ID, m.newAgentSession(sess.ID))
	}
	return sess, nil
}

func (m *Manager) newAgentSession(sessionID string) *agentsession.Session {
	return agentsession.New(sessionID, m.store, m.bus, m.queryFac, m.providers, m.rewind, m.logger)
}

// GetSession is a pure read of a session's persisted record.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// Get returns the cached Agent Session for sessionID, constructing and
// caching one if this is the first access. Synchronous in Go, but fills the
// same role the spec's get/getAsync pair does in an event-loop runtime.
func (m *Manager) Get(ctx context.Context, sessionID string) (*agentsession.Session, error) {
	if entry, ok := m.cache.Get(sessionID); ok {
		return entry.(*agentsession.Session), nil
	}
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if m.isCleaned() {
		return nil, apperr.PreconditionFailed("session manager is shutting down")
	}

	as := m.newAgentSession(sessionID)
	m.cache.Put(sessionID, as)
	return as, nil
}

// List returns sessions in persisted (most-recently-active-first) order.
func (m *Manager) List(ctx context.Context, includeArchived bool) ([]*store.Session, error) {
	return m.store.ListSessions(ctx, includeArchived)
}

// Update applies patch to the session's persisted record, writes it
// through, and publishes session.updated on the session's channel.
func (m *Manager) Update(ctx context.Context, sessionID string, patch func(*store.Session)) (*store.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	patch(sess)
	sess.LastActiveAt = time.Now().UTC()
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	m.publish(events.SessionUpdated, sessionID, map[string]any{"sessionId": sessionID, "source": "update"})
	return sess, nil
}

// SendMessage publishes message.sendRequest as a notification, then
// dispatches the message directly to a session's Agent Session,
// constructing it on demand. Used by the message.send RPC and by the
// Session Bridge's forwarded worker/manager updates.
//
// This is a direct call, not a bus subscription: the Agent Session's own
// HandleMessageSend is the thing message.sendRequest describes happening,
// so a handler that both subscribes to the subject and calls back into
// HandleMessageSend would have nothing to stop it re-triggering itself.
// Routing dispatch through SendMessage instead keeps the bus event as a
// passive signal for observers (e.g. the state broadcaster) without making
// it the dispatch mechanism.
func (m *Manager) SendMessage(ctx context.Context, sessionID, content string, images []string) (string, error) {
	as, err := m.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	m.publish(events.MessageSendRequest, sessionID, map[string]any{"sessionId": sessionID, "content": content})
	return as.HandleMessageSend(ctx, content, images)
}

// Interrupt publishes agent.interruptRequest and forwards the interrupt to
// the session's Agent Session.
func (m *Manager) Interrupt(ctx context.Context, sessionID string) error {
	as, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	m.publish(events.AgentInterruptReq, sessionID, map[string]any{"sessionId": sessionID})
	return as.HandleInterrupt(ctx)
}

// Delete publishes session.deleted, removes the cached Agent Session
// (invoking its cleanup hook), and removes the persisted record.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.publish(events.SessionDeleted, sessionID, map[string]any{"sessionId": sessionID})
	m.cache.Remove(sessionID)
	return m.store.DeleteSession(ctx, sessionID)
}

// Archive marks a session archived and stamps its archival time. If the
// session has a worktree with commits ahead and the caller hasn't passed
// confirmed, archival is refused so the client can prompt first; a
// confirmed archive also removes the worktree.
func (m *Manager) Archive(ctx context.Context, sessionID string, confirmed bool) (ArchiveResult, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return ArchiveResult{}, err
	}

	wt := sess.Metadata.Worktree
	if wt != nil && m.worktrees != nil && !confirmed {
		ahead, caErr := m.worktrees.CommitsAhead(ctx, wt.WorktreePath)
		if caErr != nil {
			return ArchiveResult{}, caErr
		}
		if ahead > 0 {
			return ArchiveResult{Success: false, RequiresConfirmation: true, CommitsAhead: ahead}, nil
		}
	}

	now := time.Now().UTC()
	updated, err := m.Update(ctx, sessionID, func(s *store.Session) {
		s.Status = store.SessionArchived
		s.Metadata.ArchivedAt = &now
	})
	if err != nil {
		return ArchiveResult{}, err
	}

	if wt != nil && m.worktrees != nil {
		if err := m.worktrees.Remove(ctx, wt.WorktreePath); err != nil {
			m.logger.Warn("failed to remove worktree on archive", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	return ArchiveResult{Session: updated, Success: true}, nil
}

// SetWorktreeMode validates and applies a session's worktree mode
// ("worktree" or "direct").
func (m *Manager) SetWorktreeMode(ctx context.Context, sessionID, mode string) (*store.Session, error) {
	if mode != "worktree" && mode != "direct" {
		return nil, apperr.Validationf("Invalid mode: %s. Must be 'worktree' or 'direct'", mode)
	}
	return m.Update(ctx, sessionID, func(s *store.Session) {
		s.Metadata.WorktreeMode = mode
	})
}

// CountMessagesByStatus counts a session's SDK messages of the given type.
func (m *Manager) CountMessagesByStatus(ctx context.Context, sessionID, msgType string) (int, error) {
	return m.store.CountMessagesByStatus(ctx, sessionID, store.SDKMessageType(msgType))
}

func (m *Manager) onMessagePersisted(ctx context.Context, evt *bus.Event) error {
	if m.isCleaned() {
		return nil
	}
	sessionID, _ := evt.Data["sessionId"].(string)
	content, _ := evt.Data["content"].(string)
	if sessionID == "" {
		return nil
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil
	}
	if sess.Metadata.TitleGenerated || sess.Title != "" {
		return nil
	}

	sess.Title = generateTitle(content)
	sess.Metadata.TitleGenerated = true
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		m.logger.Warn("failed to persist generated title", zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}
	m.publish(events.SessionUpdated, sessionID, map[string]any{"sessionId": sessionID, "source": "title-generation"})
	return nil
}

const maxGeneratedTitleLength = 60

// generateTitle derives a session title from its first user message: the
// first line, truncated to a fixed length. A full summarization pass is
// left to a future provider-backed implementation.
func generateTitle(content string) string {
	line := content
	for i, r := range content {
		if r == '\n' {
			line = content[:i]
			break
		}
	}
	line = stringutil.TruncateString(line, maxGeneratedTitleLength)
	if line == "" {
		return "Untitled session"
	}
	return line
}

func (m *Manager) publish(subject, sessionID string, data map[string]any) {
	scoped := events.BuildSessionSubject(subject, sessionID)
	evt := bus.NewEvent(subject, "session-manager", data)
	if err := m.bus.Publish(context.Background(), scoped, evt); err != nil {
		m.logger.Warn("failed to publish event", zap.String("subject", scoped), zap.Error(err))
	}
}

// isCleaned reports whether cleanup has started (CLEANING) or finished
// (CLEANED): both phases must bar new cache insertions, since CLEANING
// already means a concurrent Cleanup call is tearing down cached sessions
// and racing a fresh Create/Get in to re-populate the cache behind it would
// defeat the barrier just as surely as inserting after CLEANED.
func (m *Manager) isCleaned() bool {
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()
	return m.cleanupState != CleanupIdle
}

// Cleanup runs the IDLE -> CLEANING -> CLEANED shutdown barrier: it
// unsubscribes from the bus and tears down every cached Agent Session.
// Concurrent callers coalesce onto the same run; calling it again after
// CLEANED is a no-op.
func (m *Manager) Cleanup(ctx context.Context) {
	m.cleanupMu.Lock()
	switch m.cleanupState {
	case CleanupCleaned:
		m.cleanupMu.Unlock()
		return
	case CleanupCleaning:
		done := m.cleanupDone
		m.cleanupMu.Unlock()
		<-done
		return
	}
	m.cleanupState = CleanupCleaning
	m.cleanupDone = make(chan struct{})
	m.cleanupMu.Unlock()

	m.subsMu.Lock()
	for _, sub := range m.subs {
		_ = sub.Unsubscribe()
	}
	m.subs = nil
	m.subsMu.Unlock()

	m.cache.Close()

	m.cleanupMu.Lock()
	m.cleanupState = CleanupCleaned
	close(m.cleanupDone)
	m.cleanupMu.Unlock()
}

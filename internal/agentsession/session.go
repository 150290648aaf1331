package agentsession

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sessiond/core/internal/agentquery"
	"github.com/sessiond/core/internal/apperr"
	"github.com/sessiond/core/internal/clarification"
	"github.com/sessiond/core/internal/common/logger"
	"github.com/sessiond/core/internal/events"
	"github.com/sessiond/core/internal/events/bus"
	"github.com/sessiond/core/internal/provider"
	"github.com/sessiond/core/internal/rewind"
	"github.com/sessiond/core/internal/store"
)

var thinkingTokenMap = map[string]int{
	"low":    4096,
	"medium": 16384,
	"high":   32768,
}

// MessageResult is returned by handlers that report success/error rather
// than a pure value, matching the RPC layer's {success, error} envelope.
type MessageResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Session drives a single session's Query against its configured provider,
// persists every SDK message, and exposes the operations the session
// manager and gateway dispatch into. Exactly one Query runs at a time.
type Session struct {
	id        string
	store     *store.Store
	bus       bus.EventBus
	queryFac  agentquery.Factory
	providers *provider.Registry
	rewind    *rewind.Engine
	logger    *logger.Logger

	mu           sync.Mutex
	state        ProcessingState
	query        agentquery.Query
	streamCancel context.CancelFunc
	retryCount   int
	cleaningUp   bool
}

// New constructs a Session bound to sessionID, ready to have its Query
// started on first message send or explicit trigger.
func New(sessionID string, st *store.Store, eventBus bus.EventBus, queryFac agentquery.Factory, providers *provider.Registry, rewindEngine *rewind.Engine, log *logger.Logger) *Session {
	return &Session{
		id:        sessionID,
		store:     st,
		bus:       eventBus,
		queryFac:  queryFac,
		providers: providers,
		rewind:    rewindEngine,
		state:     idleState(),
		logger:    log.WithSessionID(sessionID),
	}
}

// ID returns the bound session ID.
func (s *Session) ID() string { return s.id }

// GetProcessingState is a pure read of the current processing state.
func (s *Session) GetProcessingState() ProcessingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GetCurrentModel reads the session's configured model from the store.
func (s *Session) GetCurrentModel(ctx context.Context) (string, error) {
	sess, err := s.store.GetSession(ctx, s.id)
	if err != nil {
		return "", err
	}
	return sess.Config.Model, nil
}

// HandleMessageSend persists the user message, creates its turn checkpoint,
// and transitions to processing(initializing) before handing the content to
// the attached Query. If the session is already processing, the message is
// only persisted and is not handed to the Query. Fails if the session is archived. The
// caller (the Session Manager's SendMessage, or the RPC layer above it) is
// responsible for publishing message.sendRequest as a notification — this
// method is that event's consumer, not another source of it, so it never
// re-publishes the subject it was invoked to handle.
func (s *Session) HandleMessageSend(ctx context.Context, content string, images []string) (string, error) {
	sess, err := s.store.GetSession(ctx, s.id)
	if err != nil {
		return "", err
	}
	if sess.Status == store.SessionArchived {
		return "", apperr.Validation("Cannot send messages to an archived session")
	}

	userMsg := &store.UserMessage{SessionID: s.id, Content: content, Images: images}
	if err := s.store.CreateUserMessage(ctx, userMsg); err != nil {
		return "", err
	}
	s.publish(events.MessagePersisted, map[string]any{"sessionId": s.id, "messageId": userMsg.ID, "content": content})

	turnNumber := 1
	if latest, err := s.store.GetLatestCheckpoint(ctx, s.id); err == nil {
		turnNumber = latest.TurnNumber + 1
	}
	preview := content
	if len(preview) > 200 {
		preview = preview[:200]
	}
	if err := s.store.CreateCheckpoint(ctx, &store.Checkpoint{
		SessionID:      s.id,
		MessagePreview: preview,
		TurnNumber:     turnNumber,
	}); err != nil {
		s.logger.Warn("failed to create checkpoint", zap.Error(err))
	}

	s.mu.Lock()
	if s.state.Status == StatusProcessing {
		s.mu.Unlock()
		return userMsg.ID, nil
	}
	s.state = ProcessingState{Status: StatusProcessing, Phase: PhaseInitializing}
	s.mu.Unlock()

	s.mu.Lock()
	q := s.query
	s.mu.Unlock()

	if q == nil {
		// HandleQueryTrigger flushes every pending user message (including
		// the one just persisted above) to the freshly started Query, so
		// there is nothing left to send on this path.
		if _, err := s.HandleQueryTrigger(ctx); err != nil {
			return userMsg.ID, err
		}
		return userMsg.ID, nil
	}
	return userMsg.ID, q.Send(ctx, content, images)
}

// HandleInterrupt invokes Query.interrupt and transitions to interrupted.
// Idempotent: calling it again after the first is a no-op.
func (s *Session) HandleInterrupt(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Status == StatusInterrupted || s.state.Status == StatusIdle {
		s.mu.Unlock()
		return nil
	}
	q := s.query
	s.state = ProcessingState{Status: StatusInterrupted}
	s.mu.Unlock()

	s.publishStateChanged(StatusInterrupted)

	if q != nil {
		return q.Interrupt(ctx)
	}
	return nil
}

// HandleModelSwitch validates and applies a model switch, restarting the
// Query only when the provider registry says the switch crosses a provider
// boundary.
func (s *Session) HandleModelSwitch(ctx context.Context, targetModel string) MessageResult {
	sess, err := s.store.GetSession(ctx, s.id)
	if err != nil {
		return MessageResult{Success: false, Error: err.Error()}
	}
	if _, err := s.providers.DetectByModel(targetModel); err != nil {
		return MessageResult{Success: false, Error: fmt.Sprintf("Invalid model %q", targetModel)}
	}
	if sess.Config.Model == targetModel {
		return MessageResult{Success: true, Error: fmt.Sprintf("Already using %s", targetModel)}
	}

	fromModel := sess.Config.Model
	sess.Config.Model = targetModel
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		s.reportError(err)
		return MessageResult{Success: false, Error: err.Error()}
	}
	s.publish(events.SessionUpdated, map[string]any{"sessionId": s.id, "source": "model-switch"})
	s.publish(events.SessionModelSwitch, map[string]any{"sessionId": s.id, "model": targetModel})

	s.mu.Lock()
	q := s.query
	s.mu.Unlock()

	if q == nil {
		s.publish(events.SessionModelSwitched, map[string]any{"sessionId": s.id, "model": targetModel})
		return MessageResult{Success: true}
	}

	var switchErr error
	if s.providers.RequiresQueryRestart(fromModel, targetModel) {
		_, switchErr = s.resetQuery(ctx, true)
	} else {
		switchErr = q.SetModel(ctx, targetModel)
	}
	if switchErr != nil {
		s.reportError(switchErr)
		return MessageResult{Success: false, Error: switchErr.Error()}
	}

	s.publish(events.SessionModelSwitched, map[string]any{"sessionId": s.id, "model": targetModel})
	return MessageResult{Success: true}
}

// HandleQueryTrigger starts or restarts the Query against the session's
// current configuration and returns the count of pending messages flushed.
func (s *Session) HandleQueryTrigger(ctx context.Context) (int, error) {
	sess, err := s.store.GetSession(ctx, s.id)
	if err != nil {
		return 0, err
	}

	opts := BuildQueryOptions(sess)
	q, err := s.queryFac.New(ctx, s.id, opts.Model, opts.SystemPrompt)
	if err != nil {
		return 0, apperr.ProviderUnavailable(err.Error())
	}

	s.mu.Lock()
	if s.query != nil {
		_ = s.query.Close()
	}
	if s.streamCancel != nil {
		s.streamCancel()
	}
	s.query = q
	streamCtx, cancel := context.WithCancel(context.Background())
	s.streamCancel = cancel
	s.mu.Unlock()

	go s.consumeStream(streamCtx, q)

	pending, err := s.store.ListUserMessages(ctx, s.id)
	if err != nil {
		return 0, err
	}
	flushed := 0
	for _, msg := range pending {
		if err := q.Send(ctx, msg.Content, msg.Images); err == nil {
			flushed++
		}
	}
	return flushed, nil
}

// ResetQuery tears down the current Query, optionally starting a fresh
// one, and emits agent.reset.
func (s *Session) ResetQuery(ctx context.Context, restartQuery bool) (int, error) {
	return s.resetQuery(ctx, restartQuery)
}

func (s *Session) resetQuery(ctx context.Context, restartQuery bool) (int, error) {
	s.mu.Lock()
	if s.query != nil {
		_ = s.query.Close()
		s.query = nil
	}
	if s.streamCancel != nil {
		s.streamCancel()
		s.streamCancel = nil
	}
	s.state = idleState()
	s.mu.Unlock()

	s.publish(events.AgentReset, map[string]any{"sessionId": s.id})
	s.publishStateChanged(StatusIdle)

	if !restartQuery {
		return 0, nil
	}
	return s.HandleQueryTrigger(ctx)
}

// validThinkingLevels are the recognized session.thinking.set levels. An
// unrecognized level is not an error: it defaults to "auto", the same way
// an absent level does.
var validThinkingLevels = map[string]bool{"auto": true, "low": true, "medium": true, "high": true}

// normalizeThinkingLevel maps an invalid or unrecognized level to "auto".
func normalizeThinkingLevel(level string) string {
	if validThinkingLevels[level] {
		return level
	}
	return "auto"
}

// SetMaxThinkingTokens updates the session's thinking level, restarting
// the Query if one is currently running. An invalid level defaults to
// "auto" rather than being rejected.
func (s *Session) SetMaxThinkingTokens(ctx context.Context, level string) error {
	sess, err := s.store.GetSession(ctx, s.id)
	if err != nil {
		return err
	}
	sess.Config.ThinkingLevel = normalizeThinkingLevel(level)
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return err
	}

	s.mu.Lock()
	running := s.query != nil
	s.mu.Unlock()
	if running {
		_, err := s.resetQuery(ctx, true)
		return err
	}
	return nil
}

// SetCoordinatorMode toggles coordinator mode, a no-op if the requested
// value matches the session's current configuration. Otherwise it persists
// the change, restarts the Query so the new agent/specialist composition
// takes effect, and publishes session.updated.
func (s *Session) SetCoordinatorMode(ctx context.Context, enabled bool) error {
	sess, err := s.store.GetSession(ctx, s.id)
	if err != nil {
		return err
	}
	if sess.Config.CoordinatorMode == enabled {
		return nil
	}
	sess.Config.CoordinatorMode = enabled
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	s.publish(events.SessionUpdated, map[string]any{"sessionId": s.id, "source": "coordinator-switch"})

	s.mu.Lock()
	running := s.query != nil
	s.mu.Unlock()
	if !running {
		return nil
	}
	_, err = s.resetQuery(ctx, true)
	return err
}

func (s *Session) consumeStream(ctx context.Context, q agentquery.Query) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-q.Stream():
			if !ok {
				return
			}
			s.onSDKMessage(ctx, msg)
		case err, ok := <-q.Errors():
			if !ok {
				return
			}
			if err != nil {
				s.reportError(err)
			}
		}
	}
}

func (s *Session) onSDKMessage(ctx context.Context, msg agentquery.Message) {
	record := &store.SDKMessage{
		UUID:            msg.UUID,
		SessionID:       s.id,
		Type:            store.SDKMessageType(msg.Type),
		ParentToolUseID: msg.ParentToolUseID,
		Content:         msg.Content,
	}
	if err := s.store.AppendSDKMessage(ctx, record); err != nil {
		s.logger.Error("failed to persist sdk message", zap.Error(err))
		return
	}

	s.mu.Lock()
	switch msg.Type {
	case "result":
		s.state = idleState()
	case "content_block_start":
		s.state = ProcessingState{Status: StatusProcessing, Phase: PhaseThinking}
	case string(store.SDKMessagePermissionReq):
		pending := clarificationToPendingQuestion(msg.ParentToolUseID, msg.Content, time.Now().UTC())
		s.state = ProcessingState{
			Status:          StatusWaitingForInput,
			PendingQuestion: &pending,
		}
	default:
		started := s.state.StreamingStartedAt
		if started == nil {
			now := time.Now().UTC()
			started = &now
		}
		s.state = ProcessingState{Status: StatusProcessing, Phase: PhaseStreaming, StreamingStartedAt: started}
	}
	status := s.state.Status
	s.mu.Unlock()

	s.publish("state.sdkMessages.delta", map[string]any{"sessionId": s.id, "message": record})
	s.publishStateChanged(status)
}

// clarificationToPendingQuestion builds the processing state's pending
// question from a permission-request message's tool use id and prompt text.
// The transport's structured clarification.Question, when present, carries
// richer option data than the single prompt string Message exposes; the
// pending question here tracks only what the processing-state machine needs
// to report through agent.getState.
func clarificationToPendingQuestion(toolUseID, prompt string, askedAt time.Time) PendingQuestion {
	return PendingQuestion{
		ToolUseID: toolUseID,
		Questions: []string{prompt},
		AskedAt:   askedAt,
	}
}

// AnswerClarification resolves an outstanding permission prompt, forwarding
// the user's answer into the running query and transitioning back to
// processing(streaming). A no-op if the session isn't currently waiting for
// input, or if the answer doesn't target the currently pending question.
func (s *Session) AnswerClarification(ctx context.Context, answer clarification.Answer) error {
	s.mu.Lock()
	if s.state.Status != StatusWaitingForInput || s.state.PendingQuestion == nil {
		s.mu.Unlock()
		return nil
	}
	q := s.query
	now := time.Now().UTC()
	s.state = ProcessingState{Status: StatusProcessing, Phase: PhaseStreaming, StreamingStartedAt: &now}
	s.mu.Unlock()

	s.publishStateChanged(StatusProcessing)

	if q == nil {
		return nil
	}
	reply := answer.CustomText
	if reply == "" && len(answer.SelectedOptions) > 0 {
		reply = strings.Join(answer.SelectedOptions, ",")
	}
	return q.Send(ctx, reply, nil)
}

// GetContextInfo is a pure read exposing the session's current model,
// provider, and coordinator-mode state, the detail session.get attaches
// under contextInfo.
type ContextInfo struct {
	Model           string `json:"model"`
	ProviderID      string `json:"providerId,omitempty"`
	CoordinatorMode bool   `json:"coordinatorMode"`
	ThinkingLevel   string `json:"thinkingLevel,omitempty"`
	Active          bool   `json:"active"`
}

// GetContextInfo is a pure read of the session's current model/provider
// pairing and coordinator-mode flag.
func (s *Session) GetContextInfo(ctx context.Context) (ContextInfo, error) {
	sess, err := s.store.GetSession(ctx, s.id)
	if err != nil {
		return ContextInfo{}, err
	}
	info := ContextInfo{
		Model:           sess.Config.Model,
		CoordinatorMode: sess.Config.CoordinatorMode,
		ThinkingLevel:   sess.Config.ThinkingLevel,
		Active:          s.Active(),
	}
	if cfg, err := s.providers.DetectByModel(sess.Config.Model); err == nil {
		info.ProviderID = cfg.ID
	}
	return info, nil
}

// SessionData bundles a session's persisted record with its live
// processing state, the shape session.get returns to a client.
type SessionData struct {
	Session         *store.Session  `json:"session"`
	ProcessingState ProcessingState `json:"processingState"`
}

// GetSessionData is a pure read combining the persisted session record with
// the session's current processing state.
func (s *Session) GetSessionData(ctx context.Context) (SessionData, error) {
	sess, err := s.store.GetSession(ctx, s.id)
	if err != nil {
		return SessionData{}, err
	}
	return SessionData{Session: sess, ProcessingState: s.GetProcessingState()}, nil
}

// publishStateChanged notifies subscribers (the Session Bridge, the state
// broadcaster) of a processing-state transition. Terminal-state consumers
// rely on seeing every transition into idle/waiting_for_input/interrupted,
// not just the triggering event.
func (s *Session) publishStateChanged(status Status) {
	s.publish(events.SessionStateChanged, map[string]any{"sessionId": s.id, "status": string(status)})
}

func (s *Session) reportError(err error) {
	s.logger.Error("agent session error", zap.Error(err))
	s.mu.Lock()
	s.retryCount++
	retryCount := s.retryCount
	s.mu.Unlock()

	if sess, getErr := s.store.GetSession(context.Background(), s.id); getErr == nil {
		sess.Metadata.RecoveryContext = &store.RecoveryContext{RetryCount: retryCount, LastError: err.Error()}
		if updErr := s.store.UpdateSession(context.Background(), sess); updErr != nil {
			s.logger.Warn("failed to persist recovery context", zap.Error(updErr))
		}
	}

	s.publish(events.SessionError, map[string]any{
		"sessionId":   s.id,
		"error":       err.Error(),
		"retryCount":  retryCount,
		"recoverable": retryCount < 3,
	})
}

func (s *Session) publish(subject string, data map[string]any) {
	scoped := events.BuildSessionSubject(subject, s.id)
	evt := bus.NewEvent(subject, "agent-session", data)
	if err := s.bus.Publish(context.Background(), scoped, evt); err != nil {
		s.logger.Warn("failed to publish event", zap.String("subject", scoped), zap.Error(err))
	}
}

// Active implements rewind.QueryHandle.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query != nil
}

// Ready implements rewind.QueryHandle, delegating to the attached Query.
// Returns false (rather than panicking) when no Query is attached.
func (s *Session) Ready() bool {
	s.mu.Lock()
	q := s.query
	s.mu.Unlock()
	if q == nil {
		return false
	}
	return q.Ready()
}

// RewindFiles implements rewind.QueryHandle, delegating to the attached
// Query. Fails with PreconditionFailed if no Query is attached.
func (s *Session) RewindFiles(ctx context.Context, checkpointID string, opts agentquery.RewindOptions) (agentquery.RewindResult, error) {
	s.mu.Lock()
	q := s.query
	s.mu.Unlock()
	if q == nil {
		return agentquery.RewindResult{}, apperr.PreconditionFailed("SDK query not active")
	}
	return q.RewindFiles(ctx, checkpointID, opts)
}

// RestartQuery implements rewind.QueryHandle: it tears down and restarts
// the session's Query, the step a conversation/both rewind takes after
// trimming message history.
func (s *Session) RestartQuery(ctx context.Context) error {
	_, err := s.resetQuery(ctx, true)
	return err
}

// GetRewindPoints lists the session's checkpoints, newest first.
func (s *Session) GetRewindPoints(ctx context.Context) ([]*store.Checkpoint, error) {
	return s.rewind.GetRewindPoints(ctx, s.id)
}

// PreviewRewind reports what rewinding to checkpointID would change without
// performing it.
func (s *Session) PreviewRewind(ctx context.Context, checkpointID string) (rewind.PreviewResult, error) {
	return s.rewind.PreviewRewind(ctx, s.id, checkpointID, s)
}

// ExecuteRewind performs a rewind to checkpointID in the requested mode.
func (s *Session) ExecuteRewind(ctx context.Context, checkpointID string, mode rewind.Mode) (rewind.ExecuteResult, error) {
	return s.rewind.ExecuteRewind(ctx, s.id, checkpointID, mode, s)
}

// PreviewSelectiveRewind reports what rewinding an arbitrary set of
// messages would change without performing it.
func (s *Session) PreviewSelectiveRewind(ctx context.Context, messageIDs []string) (rewind.PreviewResult, error) {
	return s.rewind.PreviewSelectiveRewind(ctx, s.id, messageIDs, s)
}

// ExecuteSelectiveRewind performs a files-mode rewind against an arbitrary
// set of messages.
func (s *Session) ExecuteSelectiveRewind(ctx context.Context, messageIDs []string) (rewind.ExecuteResult, error) {
	return s.rewind.ExecuteSelectiveRewind(ctx, s.id, messageIDs, s)
}

// Teardown implements sessioncache.Entry: it sets the cleanup barrier,
// cancels the stream consumer, and closes the Query without waiting for
// the stream to drain.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.cleaningUp {
		s.mu.Unlock()
		return
	}
	s.cleaningUp = true
	q := s.query
	cancel := s.streamCancel
	s.query = nil
	s.streamCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if q != nil {
		_ = q.Close()
	}
}

func buildSystemPrompt(sess *store.Session) string {
	if sess.Config.SystemPrompt != "" {
		prompt := sess.Config.SystemPrompt
		if sess.Metadata.Worktree != nil {
			prompt += worktreeIsolationBlock(sess.Metadata.Worktree)
		}
		return prompt
	}
	if sess.Metadata.Worktree != nil {
		return worktreeIsolationBlock(sess.Metadata.Worktree)
	}
	return ""
}

func worktreeIsolationBlock(wt *store.WorktreeInfo) string {
	var b strings.Builder
	b.WriteString("\n\nGit Worktree Isolation:\n")
	fmt.Fprintf(&b, "- Worktree path: %s\n", wt.WorktreePath)
	fmt.Fprintf(&b, "- Branch: %s\n", wt.Branch)
	fmt.Fprintf(&b, "- Main repo path: %s\n", wt.MainRepoPath)
	return b.String()
}

// maxThinkingTokensFor maps a thinking level to the SDK's token budget.
// "auto" and unrecognized levels leave the value unset (zero, ok=false).
func maxThinkingTokensFor(level string) (int, bool) {
	tokens, ok := thinkingTokenMap[level]
	return tokens, ok
}

package websocket

// Action constants for WebSocket messages. These mirror the RPC method
// names and channel topics from the session daemon's external interface:
// every method is registered on the hub as request/reply, every topic is
// a notification pushed to subscribed clients.
const (
	// Health
	ActionHealthCheck = "health.check"

	// Session lifecycle
	ActionSessionCreate          = "session.create"
	ActionSessionList            = "session.list"
	ActionSessionGet             = "session.get"
	ActionSessionValidate        = "session.validate"
	ActionSessionUpdate          = "session.update"
	ActionSessionDelete          = "session.delete"
	ActionSessionArchive         = "session.archive"
	ActionSessionSetWorktreeMode = "session.setWorktreeMode"

	// Messaging and interruption
	ActionMessageSend     = "message.send"
	ActionClientInterrupt = "client.interrupt"

	// Model / coordinator / thinking controls
	ActionSessionModelGet         = "session.model.get"
	ActionSessionModelSwitch      = "session.model.switch"
	ActionSessionThinkingSet      = "session.thinking.set"
	ActionSessionCoordinatorSwitch = "session.coordinator.switch"
	ActionSessionResetQuery       = "session.resetQuery"
	ActionSessionQueryTrigger     = "session.query.trigger"
	ActionSessionMessagesCountByStatus = "session.messages.countByStatus"

	ActionModelsList       = "models.list"
	ActionModelsClearCache = "models.clearCache"

	// State broadcaster snapshot requests (component J)
	ActionGlobalSnapshot = "global.snapshot"
	ActionGlobalSystem   = "global.system"
	ActionGlobalSessions = "global.sessions"
	ActionSessionSnapshot = "session.snapshot"

	ActionAgentGetState = "agent.getState"

	ActionWorktreeCleanup = "worktree.cleanup"

	ActionSDKScan    = "sdk.scan"
	ActionSDKCleanup = "sdk.cleanup"

	ActionFileRead = "file.read"
	ActionFileList = "file.list"
	ActionFileTree = "file.tree"

	// Memory
	ActionMemoryAdd    = "memory.add"
	ActionMemoryList   = "memory.list"
	ActionMemorySearch = "memory.search"
	ActionMemoryRecall = "memory.recall"
	ActionMemoryDelete = "memory.delete"

	// Rewind
	ActionRewindCheckpoints      = "rewind.checkpoints"
	ActionRewindPreview          = "rewind.preview"
	ActionRewindExecute          = "rewind.execute"
	ActionRewindPreviewSelective = "rewind.previewSelective"
	ActionRewindExecuteSelective = "rewind.executeSelective"

	// Channel subscription actions (client -> gateway)
	ActionSessionSubscribe   = "session.subscribe"
	ActionSessionUnsubscribe = "session.unsubscribe"
	ActionRoomSubscribe      = "room.subscribe"
	ActionRoomUnsubscribe    = "room.unsubscribe"

	// Channel topics (gateway -> client notifications)
	TopicSessionUpdated        = "session.updated"
	TopicSessionDeleted        = "session.deleted"
	TopicSessionModelSwitching = "session.model-switching"
	TopicSessionModelSwitched  = "session.model-switched"
	TopicSessionError          = "session.error"
	TopicAgentReset            = "agent.reset"
	TopicRewindStarted         = "rewind.started"
	TopicRewindCompleted       = "rewind.completed"
	TopicRewindFailed          = "rewind.failed"
	TopicBridgeWorkerTerminal  = "bridge.workerTerminal"
	TopicBridgeManagerTerminal = "bridge.managerTerminal"
	TopicBridgeMessagesForwarded = "bridge.messagesForwarded"
	TopicRoomAgentStateChanged = "roomAgent.stateChanged"
	TopicRoomMessage           = "room.message"

	TopicGlobalSessionsDelta = "global.sessions.delta"
	TopicSessionStateDelta   = "state.session.delta"
	TopicSessionSDKMessagesDelta = "session.sdkMessages.delta"
)

// Error codes
const (
	ErrorCodeBadRequest          = "BAD_REQUEST"
	ErrorCodeNotFound            = "NOT_FOUND"
	ErrorCodeInternalError       = "INTERNAL_ERROR"
	ErrorCodeUnauthorized        = "UNAUTHORIZED"
	ErrorCodeForbidden           = "FORBIDDEN"
	ErrorCodeValidation          = "VALIDATION_ERROR"
	ErrorCodeUnknownAction       = "UNKNOWN_ACTION"
	ErrorCodePreconditionFailed  = "PRECONDITION_FAILED"
	ErrorCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrorCodeTimeout             = "TIMEOUT"
	ErrorCodeTransport           = "TRANSPORT_ERROR"
)

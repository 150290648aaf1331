// Package store provides typed, transactional accessors over the daemon's
// persisted tables: sessions, sdk_messages, user_messages, checkpoints,
// memories, rooms, session_pairs, room_agent_states, goals, and tasks.
package store

import "time"

// SessionStatus is the lifecycle status of a Session.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

// WorktreeInfo describes the optional git worktree bound to a session.
type WorktreeInfo struct {
	WorktreePath string `json:"worktreePath,omitempty"`
	MainRepoPath string `json:"mainRepoPath,omitempty"`
	Branch       string `json:"branch,omitempty"`
}

// RecoveryContext tracks an agent session's error-recovery bookkeeping: how
// many consecutive errors it has reported and the latest error. The Session
// Bridge compares RetryCount against its own threshold to decide retry vs.
// escalate.
type RecoveryContext struct {
	RetryCount int    `json:"retryCount"`
	LastError  string `json:"lastError,omitempty"`
}

// SessionMetadata holds the free-form bookkeeping fields of a Session.
type SessionMetadata struct {
	MessageCount    int              `json:"messageCount"`
	RemovedOutputs  int              `json:"removedOutputs"`
	RecoveryContext *RecoveryContext `json:"recoveryContext,omitempty"`
	InputDraft      string           `json:"inputDraft,omitempty"`
	TitleGenerated  bool             `json:"titleGenerated"`
	// ResumeSessionAt holds the checkpoint id a conversation-mode rewind
	// rewound to, not a timestamp despite the name — this is the literal
	// field the external interface exposes as `resumeSessionAt`.
	ResumeSessionAt string        `json:"resumeSessionAt,omitempty"`
	ArchivedAt      *time.Time    `json:"archivedAt,omitempty"`
	Worktree        *WorktreeInfo `json:"worktree,omitempty"`
	// WorktreeMode is either "worktree" or "direct" ("direct" when unset),
	// set via session.setWorktreeMode.
	WorktreeMode string `json:"worktreeMode,omitempty"`
}

// SessionConfig holds the recognized, passthrough session configuration
// fields described by the external interface's session.create/update surface.
type SessionConfig struct {
	Model                   string         `json:"model,omitempty"`
	MaxTokens               int            `json:"maxTokens,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
	Provider                string         `json:"provider,omitempty"`
	ProviderConfig          map[string]any `json:"providerConfig,omitempty"`
	PermissionMode          string         `json:"permissionMode,omitempty"`
	FallbackModel           string         `json:"fallbackModel,omitempty"`
	Agents                  map[string]any `json:"agents,omitempty"`
	Sandbox                 map[string]any `json:"sandbox,omitempty"`
	OutputFormat            string         `json:"outputFormat,omitempty"`
	Betas                   []string       `json:"betas,omitempty"`
	Env                     map[string]string `json:"env,omitempty"`
	MaxBudgetUsd            float64        `json:"maxBudgetUsd,omitempty"`
	SystemPrompt            string         `json:"systemPrompt,omitempty"`
	MCPServers              map[string]any `json:"mcpServers,omitempty"`
	ThinkingLevel           string         `json:"thinkingLevel,omitempty"`
	CoordinatorMode         bool           `json:"coordinatorMode,omitempty"`
	EnableFileCheckpointing *bool          `json:"enableFileCheckpointing,omitempty"`
	SDKToolsPreset          string         `json:"sdkToolsPreset,omitempty"`
	AllowedTools            []string       `json:"allowedTools,omitempty"`
	DisallowedTools         []string       `json:"disallowedTools,omitempty"`
}

// Session is the top-level entity a client creates, queries, and deletes.
type Session struct {
	ID             string          `json:"id" db:"id"`
	Title          string          `json:"title" db:"title"`
	WorkspacePath  string          `json:"workspacePath" db:"workspace_path"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
	LastActiveAt   time.Time       `json:"lastActiveAt" db:"last_active_at"`
	Status         SessionStatus   `json:"status" db:"status"`
	Config         SessionConfig   `json:"config" db:"-"`
	Metadata       SessionMetadata `json:"metadata" db:"-"`
}

// SDKMessageType enumerates the recognized message types in the agent stream.
type SDKMessageType string

const (
	SDKMessageUser          SDKMessageType = "user"
	SDKMessageAssistant     SDKMessageType = "assistant"
	SDKMessageSystem        SDKMessageType = "system"
	SDKMessageResult        SDKMessageType = "result"
	SDKMessageToolProgress  SDKMessageType = "tool_progress"
	SDKMessageStreamEvent   SDKMessageType = "stream_event"
	SDKMessagePermissionReq SDKMessageType = "permission_request"
)

// SDKMessage is a single record in a session's agent message stream.
type SDKMessage struct {
	UUID           string         `json:"uuid" db:"uuid"`
	SessionID      string         `json:"sessionId" db:"session_id"`
	Type           SDKMessageType `json:"type" db:"type"`
	ParentToolUseID string        `json:"parentToolUseId,omitempty" db:"parent_tool_use_id"`
	Content        string         `json:"content" db:"content"`
	ServerTimestamp time.Time     `json:"serverTimestamp" db:"server_timestamp"`
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
}

// UserMessage is a message authored by the human side of a session.
type UserMessage struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"sessionId" db:"session_id"`
	Content   string    `json:"content" db:"content"`
	Images    []string  `json:"images,omitempty" db:"-"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Checkpoint is an immutable record of the start of a turn.
type Checkpoint struct {
	ID             string    `json:"id" db:"id"`
	SessionID      string    `json:"sessionId" db:"session_id"`
	MessagePreview string    `json:"messagePreview" db:"message_preview"`
	TurnNumber     int       `json:"turnNumber" db:"turn_number"`
	Timestamp      time.Time `json:"timestamp" db:"timestamp"`
}

// MemoryType enumerates the recognized memory record types.
type MemoryType string

const (
	MemoryConversation MemoryType = "conversation"
	MemoryTaskResult   MemoryType = "task_result"
	MemoryPreference   MemoryType = "preference"
	MemoryPattern      MemoryType = "pattern"
	MemoryNote         MemoryType = "note"
	MemoryDecision     MemoryType = "decision"
	MemoryError        MemoryType = "error"
	MemorySuccess      MemoryType = "success"
)

// MemoryImportance enumerates the recognized importance levels.
type MemoryImportance string

const (
	ImportanceLow    MemoryImportance = "low"
	ImportanceNormal MemoryImportance = "normal"
	ImportanceHigh   MemoryImportance = "high"
)

// Memory is a per-room tagged record of literal, unranked, unembedded content.
type Memory struct {
	ID             string           `json:"id" db:"id"`
	RoomID         string           `json:"roomId" db:"room_id"`
	Type           MemoryType       `json:"type" db:"type"`
	Content        string           `json:"content" db:"content"`
	Tags           []string         `json:"tags" db:"-"`
	Importance     MemoryImportance `json:"importance" db:"importance"`
	SessionID      string           `json:"sessionId,omitempty" db:"session_id"`
	TaskID         string           `json:"taskId,omitempty" db:"task_id"`
	CreatedAt      time.Time        `json:"createdAt" db:"created_at"`
	LastAccessedAt time.Time        `json:"lastAccessedAt" db:"last_accessed_at"`
	AccessCount    int              `json:"accessCount" db:"access_count"`
}

// Room groups a Worker/Manager session pair under shared path permissions.
type Room struct {
	ID           string   `json:"id" db:"id"`
	Name         string   `json:"name" db:"name"`
	AllowedPaths []string `json:"allowedPaths" db:"-"`
	DefaultPath  string   `json:"defaultPath,omitempty" db:"default_path"`
}

// SessionPairStatus enumerates the recognized statuses of a SessionPair.
type SessionPairStatus string

const (
	PairActive    SessionPairStatus = "active"
	PairIdle      SessionPairStatus = "idle"
	PairCrashed   SessionPairStatus = "crashed"
	PairCompleted SessionPairStatus = "completed"
)

// SessionPair binds a Worker session and a Manager session inside a Room.
type SessionPair struct {
	ID               string            `json:"id" db:"id"`
	RoomID           string            `json:"roomId" db:"room_id"`
	RoomSessionID    string            `json:"roomSessionId" db:"room_session_id"`
	ManagerSessionID string            `json:"managerSessionId" db:"manager_session_id"`
	WorkerSessionID  string            `json:"workerSessionId" db:"worker_session_id"`
	Status           SessionPairStatus `json:"status" db:"status"`
	CurrentTaskID    string            `json:"currentTaskId,omitempty" db:"current_task_id"`
	CreatedAt        time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time         `json:"updatedAt" db:"updated_at"`
}

// RoomLifecycleState enumerates the Room Agent FSM states.
type RoomLifecycleState string

const (
	RoomIdle      RoomLifecycleState = "idle"
	RoomPlanning  RoomLifecycleState = "planning"
	RoomExecuting RoomLifecycleState = "executing"
	RoomWaiting   RoomLifecycleState = "waiting"
	RoomReviewing RoomLifecycleState = "reviewing"
	RoomError     RoomLifecycleState = "error"
	RoomPaused    RoomLifecycleState = "paused"
)

// RoomAgentState is the single state row owned by a Room's Room Agent.
type RoomAgentState struct {
	RoomID              string              `json:"roomId" db:"room_id"`
	LifecycleState      RoomLifecycleState  `json:"lifecycleState" db:"lifecycle_state"`
	CurrentGoalID       string              `json:"currentGoalId,omitempty" db:"current_goal_id"`
	CurrentTaskID       string              `json:"currentTaskId,omitempty" db:"current_task_id"`
	ActiveSessionPairIDs []string           `json:"activeSessionPairIds" db:"-"`
	LastActivityAt      time.Time           `json:"lastActivityAt" db:"last_activity_at"`
	ErrorCount          int                 `json:"errorCount" db:"error_count"`
	LastError           string              `json:"lastError,omitempty" db:"last_error"`
	PendingActions      []string            `json:"pendingActions" db:"-"`
}

// Goal tracks a room's long-lived objective, driving the Room Agent FSM.
type Goal struct {
	ID        string    `json:"id" db:"id"`
	RoomID    string    `json:"roomId" db:"room_id"`
	Title     string    `json:"title" db:"title"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Task is a unit of work assigned within a goal, driving a session pair.
type Task struct {
	ID        string    `json:"id" db:"id"`
	RoomID    string    `json:"roomId" db:"room_id"`
	GoalID    string    `json:"goalId,omitempty" db:"goal_id"`
	Title     string    `json:"title" db:"title"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

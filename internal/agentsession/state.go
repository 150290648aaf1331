// Package agentsession implements the per-session processing-state machine:
// driving a Query transport, persisting its message stream, tracking
// context and errors, and exposing the session-level operations the
// session manager and gateway dispatch into.
package agentsession

import "time"

// Phase further refines the Processing status.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseThinking     Phase = "thinking"
	PhaseStreaming    Phase = "streaming"
	PhaseFinalizing   Phase = "finalizing"
)

// Status is the processing-state machine's outer tag.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusQueued          Status = "queued"
	StatusProcessing      Status = "processing"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusInterrupted     Status = "interrupted"
)

// PendingQuestion describes an outstanding tool permission prompt.
type PendingQuestion struct {
	ToolUseID string    `json:"toolUseId"`
	Questions []string  `json:"questions"`
	AskedAt   time.Time `json:"askedAt"`
}

// ProcessingState is the tagged union described by the processing-state
// machine: exactly one of the optional fields is meaningful, selected by
// Status.
type ProcessingState struct {
	Status             Status           `json:"status"`
	MessageID          string           `json:"messageId,omitempty"`
	Phase              Phase            `json:"phase,omitempty"`
	StreamingStartedAt *time.Time       `json:"streamingStartedAt,omitempty"`
	PendingQuestion    *PendingQuestion `json:"pendingQuestion,omitempty"`
}

// IsTerminal reports whether s is one of the states downstream consumers
// (the Session Bridge, client reconciliation) treat as "not actively
// producing output".
func (s ProcessingState) IsTerminal() bool {
	switch s.Status {
	case StatusIdle, StatusWaitingForInput, StatusInterrupted:
		return true
	default:
		return false
	}
}

func idleState() ProcessingState { return ProcessingState{Status: StatusIdle} }

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sessiond/core/internal/apperr"
)

type roomAgentStateRow struct {
	RoomID               string    `db:"room_id"`
	LifecycleState       string    `db:"lifecycle_state"`
	CurrentGoalID        string    `db:"current_goal_id"`
	CurrentTaskID        string    `db:"current_task_id"`
	ActiveSessionPairIDs string    `db:"active_session_pair_ids"`
	LastActivityAt       time.Time `db:"last_activity_at"`
	ErrorCount           int       `db:"error_count"`
	LastError            string    `db:"last_error"`
	PendingActions       string    `db:"pending_actions"`
}

func (row *roomAgentStateRow) toState() (*RoomAgentState, error) {
	st := &RoomAgentState{
		RoomID:         row.RoomID,
		LifecycleState: RoomLifecycleState(row.LifecycleState),
		CurrentGoalID:  row.CurrentGoalID,
		CurrentTaskID:  row.CurrentTaskID,
		LastActivityAt: row.LastActivityAt,
		ErrorCount:     row.ErrorCount,
		LastError:      row.LastError,
	}
	if row.ActiveSessionPairIDs != "" && row.ActiveSessionPairIDs != "[]" {
		if err := json.Unmarshal([]byte(row.ActiveSessionPairIDs), &st.ActiveSessionPairIDs); err != nil {
			return nil, fmt.Errorf("failed to deserialize active session pair ids: %w", err)
		}
	}
	if row.PendingActions != "" && row.PendingActions != "[]" {
		if err := json.Unmarshal([]byte(row.PendingActions), &st.PendingActions); err != nil {
			return nil, fmt.Errorf("failed to deserialize pending actions: %w", err)
		}
	}
	return st, nil
}

// GetRoomAgentState retrieves the Room Agent's single state row for a room.
// Every room gets one on creation, so a miss here means the room doesn't exist.
func (s *Store) GetRoomAgentState(ctx context.Context, roomID string) (*RoomAgentState, error) {
	var row roomAgentStateRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT room_id, lifecycle_state, current_goal_id, current_task_id, active_session_pair_ids, last_activity_at, error_count, last_error, pending_actions
		FROM room_agent_states WHERE room_id = ?
	`), roomID)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFoundf("Room %s not found", roomID)
	}
	if err != nil {
		return nil, err
	}
	return row.toState()
}

// UpdateRoomAgentState replaces the Room Agent's state row wholesale; the
// FSM computes the next state in memory and persists the full snapshot.
func (s *Store) UpdateRoomAgentState(ctx context.Context, st *RoomAgentState) error {
	st.LastActivityAt = time.Now().UTC()

	pairsJSON, err := json.Marshal(st.ActiveSessionPairIDs)
	if err != nil {
		pairsJSON = []byte("[]")
	}
	actionsJSON, err := json.Marshal(st.PendingActions)
	if err != nil {
		actionsJSON = []byte("[]")
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE room_agent_states SET
			lifecycle_state = ?, current_goal_id = ?, current_task_id = ?,
			active_session_pair_ids = ?, last_activity_at = ?, error_count = ?,
			last_error = ?, pending_actions = ?
		WHERE room_id = ?
	`), string(st.LifecycleState), st.CurrentGoalID, st.CurrentTaskID, string(pairsJSON),
		st.LastActivityAt, st.ErrorCount, st.LastError, string(actionsJSON), st.RoomID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFoundf("Room %s not found", st.RoomID)
	}
	return nil
}

// IncrementRoomErrorCount bumps the room's error count and records the
// latest error message, the counter the FSM compares against its max
// error threshold before transitioning to the error state.
func (s *Store) IncrementRoomErrorCount(ctx context.Context, roomID, lastError string) (int, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE room_agent_states SET error_count = error_count + 1, last_error = ?, last_activity_at = ?
		WHERE room_id = ?
	`), lastError, time.Now().UTC(), roomID)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return 0, apperr.NotFoundf("Room %s not found", roomID)
	}

	var count int
	err = s.ro.GetContext(ctx, &count, s.ro.Rebind(`SELECT error_count FROM room_agent_states WHERE room_id = ?`), roomID)
	return count, err
}

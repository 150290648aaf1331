package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/sessiond/core/internal/apperr"
)

// CreateGoal persists a new room goal.
func (s *Store) CreateGoal(ctx context.Context, g *Goal) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now
	if g.Status == "" {
		g.Status = "open"
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO goals (id, room_id, title, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
	`), g.ID, g.RoomID, g.Title, g.Status, g.CreatedAt, g.UpdatedAt)
	return err
}

// GetGoal retrieves a goal by ID.
func (s *Store) GetGoal(ctx context.Context, id string) (*Goal, error) {
	g := &Goal{}
	err := s.ro.GetContext(ctx, g, s.ro.Rebind(`
		SELECT id, room_id, title, status, created_at, updated_at FROM goals WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFoundf("Goal %s not found", id)
	}
	return g, err
}

// ListGoalsByRoom returns a room's goals, most recently updated first.
func (s *Store) ListGoalsByRoom(ctx context.Context, roomID string) ([]*Goal, error) {
	var goals []*Goal
	err := s.ro.SelectContext(ctx, &goals, s.ro.Rebind(`
		SELECT id, room_id, title, status, created_at, updated_at FROM goals WHERE room_id = ? ORDER BY updated_at DESC
	`), roomID)
	return goals, err
}

// UpdateGoalStatus transitions a goal's status.
func (s *Store) UpdateGoalStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE goals SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFoundf("Goal %s not found", id)
	}
	return nil
}

// CreateTask persists a new task under a room, optionally scoped to a goal.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = "open"
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tasks (id, room_id, goal_id, title, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.RoomID, t.GoalID, t.Title, t.Status, t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	t := &Task{}
	err := s.ro.GetContext(ctx, t, s.ro.Rebind(`
		SELECT id, room_id, goal_id, title, status, created_at, updated_at FROM tasks WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFoundf("Task %s not found", id)
	}
	return t, err
}

// ListTasksByGoal returns a goal's tasks, oldest first.
func (s *Store) ListTasksByGoal(ctx context.Context, goalID string) ([]*Task, error) {
	var tasks []*Task
	err := s.ro.SelectContext(ctx, &tasks, s.ro.Rebind(`
		SELECT id, room_id, goal_id, title, status, created_at, updated_at FROM tasks WHERE goal_id = ? ORDER BY created_at ASC
	`), goalID)
	return tasks, err
}

// UpdateTaskStatus transitions a task's status.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFoundf("Task %s not found", id)
	}
	return nil
}

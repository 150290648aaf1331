package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sessiond/core/internal/db"
)

// Store provides typed, transactional accessors over the daemon's persisted
// tables. It mirrors the teacher repository's writer/reader split: writes go
// through db, reads through ro, so SQLite's single-writer WAL mode never
// blocks concurrent reads.
type Store struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	driver string
}

// New creates a Store backed by pool and initializes its schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader(), driver: pool.Writer().DriverName()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewWithDB creates a Store from explicit writer/reader handles, useful for
// tests that share a single in-memory SQLite connection for both.
func NewWithDB(writer, reader *sqlx.DB) (*Store, error) {
	s := &Store{db: writer, ro: reader, driver: writer.DriverName()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	if err := s.initSessionSchema(); err != nil {
		return err
	}
	if err := s.initMessageSchema(); err != nil {
		return err
	}
	if err := s.initCheckpointSchema(); err != nil {
		return err
	}
	if err := s.initMemorySchema(); err != nil {
		return err
	}
	if err := s.initRoomSchema(); err != nil {
		return err
	}
	if err := s.initGoalTaskSchema(); err != nil {
		return err
	}
	return nil
}

func (s *Store) initSessionSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id              TEXT PRIMARY KEY,
			title           TEXT NOT NULL DEFAULT '',
			workspace_path  TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'pending',
			config          TEXT NOT NULL DEFAULT '{}',
			metadata        TEXT NOT NULL DEFAULT '{}',
			created_at      TIMESTAMP NOT NULL,
			last_active_at  TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
		CREATE INDEX IF NOT EXISTS idx_sessions_last_active_at ON sessions(last_active_at);
	`)
	return err
}

func (s *Store) initMessageSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sdk_messages (
			uuid              TEXT NOT NULL,
			session_id        TEXT NOT NULL,
			type              TEXT NOT NULL,
			parent_tool_use_id TEXT NOT NULL DEFAULT '',
			content           TEXT NOT NULL DEFAULT '',
			server_timestamp  TIMESTAMP NOT NULL,
			created_at        TIMESTAMP NOT NULL,
			PRIMARY KEY (uuid, session_id)
		);
		CREATE INDEX IF NOT EXISTS idx_sdk_messages_session_id ON sdk_messages(session_id, server_timestamp);

		CREATE TABLE IF NOT EXISTS user_messages (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			content     TEXT NOT NULL DEFAULT '',
			images      TEXT NOT NULL DEFAULT '[]',
			created_at  TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_user_messages_session_id ON user_messages(session_id, created_at);
	`)
	return err
}

func (s *Store) initCheckpointSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id               TEXT PRIMARY KEY,
			session_id       TEXT NOT NULL,
			message_preview  TEXT NOT NULL DEFAULT '',
			turn_number      INTEGER NOT NULL,
			timestamp        TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_session_id ON checkpoints(session_id, turn_number);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_checkpoints_session_turn ON checkpoints(session_id, turn_number);
	`)
	return err
}

func (s *Store) initMemorySchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id                TEXT PRIMARY KEY,
			room_id           TEXT NOT NULL,
			type              TEXT NOT NULL,
			content           TEXT NOT NULL,
			tags              TEXT NOT NULL DEFAULT '[]',
			importance        TEXT NOT NULL DEFAULT 'normal',
			session_id        TEXT NOT NULL DEFAULT '',
			task_id           TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMP NOT NULL,
			last_accessed_at  TIMESTAMP NOT NULL,
			access_count      INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_memories_room_id ON memories(room_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_memories_room_type ON memories(room_id, type);
	`)
	return err
}

func (s *Store) initRoomSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS rooms (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL DEFAULT '',
			allowed_paths  TEXT NOT NULL DEFAULT '[]',
			default_path   TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS session_pairs (
			id                  TEXT PRIMARY KEY,
			room_id             TEXT NOT NULL,
			room_session_id     TEXT NOT NULL DEFAULT '',
			manager_session_id  TEXT NOT NULL,
			worker_session_id   TEXT NOT NULL,
			status              TEXT NOT NULL DEFAULT 'active',
			current_task_id     TEXT NOT NULL DEFAULT '',
			created_at          TIMESTAMP NOT NULL,
			updated_at          TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_pairs_room_id ON session_pairs(room_id);

		CREATE TABLE IF NOT EXISTS room_agent_states (
			room_id                 TEXT PRIMARY KEY,
			lifecycle_state         TEXT NOT NULL DEFAULT 'idle',
			current_goal_id         TEXT NOT NULL DEFAULT '',
			current_task_id         TEXT NOT NULL DEFAULT '',
			active_session_pair_ids TEXT NOT NULL DEFAULT '[]',
			last_activity_at        TIMESTAMP NOT NULL,
			error_count             INTEGER NOT NULL DEFAULT 0,
			last_error              TEXT NOT NULL DEFAULT '',
			pending_actions         TEXT NOT NULL DEFAULT '[]'
		);
	`)
	return err
}

func (s *Store) initGoalTaskSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS goals (
			id          TEXT PRIMARY KEY,
			room_id     TEXT NOT NULL,
			title       TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'open',
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_goals_room_id ON goals(room_id);

		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			room_id     TEXT NOT NULL,
			goal_id     TEXT NOT NULL DEFAULT '',
			title       TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'open',
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_room_id ON tasks(room_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_goal_id ON tasks(goal_id);
	`)
	return err
}

// WithTx runs fn inside a single writer transaction, committing on success
// and rolling back on error or panic. Any multi-row write (a cascade delete
// across several tables, for instance) must go through this so a crash or
// failure partway through never leaves orphaned rows behind.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping verifies the writer connection is reachable, for readiness probes.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying writer/reader connections.
func (s *Store) Close() error {
	wErr := s.db.Close()
	if s.ro != s.db {
		if rErr := s.ro.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

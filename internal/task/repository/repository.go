// Package repository owns the task rows and their satellite tables: task
// messages, review comments, system prompt queue, activity logs, and
// security events. All writes are transactional; status transitions go
// through Mutate so a failed write never leaves a task half-changed.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/OpenSourceWTF/waaah/internal/common/errors"
	"github.com/OpenSourceWTF/waaah/internal/common/sqlite"
	"github.com/OpenSourceWTF/waaah/internal/db"
)

// Repository provides persistent task storage.
type Repository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// New creates the repository and initializes its schema.
func New(pool *db.Pool) (*Repository, error) {
	r := &Repository{db: pool.Writer(), ro: pool.Reader()}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize task schema: %w", err)
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		prompt TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'normal',
		from_type TEXT NOT NULL DEFAULT 'user',
		from_id TEXT NOT NULL DEFAULT '',
		from_name TEXT NOT NULL DEFAULT '',
		to_agent_id TEXT NOT NULL DEFAULT '',
		to_role TEXT NOT NULL DEFAULT '',
		to_workspace_id TEXT NOT NULL DEFAULT '',
		required_capabilities TEXT NOT NULL DEFAULT '[]',
		assigned_to TEXT NOT NULL DEFAULT '',
		context TEXT,
		response TEXT,
		dependencies TEXT NOT NULL DEFAULT '[]',
		history TEXT NOT NULL DEFAULT '[]',
		pending_ack_agent_id TEXT NOT NULL DEFAULT '',
		ack_sent_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		last_progress_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_assigned_to ON tasks(assigned_to);
	CREATE INDEX IF NOT EXISTS idx_tasks_workspace ON tasks(to_workspace_id);

	CREATE TABLE IF NOT EXISTS task_messages (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		timestamp TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_task_messages_task ON task_messages(task_id);

	CREATE TABLE IF NOT EXISTS review_comments (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		file_path TEXT NOT NULL DEFAULT '',
		line_number INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		resolved INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_review_comments_task ON review_comments(task_id);

	CREATE TABLE IF NOT EXISTS system_prompts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		prompt_type TEXT NOT NULL,
		message TEXT NOT NULL,
		payload TEXT,
		priority TEXT NOT NULL DEFAULT 'normal',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_system_prompts_agent ON system_prompts(agent_id);

	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		category TEXT NOT NULL,
		message TEXT NOT NULL,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);

	CREATE TABLE IF NOT EXISTS security_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		source TEXT NOT NULL,
		from_id TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL,
		flags TEXT NOT NULL DEFAULT '[]',
		action TEXT NOT NULL
	);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return err
	}
	return r.runMigrations()
}

// runMigrations applies idempotent ALTER TABLE migrations for schema
// evolution on databases created by earlier releases.
func (r *Repository) runMigrations() error {
	if err := sqlite.EnsureColumn(r.db.DB, "tasks", "last_progress_at", "TIMESTAMP"); err != nil {
		return err
	}
	return sqlite.EnsureColumn(r.db.DB, "review_comments", "thread_id", "TEXT NOT NULL DEFAULT ''")
}

// inTx runs fn inside a write transaction, retrying once on failure. The
// single retry is the only internal recovery; after that the error
// surfaces as a PersistenceFailure.
func (r *Repository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		err := r.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		// Application errors are deterministic; retrying cannot help.
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.Code != apperrors.ErrCodeInternalError {
			return err
		}
		lastErr = err
	}
	return apperrors.Internal("database transaction failed", lastErr)
}

func (r *Repository) runTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("rollback failed: %v (after: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/OpenSourceWTF/waaah/internal/common/errors"
	"github.com/OpenSourceWTF/waaah/internal/telemetry"
	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

const taskColumns = `id, status, prompt, priority, from_type, from_id, from_name,
	to_agent_id, to_role, to_workspace_id, required_capabilities, assigned_to,
	context, response, dependencies, history, pending_ack_agent_id, ack_sent_at,
	created_at, completed_at, last_progress_at`

// CreateTask inserts a new task row. The caller supplies status and the
// initial history entry.
func (r *Repository) CreateTask(ctx context.Context, task *v1.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		return insertTask(ctx, tx, task)
	})
}

func insertTask(ctx context.Context, tx *sqlx.Tx, task *v1.Task) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		task.ID, task.Status, task.Prompt, task.Priority,
		task.From.Type, task.From.ID, task.From.Name,
		task.To.AgentID, task.To.Role, task.To.WorkspaceID,
		marshalJSON(task.To.RequiredCapabilities, "[]"),
		task.AssignedTo,
		marshalNullableJSON(task.Context),
		marshalNullableJSON(task.Response),
		marshalJSON(task.Dependencies, "[]"),
		marshalJSON(task.History, "[]"),
		task.PendingAckAgentID,
		nullableTime(task.AckSentAt),
		task.CreatedAt,
		nullableTime(task.CompletedAt),
		nullableTime(task.LastProgressAt),
	)
	return err
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("task", id)
	}
	return task, err
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Statuses    []v1.TaskStatus
	AgentID     string
	WorkspaceID string
	Limit       int
}

// ListTasks returns tasks matching the filter, oldest first.
func (r *Repository) ListTasks(ctx context.Context, filter TaskFilter) ([]*v1.Task, error) {
	ctx, span := telemetry.Tracer("waaah-db").Start(ctx, "db.ListTasks",
		trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.Int("status_count", len(filter.Statuses)))
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(filter.Statuses)-1) + `)`
		for _, s := range filter.Statuses {
			args = append(args, s)
		}
	}
	if filter.AgentID != "" {
		query += ` AND assigned_to = ?`
		args = append(args, filter.AgentID)
	}
	if filter.WorkspaceID != "" {
		query += ` AND to_workspace_id = ?`
		args = append(args, filter.WorkspaceID)
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*v1.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ListByStatus returns all tasks in the given status, oldest first.
func (r *Repository) ListByStatus(ctx context.Context, status v1.TaskStatus) ([]*v1.Task, error) {
	return r.ListTasks(ctx, TaskFilter{Statuses: []v1.TaskStatus{status}})
}

// CountActiveByAgent counts ASSIGNED/IN_PROGRESS tasks held by the agent.
// Drives the PROCESSING connection status.
func (r *Repository) CountActiveByAgent(ctx context.Context, agentID string) (int, error) {
	var n int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(*) FROM tasks WHERE assigned_to = ? AND status IN (?, ?)
	`), agentID, v1.TaskStatusAssigned, v1.TaskStatusInProgress).Scan(&n)
	return n, err
}

// CompletedSet returns which of the given task ids are COMPLETED.
func (r *Repository) CompletedSet(ctx context.Context, ids []string) (map[string]bool, error) {
	result := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT id FROM tasks WHERE status = ? AND id IN (?)`, v1.TaskStatusCompleted, ids)
	if err != nil {
		return nil, err
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result[id] = true
	}
	return result, rows.Err()
}

// ExistingSet returns which of the given task ids exist at all.
func (r *Repository) ExistingSet(ctx context.Context, ids []string) (map[string]bool, error) {
	result := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT id FROM tasks WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result[id] = true
	}
	return result, rows.Err()
}

// Mutate loads the task inside a write transaction, applies fn, and writes
// the full row back. fn returning an error aborts the transaction, so
// status checks and the write are atomic. Returns the updated snapshot.
//
// This is the only write path for status transitions. Only the
// coordinator's reservation path calls it under the coordinator's critical
// section; other transitions rely on the status re-check inside fn.
func (r *Repository) Mutate(ctx context.Context, id string, fn func(task *v1.Task) error) (*v1.Task, error) {
	ctx, span := telemetry.Tracer("waaah-db").Start(ctx, "db.MutateTask",
		trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("task_id", id))
	defer span.End()

	var updated *v1.Task
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		row := tx.QueryRowContext(ctx, tx.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
		task, err := scanTask(row)
		if err == sql.ErrNoRows {
			return apperrors.NotFound("task", id)
		}
		if err != nil {
			return err
		}
		if err := fn(task); err != nil {
			return err
		}
		if err := updateTask(ctx, tx, task); err != nil {
			return err
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func updateTask(ctx context.Context, tx *sqlx.Tx, task *v1.Task) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET status = ?, prompt = ?, priority = ?,
			to_agent_id = ?, to_role = ?, to_workspace_id = ?, required_capabilities = ?,
			assigned_to = ?, context = ?, response = ?, dependencies = ?, history = ?,
			pending_ack_agent_id = ?, ack_sent_at = ?, completed_at = ?, last_progress_at = ?
		WHERE id = ?
	`),
		task.Status, task.Prompt, task.Priority,
		task.To.AgentID, task.To.Role, task.To.WorkspaceID,
		marshalJSON(task.To.RequiredCapabilities, "[]"),
		task.AssignedTo,
		marshalNullableJSON(task.Context),
		marshalNullableJSON(task.Response),
		marshalJSON(task.Dependencies, "[]"),
		marshalJSON(task.History, "[]"),
		task.PendingAckAgentID,
		nullableTime(task.AckSentAt),
		nullableTime(task.CompletedAt),
		nullableTime(task.LastProgressAt),
		task.ID,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*v1.Task, error) {
	task := &v1.Task{}
	var requiredCapabilities, dependencies, history string
	var taskContext, response sql.NullString
	var ackSentAt, completedAt, lastProgressAt sql.NullTime

	err := row.Scan(
		&task.ID, &task.Status, &task.Prompt, &task.Priority,
		&task.From.Type, &task.From.ID, &task.From.Name,
		&task.To.AgentID, &task.To.Role, &task.To.WorkspaceID,
		&requiredCapabilities, &task.AssignedTo,
		&taskContext, &response, &dependencies, &history,
		&task.PendingAckAgentID, &ackSentAt,
		&task.CreatedAt, &completedAt, &lastProgressAt,
	)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(requiredCapabilities), &task.To.RequiredCapabilities)
	_ = json.Unmarshal([]byte(dependencies), &task.Dependencies)
	_ = json.Unmarshal([]byte(history), &task.History)
	if taskContext.Valid && taskContext.String != "" {
		_ = json.Unmarshal([]byte(taskContext.String), &task.Context)
	}
	if response.Valid && response.String != "" {
		task.Response = &v1.TaskResponse{}
		_ = json.Unmarshal([]byte(response.String), task.Response)
	}
	if ackSentAt.Valid {
		t := ackSentAt.Time
		task.AckSentAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if lastProgressAt.Valid {
		t := lastProgressAt.Time
		task.LastProgressAt = &t
	}
	return task, nil
}

func marshalJSON(v interface{}, fallback string) string {
	raw, err := json.Marshal(v)
	if err != nil || v == nil {
		return fallback
	}
	s := string(raw)
	if s == "null" {
		return fallback
	}
	return s
}

func marshalNullableJSON(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if string(raw) == "null" {
		return nil
	}
	return string(raw)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

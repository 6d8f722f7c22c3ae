package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

// AddMessage appends one entry to a task's conversation log.
func (r *Repository) AddMessage(ctx context.Context, msg *v1.TaskMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO task_messages (id, task_id, role, content, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`), msg.ID, msg.TaskID, msg.Role, msg.Content, marshalNullableJSON(msg.Metadata), msg.Timestamp)
	return err
}

// ListMessages returns a task's conversation log, oldest first.
func (r *Repository) ListMessages(ctx context.Context, taskID string) ([]*v1.TaskMessage, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, task_id, role, content, metadata, timestamp
		FROM task_messages WHERE task_id = ? ORDER BY timestamp ASC, id ASC
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var messages []*v1.TaskMessage
	for rows.Next() {
		msg := &v1.TaskMessage{}
		var metadata sql.NullString
		if err := rows.Scan(&msg.ID, &msg.TaskID, &msg.Role, &msg.Content, &metadata, &msg.Timestamp); err != nil {
			return nil, err
		}
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &msg.Metadata)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

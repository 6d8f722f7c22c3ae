package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

// QueueSystemPrompt inserts a system prompt row. AgentID "*" is a
// broadcast row consumable by any agent.
func (r *Repository) QueueSystemPrompt(ctx context.Context, prompt *v1.SystemPrompt) error {
	if prompt.CreatedAt.IsZero() {
		prompt.CreatedAt = time.Now().UTC()
	}
	if prompt.Priority == "" {
		prompt.Priority = v1.PriorityNormal
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO system_prompts (agent_id, prompt_type, message, payload, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), prompt.AgentID, prompt.PromptType, prompt.Message,
		marshalNullableJSON(prompt.Payload), prompt.Priority, prompt.CreatedAt)
	if err != nil {
		return err
	}
	prompt.ID, _ = res.LastInsertId()
	return nil
}

// PopSystemPrompt atomically selects and deletes the next prompt for the
// agent: the oldest agent-specific row first, else the oldest broadcast
// ("*") row. Each row is consumed at most once.
func (r *Repository) PopSystemPrompt(ctx context.Context, agentID string) (*v1.SystemPrompt, error) {
	var popped *v1.SystemPrompt
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		row := tx.QueryRowContext(ctx, tx.Rebind(`
			SELECT id, agent_id, prompt_type, message, payload, priority, created_at
			FROM system_prompts
			WHERE agent_id = ? OR agent_id = '*'
			ORDER BY CASE WHEN agent_id = ? THEN 0 ELSE 1 END, created_at ASC, id ASC
			LIMIT 1
		`), agentID, agentID)

		prompt := &v1.SystemPrompt{}
		var payload sql.NullString
		err := row.Scan(&prompt.ID, &prompt.AgentID, &prompt.PromptType, &prompt.Message,
			&payload, &prompt.Priority, &prompt.CreatedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if payload.Valid && payload.String != "" {
			_ = json.Unmarshal([]byte(payload.String), &prompt.Payload)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM system_prompts WHERE id = ?`), prompt.ID); err != nil {
			return err
		}
		popped = prompt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return popped, nil
}

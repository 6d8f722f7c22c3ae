package repository

import (
	"context"
	"encoding/json"
	"time"

	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

// maxStoredPromptLen bounds the prompt excerpt kept in security events.
const maxStoredPromptLen = 500

// RecordSecurityEvent persists the screening outcome of one inbound prompt.
func (r *Repository) RecordSecurityEvent(ctx context.Context, event *v1.SecurityEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	prompt := event.Prompt
	if runes := []rune(prompt); len(runes) > maxStoredPromptLen {
		prompt = string(runes[:maxStoredPromptLen])
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO security_events (timestamp, source, from_id, prompt, flags, action)
		VALUES (?, ?, ?, ?, ?, ?)
	`), event.Timestamp, event.Source, event.FromID, prompt, marshalJSON(event.Flags, "[]"), event.Action)
	if err != nil {
		return err
	}
	event.ID, _ = res.LastInsertId()
	return nil
}

// ListSecurityEvents returns recent security events, newest first.
func (r *Repository) ListSecurityEvents(ctx context.Context, limit int) ([]*v1.SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, timestamp, source, from_id, prompt, flags, action
		FROM security_events ORDER BY timestamp DESC, id DESC LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*v1.SecurityEvent
	for rows.Next() {
		event := &v1.SecurityEvent{}
		var flags string
		if err := rows.Scan(&event.ID, &event.Timestamp, &event.Source, &event.FromID,
			&event.Prompt, &flags, &event.Action); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(flags), &event.Flags)
		events = append(events, event)
	}
	return events, rows.Err()
}

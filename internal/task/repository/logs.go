package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

// AppendLog writes one durable activity entry.
func (r *Repository) AppendLog(ctx context.Context, category, message string, metadata map[string]interface{}) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO logs (timestamp, category, message, metadata) VALUES (?, ?, ?, ?)
	`), time.Now().UTC(), category, message, marshalNullableJSON(metadata))
	return err
}

// ListLogs returns recent log entries, newest first. Category "" matches all.
func (r *Repository) ListLogs(ctx context.Context, category string, limit int) ([]*v1.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, timestamp, category, message, metadata FROM logs`
	var args []interface{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*v1.LogEntry
	for rows.Next() {
		entry := &v1.LogEntry{}
		var metadata sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Category, &entry.Message, &metadata); err != nil {
			return nil, err
		}
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &entry.Metadata)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// TruncateLogsBefore deletes log entries older than the cutoff. Returns the
// number of rows removed.
func (r *Repository) TruncateLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM logs WHERE timestamp < ?`), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

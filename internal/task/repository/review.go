package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/OpenSourceWTF/waaah/internal/common/errors"
	"github.com/OpenSourceWTF/waaah/internal/common/sqlite"
	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

// AddReviewComment inserts a review comment for a task.
func (r *Repository) AddReviewComment(ctx context.Context, comment *v1.ReviewComment) error {
	if comment.ID == "" {
		comment.ID = uuid.New().String()
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO review_comments (id, task_id, file_path, line_number, content, thread_id, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), comment.ID, comment.TaskID, comment.FilePath, comment.LineNumber, comment.Content,
		comment.ThreadID, sqlite.BoolToInt(comment.Resolved), comment.CreatedAt)
	return err
}

// ListReviewComments returns a task's review comments, oldest first.
func (r *Repository) ListReviewComments(ctx context.Context, taskID string) ([]*v1.ReviewComment, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, task_id, file_path, line_number, content, thread_id, resolved, created_at
		FROM review_comments WHERE task_id = ? ORDER BY created_at ASC, id ASC
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var comments []*v1.ReviewComment
	for rows.Next() {
		comment := &v1.ReviewComment{}
		var resolved int
		if err := rows.Scan(&comment.ID, &comment.TaskID, &comment.FilePath, &comment.LineNumber,
			&comment.Content, &comment.ThreadID, &resolved, &comment.CreatedAt); err != nil {
			return nil, err
		}
		comment.Resolved = resolved != 0
		comments = append(comments, comment)
	}
	return comments, rows.Err()
}

// ResolveReviewComment marks a comment resolved.
func (r *Repository) ResolveReviewComment(ctx context.Context, commentID string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE review_comments SET resolved = 1 WHERE id = ?`), commentID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("review comment", commentID)
	}
	return nil
}

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/OpenSourceWTF/waaah/internal/common/errors"
	"github.com/OpenSourceWTF/waaah/internal/db"
	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

// Store persists agent rows and their aliases. Only the registry talks to it.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewStore creates the store and initializes its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize agents schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		capabilities TEXT NOT NULL DEFAULT '[]',
		workspace_context TEXT,
		color TEXT NOT NULL DEFAULT '',
		last_seen INTEGER NOT NULL DEFAULT 0,
		waiting_since INTEGER,
		eviction_requested INTEGER NOT NULL DEFAULT 0,
		eviction_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS aliases (
		alias TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id)
	);
	CREATE INDEX IF NOT EXISTS idx_aliases_alias ON aliases(alias);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert inserts or updates an agent row and merges its aliases.
func (s *Store) Upsert(ctx context.Context, agent *v1.Agent) error {
	capabilities, err := json.Marshal(agent.Capabilities)
	if err != nil {
		capabilities = []byte("[]")
	}
	var workspace interface{}
	if agent.Workspace != nil {
		raw, err := json.Marshal(agent.Workspace)
		if err != nil {
			return fmt.Errorf("failed to encode workspace context: %w", err)
		}
		workspace = string(raw)
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agents (id, display_name, capabilities, workspace_context, color, last_seen, eviction_requested, eviction_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			capabilities = excluded.capabilities,
			workspace_context = excluded.workspace_context,
			color = excluded.color,
			last_seen = excluded.last_seen,
			eviction_requested = 0,
			eviction_reason = '',
			updated_at = excluded.updated_at
	`), agent.ID, agent.DisplayName, string(capabilities), workspace, agent.Color, agent.LastSeen, now, now)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	for _, alias := range agent.Aliases {
		alias = strings.ToLower(strings.TrimSpace(alias))
		if alias == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO aliases (alias, agent_id) VALUES (?, ?)
			ON CONFLICT(alias) DO UPDATE SET agent_id = excluded.agent_id
		`), alias, agent.ID); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// Get returns an agent by id.
func (s *Store) Get(ctx context.Context, id string) (*v1.Agent, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, display_name, capabilities, workspace_context, color, last_seen, waiting_since, eviction_requested, eviction_reason
		FROM agents WHERE id = ?
	`), id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	agent.Aliases, err = s.aliasesOf(ctx, id)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// GetByAlias resolves a lowercased alias to an agent id.
func (s *Store) GetByAlias(ctx context.Context, alias string) (string, error) {
	var id string
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT agent_id FROM aliases WHERE alias = ?`), strings.ToLower(alias)).Scan(&id)
	if err == sql.ErrNoRows {
		return "", apperrors.NotFound("agent alias", alias)
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// List returns all agent rows.
func (s *Store) List(ctx context.Context) ([]*v1.Agent, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, display_name, capabilities, workspace_context, color, last_seen, waiting_since, eviction_requested, eviction_reason
		FROM agents ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []*v1.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, agent := range agents {
		if agent.Aliases, err = s.aliasesOf(ctx, agent.ID); err != nil {
			return nil, err
		}
	}
	return agents, nil
}

// Count returns the number of known agents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n)
	return n, err
}

// UpdateLastSeen writes the lastSeen timestamp (unix ms).
func (s *Store) UpdateLastSeen(ctx context.Context, id string, ms int64) error {
	return s.exec(ctx, `UPDATE agents SET last_seen = ?, updated_at = ? WHERE id = ?`, ms, time.Now().UTC(), id)
}

// SetWaitingSince writes (or clears, with nil) the waiting flag.
func (s *Store) SetWaitingSince(ctx context.Context, id string, ms *int64) error {
	var value interface{}
	if ms != nil {
		value = *ms
	}
	return s.exec(ctx, `UPDATE agents SET waiting_since = ?, updated_at = ? WHERE id = ?`, value, time.Now().UTC(), id)
}

// ClearStaleWaiting clears waiting flags older than the cutoff, except for
// the given live agent ids. Safety net only; the coordinator owns the flag.
func (s *Store) ClearStaleWaiting(ctx context.Context, cutoffMs int64, live []string) (int64, error) {
	query := `UPDATE agents SET waiting_since = NULL WHERE waiting_since IS NOT NULL AND waiting_since < ?`
	args := []interface{}{cutoffMs}
	if len(live) > 0 {
		q, a, err := sqlx.In(query+` AND id NOT IN (?)`, cutoffMs, live)
		if err != nil {
			return 0, err
		}
		query, args = q, a
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetEviction marks the agent as eviction-requested.
func (s *Store) SetEviction(ctx context.Context, id, reason string) error {
	return s.exec(ctx, `UPDATE agents SET eviction_requested = 1, eviction_reason = ?, updated_at = ? WHERE id = ?`, reason, time.Now().UTC(), id)
}

// ClearEviction clears the eviction flag.
func (s *Store) ClearEviction(ctx context.Context, id string) error {
	return s.exec(ctx, `UPDATE agents SET eviction_requested = 0, eviction_reason = '', updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("agent", fmt.Sprintf("%v", args[len(args)-1]))
	}
	return nil
}

func (s *Store) aliasesOf(ctx context.Context, id string) ([]string, error) {
	var aliases []string
	err := s.ro.SelectContext(ctx, &aliases, s.ro.Rebind(`SELECT alias FROM aliases WHERE agent_id = ? ORDER BY alias`), id)
	return aliases, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*v1.Agent, error) {
	agent := &v1.Agent{}
	var capabilities string
	var workspace sql.NullString
	var waitingSince sql.NullInt64
	var evictionRequested int
	err := row.Scan(&agent.ID, &agent.DisplayName, &capabilities, &workspace, &agent.Color,
		&agent.LastSeen, &waitingSince, &evictionRequested, &agent.EvictionReason)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(capabilities), &agent.Capabilities)
	if workspace.Valid && workspace.String != "" {
		agent.Workspace = &v1.WorkspaceContext{}
		_ = json.Unmarshal([]byte(workspace.String), agent.Workspace)
	}
	if waitingSince.Valid {
		ms := waitingSince.Int64
		agent.WaitingSince = &ms
	}
	agent.EvictionRequested = evictionRequested != 0
	return agent, nil
}

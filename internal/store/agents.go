package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// AgentRecord is the durable view of an agent. It carries enough to
// rebuild the registry entry and resume the CLI session after a restart.
type AgentRecord struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	ParentID      string    `db:"parent_id"`
	Depth         int       `db:"depth"`
	Role          string    `db:"role"`
	Capabilities  []string  `db:"-"`
	Model         string    `db:"model"`
	MaxTurns      int       `db:"max_turns"`
	WorkspaceDir  string    `db:"workspace_dir"`
	Status        string    `db:"status"`
	SessionID     string    `db:"session_id"`
	CurrentTask   string    `db:"current_task"`
	TokensIn      int64     `db:"tokens_in"`
	TokensOut     int64     `db:"tokens_out"`
	EstimatedCost float64   `db:"estimated_cost"`
	CreatedAt     time.Time `db:"created_at"`
	LastActivity  time.Time `db:"last_activity"`
}

type agentRow struct {
	AgentRecord
	CapabilitiesJSON string `db:"capabilities"`
}

// Store wraps the agents table.
type Store struct {
	db *sqlx.DB
}

// New creates the store and its schema.
func New(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("agents schema init: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		parent_id      TEXT NOT NULL DEFAULT '',
		depth          INTEGER NOT NULL DEFAULT 0,
		role           TEXT NOT NULL DEFAULT '',
		capabilities   TEXT NOT NULL DEFAULT '[]',
		model          TEXT NOT NULL DEFAULT '',
		max_turns      INTEGER NOT NULL DEFAULT 0,
		workspace_dir  TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT '',
		session_id     TEXT NOT NULL DEFAULT '',
		current_task   TEXT NOT NULL DEFAULT '',
		tokens_in      INTEGER NOT NULL DEFAULT 0,
		tokens_out     INTEGER NOT NULL DEFAULT 0,
		estimated_cost REAL NOT NULL DEFAULT 0,
		created_at     TIMESTAMP NOT NULL,
		last_activity  TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_parent ON agents(parent_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save inserts or replaces an agent record.
func (s *Store) Save(ctx context.Context, rec *AgentRecord) error {
	caps, err := json.Marshal(rec.Capabilities)
	if err != nil {
		caps = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO agents
		(id, name, parent_id, depth, role, capabilities, model, max_turns,
		 workspace_dir, status, session_id, current_task,
		 tokens_in, tokens_out, estimated_cost, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.ParentID, rec.Depth, rec.Role, string(caps),
		rec.Model, rec.MaxTurns, rec.WorkspaceDir, rec.Status, rec.SessionID,
		rec.CurrentTask, rec.TokensIn, rec.TokensOut, rec.EstimatedCost,
		rec.CreatedAt.UTC(), rec.LastActivity.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

// Get loads one record by id.
func (s *Store) Get(ctx context.Context, id string) (*AgentRecord, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM agents WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent not found: %s", id)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return row.toRecord(), nil
}

// List returns all records ordered by creation time.
func (s *Store) List(ctx context.Context) ([]*AgentRecord, error) {
	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM agents ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]*AgentRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out, nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

func (r *agentRow) toRecord() *AgentRecord {
	rec := r.AgentRecord
	if r.CapabilitiesJSON != "" {
		_ = json.Unmarshal([]byte(r.CapabilitiesJSON), &rec.Capabilities)
	}
	return &rec
}

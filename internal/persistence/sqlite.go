package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the session tab storage interface.
type Store interface {
	CreateTab(ctx context.Context, tab *SessionTab) error
	GetTab(ctx context.Context, id string) (*SessionTab, error)
	FindTabByIdempotencyKey(ctx context.Context, workspaceID, key string) (*SessionTab, error)
	ListTabs(ctx context.Context, workspaceID string) ([]*SessionTab, error)
	UpdateTabState(ctx context.Context, id, state string) error
	UpdateAcpSession(ctx context.Context, id, acpSessionID, agentType string) error
	UpdateLastPrompt(ctx context.Context, id, preview string) error
	DeleteTab(ctx context.Context, id string) error
	Close() error
}

// SQLiteStore provides SQLite-based tab storage.
type SQLiteStore struct {
	db *sql.DB
}

// DB exposes the underlying handle so the report outbox can share the
// single-writer connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath and ensures
// the schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_tabs (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		title TEXT DEFAULT '',
		agent_type TEXT DEFAULT '',
		acp_session_id TEXT DEFAULT '',
		state TEXT DEFAULT 'active',
		idempotency_key TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_prompt_at DATETIME,
		last_prompt TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_session_tabs_workspace_id ON session_tabs(workspace_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_session_tabs_idempotency
		ON session_tabs(workspace_id, idempotency_key)
		WHERE idempotency_key != '';
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTab inserts a new tab, assigning an id when missing.
func (s *SQLiteStore) CreateTab(ctx context.Context, tab *SessionTab) error {
	if tab.ID == "" {
		tab.ID = uuid.New().String()
	}
	if tab.State == "" {
		tab.State = TabStateActive
	}
	now := time.Now().UTC()
	tab.CreatedAt = now
	tab.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_tabs (id, workspace_id, title, agent_type, acp_session_id, state, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tab.ID, tab.WorkspaceID, tab.Title, tab.AgentType, tab.AcpSessionID, tab.State, tab.IdempotencyKey, tab.CreatedAt, tab.UpdatedAt)

	return err
}

// GetTab retrieves a tab by id.
func (s *SQLiteStore) GetTab(ctx context.Context, id string) (*SessionTab, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, title, agent_type, acp_session_id, state, idempotency_key, created_at, updated_at, last_prompt_at, last_prompt
		FROM session_tabs WHERE id = ?
	`, id)
	tab, err := scanTab(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tab not found: %s", id)
	}
	return tab, err
}

// FindTabByIdempotencyKey returns the tab a previous create call with the
// same key produced, or nil when the key is unseen.
func (s *SQLiteStore) FindTabByIdempotencyKey(ctx context.Context, workspaceID, key string) (*SessionTab, error) {
	if key == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, title, agent_type, acp_session_id, state, idempotency_key, created_at, updated_at, last_prompt_at, last_prompt
		FROM session_tabs WHERE workspace_id = ? AND idempotency_key = ?
	`, workspaceID, key)
	tab, err := scanTab(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tab, err
}

// ListTabs returns every tab for a workspace, oldest first.
func (s *SQLiteStore) ListTabs(ctx context.Context, workspaceID string) ([]*SessionTab, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, title, agent_type, acp_session_id, state, idempotency_key, created_at, updated_at, last_prompt_at, last_prompt
		FROM session_tabs WHERE workspace_id = ? ORDER BY created_at
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SessionTab
	for rows.Next() {
		tab, err := scanTab(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tab)
	}
	return result, rows.Err()
}

// UpdateTabState transitions a tab between active and suspended.
func (s *SQLiteStore) UpdateTabState(ctx context.Context, id, state string) error {
	return s.updateTab(ctx, id, `UPDATE session_tabs SET state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now().UTC(), id)
}

// UpdateAcpSession records the agent-assigned session id and the agent
// type that owns it. Called after every successful session/new.
func (s *SQLiteStore) UpdateAcpSession(ctx context.Context, id, acpSessionID, agentType string) error {
	return s.updateTab(ctx, id, `UPDATE session_tabs SET acp_session_id = ?, agent_type = ?, updated_at = ? WHERE id = ?`,
		acpSessionID, agentType, time.Now().UTC(), id)
}

// UpdateLastPrompt stamps the last prompt time and stores a short preview
// of the prompt text for session list display. The preview is capped at
// 200 characters.
func (s *SQLiteStore) UpdateLastPrompt(ctx context.Context, id, preview string) error {
	if len(preview) > 200 {
		preview = preview[:200]
	}
	now := time.Now().UTC()
	return s.updateTab(ctx, id, `UPDATE session_tabs SET last_prompt_at = ?, last_prompt = ?, updated_at = ? WHERE id = ?`,
		now, preview, now, id)
}

// DeleteTab removes a tab.
func (s *SQLiteStore) DeleteTab(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM session_tabs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("tab not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) updateTab(ctx context.Context, id, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("tab not found: %s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTab(row rowScanner) (*SessionTab, error) {
	tab := &SessionTab{}
	var lastPromptAt sql.NullTime
	err := row.Scan(&tab.ID, &tab.WorkspaceID, &tab.Title, &tab.AgentType, &tab.AcpSessionID,
		&tab.State, &tab.IdempotencyKey, &tab.CreatedAt, &tab.UpdatedAt, &lastPromptAt, &tab.LastPrompt)
	if err != nil {
		return nil, err
	}
	if lastPromptAt.Valid {
		tab.LastPromptAt = lastPromptAt.Time
	}
	return tab, nil
}

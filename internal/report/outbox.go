package report

import "database/sql"

// migrateOutbox creates the outbox table. The UNIQUE message_id constraint
// is what makes Enqueue idempotent across crash recovery.
func migrateOutbox(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS message_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_metadata TEXT,
		created_at TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		last_attempt_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_message_outbox_created_at ON message_outbox(created_at);
	`
	_, err := db.Exec(schema)
	return err
}

package database

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the sql.DB connection and provides access to stores
type DB struct {
	*sql.DB
	Emails      *EmailStore
	Suggestions *SuggestionStore
	WaitingFor  *WaitingForStore
	Senders     *SenderProfileStore
	State       *AgentStateStore
	Audit       *AuditStore
	TaskSync    *TaskSyncStore
}

// Open opens a database connection, initializes the schema, and wires
// up the typed stores. The database file is restricted to owner-only
// permissions and opened in WAL mode so UI readers never block the
// triage writer.
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if dbPath != ":memory:" {
		if err := os.Chmod(dbPath, 0o600); err != nil {
			return nil, fmt.Errorf("failed to restrict database permissions: %w", err)
		}
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	database := &DB{
		DB:          db,
		Emails:      NewEmailStore(db),
		Suggestions: NewSuggestionStore(db),
		WaitingFor:  NewWaitingForStore(db),
		Senders:     NewSenderProfileStore(db),
		State:       NewAgentStateStore(db),
		Audit:       NewAuditStore(db),
		TaskSync:    NewTaskSyncStore(db),
	}

	if err := database.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return database, nil
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS emails (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL DEFAULT '',
		conversation_index TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		sender_email TEXT NOT NULL DEFAULT '',
		sender_name TEXT NOT NULL DEFAULT '',
		received_at DATETIME NOT NULL,
		snippet TEXT NOT NULL DEFAULT '',
		current_folder TEXT NOT NULL DEFAULT '',
		importance TEXT NOT NULL DEFAULT 'normal',
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		flag_status TEXT NOT NULL DEFAULT 'notFlagged',
		has_user_reply BOOLEAN NOT NULL DEFAULT FALSE,
		inherited_folder TEXT NOT NULL DEFAULT '',
		processed_at DATETIME,
		classification_status TEXT NOT NULL DEFAULT 'pending',
		classification_attempts INTEGER NOT NULL DEFAULT 0
			CHECK (classification_attempts >= 0)
	);

	CREATE TABLE IF NOT EXISTS suggestions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email_id TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		suggested_folder TEXT NOT NULL,
		suggested_priority TEXT NOT NULL,
		suggested_action_type TEXT NOT NULL,
		confidence REAL NOT NULL,
		reasoning TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		approved_folder TEXT,
		approved_priority TEXT,
		approved_action_type TEXT,
		resolved_at DATETIME,
		FOREIGN KEY (email_id) REFERENCES emails(id)
	);

	CREATE TABLE IF NOT EXISTS waiting_for (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		waiting_since DATETIME NOT NULL,
		expected_from TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'waiting',
		nudge_after_hours INTEGER NOT NULL DEFAULT 0,
		resolved_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS sender_profiles (
		email TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT 'unknown',
		default_folder TEXT NOT NULL DEFAULT '',
		email_count INTEGER NOT NULL DEFAULT 0,
		last_seen DATETIME NOT NULL,
		auto_rule_candidate BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS agent_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS llm_request_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		model TEXT NOT NULL,
		request_type TEXT NOT NULL,
		prompt TEXT NOT NULL,
		response TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS action_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		email_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		triggered_by TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS task_sync (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (email_id) REFERENCES emails(id)
	);

	CREATE INDEX IF NOT EXISTS idx_emails_conversation ON emails(conversation_id, received_at);
	CREATE INDEX IF NOT EXISTS idx_emails_sender ON emails(sender_email, received_at);
	CREATE INDEX IF NOT EXISTS idx_emails_classification ON emails(classification_status);
	CREATE INDEX IF NOT EXISTS idx_suggestions_email ON suggestions(email_id);
	CREATE INDEX IF NOT EXISTS idx_suggestions_status ON suggestions(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_waiting_for_status ON waiting_for(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_waiting_for_active
		ON waiting_for(conversation_id) WHERE status = 'waiting';
	CREATE INDEX IF NOT EXISTS idx_llm_request_log_cycle ON llm_request_log(cycle_id);
	CREATE INDEX IF NOT EXISTS idx_action_log_timestamp ON action_log(timestamp);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_task_sync_active
		ON task_sync(email_id) WHERE status = 'active';
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// UpdateEmailID migrates an email primary key from a mutable provider
// id to its immutable form, cascading through suggestions and task_sync
// in a single transaction.
func (db *DB) UpdateEmailID(oldID, newID string) error {
	if oldID == newID {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Will be ignored if tx.Commit() succeeds

	// FK checks must be deferred so the parent key can change before
	// the child rows catch up.
	if _, err := tx.Exec("PRAGMA defer_foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to defer foreign keys: %w", err)
	}

	result, err := tx.Exec("UPDATE emails SET id = ? WHERE id = ?", newID, oldID)
	if err != nil {
		return fmt.Errorf("failed to update email id: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return sql.ErrNoRows
	}

	if _, err := tx.Exec("UPDATE suggestions SET email_id = ? WHERE email_id = ?", newID, oldID); err != nil {
		return fmt.Errorf("failed to update suggestion references: %w", err)
	}
	if _, err := tx.Exec("UPDATE task_sync SET email_id = ? WHERE email_id = ?", newID, oldID); err != nil {
		return fmt.Errorf("failed to update task_sync references: %w", err)
	}
	if _, err := tx.Exec("UPDATE waiting_for SET email_id = ? WHERE email_id = ?", newID, oldID); err != nil {
		return fmt.Errorf("failed to update waiting_for references: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit id migration: %w", err)
	}

	return nil
}

// IsHealthy checks if the database connection is healthy
func (db *DB) IsHealthy() error {
	return db.Ping()
}

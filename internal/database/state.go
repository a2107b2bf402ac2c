package database

import (
	"database/sql"
	"fmt"
	"time"
)

// AgentStateStore is the opaque key/value store for cursors, cooldowns,
// and learned preferences. Process-wide state lives here rather than in
// in-process singletons so a restart resumes where the last run left
// off.
type AgentStateStore struct {
	db *sql.DB
}

func NewAgentStateStore(db *sql.DB) *AgentStateStore {
	return &AgentStateStore{db: db}
}

// Get returns the value for a key, or "" when the key is unset.
func (s *AgentStateStore) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM agent_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read agent state %q: %w", key, err)
	}
	return value, nil
}

// Set upserts a key.
func (s *AgentStateStore) Set(key, value string) error {
	query := `
		INSERT INTO agent_state (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.Exec(query, key, value); err != nil {
		return fmt.Errorf("failed to write agent state %q: %w", key, err)
	}
	return nil
}

// GetTime reads a key holding an RFC3339 timestamp. The zero time is
// returned for unset or unparseable values.
func (s *AgentStateStore) GetTime(key string) (time.Time, error) {
	value, err := s.Get(key)
	if err != nil || value == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

// SetTime writes a key as an RFC3339 timestamp.
func (s *AgentStateStore) SetTime(key string, t time.Time) error {
	return s.Set(key, t.UTC().Format(time.RFC3339))
}

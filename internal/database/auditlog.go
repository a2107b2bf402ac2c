package database

import (
	"database/sql"
	"fmt"
	"time"
)

// AuditStore owns the two append-only audit trails: llm_request_log and
// action_log. Both are keyed by cycle correlation id.
type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// LogLLMRequest appends one LLM round-trip.
func (s *AuditStore) LogLLMRequest(entry *LLMRequestLog) error {
	query := `INSERT INTO llm_request_log (
			cycle_id, model, request_type, prompt, response,
			input_tokens, output_tokens, duration_ms, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.Exec(query, entry.CycleID, entry.Model,
		entry.RequestType, entry.Prompt, entry.Response,
		entry.InputTokens, entry.OutputTokens, entry.DurationMS, entry.Error)
	if err != nil {
		return fmt.Errorf("failed to log LLM request: %w", err)
	}
	entry.ID, _ = result.LastInsertId()
	return nil
}

// LogAction appends one applied mail-store side effect.
func (s *AuditStore) LogAction(entry *ActionLog) error {
	query := `INSERT INTO action_log (
			cycle_id, email_id, action, detail, triggered_by
		) VALUES (?, ?, ?, ?, ?)`

	result, err := s.db.Exec(query, entry.CycleID, entry.EmailID,
		entry.Action, entry.Detail, entry.TriggeredBy)
	if err != nil {
		return fmt.Errorf("failed to log action: %w", err)
	}
	entry.ID, _ = result.LastInsertId()
	return nil
}

// ActionStats is the per-action count over a window, for the digest.
type ActionStats struct {
	Total     int            `json:"total"`
	ByAction  map[string]int `json:"by_action"`
	ByTrigger map[string]int `json:"by_trigger"`
}

// ActionStatsSince aggregates action_log rows newer than since.
func (s *AuditStore) ActionStatsSince(since time.Time) (*ActionStats, error) {
	stats := &ActionStats{
		ByAction:  make(map[string]int),
		ByTrigger: make(map[string]int),
	}

	rows, err := s.db.Query(
		"SELECT action, triggered_by FROM action_log WHERE timestamp >= ?",
		since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var action, trigger string
		if err := rows.Scan(&action, &trigger); err != nil {
			return nil, err
		}
		stats.Total++
		stats.ByAction[action]++
		if trigger != "" {
			stats.ByTrigger[trigger]++
		}
	}
	return stats, rows.Err()
}

// RecentActions returns the newest action_log rows, for the review API.
func (s *AuditStore) RecentActions(limit int) ([]ActionLog, error) {
	query := `SELECT id, cycle_id, timestamp, email_id, action, detail, triggered_by
			  FROM action_log ORDER BY timestamp DESC, id DESC LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActionLog
	for rows.Next() {
		var a ActionLog
		if err := rows.Scan(&a.ID, &a.CycleID, &a.Timestamp, &a.EmailID,
			&a.Action, &a.Detail, &a.TriggeredBy); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

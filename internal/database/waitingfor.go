package database

import (
	"database/sql"
	"fmt"
)

// WaitingForStore handles database operations for waiting-for
// obligations.
type WaitingForStore struct {
	db *sql.DB
}

func NewWaitingForStore(db *sql.DB) *WaitingForStore {
	return &WaitingForStore{db: db}
}

const waitingForColumns = `id, email_id, conversation_id, waiting_since,
	expected_from, description, status, nudge_after_hours, resolved_at`

func scanWaitingFor(row interface{ Scan(...any) error }) (*WaitingFor, error) {
	var wf WaitingFor
	err := row.Scan(&wf.ID, &wf.EmailID, &wf.ConversationID,
		&wf.WaitingSince, &wf.ExpectedFrom, &wf.Description,
		&wf.Status, &wf.NudgeAfterHours, &wf.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

// Create inserts a new waiting obligation. The partial unique index on
// conversation_id enforces at most one waiting row per conversation.
func (s *WaitingForStore) Create(wf *WaitingFor) (int64, error) {
	if wf.Status == "" {
		wf.Status = WaitingStatusWaiting
	}
	query := `INSERT INTO waiting_for (
			email_id, conversation_id, waiting_since, expected_from,
			description, status, nudge_after_hours
		) VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.Exec(query, wf.EmailID, wf.ConversationID,
		wf.WaitingSince.UTC(), wf.ExpectedFrom, wf.Description,
		wf.Status, wf.NudgeAfterHours)
	if err != nil {
		return 0, fmt.Errorf("failed to create waiting-for: %w", err)
	}
	return result.LastInsertId()
}

// GetByID returns a waiting-for row, or nil if it does not exist.
func (s *WaitingForStore) GetByID(id int64) (*WaitingFor, error) {
	query := `SELECT ` + waitingForColumns + ` FROM waiting_for WHERE id = ?`
	wf, err := scanWaitingFor(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// ActiveInConversation returns the conversation's open obligation, or
// nil when there is none.
func (s *WaitingForStore) ActiveInConversation(conversationID string) (*WaitingFor, error) {
	query := `SELECT ` + waitingForColumns + ` FROM waiting_for
			  WHERE conversation_id = ? AND status = 'waiting'`
	wf, err := scanWaitingFor(s.db.QueryRow(query, conversationID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// GetActive returns all rows still in the waiting state, oldest first.
func (s *WaitingForStore) GetActive() ([]WaitingFor, error) {
	query := `SELECT ` + waitingForColumns + ` FROM waiting_for
			  WHERE status = 'waiting' ORDER BY waiting_since ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WaitingFor
	for rows.Next() {
		wf, err := scanWaitingFor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *wf)
	}
	return out, rows.Err()
}

// Resolve atomically moves a waiting row to received or expired.
// Returns whether the transition happened so duplicate-detection
// callers can count correctly; re-resolving is a no-op reporting false.
func (s *WaitingForStore) Resolve(id int64, status string) (bool, error) {
	if status != WaitingStatusReceived && status != WaitingStatusExpired {
		return false, fmt.Errorf("invalid waiting-for resolution %q", status)
	}

	query := `UPDATE waiting_for SET
			  status = ?,
			  resolved_at = CURRENT_TIMESTAMP
			  WHERE id = ? AND status = 'waiting'`

	result, err := s.db.Exec(query, status, id)
	if err != nil {
		return false, fmt.Errorf("failed to resolve waiting-for: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

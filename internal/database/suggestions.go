package database

import (
	"database/sql"
	"fmt"
	"time"
)

// SuggestionStore handles database operations for suggestions
type SuggestionStore struct {
	db *sql.DB
}

func NewSuggestionStore(db *sql.DB) *SuggestionStore {
	return &SuggestionStore{db: db}
}

const suggestionColumns = `id, email_id, created_at, suggested_folder,
	suggested_priority, suggested_action_type, confidence, reasoning,
	status, approved_folder, approved_priority, approved_action_type,
	resolved_at`

func scanSuggestion(row interface{ Scan(...any) error }) (*Suggestion, error) {
	var sg Suggestion
	var approvedFolder, approvedPriority, approvedActionType sql.NullString
	err := row.Scan(&sg.ID, &sg.EmailID, &sg.CreatedAt,
		&sg.Suggested.Folder, &sg.Suggested.Priority, &sg.Suggested.ActionType,
		&sg.Confidence, &sg.Reasoning, &sg.Status,
		&approvedFolder, &approvedPriority, &approvedActionType,
		&sg.ResolvedAt)
	if err != nil {
		return nil, err
	}
	if approvedFolder.Valid || approvedPriority.Valid || approvedActionType.Valid {
		sg.Approved = &SuggestedAction{
			Folder:     approvedFolder.String,
			Priority:   approvedPriority.String,
			ActionType: approvedActionType.String,
		}
	}
	return &sg, nil
}

// Create inserts a new pending suggestion and returns its id. Callers
// create a new row only when no pending row exists for the email.
func (s *SuggestionStore) Create(emailID string, action SuggestedAction, confidence float64, reasoning string) (int64, error) {
	query := `INSERT INTO suggestions (
			email_id, suggested_folder, suggested_priority,
			suggested_action_type, confidence, reasoning, status
		) VALUES (?, ?, ?, ?, ?, ?, 'pending')`

	result, err := s.db.Exec(query, emailID, action.Folder, action.Priority,
		action.ActionType, confidence, reasoning)
	if err != nil {
		return 0, fmt.Errorf("failed to create suggestion: %w", err)
	}
	return result.LastInsertId()
}

// GetByID returns a suggestion, or nil if it does not exist.
func (s *SuggestionStore) GetByID(id int64) (*Suggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggestions WHERE id = ?`
	sg, err := scanSuggestion(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get suggestion: %w", err)
	}
	return sg, nil
}

// GetPendingForEmail returns the pending suggestion for an email, or
// nil when none exists.
func (s *SuggestionStore) GetPendingForEmail(emailID string) (*Suggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggestions
			  WHERE email_id = ? AND status = 'pending'
			  ORDER BY created_at DESC LIMIT 1`
	sg, err := scanSuggestion(s.db.QueryRow(query, emailID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sg, nil
}

// ListByStatus returns suggestions in a status, newest first.
func (s *SuggestionStore) ListByStatus(status string, limit int) ([]Suggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggestions
			  WHERE status = ? ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.Query(query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sg)
	}
	return out, rows.Err()
}

// Approve atomically moves a pending suggestion to approved, or to
// partial when the user's triple differs from the suggested one.
// Returns whether the transition happened; a resolved suggestion is
// immutable and the CAS reports false.
func (s *SuggestionStore) Approve(id int64, approved *SuggestedAction) (bool, error) {
	current, err := s.GetByID(id)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, sql.ErrNoRows
	}

	status := SuggestionApproved
	triple := current.Suggested
	if approved != nil && *approved != current.Suggested {
		status = SuggestionPartial
		triple = *approved
	}

	query := `UPDATE suggestions SET
			  status = ?,
			  approved_folder = ?, approved_priority = ?, approved_action_type = ?,
			  resolved_at = CURRENT_TIMESTAMP
			  WHERE id = ? AND status = 'pending'`

	result, err := s.db.Exec(query, status, triple.Folder, triple.Priority, triple.ActionType, id)
	if err != nil {
		return false, fmt.Errorf("failed to approve suggestion: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

// Reject atomically moves a pending suggestion to rejected.
func (s *SuggestionStore) Reject(id int64) (bool, error) {
	query := `UPDATE suggestions SET
			  status = 'rejected',
			  resolved_at = CURRENT_TIMESTAMP
			  WHERE id = ? AND status = 'pending'`

	result, err := s.db.Exec(query, id)
	if err != nil {
		return false, fmt.Errorf("failed to reject suggestion: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

// MarkAutoApproved atomically moves a pending suggestion to
// auto_approved, copying the suggested triple into the approved triple.
func (s *SuggestionStore) MarkAutoApproved(id int64) (bool, error) {
	query := `UPDATE suggestions SET
			  status = 'auto_approved',
			  approved_folder = suggested_folder,
			  approved_priority = suggested_priority,
			  approved_action_type = suggested_action_type,
			  resolved_at = CURRENT_TIMESTAMP
			  WHERE id = ? AND status = 'pending'`

	result, err := s.db.Exec(query, id)
	if err != nil {
		return false, fmt.Errorf("failed to auto-approve suggestion: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

// ExpireOld bulk-expires pending suggestions older than the given
// number of days. Returns how many rows transitioned.
func (s *SuggestionStore) ExpireOld(days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	query := `UPDATE suggestions SET
			  status = 'expired',
			  resolved_at = CURRENT_TIMESTAMP
			  WHERE status = 'pending' AND created_at < ?`

	result, err := s.db.Exec(query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire suggestions: %w", err)
	}
	return result.RowsAffected()
}

// GetAutoApprovable returns pending suggestions eligible for the
// auto-approval gate: confidence and age over their thresholds, and
// never a P1 priority.
func (s *SuggestionStore) GetAutoApprovable(minConfidence float64, minAge time.Duration) ([]Suggestion, error) {
	cutoff := time.Now().UTC().Add(-minAge)
	query := `SELECT ` + suggestionColumns + ` FROM suggestions
			  WHERE status = 'pending'
			  AND confidence >= ?
			  AND created_at <= ?
			  AND suggested_priority != ?
			  ORDER BY created_at ASC`

	rows, err := s.db.Query(query, minConfidence, cutoff, PriorityUrgent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sg)
	}
	return out, rows.Err()
}

// GetCorrections returns resolved suggestions where the user's decision
// diverged from the suggested triple (partial or rejected) within the
// lookback window. These feed the preference learner.
func (s *SuggestionStore) GetCorrections(lookbackDays int) ([]Suggestion, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -lookbackDays)
	query := `SELECT ` + suggestionColumns + ` FROM suggestions
			  WHERE status IN ('partial', 'rejected')
			  AND resolved_at >= ?
			  ORDER BY resolved_at DESC`

	rows, err := s.db.Query(query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sg)
	}
	return out, rows.Err()
}

// LatestApprovedFolderInConversation returns the approved folder of the
// most recent message in a conversation, received before the given
// time, whose suggestion resolved with a folder. Empty when none.
func (s *SuggestionStore) LatestApprovedFolderInConversation(conversationID string, before time.Time) (string, error) {
	query := `
		SELECT sg.approved_folder
		FROM suggestions sg
		JOIN emails e ON e.id = sg.email_id
		WHERE e.conversation_id = ?
		AND e.received_at < ?
		AND sg.status IN ('approved', 'auto_approved', 'partial')
		AND sg.approved_folder IS NOT NULL
		ORDER BY e.received_at DESC
		LIMIT 1`

	var folder string
	err := s.db.QueryRow(query, conversationID, before.UTC()).Scan(&folder)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return folder, nil
}

// CountByStatus returns the number of suggestions in a status.
func (s *SuggestionStore) CountByStatus(status string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM suggestions WHERE status = ?", status).Scan(&count)
	return count, err
}

// OverdueNeedsReply returns pending suggestions of the given action
// type older than the age threshold, for the daily digest.
func (s *SuggestionStore) OverdueNeedsReply(actionType string, olderThan time.Duration) ([]Suggestion, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	query := `SELECT ` + suggestionColumns + ` FROM suggestions
			  WHERE status = 'pending'
			  AND suggested_action_type = ?
			  AND created_at <= ?
			  ORDER BY created_at ASC`

	rows, err := s.db.Query(query, actionType, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sg)
	}
	return out, rows.Err()
}

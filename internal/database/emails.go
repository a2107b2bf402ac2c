package database

import (
	"database/sql"
	"fmt"
	"time"
)

// EmailStore handles database operations for emails
type EmailStore struct {
	db *sql.DB
}

func NewEmailStore(db *sql.DB) *EmailStore {
	return &EmailStore{db: db}
}

const emailColumns = `id, conversation_id, conversation_index, subject,
	sender_email, sender_name, received_at, snippet, current_folder,
	importance, is_read, flag_status, has_user_reply, inherited_folder,
	processed_at, classification_status, classification_attempts`

func scanEmail(row interface{ Scan(...any) error }) (*Email, error) {
	var e Email
	err := row.Scan(&e.ID, &e.ConversationID, &e.ConversationIndex,
		&e.Subject, &e.SenderEmail, &e.SenderName, &e.ReceivedAt,
		&e.Snippet, &e.CurrentFolder, &e.Importance, &e.IsRead,
		&e.FlagStatus, &e.HasUserReply, &e.InheritedFolder,
		&e.ProcessedAt, &e.ClassificationStatus, &e.ClassificationAttempts)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Save upserts an email by provider id. Mutable message attributes
// (folder, read state, flag) follow the provider; classification state
// is preserved across re-observations of the same message.
func (s *EmailStore) Save(e *Email) error {
	if e.ClassificationStatus == "" {
		e.ClassificationStatus = ClassificationPending
	}
	if e.Importance == "" {
		e.Importance = "normal"
	}
	if e.FlagStatus == "" {
		e.FlagStatus = "notFlagged"
	}

	query := `
		INSERT INTO emails (
			id, conversation_id, conversation_index, subject,
			sender_email, sender_name, received_at, snippet,
			current_folder, importance, is_read, flag_status,
			has_user_reply, inherited_folder, processed_at,
			classification_status, classification_attempts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			conversation_index = excluded.conversation_index,
			subject = excluded.subject,
			sender_email = excluded.sender_email,
			sender_name = excluded.sender_name,
			received_at = excluded.received_at,
			snippet = excluded.snippet,
			current_folder = excluded.current_folder,
			importance = excluded.importance,
			is_read = excluded.is_read,
			flag_status = excluded.flag_status,
			has_user_reply = excluded.has_user_reply
	`

	_, err := s.db.Exec(query, e.ID, e.ConversationID, e.ConversationIndex,
		e.Subject, e.SenderEmail, e.SenderName, e.ReceivedAt.UTC(),
		e.Snippet, e.CurrentFolder, e.Importance, e.IsRead, e.FlagStatus,
		e.HasUserReply, e.InheritedFolder, e.ProcessedAt,
		e.ClassificationStatus, e.ClassificationAttempts)
	if err != nil {
		return fmt.Errorf("failed to save email: %w", err)
	}
	return nil
}

// GetByID returns an email, or nil if it does not exist.
func (s *EmailStore) GetByID(id string) (*Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails WHERE id = ?`
	e, err := scanEmail(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return e, nil
}

// ListIDs returns every stored email id, oldest first.
func (s *EmailStore) ListIDs() ([]string, error) {
	rows, err := s.db.Query("SELECT id FROM emails ORDER BY received_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkClassified records a successful classification, transitioning
// the email to classified and setting processed_at.
func (s *EmailStore) MarkClassified(id string) error {
	query := `UPDATE emails SET
			  classification_status = ?,
			  processed_at = CURRENT_TIMESTAMP
			  WHERE id = ?`
	return s.execOne(query, ClassificationClassified, id)
}

// MarkClassificationFailed records a terminal classification failure
// for this cycle and increments the attempt counter.
func (s *EmailStore) MarkClassificationFailed(id string) error {
	query := `UPDATE emails SET
			  classification_status = ?,
			  classification_attempts = classification_attempts + 1
			  WHERE id = ?`
	return s.execOne(query, ClassificationFailed, id)
}

// SetInheritedFolder records the folder inherited from an earlier
// message in the same conversation.
func (s *EmailStore) SetInheritedFolder(id, folder string) error {
	return s.execOne("UPDATE emails SET inherited_folder = ? WHERE id = ?", folder, id)
}

// SetCurrentFolder records the folder the message now lives in after a
// successful move.
func (s *EmailStore) SetCurrentFolder(id, folder string) error {
	return s.execOne("UPDATE emails SET current_folder = ? WHERE id = ?", folder, id)
}

// RecentInConversation returns up to limit messages in a conversation
// received strictly before the given time, newest first.
func (s *EmailStore) RecentInConversation(conversationID string, before time.Time, limit int) ([]Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails
			  WHERE conversation_id = ? AND received_at < ?
			  ORDER BY received_at DESC LIMIT ?`

	rows, err := s.db.Query(query, conversationID, before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var emails []Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, *e)
	}
	return emails, rows.Err()
}

// SenderFolderDistribution computes the folder distribution of a
// sender's most recent limit emails. The folder is the approved folder
// of a resolved suggestion when one exists, otherwise the message's
// current folder.
func (s *EmailStore) SenderFolderDistribution(senderEmail string, limit int) (map[string]int, error) {
	query := `
		SELECT COALESCE(sg.approved_folder, e.current_folder) AS folder
		FROM emails e
		LEFT JOIN suggestions sg ON sg.email_id = e.id
			AND sg.status IN ('approved', 'auto_approved', 'partial')
			AND sg.approved_folder IS NOT NULL
		WHERE e.sender_email = ?
		ORDER BY e.received_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, senderEmail, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dist := make(map[string]int)
	for rows.Next() {
		var folder string
		if err := rows.Scan(&folder); err != nil {
			return nil, err
		}
		if folder != "" {
			dist[folder]++
		}
	}
	return dist, rows.Err()
}

// CountByClassificationStatus returns the number of emails with the
// given classification status.
func (s *EmailStore) CountByClassificationStatus(status string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM emails WHERE classification_status = ?", status).Scan(&count)
	return count, err
}

// GetFailed returns emails whose classification terminally failed and
// whose attempt count is still under the cap, so a later cycle can
// retry them.
func (s *EmailStore) GetFailed(maxAttempts int) ([]Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails
			  WHERE classification_status = 'failed'
			  AND classification_attempts < ?
			  ORDER BY received_at ASC`

	rows, err := s.db.Query(query, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var emails []Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, *e)
	}
	return emails, rows.Err()
}

func (s *EmailStore) execOne(query string, args ...any) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

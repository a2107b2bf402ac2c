package database

import (
	"database/sql"
	"fmt"
)

// TaskSyncStore handles database operations for email-to-task mappings.
type TaskSyncStore struct {
	db *sql.DB
}

func NewTaskSyncStore(db *sql.DB) *TaskSyncStore {
	return &TaskSyncStore{db: db}
}

// Link records an active mapping between an email and an external task.
// The partial unique index enforces at most one active row per email;
// re-linking the same email while a mapping is active is an error the
// caller treats as "already linked".
func (s *TaskSyncStore) Link(emailID, taskID string) (int64, error) {
	query := `INSERT INTO task_sync (email_id, task_id, status)
			  VALUES (?, ?, 'active')`

	result, err := s.db.Exec(query, emailID, taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to link task: %w", err)
	}
	return result.LastInsertId()
}

// GetActiveForEmail returns the active mapping for an email, or nil.
func (s *TaskSyncStore) GetActiveForEmail(emailID string) (*TaskSync, error) {
	query := `SELECT id, email_id, task_id, status, created_at, updated_at
			  FROM task_sync WHERE email_id = ? AND status = 'active'`

	var ts TaskSync
	err := s.db.QueryRow(query, emailID).Scan(&ts.ID, &ts.EmailID,
		&ts.TaskID, &ts.Status, &ts.CreatedAt, &ts.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// SetStatus moves a mapping to completed or deleted.
func (s *TaskSyncStore) SetStatus(id int64, status string) error {
	if status != TaskSyncActive && status != TaskSyncCompleted && status != TaskSyncDeleted {
		return fmt.Errorf("invalid task sync status %q", status)
	}

	query := `UPDATE task_sync SET
			  status = ?,
			  updated_at = CURRENT_TIMESTAMP
			  WHERE id = ?`

	result, err := s.db.Exec(query, status, id)
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

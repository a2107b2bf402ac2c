package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Sender-profile auto-rule candidacy thresholds: a sender becomes a
// candidate once it has at least this many emails and the top folder
// holds at least this share of them.
const (
	AutoRuleCandidateMinEmails   = 10
	AutoRuleCandidateFolderShare = 0.90
)

// SenderProfileStore handles database operations for sender profiles.
type SenderProfileStore struct {
	db *sql.DB
}

func NewSenderProfileStore(db *sql.DB) *SenderProfileStore {
	return &SenderProfileStore{db: db}
}

// Observe upserts the profile for a sender seen at the given time,
// incrementing its email count and refreshing last_seen.
func (s *SenderProfileStore) Observe(email, displayName string, seenAt time.Time) error {
	domain := ""
	if at := strings.LastIndex(email, "@"); at >= 0 {
		domain = email[at+1:]
	}

	query := `
		INSERT INTO sender_profiles (email, display_name, domain, email_count, last_seen)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(email) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE display_name END,
			email_count = email_count + 1,
			last_seen = excluded.last_seen
	`

	_, err := s.db.Exec(query, email, displayName, domain, seenAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to observe sender: %w", err)
	}
	return nil
}

// Get returns a sender profile, or nil if the sender is unknown.
func (s *SenderProfileStore) Get(email string) (*SenderProfile, error) {
	query := `SELECT email, display_name, domain, category, default_folder,
			  email_count, last_seen, auto_rule_candidate
			  FROM sender_profiles WHERE email = ?`

	var p SenderProfile
	err := s.db.QueryRow(query, email).Scan(&p.Email, &p.DisplayName,
		&p.Domain, &p.Category, &p.DefaultFolder, &p.EmailCount,
		&p.LastSeen, &p.AutoRuleCandidate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SetCategory records the sender's taxonomy category.
func (s *SenderProfileStore) SetCategory(email, category string) error {
	_, err := s.db.Exec("UPDATE sender_profiles SET category = ? WHERE email = ?", category, email)
	return err
}

// MarkCandidate updates a sender's auto-rule candidacy and the folder
// that would back the rule.
func (s *SenderProfileStore) MarkCandidate(email, defaultFolder string, candidate bool) error {
	query := `UPDATE sender_profiles SET
			  auto_rule_candidate = ?,
			  default_folder = ?
			  WHERE email = ?`
	_, err := s.db.Exec(query, candidate, defaultFolder, email)
	return err
}

// Frequent returns senders with at least minCount observed emails,
// busiest first. Used by taxonomy bootstrap to pick senders worth
// profiling.
func (s *SenderProfileStore) Frequent(minCount int) ([]SenderProfile, error) {
	query := `SELECT email, display_name, domain, category, default_folder,
			  email_count, last_seen, auto_rule_candidate
			  FROM sender_profiles
			  WHERE email_count >= ?
			  ORDER BY email_count DESC`

	rows, err := s.db.Query(query, minCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SenderProfile
	for rows.Next() {
		var p SenderProfile
		if err := rows.Scan(&p.Email, &p.DisplayName, &p.Domain,
			&p.Category, &p.DefaultFolder, &p.EmailCount, &p.LastSeen,
			&p.AutoRuleCandidate); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Candidates returns senders currently flagged as auto-rule candidates.
func (s *SenderProfileStore) Candidates() ([]SenderProfile, error) {
	query := `SELECT email, display_name, domain, category, default_folder,
			  email_count, last_seen, auto_rule_candidate
			  FROM sender_profiles
			  WHERE auto_rule_candidate = TRUE
			  ORDER BY email_count DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SenderProfile
	for rows.Next() {
		var p SenderProfile
		if err := rows.Scan(&p.Email, &p.DisplayName, &p.Domain,
			&p.Category, &p.DefaultFolder, &p.EmailCount, &p.LastSeen,
			&p.AutoRuleCandidate); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

package database

import (
	"time"
)

// Classification status values for emails.
const (
	ClassificationPending    = "pending"
	ClassificationClassified = "classified"
	ClassificationFailed     = "failed"
)

// Suggestion status values.
const (
	SuggestionPending      = "pending"
	SuggestionApproved     = "approved"
	SuggestionPartial      = "partial"
	SuggestionRejected     = "rejected"
	SuggestionAutoApproved = "auto_approved"
	SuggestionExpired      = "expired"
)

// WaitingFor status values.
const (
	WaitingStatusWaiting  = "waiting"
	WaitingStatusReceived = "received"
	WaitingStatusExpired  = "expired"
)

// TaskSync status values.
const (
	TaskSyncActive    = "active"
	TaskSyncCompleted = "completed"
	TaskSyncDeleted   = "deleted"
)

// PriorityUrgent is never eligible for auto-approval.
const PriorityUrgent = "P1 - Urgent Important"

// Priority levels a classification may assign.
var Priorities = []string{
	PriorityUrgent,
	"P2 - Important",
	"P3 - Routine",
	"P4 - Low",
}

// Action types a classification may assign.
const (
	ActionNeedsReply = "Needs Reply"
	ActionWaitingFor = "Waiting For"
	ActionTask       = "Task"
	ActionFile       = "File"
	ActionFYI        = "FYI"
)

// ActionTypes lists the valid action_type values in display order.
var ActionTypes = []string{
	ActionNeedsReply,
	ActionWaitingFor,
	ActionTask,
	ActionFile,
	ActionFYI,
}

// Email is one observed mailbox message. The ID is the provider message
// id and may be migrated from a mutable to an immutable form.
type Email struct {
	ID                     string     `json:"id"`
	ConversationID         string     `json:"conversation_id"`
	ConversationIndex      string     `json:"conversation_index"`
	Subject                string     `json:"subject"`
	SenderEmail            string     `json:"sender_email"`
	SenderName             string     `json:"sender_name"`
	ReceivedAt             time.Time  `json:"received_at"`
	Snippet                string     `json:"snippet"`
	CurrentFolder          string     `json:"current_folder"`
	Importance             string     `json:"importance"`
	IsRead                 bool       `json:"is_read"`
	FlagStatus             string     `json:"flag_status"`
	HasUserReply           bool       `json:"has_user_reply"`
	InheritedFolder        string     `json:"inherited_folder,omitempty"`
	ProcessedAt            *time.Time `json:"processed_at,omitempty"`
	ClassificationStatus   string     `json:"classification_status"`
	ClassificationAttempts int        `json:"classification_attempts"`
}

// SuggestedAction is the compound (folder, priority, action type) triple
// a classification proposes for an email.
type SuggestedAction struct {
	Folder     string `json:"folder"`
	Priority   string `json:"priority"`
	ActionType string `json:"action_type"`
}

// Suggestion is a compound classification decision plus the user's
// eventual decision on it. Once Status leaves pending the row is
// immutable.
type Suggestion struct {
	ID         int64            `json:"id"`
	EmailID    string           `json:"email_id"`
	CreatedAt  time.Time        `json:"created_at"`
	Suggested  SuggestedAction  `json:"suggested"`
	Confidence float64          `json:"confidence"`
	Reasoning  string           `json:"reasoning"`
	Status     string           `json:"status"`
	Approved   *SuggestedAction `json:"approved,omitempty"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}

// WaitingFor is an active obligation to receive a reply on a
// conversation.
type WaitingFor struct {
	ID              int64      `json:"id"`
	EmailID         string     `json:"email_id"`
	ConversationID  string     `json:"conversation_id"`
	WaitingSince    time.Time  `json:"waiting_since"`
	ExpectedFrom    string     `json:"expected_from"`
	Description     string     `json:"description"`
	Status          string     `json:"status"`
	NudgeAfterHours int        `json:"nudge_after_hours"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// SenderProfile is per-sender aggregate state.
type SenderProfile struct {
	Email             string    `json:"email"`
	DisplayName       string    `json:"display_name"`
	Domain            string    `json:"domain"`
	Category          string    `json:"category"`
	DefaultFolder     string    `json:"default_folder"`
	EmailCount        int       `json:"email_count"`
	LastSeen          time.Time `json:"last_seen"`
	AutoRuleCandidate bool      `json:"auto_rule_candidate"`
}

// LLMRequestLog is one LLM round-trip, keyed by cycle correlation id.
type LLMRequestLog struct {
	ID           int64     `json:"id"`
	CycleID      string    `json:"cycle_id"`
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	RequestType  string    `json:"request_type"`
	Prompt       string    `json:"prompt"`
	Response     string    `json:"response"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	DurationMS   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
}

// ActionLog is one applied side effect on the external mail store.
type ActionLog struct {
	ID          int64     `json:"id"`
	CycleID     string    `json:"cycle_id"`
	Timestamp   time.Time `json:"timestamp"`
	EmailID     string    `json:"email_id"`
	Action      string    `json:"action"`
	Detail      string    `json:"detail"`
	TriggeredBy string    `json:"triggered_by"`
}

// TaskSync maps an email to an external task item. At most one active
// row per email.
type TaskSync struct {
	ID        int64     `json:"id"`
	EmailID   string    `json:"email_id"`
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Well-known agent_state keys.
const (
	StateDeltaToken             = "delta_token"
	StateLastProcessedTimestamp = "last_processed_timestamp"
	StateLastDigestRun          = "last_digest_run"
	StateLastPreferenceUpdate   = "last_preference_update"
	StatePreferences            = "classification_preferences"
	StateCategoriesBootstrapped = "categories_bootstrapped"
	StateImmutableIDsMigrated   = "immutable_ids_migrated"
)

package mail

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RequestTimeout bounds each mail store round trip.
const RequestTimeout = 30 * time.Second

// Sentinel errors callers branch on.
var (
	// ErrNotFound reports a message or folder that does not exist
	// (deleted, or an id from before a provider-side migration).
	ErrNotFound = errors.New("mail: not found")

	// ErrConflict reports a write the provider rejected because the
	// item changed underneath us.
	ErrConflict = errors.New("mail: conflict")
)

// APIError is a provider failure that is neither of the sentinel
// conditions. ProviderCode carries the provider's own error code when
// one was returned.
type APIError struct {
	Status       int
	ProviderCode string
	Message      string
}

func (e *APIError) Error() string {
	if e.ProviderCode != "" {
		return fmt.Sprintf("mail api error (status %d, code %s): %s", e.Status, e.ProviderCode, e.Message)
	}
	return fmt.Sprintf("mail api error (status %d): %s", e.Status, e.Message)
}

// Message is one mailbox message as observed from the provider.
type Message struct {
	ID                string
	ConversationID    string
	ConversationIndex string
	Subject           string
	SenderEmail       string
	SenderName        string
	ReceivedAt        time.Time
	Body              string
	BodyContentType   string
	FolderID          string
	Importance        string
	IsRead            bool
	FlagStatus        string
}

// DeltaResult is one page-complete delta sweep: the changed messages,
// the ids of removed ones, and the token to resume from next cycle.
type DeltaResult struct {
	Messages  []Message
	Removed   []string
	NextToken string
}

// Move is one requested message move.
type Move struct {
	MessageID           string
	DestinationFolderID string
}

// MoveResult is the per-move outcome of a batch. NewID is set when the
// provider reassigned the message id during the move.
type MoveResult struct {
	MessageID string
	NewID     string
	Err       error
}

// SentMessage is a message from the user's sent folder, reduced to what
// reply detection needs.
type SentMessage struct {
	ID             string
	ConversationID string
	SentAt         time.Time
}

// Client is the mailbox capability the triage engine runs against. All
// operations honor ctx and return within RequestTimeout.
type Client interface {
	// GetDelta returns changes to the folder since deltaToken; an
	// empty token starts a full enumeration. The result's NextToken
	// is only valid once all pages were consumed, which GetDelta
	// does internally.
	GetDelta(ctx context.Context, folderID, deltaToken string) (*DeltaResult, error)

	// GetFolderID resolves a display path like "Inbox/Newsletters"
	// to a folder id, creating missing intermediate folders.
	GetFolderID(ctx context.Context, path string) (string, error)

	// BatchMove applies moves and reports per-move outcomes. A
	// partial failure is not an error at the batch level.
	BatchMove(ctx context.Context, moves []Move) ([]MoveResult, error)

	// GetSentItems returns messages sent since the given time.
	GetSentItems(ctx context.Context, since time.Time) ([]SentMessage, error)

	// GetMessageImmutableID resolves a message's immutable id.
	// Returns ErrNotFound when the message no longer exists.
	GetMessageImmutableID(ctx context.Context, id string) (string, error)

	// ListCategories returns the display names of the mailbox's
	// master category list.
	ListCategories(ctx context.Context) ([]string, error)

	// CreateCategory adds a category to the master list.
	CreateCategory(ctx context.Context, name, color string) error
}

package workers

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"email-triage/internal/config"
	"email-triage/internal/database"
	"email-triage/internal/mail"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	cfg := &config.Config{SchemaVersion: 1}
	cfg.SetDefaults()
	return cfg
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedEmail(t *testing.T, db *database.DB, id, conversationID string, receivedAt time.Time) {
	t.Helper()
	require.NoError(t, db.Emails.Save(&database.Email{
		ID:             id,
		ConversationID: conversationID,
		Subject:        "subject " + id,
		SenderEmail:    "sender@example.com",
		ReceivedAt:     receivedAt,
		CurrentFolder:  "Inbox",
	}))
}

func seedSuggestion(t *testing.T, db *database.DB, emailID, folder, priority string, confidence float64, age time.Duration) int64 {
	t.Helper()
	id, err := db.Suggestions.Create(emailID, database.SuggestedAction{
		Folder:     folder,
		Priority:   priority,
		ActionType: database.ActionFile,
	}, confidence, "seeded")
	require.NoError(t, err)

	if age > 0 {
		_, err = db.Exec("UPDATE suggestions SET created_at = ? WHERE id = ?",
			time.Now().UTC().Add(-age), id)
		require.NoError(t, err)
	}
	return id
}

// fakeMailClient is an in-memory mail.Client recording every write it
// receives.
type fakeMailClient struct {
	mu sync.Mutex

	delta    *mail.DeltaResult
	deltaErr error

	folderIDs map[string]string
	folderErr error

	batchResults map[string]mail.MoveResult
	batchErr     error
	batches      [][]mail.Move

	sent    []mail.SentMessage
	sentErr error

	immutable      map[string]string
	immutableErr   map[string]error
	immutableCalls int

	categories        []string
	categoriesErr     error
	createdCategories []string
}

func (f *fakeMailClient) GetDelta(ctx context.Context, folderID, deltaToken string) (*mail.DeltaResult, error) {
	if f.deltaErr != nil {
		return nil, f.deltaErr
	}
	if f.delta != nil {
		return f.delta, nil
	}
	return &mail.DeltaResult{}, nil
}

func (f *fakeMailClient) GetFolderID(ctx context.Context, path string) (string, error) {
	if f.folderErr != nil {
		return "", f.folderErr
	}
	if id, ok := f.folderIDs[path]; ok {
		return id, nil
	}
	return "fid-" + path, nil
}

func (f *fakeMailClient) BatchMove(ctx context.Context, moves []mail.Move) ([]mail.MoveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batches = append(f.batches, moves)
	if f.batchErr != nil {
		return nil, f.batchErr
	}

	results := make([]mail.MoveResult, len(moves))
	for i, m := range moves {
		if r, ok := f.batchResults[m.MessageID]; ok {
			results[i] = r
			continue
		}
		results[i] = mail.MoveResult{MessageID: m.MessageID}
	}
	return results, nil
}

func (f *fakeMailClient) GetSentItems(ctx context.Context, since time.Time) ([]mail.SentMessage, error) {
	if f.sentErr != nil {
		return nil, f.sentErr
	}
	return f.sent, nil
}

func (f *fakeMailClient) GetMessageImmutableID(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	f.immutableCalls++
	f.mu.Unlock()

	if err, ok := f.immutableErr[id]; ok {
		return "", err
	}
	if immutable, ok := f.immutable[id]; ok {
		return immutable, nil
	}
	return id, nil
}

func (f *fakeMailClient) ListCategories(ctx context.Context) ([]string, error) {
	if f.categoriesErr != nil {
		return nil, f.categoriesErr
	}
	return f.categories, nil
}

func (f *fakeMailClient) CreateCategory(ctx context.Context, name, color string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdCategories = append(f.createdCategories, name)
	return nil
}

func (f *fakeMailClient) moveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, batch := range f.batches {
		total += len(batch)
	}
	return total
}

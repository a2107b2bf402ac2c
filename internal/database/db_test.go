package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedEmail(t *testing.T, db *DB, id, conversationID, sender string, receivedAt time.Time) {
	t.Helper()
	err := db.Emails.Save(&Email{
		ID:             id,
		ConversationID: conversationID,
		Subject:        "subject " + id,
		SenderEmail:    sender,
		ReceivedAt:     receivedAt,
		CurrentFolder:  "Inbox",
	})
	require.NoError(t, err)
}

func TestOpenIsHealthy(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.IsHealthy())
}

func TestUpdateEmailIDCascades(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)

	seedEmail(t, db, "old", "conv-1", "a@example.com", now)

	sgID, err := db.Suggestions.Create("old",
		SuggestedAction{Folder: "Projects/X", Priority: "P2 - Important", ActionType: ActionFile},
		0.9, "test")
	require.NoError(t, err)

	taskID, err := db.TaskSync.Link("old", "task-1")
	require.NoError(t, err)

	wfID, err := db.WaitingFor.Create(&WaitingFor{
		EmailID:        "old",
		ConversationID: "conv-1",
		WaitingSince:   now,
		ExpectedFrom:   "b@example.com",
		Description:    "report",
	})
	require.NoError(t, err)

	require.NoError(t, db.UpdateEmailID("old", "new"))

	gone, err := db.Emails.GetByID("old")
	require.NoError(t, err)
	require.Nil(t, gone)

	moved, err := db.Emails.GetByID("new")
	require.NoError(t, err)
	require.NotNil(t, moved)
	require.Equal(t, "subject old", moved.Subject)

	sg, err := db.Suggestions.GetByID(sgID)
	require.NoError(t, err)
	require.Equal(t, "new", sg.EmailID)

	task, err := db.TaskSync.GetActiveForEmail("new")
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, taskID, task.ID)

	wf, err := db.WaitingFor.GetByID(wfID)
	require.NoError(t, err)
	require.Equal(t, "new", wf.EmailID)
}

func TestUpdateEmailIDMissingSource(t *testing.T) {
	db := openTestDB(t)
	err := db.UpdateEmailID("absent", "new")
	require.Error(t, err)
}

func TestAgentStateRoundTrip(t *testing.T) {
	db := openTestDB(t)

	val, err := db.State.Get(StateDeltaToken)
	require.NoError(t, err)
	require.Empty(t, val)

	require.NoError(t, db.State.Set(StateDeltaToken, "token-1"))
	require.NoError(t, db.State.Set(StateDeltaToken, "token-2"))

	val, err = db.State.Get(StateDeltaToken)
	require.NoError(t, err)
	require.Equal(t, "token-2", val)

	stamp := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)
	require.NoError(t, db.State.SetTime(StateLastDigestRun, stamp))
	got, err := db.State.GetTime(StateLastDigestRun)
	require.NoError(t, err)
	require.True(t, got.Equal(stamp))
}

func TestOneActiveWaitingForPerConversation(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()
	seedEmail(t, db, "e1", "conv-1", "a@example.com", now)

	_, err := db.WaitingFor.Create(&WaitingFor{
		EmailID: "e1", ConversationID: "conv-1",
		WaitingSince: now, ExpectedFrom: "b@example.com",
	})
	require.NoError(t, err)

	_, err = db.WaitingFor.Create(&WaitingFor{
		EmailID: "e1", ConversationID: "conv-1",
		WaitingSince: now, ExpectedFrom: "c@example.com",
	})
	require.Error(t, err, "second active obligation on the same conversation must be rejected")
}

package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seedSuggestion(t *testing.T, db *DB, emailID string, confidence float64, priority string) int64 {
	t.Helper()
	id, err := db.Suggestions.Create(emailID, SuggestedAction{
		Folder:     "Projects/X",
		Priority:   priority,
		ActionType: ActionFile,
	}, confidence, "seeded")
	require.NoError(t, err)
	return id
}

// backdateSuggestion shifts created_at so age-gated queries see an old
// row.
func backdateSuggestion(t *testing.T, db *DB, id int64, age time.Duration) {
	t.Helper()
	_, err := db.Exec("UPDATE suggestions SET created_at = ? WHERE id = ?",
		time.Now().UTC().Add(-age), id)
	require.NoError(t, err)
}

func TestApproveAsIs(t *testing.T) {
	db := openTestDB(t)
	seedEmail(t, db, "e1", "c1", "a@example.com", time.Now())
	id := seedSuggestion(t, db, "e1", 0.9, "P2 - Important")

	ok, err := db.Suggestions.Approve(id, nil)
	require.NoError(t, err)
	require.True(t, ok)

	sg, err := db.Suggestions.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, SuggestionApproved, sg.Status)
	require.NotNil(t, sg.Approved)
	require.Equal(t, sg.Suggested, *sg.Approved)
	require.NotNil(t, sg.ResolvedAt)
}

func TestApproveWithOverrideBecomesPartial(t *testing.T) {
	db := openTestDB(t)
	seedEmail(t, db, "e1", "c1", "a@example.com", time.Now())
	id := seedSuggestion(t, db, "e1", 0.9, "P2 - Important")

	override := SuggestedAction{Folder: "Areas/Finance", Priority: "P2 - Important", ActionType: ActionFile}
	ok, err := db.Suggestions.Approve(id, &override)
	require.NoError(t, err)
	require.True(t, ok)

	sg, err := db.Suggestions.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, SuggestionPartial, sg.Status)
	require.Equal(t, override, *sg.Approved)
}

func TestResolvedSuggestionIsImmutable(t *testing.T) {
	db := openTestDB(t)
	seedEmail(t, db, "e1", "c1", "a@example.com", time.Now())
	id := seedSuggestion(t, db, "e1", 0.9, "P2 - Important")

	ok, err := db.Suggestions.Approve(id, nil)
	require.NoError(t, err)
	require.True(t, ok)

	resolved, err := db.Suggestions.GetByID(id)
	require.NoError(t, err)

	// Every later transition is a rejected CAS.
	ok, err = db.Suggestions.Approve(id, nil)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = db.Suggestions.Reject(id)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = db.Suggestions.MarkAutoApproved(id)
	require.NoError(t, err)
	require.False(t, ok)

	after, err := db.Suggestions.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, resolved, after)
}

func TestMarkAutoApprovedCopiesTriple(t *testing.T) {
	db := openTestDB(t)
	seedEmail(t, db, "e1", "c1", "a@example.com", time.Now())
	id := seedSuggestion(t, db, "e1", 0.95, "P2 - Important")

	ok, err := db.Suggestions.MarkAutoApproved(id)
	require.NoError(t, err)
	require.True(t, ok)

	sg, err := db.Suggestions.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, SuggestionAutoApproved, sg.Status)
	require.Equal(t, sg.Suggested, *sg.Approved)
}

func TestGetAutoApprovableGates(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	seedEmail(t, db, "e1", "c1", "a@example.com", now)
	seedEmail(t, db, "e2", "c2", "b@example.com", now)
	seedEmail(t, db, "e3", "c3", "c@example.com", now)
	seedEmail(t, db, "e4", "c4", "d@example.com", now)

	eligible := seedSuggestion(t, db, "e1", 0.95, "P2 - Important")
	backdateSuggestion(t, db, eligible, 4*time.Hour)

	tooFresh := seedSuggestion(t, db, "e2", 0.95, "P2 - Important")
	_ = tooFresh

	lowConfidence := seedSuggestion(t, db, "e3", 0.70, "P2 - Important")
	backdateSuggestion(t, db, lowConfidence, 4*time.Hour)

	urgent := seedSuggestion(t, db, "e4", 0.99, PriorityUrgent)
	backdateSuggestion(t, db, urgent, 24*time.Hour)

	out, err := db.Suggestions.GetAutoApprovable(0.90, 2*time.Hour)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, eligible, out[0].ID)
}

func TestExpireOld(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	seedEmail(t, db, "e1", "c1", "a@example.com", now)
	seedEmail(t, db, "e2", "c2", "b@example.com", now)

	stale := seedSuggestion(t, db, "e1", 0.5, "P3 - Routine")
	backdateSuggestion(t, db, stale, 8*24*time.Hour)
	fresh := seedSuggestion(t, db, "e2", 0.5, "P3 - Routine")

	n, err := db.Suggestions.ExpireOld(7)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	sg, err := db.Suggestions.GetByID(stale)
	require.NoError(t, err)
	require.Equal(t, SuggestionExpired, sg.Status)

	sg, err = db.Suggestions.GetByID(fresh)
	require.NoError(t, err)
	require.Equal(t, SuggestionPending, sg.Status)
}

func TestLatestApprovedFolderInConversation(t *testing.T) {
	db := openTestDB(t)
	base := time.Now().UTC().Add(-3 * time.Hour)

	seedEmail(t, db, "e1", "conv", "a@example.com", base)
	seedEmail(t, db, "e2", "conv", "a@example.com", base.Add(time.Hour))
	seedEmail(t, db, "e3", "conv", "a@example.com", base.Add(2*time.Hour))

	first := seedSuggestion(t, db, "e1", 0.9, "P3 - Routine")
	ok, err := db.Suggestions.Approve(first, nil)
	require.NoError(t, err)
	require.True(t, ok)

	second, err := db.Suggestions.Create("e2",
		SuggestedAction{Folder: "Areas/Ops", Priority: "P3 - Routine", ActionType: ActionFile},
		0.9, "")
	require.NoError(t, err)
	ok, err = db.Suggestions.Approve(second, nil)
	require.NoError(t, err)
	require.True(t, ok)

	folder, err := db.Suggestions.LatestApprovedFolderInConversation("conv", base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Equal(t, "Projects/X", folder, "only e1 precedes the cutoff")

	folder, err = db.Suggestions.LatestApprovedFolderInConversation("conv", base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Equal(t, "Areas/Ops", folder, "e2 is the newest resolved predecessor")

	folder, err = db.Suggestions.LatestApprovedFolderInConversation("conv", base)
	require.NoError(t, err)
	require.Empty(t, folder)
}

func TestGetCorrections(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	seedEmail(t, db, "e1", "c1", "a@example.com", now)
	seedEmail(t, db, "e2", "c2", "b@example.com", now)
	seedEmail(t, db, "e3", "c3", "c@example.com", now)

	partial := seedSuggestion(t, db, "e1", 0.9, "P2 - Important")
	override := SuggestedAction{Folder: "Areas/Other", Priority: "P2 - Important", ActionType: ActionFile}
	_, err := db.Suggestions.Approve(partial, &override)
	require.NoError(t, err)

	rejected := seedSuggestion(t, db, "e2", 0.9, "P2 - Important")
	_, err = db.Suggestions.Reject(rejected)
	require.NoError(t, err)

	approved := seedSuggestion(t, db, "e3", 0.9, "P2 - Important")
	_, err = db.Suggestions.Approve(approved, nil)
	require.NoError(t, err)

	corrections, err := db.Suggestions.GetCorrections(14)
	require.NoError(t, err)
	require.Len(t, corrections, 2, "approved-as-is rows are not corrections")
}

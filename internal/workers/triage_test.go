package workers

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"email-triage/internal/cache"
	"email-triage/internal/classifier"
	"email-triage/internal/config"
	"email-triage/internal/database"
	"email-triage/internal/learning"
	"email-triage/internal/llm"
	"email-triage/internal/mail"
)

const engineYAML = `schema_version: 1
triage:
  interval_minutes: 15
auto_rules:
  - name: newsletters
    match:
      senders: ["*@news.example.com"]
    action:
      folder: Areas/Newsletters
`

type scriptedLLM struct {
	response *llm.Response
	err      error
	calls    int
}

func (s *scriptedLLM) CreateMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.response, nil
}

func classifyLLMResponse(input string) *llm.Response {
	return &llm.Response{
		Blocks: []llm.Block{{
			Type:  llm.BlockToolUse,
			ID:    "tool-1",
			Name:  classifier.ToolClassifyEmail,
			Input: json.RawMessage(input),
		}},
		StopReason: "tool_use",
	}
}

func buildEngine(t *testing.T, db *database.DB, fakeMail *fakeMailClient, llmClient llm.Client, cfgYAML string, dryRun bool) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfgYAML), 0o600))
	mgr, err := config.NewManager(path, testLogger())
	require.NoError(t, err)

	// Suppress the digest; its scheduling has its own tests.
	require.NoError(t, db.State.SetTime(database.StateLastDigestRun, time.Now()))

	return NewEngine(EngineParams{
		Config:     mgr,
		DB:         db,
		Mail:       fakeMail,
		Classifier: classifier.New(llmClient, db.Audit, testLogger()),
		Queue:      NewQueueProcessor(db, fakeMail, testLogger()),
		Tracker:    NewWaitingForTracker(db, cache.NewSentItemsCache(fakeMail, testLogger()), testLogger()),
		Learner:    learning.NewLearner(llmClient, db.Suggestions, db.Emails, db.State, db.Audit, testLogger()),
		Digest:     NewDigestGenerator(db, llmClient, testLogger(), io.Discard),
		Logger:     testLogger(),
		DryRun:     dryRun,
	})
}

func inboxMessage(id, conversationID, sender, subject string, receivedAt time.Time) mail.Message {
	return mail.Message{
		ID:             id,
		ConversationID: conversationID,
		Subject:        subject,
		SenderEmail:    sender,
		ReceivedAt:     receivedAt,
		Body:           "Hello, please see the attachment.",
	}
}

func TestRunCycleClassifiesNewMail(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()
	fakeMail := &fakeMailClient{delta: &mail.DeltaResult{
		Messages: []mail.Message{
			inboxMessage("m1", "c1", "digest@news.example.com", "Weekly roundup", now.Add(-2*time.Hour)),
			inboxMessage("m2", "c2", "alice@corp.example.com", "Contract question", now.Add(-time.Hour)),
		},
		NextToken: "delta-1",
	}}
	model := &scriptedLLM{response: classifyLLMResponse(
		`{"folder":"Projects/Contracts","priority":"P2 - Important","action_type":"Needs Reply","confidence":0.88,"reasoning":"Direct question about a contract."}`,
	)}
	engine := buildEngine(t, db, fakeMail, model, engineYAML, false)

	require.NoError(t, engine.RunCycle(context.Background()))

	// The newsletter hit the auto-rule without a model call.
	ruleHit, err := db.Emails.GetByID("m1")
	require.NoError(t, err)
	require.NotNil(t, ruleHit)
	assert.Equal(t, database.ClassificationClassified, ruleHit.ClassificationStatus)

	pending, err := db.Suggestions.ListByStatus(database.SuggestionPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	byEmail := map[string]database.Suggestion{}
	for _, sg := range pending {
		byEmail[sg.EmailID] = sg
	}
	assert.Equal(t, "Areas/Newsletters", byEmail["m1"].Suggested.Folder)
	assert.Equal(t, 1.0, byEmail["m1"].Confidence)
	assert.Equal(t, "Projects/Contracts", byEmail["m2"].Suggested.Folder)
	assert.Equal(t, 0.88, byEmail["m2"].Confidence)
	assert.Equal(t, 1, model.calls, "only the non-rule email reached the model")

	token, err := db.State.Get(database.StateDeltaToken)
	require.NoError(t, err)
	assert.Equal(t, "delta-1", token)

	stats := engine.Stats()
	assert.EqualValues(t, 1, stats.CyclesRun)
	assert.EqualValues(t, 2, stats.EmailsSeen)
	assert.EqualValues(t, 2, stats.Classified)
}

func TestRunCycleFreshEnumerationHonorsLookback(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()
	fakeMail := &fakeMailClient{delta: &mail.DeltaResult{
		Messages: []mail.Message{
			inboxMessage("recent", "c1", "digest@news.example.com", "Weekly", now.Add(-2*time.Hour)),
			inboxMessage("ancient", "c2", "digest@news.example.com", "Weekly", now.Add(-72*time.Hour)),
		},
		NextToken: "delta-1",
	}}
	engine := buildEngine(t, db, fakeMail, &scriptedLLM{}, engineYAML, false)

	require.NoError(t, engine.RunCycle(context.Background()))

	e, err := db.Emails.GetByID("recent")
	require.NoError(t, err)
	assert.NotNil(t, e)

	old, err := db.Emails.GetByID("ancient")
	require.NoError(t, err)
	assert.Nil(t, old, "messages outside the lookback window are skipped on fresh enumeration")
}

func TestRunCycleDryRunWritesNothing(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()
	fakeMail := &fakeMailClient{delta: &mail.DeltaResult{
		Messages:  []mail.Message{inboxMessage("m1", "c1", "digest@news.example.com", "Weekly", now.Add(-time.Hour))},
		NextToken: "delta-1",
	}}
	engine := buildEngine(t, db, fakeMail, &scriptedLLM{}, engineYAML, true)

	require.NoError(t, engine.RunCycle(context.Background()))

	e, err := db.Emails.GetByID("m1")
	require.NoError(t, err)
	assert.Nil(t, e, "dry run stores no emails")

	token, err := db.State.Get(database.StateDeltaToken)
	require.NoError(t, err)
	assert.Empty(t, token, "dry run does not advance the cursor")

	pending, err := db.Suggestions.ListByStatus(database.SuggestionPending, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunCycleInheritsThreadFolder(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()

	// An earlier message in the conversation was approved into a folder.
	seedEmail(t, db, "earlier", "conv", now.Add(-3*time.Hour))
	sgID := seedSuggestion(t, db, "earlier", "Projects/Apollo", "P2 - Important", 0.9, 0)
	ok, err := db.Suggestions.Approve(sgID, nil)
	require.NoError(t, err)
	require.True(t, ok)

	yaml := `schema_version: 1
triage:
  use_inheritance: true
  inherited_confidence: 0.85
`
	fakeMail := &fakeMailClient{delta: &mail.DeltaResult{
		Messages:  []mail.Message{inboxMessage("reply", "conv", "bob@corp.example.com", "Re: Apollo", now.Add(-time.Hour))},
		NextToken: "delta-1",
	}}
	model := &scriptedLLM{}
	engine := buildEngine(t, db, fakeMail, model, yaml, false)

	require.NoError(t, engine.RunCycle(context.Background()))

	pending, err := db.Suggestions.ListByStatus(database.SuggestionPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "reply", pending[0].EmailID)
	assert.Equal(t, "Projects/Apollo", pending[0].Suggested.Folder)
	assert.Equal(t, 0.85, pending[0].Confidence)
	assert.Zero(t, model.calls, "inherited classification skips the model")

	e, err := db.Emails.GetByID("reply")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, database.ClassificationClassified, e.ClassificationStatus)
}

func TestRunCycleSkipsAlreadyClassified(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()
	seedEmail(t, db, "m1", "c1", now.Add(-2*time.Hour))
	require.NoError(t, db.Emails.MarkClassified("m1"))

	fakeMail := &fakeMailClient{delta: &mail.DeltaResult{
		Messages:  []mail.Message{inboxMessage("m1", "c1", "alice@corp.example.com", "Redelivered", now.Add(-2*time.Hour))},
		NextToken: "delta-2",
	}}
	model := &scriptedLLM{}
	engine := buildEngine(t, db, fakeMail, model, engineYAML, false)

	require.NoError(t, engine.RunCycle(context.Background()))
	assert.Zero(t, model.calls)

	pending, err := db.Suggestions.ListByStatus(database.SuggestionPending, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "a classified email is not re-suggested")
}

func TestRunCycleMarksTerminalClassificationFailure(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()

	yaml := `schema_version: 1
triage:
  max_attempts: 1
`
	fakeMail := &fakeMailClient{delta: &mail.DeltaResult{
		Messages:  []mail.Message{inboxMessage("m1", "c1", "alice@corp.example.com", "Hard one", now.Add(-time.Hour))},
		NextToken: "delta-1",
	}}
	// The model answers the tool with unusable input every time.
	model := &scriptedLLM{response: classifyLLMResponse(`{"folder":""}`)}
	engine := buildEngine(t, db, fakeMail, model, yaml, false)

	require.NoError(t, engine.RunCycle(context.Background()), "per-email failures do not fail the cycle")

	e, err := db.Emails.GetByID("m1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, database.ClassificationFailed, e.ClassificationStatus)
	assert.Equal(t, 1, e.ClassificationAttempts)
	assert.EqualValues(t, 1, engine.Stats().ClassifyErrors)
}

func TestSchedulerStartStop(t *testing.T) {
	db := openTestDB(t)
	fakeMail := &fakeMailClient{}
	engine := buildEngine(t, db, fakeMail, &scriptedLLM{}, engineYAML, false)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(engineYAML), 0o600))
	mgr, err := config.NewManager(path, testLogger())
	require.NoError(t, err)

	s := NewScheduler(engine, mgr, testLogger())
	s.Start(context.Background())
	assert.True(t, s.IsRunning())

	require.Eventually(t, func() bool {
		return engine.Stats().CyclesRun >= 1
	}, 5*time.Second, 10*time.Millisecond, "first cycle runs immediately")

	s.Stop()
	assert.False(t, s.IsRunning())

	// Idempotent.
	s.Stop()
	assert.False(t, s.IsRunning())
}

package learning

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"email-triage/internal/config"
	"email-triage/internal/database"
	"email-triage/internal/llm"
)

type fakeLLM struct {
	preferences string
	err         error
	calls       int
	lastPrompt  string
}

func (f *fakeLLM) CreateMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.calls++
	for _, m := range req.Messages {
		for _, b := range m.Blocks {
			if b.Type == llm.BlockText {
				f.lastPrompt = b.Text
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	input, _ := json.Marshal(map[string]string{"preferences": f.preferences})
	return &llm.Response{
		Blocks: []llm.Block{{
			Type:  llm.BlockToolUse,
			ID:    "tool-1",
			Name:  ToolUpdatePreferences,
			Input: input,
		}},
	}, nil
}

type fakeCorrections struct {
	corrections []database.Suggestion
}

func (f *fakeCorrections) GetCorrections(lookbackDays int) ([]database.Suggestion, error) {
	return f.corrections, nil
}

type fakeEmails struct{}

func (fakeEmails) GetByID(id string) (*database.Email, error) {
	return &database.Email{
		ID:          id,
		Subject:     "Quarterly numbers for " + id,
		SenderEmail: "cfo@corp.example.com",
	}, nil
}

type fakeState struct {
	values map[string]string
	times  map[string]time.Time
}

func newFakeState() *fakeState {
	return &fakeState{values: map[string]string{}, times: map[string]time.Time{}}
}

func (f *fakeState) Get(key string) (string, error)        { return f.values[key], nil }
func (f *fakeState) Set(key, value string) error           { f.values[key] = value; return nil }
func (f *fakeState) GetTime(key string) (time.Time, error) { return f.times[key], nil }
func (f *fakeState) SetTime(key string, t time.Time) error { f.times[key] = t; return nil }

type fakeAudit struct {
	entries []*database.LLMRequestLog
}

func (f *fakeAudit) LogLLMRequest(entry *database.LLMRequestLog) error {
	f.entries = append(f.entries, entry)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func learningConfig() *config.Config {
	cfg := &config.Config{SchemaVersion: 1}
	cfg.SetDefaults()
	cfg.Learning.Enabled = true
	return cfg
}

func corrections(n int) []database.Suggestion {
	out := make([]database.Suggestion, n)
	for i := range out {
		out[i] = database.Suggestion{
			EmailID: "e1",
			Status:  database.SuggestionPartial,
			Suggested: database.SuggestedAction{
				Folder: "Inbox", Priority: "P3 - Routine", ActionType: database.ActionFile,
			},
			Approved: &database.SuggestedAction{
				Folder: "Areas/Finance", Priority: "P2 - Important", ActionType: database.ActionTask,
			},
		}
	}
	return out
}

func newLearner(client llm.Client, source CorrectionSource, state *fakeState) *Learner {
	return NewLearner(client, source, fakeEmails{}, state, &fakeAudit{}, testLogger())
}

func TestCheckAndUpdateDisabled(t *testing.T) {
	fake := &fakeLLM{preferences: "x"}
	l := newLearner(fake, &fakeCorrections{corrections: corrections(10)}, newFakeState())

	cfg := learningConfig()
	cfg.Learning.Enabled = false

	updated, err := l.CheckAndUpdate(context.Background(), "cycle-1", cfg)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Zero(t, fake.calls)
}

func TestCheckAndUpdateCooldown(t *testing.T) {
	fake := &fakeLLM{preferences: "x"}
	state := newFakeState()
	state.times[database.StateLastPreferenceUpdate] = time.Now().Add(-time.Minute)
	l := newLearner(fake, &fakeCorrections{corrections: corrections(10)}, state)

	updated, err := l.CheckAndUpdate(context.Background(), "cycle-1", learningConfig())
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Zero(t, fake.calls)
}

func TestCheckAndUpdateTooFewCorrections(t *testing.T) {
	fake := &fakeLLM{preferences: "x"}
	l := newLearner(fake, &fakeCorrections{corrections: corrections(4)}, newFakeState())

	updated, err := l.CheckAndUpdate(context.Background(), "cycle-1", learningConfig())
	require.NoError(t, err)
	assert.False(t, updated, "below min_corrections_to_update")
	assert.Zero(t, fake.calls)
}

func TestCheckAndUpdateStoresNewPreferences(t *testing.T) {
	fake := &fakeLLM{preferences: "File vendor invoices under Areas/Finance as P2 tasks."}
	state := newFakeState()
	state.values[database.StatePreferences] = "Old preferences."
	l := newLearner(fake, &fakeCorrections{corrections: corrections(5)}, state)

	updated, err := l.CheckAndUpdate(context.Background(), "cycle-1", learningConfig())
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, "File vendor invoices under Areas/Finance as P2 tasks.",
		state.values[database.StatePreferences])
	assert.False(t, state.times[database.StateLastPreferenceUpdate].IsZero())

	// The prompt carried both the prior text and the corrections.
	assert.Contains(t, fake.lastPrompt, "Old preferences.")
	assert.Contains(t, fake.lastPrompt, "user chose Areas/Finance")
}

func TestCheckAndUpdateClampsWordCount(t *testing.T) {
	fake := &fakeLLM{preferences: "one two three four five six seven eight nine ten"}
	state := newFakeState()
	l := newLearner(fake, &fakeCorrections{corrections: corrections(5)}, state)

	cfg := learningConfig()
	cfg.Learning.MaxPreferencesWords = 3

	updated, err := l.CheckAndUpdate(context.Background(), "cycle-1", cfg)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, "one two three", state.values[database.StatePreferences])
}

func TestCheckAndUpdateKeepsPriorOnModelFailure(t *testing.T) {
	fake := &fakeLLM{err: errors.New("model unavailable")}
	state := newFakeState()
	state.values[database.StatePreferences] = "Keep me."
	l := newLearner(fake, &fakeCorrections{corrections: corrections(5)}, state)

	updated, err := l.CheckAndUpdate(context.Background(), "cycle-1", learningConfig())
	require.Error(t, err)
	assert.False(t, updated)
	assert.Equal(t, "Keep me.", state.values[database.StatePreferences])
	assert.True(t, state.times[database.StateLastPreferenceUpdate].IsZero(),
		"a failed run does not consume the cooldown")
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	out := truncate(strings.Repeat("日", 4), 4)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "日", out)

	assert.Equal(t, "abc", truncate("abc", 4))
}

func TestCheckAndUpdateRejectsEmptyModelOutput(t *testing.T) {
	fake := &fakeLLM{preferences: "   "}
	state := newFakeState()
	state.values[database.StatePreferences] = "Keep me."
	l := newLearner(fake, &fakeCorrections{corrections: corrections(5)}, state)

	_, err := l.CheckAndUpdate(context.Background(), "cycle-1", learningConfig())
	require.Error(t, err)
	assert.Equal(t, "Keep me.", state.values[database.StatePreferences])
}

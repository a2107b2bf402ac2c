package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"email-triage/internal/config"
	"email-triage/internal/database"
	"email-triage/internal/llm"
)

// ToolUpdatePreferences is the structured-output tool the learner asks
// the model to answer with.
const ToolUpdatePreferences = "update_preferences"

// Cooldown is the minimum gap between learner runs, independent of the
// triage interval.
const Cooldown = 5 * time.Minute

// Input truncation bounds keep correction prompts small; the learner
// needs patterns, not full text.
const (
	maxSubjectChars = 50
	maxSenderChars  = 20
)

// CorrectionSource yields the resolved suggestions where the user
// diverged from the model.
type CorrectionSource interface {
	GetCorrections(lookbackDays int) ([]database.Suggestion, error)
}

// EmailLookup resolves correction rows back to their email metadata.
type EmailLookup interface {
	GetByID(id string) (*database.Email, error)
}

// StateStore holds the preferences text and the cooldown timestamp.
type StateStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	GetTime(key string) (time.Time, error)
	SetTime(key string, t time.Time) error
}

// RequestLogger records LLM round-trips for audit.
type RequestLogger interface {
	LogLLMRequest(entry *database.LLMRequestLog) error
}

// Learner periodically distills user corrections into a
// natural-language preferences text that future classifications carry
// in their system prompt.
type Learner struct {
	client      llm.Client
	corrections CorrectionSource
	emails      EmailLookup
	state       StateStore
	audit       RequestLogger
	logger      *slog.Logger
}

// NewLearner wires a preference learner.
func NewLearner(client llm.Client, corrections CorrectionSource, emails EmailLookup, state StateStore, audit RequestLogger, logger *slog.Logger) *Learner {
	return &Learner{
		client:      client,
		corrections: corrections,
		emails:      emails,
		state:       state,
		audit:       audit,
		logger:      logger,
	}
}

// CheckAndUpdate runs the learner if due. Returns whether preferences
// were updated. The prior preferences survive every failure path; only
// a successful model round-trip replaces them.
func (l *Learner) CheckAndUpdate(ctx context.Context, cycleID string, cfg *config.Config) (bool, error) {
	if !cfg.Learning.Enabled {
		return false, nil
	}

	lastRun, err := l.state.GetTime(database.StateLastPreferenceUpdate)
	if err != nil {
		return false, fmt.Errorf("failed to read learner cooldown: %w", err)
	}
	if !lastRun.IsZero() && time.Since(lastRun) < Cooldown {
		return false, nil
	}

	corrections, err := l.corrections.GetCorrections(cfg.Learning.LookbackDays)
	if err != nil {
		return false, fmt.Errorf("failed to load corrections: %w", err)
	}
	if len(corrections) < cfg.Learning.MinCorrectionsToUpdate {
		l.logger.Debug("Too few corrections to update preferences",
			"count", len(corrections), "minimum", cfg.Learning.MinCorrectionsToUpdate)
		return false, nil
	}

	current, err := l.state.Get(database.StatePreferences)
	if err != nil {
		return false, fmt.Errorf("failed to read current preferences: %w", err)
	}

	updated, err := l.askModel(ctx, cycleID, cfg, current, corrections)
	if err != nil {
		return false, err
	}

	updated = clampWords(updated, cfg.Learning.MaxPreferencesWords)
	if err := l.state.Set(database.StatePreferences, updated); err != nil {
		return false, fmt.Errorf("failed to store preferences: %w", err)
	}
	if err := l.state.SetTime(database.StateLastPreferenceUpdate, time.Now()); err != nil {
		return false, fmt.Errorf("failed to store learner timestamp: %w", err)
	}

	l.logger.Info("Classification preferences updated",
		"corrections", len(corrections), "words", len(strings.Fields(updated)))
	return true, nil
}

func (l *Learner) askModel(ctx context.Context, cycleID string, cfg *config.Config, current string, corrections []database.Suggestion) (string, error) {
	prompt := l.buildPrompt(current, corrections)

	req := &llm.Request{
		Model:     cfg.Models.Learner,
		MaxTokens: cfg.Models.MaxTokens,
		System: "You maintain a short natural-language list of email filing preferences. " +
			"Given the current preferences and the user's recent corrections, produce an updated " +
			"preferences text that keeps still-valid rules and folds in the new patterns. " +
			"Answer by calling the update_preferences tool.",
		Messages: []llm.Message{llm.TextMessage(llm.RoleUser, prompt)},
		Tools: []llm.Tool{{
			Name:        ToolUpdatePreferences,
			Description: "Record the updated preferences text.",
			InputSchema: map[string]any{
				"preferences": map[string]any{
					"type":        "string",
					"description": "The full updated preferences text.",
				},
			},
			Required: []string{"preferences"},
		}},
	}

	start := time.Now()
	result, err := llm.RunForTool(ctx, l.client, req, ToolUpdatePreferences)
	l.logRequest(cycleID, cfg, prompt, result, time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("preference update failed: %w", err)
	}

	var in struct {
		Preferences string `json:"preferences"`
	}
	if err := json.Unmarshal(result.Call.Input, &in); err != nil {
		return "", fmt.Errorf("malformed preference update output: %w", err)
	}
	if strings.TrimSpace(in.Preferences) == "" {
		return "", fmt.Errorf("preference update produced empty text")
	}
	return strings.TrimSpace(in.Preferences), nil
}

func (l *Learner) buildPrompt(current string, corrections []database.Suggestion) string {
	var b strings.Builder

	b.WriteString("## Current preferences\n")
	if current == "" {
		b.WriteString("(none yet)\n")
	} else {
		b.WriteString(current)
		b.WriteString("\n")
	}

	b.WriteString("\n## Recent corrections\n")
	for _, sg := range corrections {
		subject, sender := l.emailSummary(sg.EmailID)
		fmt.Fprintf(&b, "- From %s, subject %q: suggested %s / %s / %s",
			sender, subject,
			sg.Suggested.Folder, sg.Suggested.Priority, sg.Suggested.ActionType)
		if sg.Status == database.SuggestionRejected || sg.Approved == nil {
			b.WriteString("; user rejected\n")
			continue
		}
		fmt.Fprintf(&b, "; user chose %s / %s / %s\n",
			sg.Approved.Folder, sg.Approved.Priority, sg.Approved.ActionType)
	}

	return b.String()
}

func (l *Learner) emailSummary(emailID string) (subject, sender string) {
	e, err := l.emails.GetByID(emailID)
	if err != nil || e == nil {
		return "(unknown)", "(unknown)"
	}
	return truncate(e.Subject, maxSubjectChars), truncate(e.SenderEmail, maxSenderChars)
}

func (l *Learner) logRequest(cycleID string, cfg *config.Config, prompt string, result *llm.ToolResult, elapsed time.Duration, callErr error) {
	if !cfg.LLMLogging.Enabled {
		return
	}

	entry := &database.LLMRequestLog{
		CycleID:     cycleID,
		Timestamp:   time.Now(),
		Model:       cfg.Models.Learner,
		RequestType: ToolUpdatePreferences,
		DurationMS:  elapsed.Milliseconds(),
	}
	if cfg.LLMLogging.IncludePrompts {
		entry.Prompt = prompt
	}
	if result != nil {
		entry.Response = string(result.Call.Input)
		entry.InputTokens = result.Response.InputTokens
		entry.OutputTokens = result.Response.OutputTokens
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}

	if err := l.audit.LogLLMRequest(entry); err != nil {
		l.logger.Warn("Failed to record LLM request log", "error", err)
	}
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// clampWords truncates text to at most max words.
func clampWords(text string, max int) string {
	if max <= 0 {
		return text
	}
	words := strings.Fields(text)
	if len(words) <= max {
		return text
	}
	return strings.Join(words[:max], " ")
}

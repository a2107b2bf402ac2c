package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"email-triage/internal/classifier"
	"email-triage/internal/config"
	"email-triage/internal/database"
	"email-triage/internal/learning"
	"email-triage/internal/mail"
	"email-triage/internal/rules"
	"email-triage/internal/snippet"
	"email-triage/internal/thread"
)

// CycleTimeout is the hard deadline on one triage cycle. A cycle cut
// off here does not advance the delta cursor, so the next cycle
// reprocesses the same messages.
const CycleTimeout = 5 * time.Minute

// inboxFolder is the well-known delta source folder.
const inboxFolder = "inbox"

// Defaults used when an auto-rule or inheritance decision does not
// specify the full triple.
const (
	defaultPriority   = "P3 - Routine"
	defaultActionType = database.ActionFile
)

// Engine orchestrates one triage cycle: delta fetch, classification,
// queue maintenance, obligation tracking, learning, and the digest.
type Engine struct {
	cfg        *config.Manager
	db         *database.DB
	mail       mail.Client
	classifier *classifier.Classifier
	queue      *QueueProcessor
	tracker    *WaitingForTracker
	learner    *learning.Learner
	digest     *DigestGenerator
	logger     *slog.Logger
	dryRun     bool

	// Dry-run knobs: bound and sample the message set, override the
	// lookback window.
	maxMessages   int
	sampleSize    int
	lookbackHours int

	cyclesRun      atomic.Int64
	emailsSeen     atomic.Int64
	classified     atomic.Int64
	classifyErrors atomic.Int64
}

// EngineParams collects the engine's collaborators.
type EngineParams struct {
	Config     *config.Manager
	DB         *database.DB
	Mail       mail.Client
	Classifier *classifier.Classifier
	Queue      *QueueProcessor
	Tracker    *WaitingForTracker
	Learner    *learning.Learner
	Digest     *DigestGenerator
	Logger     *slog.Logger
	DryRun     bool

	// MaxMessages caps messages per cycle; SampleSize takes a random
	// subset instead of the newest; LookbackHours overrides the
	// configured window. All zero in normal operation.
	MaxMessages   int
	SampleSize    int
	LookbackHours int
}

// NewEngine wires a triage engine.
func NewEngine(p EngineParams) *Engine {
	return &Engine{
		cfg:           p.Config,
		db:            p.DB,
		mail:          p.Mail,
		classifier:    p.Classifier,
		queue:         p.Queue,
		tracker:       p.Tracker,
		learner:       p.Learner,
		digest:        p.Digest,
		logger:        p.Logger,
		dryRun:        p.DryRun,
		maxMessages:   p.MaxMessages,
		sampleSize:    p.SampleSize,
		lookbackHours: p.LookbackHours,
	}
}

// EngineStats is a snapshot of the engine's counters, for the health
// endpoint.
type EngineStats struct {
	CyclesRun      int64 `json:"cycles_run"`
	EmailsSeen     int64 `json:"emails_seen"`
	Classified     int64 `json:"classified"`
	ClassifyErrors int64 `json:"classify_errors"`
}

// Stats returns the current counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		CyclesRun:      e.cyclesRun.Load(),
		EmailsSeen:     e.emailsSeen.Load(),
		Classified:     e.classified.Load(),
		ClassifyErrors: e.classifyErrors.Load(),
	}
}

// RunCycle executes one full triage cycle. It never panics outward and
// per-email failures do not abort the sweep; only cycle-level failures
// (delta fetch, deadline) surface as an error.
func (e *Engine) RunCycle(ctx context.Context) error {
	cycleID := uuid.New().String()
	logger := e.logger.With("cycle_id", cycleID)
	e.cyclesRun.Add(1)

	ctx, cancel := context.WithTimeout(ctx, CycleTimeout)
	defer cancel()

	e.cfg.ReloadIfChanged()
	cfg := e.cfg.Get()

	preferences, err := e.db.State.Get(database.StatePreferences)
	if err != nil {
		return fmt.Errorf("failed to read preferences: %w", err)
	}
	e.classifier.RefreshSystemPrompt(cfg, preferences)

	token, err := e.db.State.Get(database.StateDeltaToken)
	if err != nil {
		return fmt.Errorf("failed to read delta token: %w", err)
	}

	delta, err := e.mail.GetDelta(ctx, inboxFolder, token)
	if err != nil {
		return fmt.Errorf("delta fetch failed: %w", err)
	}
	logger.Info("Cycle started",
		"new_messages", len(delta.Messages), "removed", len(delta.Removed),
		"fresh_enumeration", token == "")

	lookback := cfg.Triage.LookbackHours
	if e.lookbackHours > 0 {
		lookback = e.lookbackHours
	}

	messages := delta.Messages
	if token == "" {
		// A fresh enumeration returns the whole folder; honor the
		// lookback window.
		cutoff := time.Now().Add(-time.Duration(lookback) * time.Hour)
		messages = messages[:0]
		for _, m := range delta.Messages {
			if !m.ReceivedAt.Before(cutoff) {
				messages = append(messages, m)
			}
		}
	}

	if e.sampleSize > 0 && len(messages) > e.sampleSize {
		rand.Shuffle(len(messages), func(i, j int) {
			messages[i], messages[j] = messages[j], messages[i]
		})
		messages = messages[:e.sampleSize]
	}
	if e.maxMessages > 0 && len(messages) > e.maxMessages {
		messages = messages[:e.maxMessages]
	}

	// Ascending received_at so thread inheritance sees classified
	// predecessors.
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].ReceivedAt.Before(messages[j].ReceivedAt)
	})

	matcher := rules.NewMatcher(cfg.AutoRules)
	cleaner := snippet.NewCleaner(cfg.Snippet.MaxLength, logger)
	threads := thread.NewBuilder(e.db.Emails, e.db.Suggestions,
		thread.DefaultMaxMessages, cfg.Snippet.ThreadContextMaxLength)

	for _, m := range messages {
		if ctx.Err() != nil {
			// Abandoned cycle: the cursor stays put so these
			// messages come back next cycle.
			logger.Warn("Cycle deadline reached, abandoning remaining messages")
			return ctx.Err()
		}
		e.emailsSeen.Add(1)
		if err := e.processMessage(ctx, cycleID, cfg, matcher, cleaner, threads, m); err != nil {
			e.classifyErrors.Add(1)
			logger.Error("Failed to process message",
				"email_id", m.ID, "sender", m.SenderEmail, "error", err)
		}
	}

	if e.dryRun {
		logger.Info("Dry run: cursor and queue untouched")
		return nil
	}

	if delta.NextToken != "" {
		if err := e.db.State.Set(database.StateDeltaToken, delta.NextToken); err != nil {
			return fmt.Errorf("failed to persist delta token: %w", err)
		}
	}
	if err := e.db.State.SetTime(database.StateLastProcessedTimestamp, time.Now()); err != nil {
		logger.Warn("Failed to record cycle timestamp", "error", err)
	}

	if _, err := e.queue.AutoApply(ctx, cycleID, cfg); err != nil {
		logger.Error("Auto-apply failed", "error", err)
	}
	if _, err := e.queue.Expire(cfg); err != nil {
		logger.Error("Suggestion expiry failed", "error", err)
	}

	counts := e.tracker.CheckAll(ctx, cycleID, cfg)
	logger.Info("Waiting-for sweep complete",
		"resolved", counts.Resolved, "nudged", counts.Nudged,
		"escalated", counts.Escalated, "unchanged", counts.Unchanged,
		"errors", counts.Errors)

	if _, err := e.learner.CheckAndUpdate(ctx, cycleID, cfg); err != nil {
		logger.Error("Preference learning failed", "error", err)
	}

	due, err := e.digest.ShouldRun(time.Now())
	if err != nil {
		logger.Error("Digest scheduling check failed", "error", err)
	} else if due {
		if err := e.digest.GenerateAndDeliver(ctx, cycleID, cfg); err != nil {
			logger.Error("Digest delivery failed", "error", err)
		}
	}

	logger.Info("Cycle complete", "processed", len(messages))
	return nil
}

func (e *Engine) processMessage(ctx context.Context, cycleID string, cfg *config.Config,
	matcher *rules.Matcher, cleaner *snippet.Cleaner, threads *thread.Builder, m mail.Message) error {

	email := &database.Email{
		ID:                   m.ID,
		ConversationID:       m.ConversationID,
		ConversationIndex:    m.ConversationIndex,
		Subject:              m.Subject,
		SenderEmail:          m.SenderEmail,
		SenderName:           m.SenderName,
		ReceivedAt:           m.ReceivedAt,
		Snippet:              cleaner.Clean(m.Body),
		CurrentFolder:        "Inbox",
		Importance:           m.Importance,
		IsRead:               m.IsRead,
		FlagStatus:           m.FlagStatus,
		ClassificationStatus: database.ClassificationPending,
	}

	if e.dryRun {
		return e.dryRunClassify(ctx, cycleID, cfg, matcher, threads, email)
	}

	existing, err := e.db.Emails.GetByID(m.ID)
	if err != nil {
		return fmt.Errorf("failed to look up email: %w", err)
	}

	if err := e.db.Emails.Save(email); err != nil {
		return fmt.Errorf("failed to save email: %w", err)
	}
	if err := e.db.Senders.Observe(m.SenderEmail, m.SenderName, m.ReceivedAt); err != nil {
		e.logger.Warn("Failed to update sender profile", "sender", m.SenderEmail, "error", err)
	}

	if existing != nil {
		if existing.ClassificationStatus == database.ClassificationClassified {
			return nil
		}
		if existing.ClassificationStatus == database.ClassificationFailed &&
			existing.ClassificationAttempts >= cfg.Triage.MaxAttempts {
			return nil
		}
	}

	if match := matcher.Evaluate(m.SenderEmail, m.Subject); match != nil {
		action := ruleAction(match)
		if _, err := e.db.Suggestions.Create(email.ID, action, 1.0, match.MatchReason); err != nil {
			return fmt.Errorf("failed to create rule suggestion: %w", err)
		}
		e.classified.Add(1)
		return e.db.Emails.MarkClassified(email.ID)
	}

	threadCtx, err := threads.Build(email)
	if err != nil {
		return fmt.Errorf("failed to build thread context: %w", err)
	}
	if threadCtx.Sender.AutoRuleCandidate {
		if err := e.db.Senders.MarkCandidate(m.SenderEmail, threadCtx.Sender.TopFolder, true); err != nil {
			e.logger.Warn("Failed to mark auto-rule candidate", "sender", m.SenderEmail, "error", err)
		}
	}

	if cfg.Triage.UseInheritance && threadCtx.InheritedFolder != "" {
		if err := e.db.Emails.SetInheritedFolder(email.ID, threadCtx.InheritedFolder); err != nil {
			return fmt.Errorf("failed to record inherited folder: %w", err)
		}
		action := database.SuggestedAction{
			Folder:     threadCtx.InheritedFolder,
			Priority:   defaultPriority,
			ActionType: defaultActionType,
		}
		reasoning := fmt.Sprintf("Inherited from an earlier message in this thread filed to %q", threadCtx.InheritedFolder)
		if _, err := e.db.Suggestions.Create(email.ID, action, cfg.Triage.InheritedConfidence, reasoning); err != nil {
			return fmt.Errorf("failed to create inherited suggestion: %w", err)
		}
		e.classified.Add(1)
		return e.db.Emails.MarkClassified(email.ID)
	}

	result, err := e.classifier.Classify(ctx, cycleID, email, threadCtx)
	if err != nil {
		var cErr *classifier.Error
		if errors.As(err, &cErr) {
			if markErr := e.db.Emails.MarkClassificationFailed(email.ID); markErr != nil {
				e.logger.Error("Failed to mark classification failure",
					"email_id", email.ID, "error", markErr)
			}
		}
		// Transient errors (rate limit, timeout) leave the email
		// pending for the next cycle.
		return err
	}

	if _, err := e.db.Suggestions.Create(email.ID, result.Action, result.Confidence, result.Reasoning); err != nil {
		return fmt.Errorf("failed to create suggestion: %w", err)
	}
	e.classified.Add(1)
	return e.db.Emails.MarkClassified(email.ID)
}

// dryRunClassify runs the decision pipeline without any writes, logging
// what each stage would have done.
func (e *Engine) dryRunClassify(ctx context.Context, cycleID string, cfg *config.Config,
	matcher *rules.Matcher, threads *thread.Builder, email *database.Email) error {

	if match := matcher.Evaluate(email.SenderEmail, email.Subject); match != nil {
		e.logger.Info("Dry run: auto-rule match",
			"email_id", email.ID, "subject", email.Subject,
			"folder", match.Rule.Action.Folder, "reason", match.MatchReason)
		return nil
	}

	threadCtx, err := threads.Build(email)
	if err != nil {
		return err
	}
	if cfg.Triage.UseInheritance && threadCtx.InheritedFolder != "" {
		e.logger.Info("Dry run: would inherit folder",
			"email_id", email.ID, "subject", email.Subject,
			"folder", threadCtx.InheritedFolder)
		return nil
	}

	result, err := e.classifier.Classify(ctx, cycleID, email, threadCtx)
	if err != nil {
		return err
	}
	e.logger.Info("Dry run: classification",
		"email_id", email.ID, "subject", email.Subject,
		"folder", result.Action.Folder, "priority", result.Action.Priority,
		"action_type", result.Action.ActionType, "confidence", result.Confidence)
	return nil
}

func ruleAction(match *rules.Match) database.SuggestedAction {
	action := database.SuggestedAction{
		Folder:     match.Rule.Action.Folder,
		Priority:   match.Rule.Action.Priority,
		ActionType: match.Rule.Action.ActionType,
	}
	if action.Priority == "" {
		action.Priority = defaultPriority
	}
	if action.ActionType == "" {
		action.ActionType = defaultActionType
	}
	return action
}

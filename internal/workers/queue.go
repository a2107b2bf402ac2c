package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"email-triage/internal/config"
	"email-triage/internal/database"
	"email-triage/internal/mail"
)

// TriggerAutoApproved marks action_log rows written by the auto-apply
// path, as opposed to user-triggered moves.
const TriggerAutoApproved = "auto_approved"

// QueueProcessor applies and ages the suggestion queue: high-confidence
// pending suggestions become mailbox moves, stale ones expire.
type QueueProcessor struct {
	db     *database.DB
	mail   mail.Client
	logger *slog.Logger
}

// NewQueueProcessor wires a queue processor.
func NewQueueProcessor(db *database.DB, mailClient mail.Client, logger *slog.Logger) *QueueProcessor {
	return &QueueProcessor{db: db, mail: mailClient, logger: logger}
}

// AutoApply moves the mail for every auto-approvable suggestion and
// marks the succeeded ones auto_approved. Urgent-priority suggestions
// never qualify; the store query excludes them and the loop re-checks.
// Per-move failures leave their suggestion pending for a later cycle; a
// batch-level error leaves all of them pending.
func (q *QueueProcessor) AutoApply(ctx context.Context, cycleID string, cfg *config.Config) (int, error) {
	candidates, err := q.db.Suggestions.GetAutoApprovable(
		cfg.SuggestionQueue.AutoApproveConfidence, cfg.AutoApproveDelay())
	if err != nil {
		return 0, fmt.Errorf("failed to query auto-approvable suggestions: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	var moves []mail.Move
	var movable []database.Suggestion
	for _, sg := range candidates {
		if sg.Suggested.Priority == database.PriorityUrgent {
			continue
		}
		folderID, err := q.mail.GetFolderID(ctx, sg.Suggested.Folder)
		if err != nil {
			q.logger.Warn("Failed to resolve suggestion folder, leaving pending",
				"suggestion_id", sg.ID, "folder", sg.Suggested.Folder, "error", err)
			continue
		}
		moves = append(moves, mail.Move{MessageID: sg.EmailID, DestinationFolderID: folderID})
		movable = append(movable, sg)
	}
	if len(moves) == 0 {
		return 0, nil
	}

	results, err := q.mail.BatchMove(ctx, moves)
	if err != nil {
		return 0, fmt.Errorf("batch move failed, suggestions left pending: %w", err)
	}

	applied := 0
	for i, result := range results {
		sg := movable[i]
		if result.Err != nil {
			q.logger.Warn("Move failed, suggestion stays pending",
				"suggestion_id", sg.ID, "email_id", sg.EmailID, "error", result.Err)
			continue
		}

		if result.NewID != "" {
			if err := q.db.UpdateEmailID(sg.EmailID, result.NewID); err != nil {
				q.logger.Error("Failed to record post-move email id",
					"old_id", sg.EmailID, "new_id", result.NewID, "error", err)
			} else {
				sg.EmailID = result.NewID
			}
		}

		if err := q.db.Emails.SetCurrentFolder(sg.EmailID, sg.Suggested.Folder); err != nil {
			q.logger.Warn("Failed to record new folder", "email_id", sg.EmailID, "error", err)
		}

		ok, err := q.db.Suggestions.MarkAutoApproved(sg.ID)
		if err != nil {
			q.logger.Error("Failed to mark suggestion auto-approved",
				"suggestion_id", sg.ID, "error", err)
			continue
		}
		if !ok {
			// Resolved by the user between the query and the move.
			continue
		}

		if sg.Suggested.ActionType == database.ActionWaitingFor {
			TrackWaitingFor(q.db, sg.EmailID, cfg, q.logger)
		}

		if err := q.db.Audit.LogAction(&database.ActionLog{
			CycleID:     cycleID,
			Timestamp:   time.Now(),
			EmailID:     sg.EmailID,
			Action:      "move",
			Detail:      sg.Suggested.Folder,
			TriggeredBy: TriggerAutoApproved,
		}); err != nil {
			q.logger.Warn("Failed to record action log", "email_id", sg.EmailID, "error", err)
		}
		applied++
	}

	if applied > 0 {
		q.logger.Info("Auto-applied suggestions", "applied", applied, "candidates", len(candidates))
	}
	return applied, nil
}

// Expire ages out pending suggestions past the retention window.
func (q *QueueProcessor) Expire(cfg *config.Config) (int64, error) {
	expired, err := q.db.Suggestions.ExpireOld(cfg.SuggestionQueue.ExpireAfterDays)
	if err != nil {
		return 0, fmt.Errorf("failed to expire suggestions: %w", err)
	}
	if expired > 0 {
		q.logger.Info("Expired stale suggestions",
			"count", expired, "after_days", cfg.SuggestionQueue.ExpireAfterDays)
	}
	return expired, nil
}

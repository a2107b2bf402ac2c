package workers

import (
	"context"
	"log/slog"
	"time"

	"email-triage/internal/cache"
	"email-triage/internal/config"
	"email-triage/internal/database"
)

// cacheMaxAge is how stale the sent-items cache may be before the
// tracker forces a refresh.
const cacheMaxAge = time.Minute

// TrackerCounts aggregates one waiting-for sweep.
type TrackerCounts struct {
	Resolved  int `json:"resolved"`
	Nudged    int `json:"nudged"`
	Escalated int `json:"escalated"`
	Unchanged int `json:"unchanged"`
	Errors    int `json:"errors"`
}

// TrackWaitingFor opens an obligation for an email whose approved
// action type is Waiting For. At most one obligation is open per
// conversation; when one already exists the call is a no-op. Failures
// are logged, not returned: losing an obligation must not undo the
// approval that triggered it.
func TrackWaitingFor(db *database.DB, emailID string, cfg *config.Config, logger *slog.Logger) {
	e, err := db.Emails.GetByID(emailID)
	if err != nil || e == nil {
		logger.Warn("Failed to load email for waiting-for tracking",
			"email_id", emailID, "error", err)
		return
	}

	if e.ConversationID != "" {
		existing, err := db.WaitingFor.ActiveInConversation(e.ConversationID)
		if err != nil {
			logger.Warn("Failed to check for an open obligation",
				"conversation_id", e.ConversationID, "error", err)
			return
		}
		if existing != nil {
			return
		}
	}

	if _, err := db.WaitingFor.Create(&database.WaitingFor{
		EmailID:         e.ID,
		ConversationID:  e.ConversationID,
		WaitingSince:    e.ReceivedAt,
		ExpectedFrom:    e.SenderEmail,
		Description:     e.Subject,
		NudgeAfterHours: cfg.Aging.WaitingForNudgeHours,
	}); err != nil {
		logger.Warn("Failed to create waiting-for obligation",
			"email_id", emailID, "error", err)
		return
	}
	logger.Info("Tracking waiting-for obligation",
		"email_id", e.ID, "expected_from", e.SenderEmail)
}

// WaitingForTracker sweeps active waiting-for obligations: items the
// user has since replied to resolve, the rest age into nudge and
// escalate bands.
type WaitingForTracker struct {
	db     *database.DB
	cache  *cache.SentItemsCache
	logger *slog.Logger
}

// NewWaitingForTracker wires a tracker. The tracker owns the cache;
// nothing else mutates it.
func NewWaitingForTracker(db *database.DB, sentItems *cache.SentItemsCache, logger *slog.Logger) *WaitingForTracker {
	return &WaitingForTracker{db: db, cache: sentItems, logger: logger}
}

// CheckAll sweeps every active obligation once. Resolution counts only
// when the CAS actually transitions the row, so concurrent sweeps never
// double-count.
func (t *WaitingForTracker) CheckAll(ctx context.Context, cycleID string, cfg *config.Config) TrackerCounts {
	var counts TrackerCounts

	if t.cache.IsStale(cacheMaxAge) {
		lookback := time.Duration(cfg.Triage.LookbackHours) * time.Hour
		if err := t.cache.Refresh(ctx, lookback); err != nil {
			// Stale data still beats no sweep; items resolve next cycle.
			t.logger.Warn("Sent items refresh failed, using stale cache", "error", err)
		}
	}

	active, err := t.db.WaitingFor.GetActive()
	if err != nil {
		t.logger.Error("Failed to load waiting-for items", "error", err)
		counts.Errors++
		return counts
	}

	nudgeAfter := time.Duration(cfg.Aging.WaitingForNudgeHours) * time.Hour
	escalateAfter := time.Duration(cfg.Aging.WaitingForEscalateHours) * time.Hour

	for _, wf := range active {
		if t.cache.HasRepliedSince(wf.ConversationID, wf.WaitingSince) {
			ok, err := t.db.WaitingFor.Resolve(wf.ID, database.WaitingStatusReceived)
			if err != nil {
				t.logger.Error("Failed to resolve waiting-for item",
					"waiting_for_id", wf.ID, "error", err)
				counts.Errors++
				continue
			}
			if ok {
				counts.Resolved++
				if err := t.db.Audit.LogAction(&database.ActionLog{
					CycleID:     cycleID,
					Timestamp:   time.Now(),
					EmailID:     wf.EmailID,
					Action:      "waiting_for_resolved",
					Detail:      wf.Description,
					TriggeredBy: "tracker",
				}); err != nil {
					t.logger.Warn("Failed to record action log", "waiting_for_id", wf.ID, "error", err)
				}
			}
			continue
		}

		waiting := time.Since(wf.WaitingSince)
		switch {
		case waiting >= escalateAfter:
			counts.Escalated++
			t.logger.Warn("Waiting-for item needs escalation",
				"waiting_for_id", wf.ID, "expected_from", wf.ExpectedFrom,
				"hours_waiting", int(waiting.Hours()))
		case waiting >= nudgeAfter:
			counts.Nudged++
			t.logger.Info("Waiting-for item due for a nudge",
				"waiting_for_id", wf.ID, "expected_from", wf.ExpectedFrom,
				"hours_waiting", int(waiting.Hours()))
		default:
			counts.Unchanged++
		}
	}

	return counts
}

package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"email-triage/internal/database"
	"email-triage/internal/mail"
)

// IDMigrator rewrites stored email ids to their provider-immutable
// form. One-shot: guarded by an agent-state flag, so reruns are no-ops.
type IDMigrator struct {
	db     *database.DB
	mail   mail.Client
	logger *slog.Logger
}

// NewIDMigrator wires an id migrator.
func NewIDMigrator(db *database.DB, mailClient mail.Client, logger *slog.Logger) *IDMigrator {
	return &IDMigrator{db: db, mail: mailClient, logger: logger}
}

// Run migrates every stored email id once. Deleted messages (404) are
// skipped silently; other provider errors are logged and the sweep
// continues so one bad message cannot wedge the migration. The
// completion flag is only set after a full pass.
func (m *IDMigrator) Run(ctx context.Context) error {
	done, err := m.db.State.Get(database.StateImmutableIDsMigrated)
	if err != nil {
		return fmt.Errorf("failed to read migration flag: %w", err)
	}
	if done != "" {
		return nil
	}

	ids, err := m.db.Emails.ListIDs()
	if err != nil {
		return fmt.Errorf("failed to list email ids: %w", err)
	}

	migrated := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		immutable, err := m.mail.GetMessageImmutableID(ctx, id)
		if err != nil {
			if errors.Is(err, mail.ErrNotFound) {
				continue
			}
			m.logger.Warn("Failed to resolve immutable id, skipping",
				"email_id", id, "error", err)
			continue
		}
		if immutable == "" || immutable == id {
			continue
		}

		if err := m.db.UpdateEmailID(id, immutable); err != nil {
			m.logger.Error("Failed to migrate email id",
				"old_id", id, "new_id", immutable, "error", err)
			continue
		}
		migrated++
	}

	if err := m.db.State.Set(database.StateImmutableIDsMigrated, "true"); err != nil {
		return fmt.Errorf("failed to set migration flag: %w", err)
	}

	m.logger.Info("Immutable id migration complete",
		"scanned", len(ids), "migrated", migrated)
	return nil
}

package workers

import (
	"context"
	"fmt"
	"log/slog"

	"email-triage/internal/database"
	"email-triage/internal/mail"
)

// priorityColors maps priority categories to provider color presets.
var priorityColors = map[string]string{
	database.PriorityUrgent: "preset0", // red
	"P2 - Important":        "preset4", // orange
	"P3 - Routine":          "preset7", // blue
	"P4 - Low":              "preset3", // grey-green
}

// CategoryBootstrapper ensures the mailbox's master category list
// carries the priority taxonomy. One-shot, flag-guarded like the id
// migration.
type CategoryBootstrapper struct {
	db     *database.DB
	mail   mail.Client
	logger *slog.Logger
}

// NewCategoryBootstrapper wires a category bootstrapper.
func NewCategoryBootstrapper(db *database.DB, mailClient mail.Client, logger *slog.Logger) *CategoryBootstrapper {
	return &CategoryBootstrapper{db: db, mail: mailClient, logger: logger}
}

// Run creates any missing priority categories and sets the completion
// flag.
func (b *CategoryBootstrapper) Run(ctx context.Context) error {
	done, err := b.db.State.Get(database.StateCategoriesBootstrapped)
	if err != nil {
		return fmt.Errorf("failed to read bootstrap flag: %w", err)
	}
	if done != "" {
		return nil
	}

	existing, err := b.mail.ListCategories(ctx)
	if err != nil {
		return fmt.Errorf("failed to list categories: %w", err)
	}
	present := make(map[string]bool, len(existing))
	for _, name := range existing {
		present[name] = true
	}

	created := 0
	for _, priority := range database.Priorities {
		if present[priority] {
			continue
		}
		if err := b.mail.CreateCategory(ctx, priority, priorityColors[priority]); err != nil {
			return fmt.Errorf("failed to create category %q: %w", priority, err)
		}
		created++
	}

	if err := b.db.State.Set(database.StateCategoriesBootstrapped, "true"); err != nil {
		return fmt.Errorf("failed to set bootstrap flag: %w", err)
	}

	b.logger.Info("Priority categories bootstrapped", "created", created)
	return nil
}

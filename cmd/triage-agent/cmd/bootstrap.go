package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"email-triage/internal/database"
	"email-triage/internal/snippet"
	"email-triage/internal/thread"
)

var bootstrapDays int

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Seed the store and discover taxonomy candidates from recent mail",
	Long: `Creates the priority categories in the mailbox, ingests the last N days
of inbox mail into the local store, and reports senders whose mail is
concentrated enough to back an auto-rule. No mail is moved and nothing
is classified.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(),
			syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger := newLogger()
		a, err := buildApp(ctx, logger)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.categories.Run(ctx); err != nil {
			logger.Warn("Category bootstrap failed, continuing", "error", err)
		}

		cfg := a.cfg.Get()
		cleaner := snippet.NewCleaner(cfg.Snippet.MaxLength, logger)

		delta, err := a.mail.GetDelta(ctx, "inbox", "")
		if err != nil {
			return fmt.Errorf("failed to enumerate inbox: %w", err)
		}

		cutoff := time.Now().AddDate(0, 0, -bootstrapDays)
		ingested := 0
		for _, m := range delta.Messages {
			if m.ReceivedAt.Before(cutoff) {
				continue
			}
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
			if err := a.db.Emails.Save(email); err != nil {
				logger.Warn("Failed to ingest email", "email_id", m.ID, "error", err)
				continue
			}
			if err := a.db.Senders.Observe(m.SenderEmail, m.SenderName, m.ReceivedAt); err != nil {
				logger.Warn("Failed to record sender", "sender", m.SenderEmail, "error", err)
			}
			ingested++
		}
		fmt.Printf("Ingested %d emails from the last %d days.\n", ingested, bootstrapDays)

		builder := thread.NewBuilder(a.db.Emails, a.db.Suggestions,
			thread.DefaultMaxMessages, cfg.Snippet.ThreadContextMaxLength)
		frequent, err := a.db.Senders.Frequent(database.AutoRuleCandidateMinEmails)
		if err != nil {
			return fmt.Errorf("failed to list frequent senders: %w", err)
		}

		candidates := 0
		for _, sender := range frequent {
			history, err := builder.SenderHistory(sender.Email)
			if err != nil {
				logger.Warn("Failed to profile sender", "sender", sender.Email, "error", err)
				continue
			}
			if !history.AutoRuleCandidate {
				continue
			}
			if err := a.db.Senders.MarkCandidate(sender.Email, history.TopFolder, true); err != nil {
				logger.Warn("Failed to mark candidate", "sender", sender.Email, "error", err)
				continue
			}
			if candidates == 0 {
				fmt.Println("\nAuto-rule candidates:")
			}
			fmt.Printf("  %-40s %3d emails, %3.0f%% to %s\n",
				sender.Email, history.Total, history.TopShare*100, history.TopFolder)
			candidates++
		}
		if candidates == 0 {
			fmt.Println("No auto-rule candidates found yet.")
		}
		return nil
	},
}

func init() {
	bootstrapCmd.Flags().IntVar(&bootstrapDays, "days", 30, "days of mail to ingest")

	rootCmd.AddCommand(bootstrapCmd)
}

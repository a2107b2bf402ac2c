package classifier

import (
	"fmt"
	"strings"
	"time"

	"email-triage/internal/config"
	"email-triage/internal/database"
	"email-triage/internal/thread"
)

// buildSystemPrompt renders the stable part of the classification
// prompt: taxonomy, key contacts, learned preferences, and the current
// date. Rebuilt at the top of each cycle so config edits take effect
// without a restart.
func buildSystemPrompt(cfg *config.Config, preferences string, now time.Time) string {
	var b strings.Builder

	b.WriteString("You are an email triage assistant. For each email you receive, ")
	b.WriteString("decide which folder it belongs in, its priority, and the action it requires, ")
	b.WriteString("then answer by calling the classify_email tool.\n\n")

	fmt.Fprintf(&b, "Today's date: %s\n\n", now.Format("Monday, 2 January 2006"))

	if len(cfg.Projects) > 0 {
		b.WriteString("## Active projects\n")
		for _, p := range cfg.Projects {
			writeTaxonomyEntry(&b, p.Name, p.Folder, p.Signals)
		}
		b.WriteString("\n")
	}

	if len(cfg.Areas) > 0 {
		b.WriteString("## Ongoing areas\n")
		for _, a := range cfg.Areas {
			writeTaxonomyEntry(&b, a.Name, a.Folder, a.Signals)
		}
		b.WriteString("\n")
	}

	if len(cfg.KeyContacts) > 0 {
		b.WriteString("## Key contacts\n")
		for _, kc := range cfg.KeyContacts {
			fmt.Fprintf(&b, "- %s <%s>", kc.Name, kc.Email)
			if kc.Note != "" {
				fmt.Fprintf(&b, ": %s", kc.Note)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## Priorities\n")
	for _, p := range database.Priorities {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	b.WriteString("\n## Action types\n")
	for _, a := range database.ActionTypes {
		fmt.Fprintf(&b, "- %s\n", a)
	}

	if preferences != "" {
		b.WriteString("\n## Learned preferences\n")
		b.WriteString("These reflect corrections the user made to earlier classifications. Follow them.\n")
		b.WriteString(preferences)
		b.WriteString("\n")
	}

	return b.String()
}

func writeTaxonomyEntry(b *strings.Builder, name, folder string, signals []string) {
	fmt.Fprintf(b, "- %s (folder: %s)", name, folder)
	if len(signals) > 0 {
		fmt.Fprintf(b, " signals: %s", strings.Join(signals, "; "))
	}
	b.WriteString("\n")
}

// buildUserPrompt renders the per-email part: the target message, the
// inherited-folder hint, the sender's history, and recent thread
// context.
func buildUserPrompt(e *database.Email, snippet string, ctx *thread.Context) string {
	var b strings.Builder

	b.WriteString("Classify this email.\n\n")
	fmt.Fprintf(&b, "From: %s <%s>\n", e.SenderName, e.SenderEmail)
	fmt.Fprintf(&b, "Subject: %s\n", e.Subject)
	fmt.Fprintf(&b, "Received: %s\n", e.ReceivedAt.Format(time.RFC1123))
	if e.Importance != "" && !strings.EqualFold(e.Importance, "normal") {
		fmt.Fprintf(&b, "Sender-marked importance: %s\n", e.Importance)
	}
	fmt.Fprintf(&b, "\nBody:\n%s\n", snippet)

	if ctx == nil {
		return b.String()
	}

	if ctx.InheritedFolder != "" {
		fmt.Fprintf(&b, "\nAn earlier message in this thread was filed to %q. ", ctx.InheritedFolder)
		b.WriteString("Prefer that folder unless this message clearly belongs elsewhere.\n")
	}

	if ctx.Sender.Total > 0 {
		fmt.Fprintf(&b, "\nSender history (%d recent emails):\n", ctx.Sender.Total)
		for folder, count := range ctx.Sender.Distribution {
			fmt.Fprintf(&b, "- %s: %d\n", folder, count)
		}
	}

	if len(ctx.Messages) > 0 {
		fmt.Fprintf(&b, "\nEarlier messages in this thread (reply depth %d):\n", ctx.Depth)
		for _, msg := range ctx.Messages {
			fmt.Fprintf(&b, "--- %s, %s: %s\n%s\n",
				msg.SenderEmail, msg.ReceivedAt.Format("2006-01-02 15:04"), msg.Subject, msg.Snippet)
		}
	}

	return b.String()
}

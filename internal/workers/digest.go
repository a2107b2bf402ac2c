package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"email-triage/internal/config"
	"email-triage/internal/database"
	"email-triage/internal/llm"
)

// ToolGenerateDigest is the structured-output tool the digest model
// call answers with.
const ToolGenerateDigest = "generate_digest"

// digestCooldown caps digest generation frequency regardless of cycle
// cadence.
const digestCooldown = time.Hour

// DigestGenerator assembles and delivers the daily status report.
type DigestGenerator struct {
	db     *database.DB
	client llm.Client
	logger *slog.Logger
	stdout io.Writer
}

// NewDigestGenerator wires a digest generator writing stdout deliveries
// to out (os.Stdout when nil).
func NewDigestGenerator(db *database.DB, client llm.Client, logger *slog.Logger, out io.Writer) *DigestGenerator {
	if out == nil {
		out = os.Stdout
	}
	return &DigestGenerator{db: db, client: client, logger: logger, stdout: out}
}

// ShouldRun reports whether a digest is due: at most one per calendar
// day, and never within the cooldown of the previous run.
func (g *DigestGenerator) ShouldRun(now time.Time) (bool, error) {
	last, err := g.db.State.GetTime(database.StateLastDigestRun)
	if err != nil {
		return false, fmt.Errorf("failed to read digest timestamp: %w", err)
	}
	if last.IsZero() {
		return true, nil
	}
	if now.Sub(last) < digestCooldown {
		return false, nil
	}
	ly, lm, ld := last.Local().Date()
	ny, nm, nd := now.Local().Date()
	return ly != ny || lm != nm || ld != nd, nil
}

type overdueReply struct {
	Subject  string `json:"subject"`
	Sender   string `json:"sender"`
	Hours    int    `json:"hours_waiting"`
	Severity string `json:"severity"`
}

type waitingItem struct {
	ExpectedFrom string `json:"expected_from"`
	Description  string `json:"description"`
	Hours        int    `json:"hours_waiting"`
	Severity     string `json:"severity"`
}

type digestData struct {
	Date           string                `json:"date"`
	OverdueReplies []overdueReply        `json:"overdue_replies"`
	WaitingFor     []waitingItem         `json:"waiting_for"`
	Activity       *database.ActionStats `json:"activity"`
	PendingCount   int                   `json:"pending_suggestions"`
	FailedCount    int                   `json:"failed_classifications"`
}

// GenerateAndDeliver builds the report and delivers it per config. The
// LLM path produces the prose; any model failure falls back to the
// deterministic plaintext formatter so the digest always goes out.
func (g *DigestGenerator) GenerateAndDeliver(ctx context.Context, cycleID string, cfg *config.Config) error {
	data, err := g.gather(cfg)
	if err != nil {
		return err
	}

	report, err := g.compose(ctx, cycleID, cfg, data)
	if err != nil {
		g.logger.Warn("Digest model call failed, using plaintext fallback", "error", err)
		report = formatPlaintext(data)
	}

	if err := g.deliver(cfg, report); err != nil {
		return err
	}

	if err := g.db.State.SetTime(database.StateLastDigestRun, time.Now()); err != nil {
		return fmt.Errorf("failed to record digest timestamp: %w", err)
	}
	g.logger.Info("Digest delivered", "mode", cfg.Digest.Delivery,
		"overdue_replies", len(data.OverdueReplies), "waiting_for", len(data.WaitingFor))
	return nil
}

// Preview builds the digest data without delivering, for the review
// API.
func (g *DigestGenerator) Preview(cfg *config.Config) (string, error) {
	data, err := g.gather(cfg)
	if err != nil {
		return "", err
	}
	return formatPlaintext(data), nil
}

func (g *DigestGenerator) gather(cfg *config.Config) (*digestData, error) {
	now := time.Now()
	data := &digestData{Date: now.Format("Monday, 2 January 2006")}

	warning := time.Duration(cfg.Aging.NeedsReplyWarningHours) * time.Hour
	critical := time.Duration(cfg.Aging.NeedsReplyCriticalHours) * time.Hour

	overdue, err := g.db.Suggestions.OverdueNeedsReply(database.ActionNeedsReply, warning)
	if err != nil {
		return nil, fmt.Errorf("failed to load overdue replies: %w", err)
	}
	for _, sg := range overdue {
		item := overdueReply{
			Hours:    int(now.Sub(sg.CreatedAt).Hours()),
			Severity: "warning",
		}
		if now.Sub(sg.CreatedAt) >= critical {
			item.Severity = "critical"
		}
		if e, err := g.db.Emails.GetByID(sg.EmailID); err == nil && e != nil {
			item.Subject = e.Subject
			item.Sender = e.SenderEmail
		}
		data.OverdueReplies = append(data.OverdueReplies, item)
	}

	nudgeAfter := time.Duration(cfg.Aging.WaitingForNudgeHours) * time.Hour
	escalateAfter := time.Duration(cfg.Aging.WaitingForEscalateHours) * time.Hour

	active, err := g.db.WaitingFor.GetActive()
	if err != nil {
		return nil, fmt.Errorf("failed to load waiting-for items: %w", err)
	}
	for _, wf := range active {
		waiting := now.Sub(wf.WaitingSince)
		if waiting < nudgeAfter {
			continue
		}
		item := waitingItem{
			ExpectedFrom: wf.ExpectedFrom,
			Description:  wf.Description,
			Hours:        int(waiting.Hours()),
			Severity:     "nudge",
		}
		if waiting >= escalateAfter {
			item.Severity = "escalate"
		}
		data.WaitingFor = append(data.WaitingFor, item)
	}

	data.Activity, err = g.db.Audit.ActionStatsSince(now.Add(-24 * time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to load action stats: %w", err)
	}
	data.PendingCount, err = g.db.Suggestions.CountByStatus(database.SuggestionPending)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending suggestions: %w", err)
	}
	data.FailedCount, err = g.db.Emails.CountByClassificationStatus(database.ClassificationFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to count failed classifications: %w", err)
	}

	return data, nil
}

type digestSections struct {
	Summary        string `json:"summary"`
	OverdueReplies string `json:"overdue_replies"`
	WaitingFor     string `json:"waiting_for"`
	Activity       string `json:"activity"`
	Pending        string `json:"pending"`
}

func (g *DigestGenerator) compose(ctx context.Context, cycleID string, cfg *config.Config, data *digestData) (string, error) {
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", err
	}

	req := &llm.Request{
		Model:     cfg.Models.Digest,
		MaxTokens: cfg.Models.MaxTokens,
		System: "You write a concise daily email triage digest from structured data. " +
			"Be specific and skip empty sections. Answer by calling the generate_digest tool.",
		Messages: []llm.Message{llm.TextMessage(llm.RoleUser, string(payload))},
		Tools: []llm.Tool{{
			Name:        ToolGenerateDigest,
			Description: "Record the digest sections.",
			InputSchema: map[string]any{
				"summary":         map[string]any{"type": "string"},
				"overdue_replies": map[string]any{"type": "string"},
				"waiting_for":     map[string]any{"type": "string"},
				"activity":        map[string]any{"type": "string"},
				"pending":         map[string]any{"type": "string"},
			},
			Required: []string{"summary"},
		}},
	}

	start := time.Now()
	result, err := llm.RunForTool(ctx, g.client, req, ToolGenerateDigest)
	g.logRequest(cycleID, cfg, string(payload), result, time.Since(start), err)
	if err != nil {
		return "", err
	}

	var sections digestSections
	if err := json.Unmarshal(result.Call.Input, &sections); err != nil {
		return "", fmt.Errorf("malformed digest output: %w", err)
	}
	return assembleReport(data.Date, sections), nil
}

func assembleReport(date string, s digestSections) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily triage digest, %s\n\n", date)
	b.WriteString(strings.TrimSpace(s.Summary))
	b.WriteString("\n")

	appendSection(&b, "Overdue replies", s.OverdueReplies)
	appendSection(&b, "Waiting on others", s.WaitingFor)
	appendSection(&b, "Activity", s.Activity)
	appendSection(&b, "Pending review", s.Pending)
	return b.String()
}

func appendSection(b *strings.Builder, title, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	fmt.Fprintf(b, "\n## %s\n%s\n", title, body)
}

// formatPlaintext is the deterministic fallback used on any model
// failure.
func formatPlaintext(data *digestData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily triage digest, %s\n", data.Date)

	if len(data.OverdueReplies) > 0 {
		b.WriteString("\n## Overdue replies\n")
		for _, item := range data.OverdueReplies {
			fmt.Fprintf(&b, "- [%s] %s from %s (%dh)\n",
				item.Severity, item.Subject, item.Sender, item.Hours)
		}
	}

	if len(data.WaitingFor) > 0 {
		b.WriteString("\n## Waiting on others\n")
		for _, item := range data.WaitingFor {
			fmt.Fprintf(&b, "- [%s] %s: %s (%dh)\n",
				item.Severity, item.ExpectedFrom, item.Description, item.Hours)
		}
	}

	b.WriteString("\n## Activity (24h)\n")
	fmt.Fprintf(&b, "- actions applied: %d\n", data.Activity.Total)
	for action, count := range data.Activity.ByAction {
		fmt.Fprintf(&b, "- %s: %d\n", action, count)
	}

	fmt.Fprintf(&b, "\n## Pending review\n- pending suggestions: %d\n- failed classifications: %d\n",
		data.PendingCount, data.FailedCount)
	return b.String()
}

func (g *DigestGenerator) deliver(cfg *config.Config, report string) error {
	switch cfg.Digest.Delivery {
	case "file":
		return writeReportFile(cfg.Digest.FilePath, report)
	default:
		_, err := fmt.Fprintln(g.stdout, report)
		return err
	}
}

// writeReportFile writes via a sibling temp file and atomic rename; a
// partially written temp file never replaces or outlives the target.
func writeReportFile(path, report string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create digest temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(report); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write digest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close digest temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace digest file: %w", err)
	}
	return nil
}

func (g *DigestGenerator) logRequest(cycleID string, cfg *config.Config, prompt string, result *llm.ToolResult, elapsed time.Duration, callErr error) {
	if !cfg.LLMLogging.Enabled {
		return
	}

	entry := &database.LLMRequestLog{
		CycleID:     cycleID,
		Timestamp:   time.Now(),
		Model:       cfg.Models.Digest,
		RequestType: ToolGenerateDigest,
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

	if err := g.db.Audit.LogLLMRequest(entry); err != nil {
		g.logger.Warn("Failed to record LLM request log", "error", err)
	}
}

package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"email-triage/internal/config"
	"email-triage/internal/database"
	"email-triage/internal/llm"
	"email-triage/internal/thread"
)

// ToolClassifyEmail is the structured-output tool the model must answer
// with.
const ToolClassifyEmail = "classify_email"

const malformedBackoff = 2 * time.Second

// Error is a terminal classification failure: the model could not be
// made to produce a valid decision for the email.
type Error struct {
	EmailID  string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("classification failed for email %s after %d attempts: %v",
		e.EmailID, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Result is one classification decision.
type Result struct {
	Action     database.SuggestedAction
	Confidence float64
	Reasoning  string
}

// RequestLogger records LLM round-trips for audit.
type RequestLogger interface {
	LogLLMRequest(entry *database.LLMRequestLog) error
}

// Classifier turns an email plus its thread context into a suggested
// action via the LLM. The system prompt is rebuilt per cycle; Classify
// is safe to call concurrently with RefreshSystemPrompt.
type Classifier struct {
	client llm.Client
	audit  RequestLogger
	logger *slog.Logger

	mu             sync.RWMutex
	systemPrompt   string
	model          string
	maxTokens      int
	maxAttempts    int
	logEnabled     bool
	includePrompts bool
}

// New creates a classifier. RefreshSystemPrompt must run before the
// first Classify.
func New(client llm.Client, audit RequestLogger, logger *slog.Logger) *Classifier {
	return &Classifier{
		client: client,
		audit:  audit,
		logger: logger,
	}
}

// RefreshSystemPrompt rebuilds the prompt and operating parameters from
// the current config snapshot and learned preferences.
func (c *Classifier) RefreshSystemPrompt(cfg *config.Config, preferences string) {
	prompt := buildSystemPrompt(cfg, preferences, time.Now())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemPrompt = prompt
	c.model = cfg.Models.Classifier
	c.maxTokens = cfg.Models.MaxTokens
	c.maxAttempts = cfg.Triage.MaxAttempts
	c.logEnabled = cfg.LLMLogging.Enabled
	c.includePrompts = cfg.LLMLogging.IncludePrompts
}

type toolInput struct {
	Folder     string  `json:"folder"`
	Priority   string  `json:"priority"`
	ActionType string  `json:"action_type"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func classifyTool() llm.Tool {
	return llm.Tool{
		Name:        ToolClassifyEmail,
		Description: "Record the triage decision for the email.",
		InputSchema: map[string]any{
			"folder": map[string]any{
				"type":        "string",
				"description": "Destination folder path from the taxonomy.",
			},
			"priority": map[string]any{
				"type": "string",
				"enum": database.Priorities,
			},
			"action_type": map[string]any{
				"type": "string",
				"enum": database.ActionTypes,
			},
			"confidence": map[string]any{
				"type":        "number",
				"description": "Confidence in the decision, 0 to 1.",
			},
			"reasoning": map[string]any{
				"type":        "string",
				"description": "One or two sentences explaining the decision.",
			},
		},
		Required: []string{"folder", "priority", "action_type", "confidence", "reasoning"},
	}
}

// Classify asks the model for a decision on the email. Transport-level
// retries live in the LLM client; this layer retries only malformed
// tool output, up to the configured attempt cap, then fails with
// *Error.
func (c *Classifier) Classify(ctx context.Context, cycleID string, e *database.Email, threadCtx *thread.Context) (*Result, error) {
	c.mu.RLock()
	system := c.systemPrompt
	model := c.model
	maxTokens := c.maxTokens
	maxAttempts := c.maxAttempts
	c.mu.RUnlock()

	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	userPrompt := buildUserPrompt(e, e.Snippet, threadCtx)
	req := &llm.Request{
		Model:     model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []llm.Message{llm.TextMessage(llm.RoleUser, userPrompt)},
		Tools:     []llm.Tool{classifyTool()},
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		toolResult, err := llm.RunForTool(ctx, c.client, req, ToolClassifyEmail)
		if err != nil {
			c.logRequest(cycleID, userPrompt, nil, time.Since(start), err)
			return nil, err
		}

		result, parseErr := parseToolInput(toolResult.Call.Input)
		c.logRequest(cycleID, userPrompt, toolResult, time.Since(start), parseErr)
		if parseErr == nil {
			return result, nil
		}
		lastErr = parseErr

		c.logger.Warn("Malformed classification output",
			"email_id", e.ID, "attempt", attempt, "error", parseErr)

		if attempt < maxAttempts {
			backoff := malformedBackoff << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, &Error{EmailID: e.ID, Attempts: maxAttempts, Err: lastErr}
}

func parseToolInput(raw json.RawMessage) (*Result, error) {
	var in toolInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("tool input is not valid JSON: %w", err)
	}
	if strings.TrimSpace(in.Folder) == "" {
		return nil, fmt.Errorf("tool input missing folder")
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v outside [0, 1]", in.Confidence)
	}
	if in.Priority == "" {
		return nil, fmt.Errorf("tool input missing priority")
	}
	if in.ActionType == "" {
		return nil, fmt.Errorf("tool input missing action_type")
	}
	return &Result{
		Action: database.SuggestedAction{
			Folder:     strings.TrimSpace(in.Folder),
			Priority:   in.Priority,
			ActionType: in.ActionType,
		},
		Confidence: in.Confidence,
		Reasoning:  in.Reasoning,
	}, nil
}

func (c *Classifier) logRequest(cycleID, prompt string, result *llm.ToolResult, elapsed time.Duration, callErr error) {
	c.mu.RLock()
	enabled := c.logEnabled
	includePrompts := c.includePrompts
	model := c.model
	c.mu.RUnlock()

	if !enabled {
		return
	}

	entry := &database.LLMRequestLog{
		CycleID:     cycleID,
		Timestamp:   time.Now(),
		Model:       model,
		RequestType: ToolClassifyEmail,
		DurationMS:  elapsed.Milliseconds(),
	}
	if includePrompts {
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

	if err := c.audit.LogLLMRequest(entry); err != nil {
		c.logger.Warn("Failed to record LLM request log", "error", err)
	}
}

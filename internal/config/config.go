package config

import (
	"errors"
	"fmt"
	"time"
)

// CurrentSchemaVersion is the newest config schema this build
// understands. The loader rejects files claiming a newer version.
const CurrentSchemaVersion = 1

// EnvConfigPath overrides the config file location when set.
const EnvConfigPath = "ASSISTANT_CONFIG_PATH"

// Config is the typed, validated agent configuration. A snapshot is
// immutable once loaded; hot reload swaps the whole value.
type Config struct {
	SchemaVersion int `yaml:"schema_version"`

	Auth            AuthConfig            `yaml:"auth"`
	Models          ModelsConfig          `yaml:"models"`
	Triage          TriageConfig          `yaml:"triage"`
	Snippet         SnippetConfig         `yaml:"snippet"`
	Aging           AgingConfig           `yaml:"aging"`
	SuggestionQueue SuggestionQueueConfig `yaml:"suggestion_queue"`
	Learning        LearningConfig        `yaml:"learning"`
	LLMLogging      LLMLoggingConfig      `yaml:"llm_logging"`
	Digest          DigestConfig          `yaml:"digest"`

	Projects    []ProjectConfig `yaml:"projects"`
	Areas       []AreaConfig    `yaml:"areas"`
	AutoRules   []AutoRule      `yaml:"auto_rules"`
	KeyContacts []KeyContact    `yaml:"key_contacts"`
}

// AuthConfig identifies the mail tenant. Token acquisition itself is an
// external collaborator; only the identifiers live here.
type AuthConfig struct {
	TenantID       string `yaml:"tenant_id"`
	ClientID       string `yaml:"client_id"`
	TokenCachePath string `yaml:"token_cache_path"`
}

// ModelsConfig names the LLM models per concern and the request rate
// for the claude_api bucket.
type ModelsConfig struct {
	Classifier        string  `yaml:"classifier"`
	Digest            string  `yaml:"digest"`
	Learner           string  `yaml:"learner"`
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	MaxTokens         int     `yaml:"max_tokens"`
}

type TriageConfig struct {
	IntervalMinutes     int     `yaml:"interval_minutes"`
	LookbackHours       int     `yaml:"lookback_hours"`
	UseInheritance      bool    `yaml:"use_inheritance"`
	InheritedConfidence float64 `yaml:"inherited_confidence"`
	MaxAttempts         int     `yaml:"max_attempts"`
}

type SnippetConfig struct {
	MaxLength              int `yaml:"max_length"`
	ThreadContextMaxLength int `yaml:"thread_context_max_length"`
}

// AgingConfig holds the hour bands after which obligations escalate.
type AgingConfig struct {
	NeedsReplyWarningHours  int `yaml:"needs_reply_warning_hours"`
	NeedsReplyCriticalHours int `yaml:"needs_reply_critical_hours"`
	WaitingForNudgeHours    int `yaml:"waiting_for_nudge_hours"`
	WaitingForEscalateHours int `yaml:"waiting_for_escalate_hours"`
}

type SuggestionQueueConfig struct {
	ExpireAfterDays       int     `yaml:"expire_after_days"`
	AutoApproveConfidence float64 `yaml:"auto_approve_confidence"`
	AutoApproveDelayHours int     `yaml:"auto_approve_delay_hours"`
}

type LearningConfig struct {
	Enabled                bool `yaml:"enabled"`
	LookbackDays           int  `yaml:"lookback_days"`
	MinCorrectionsToUpdate int  `yaml:"min_corrections_to_update"`
	MaxPreferencesWords    int  `yaml:"max_preferences_words"`
}

type LLMLoggingConfig struct {
	Enabled        bool `yaml:"enabled"`
	IncludePrompts bool `yaml:"include_prompts"`
}

// DigestConfig controls daily digest delivery.
type DigestConfig struct {
	Delivery string `yaml:"delivery"` // "stdout" or "file"
	FilePath string `yaml:"file_path"`
}

// ProjectConfig is one taxonomy entry with classification signals.
type ProjectConfig struct {
	Name    string   `yaml:"name"`
	Folder  string   `yaml:"folder"`
	Signals []string `yaml:"signals"`
}

type AreaConfig struct {
	Name    string   `yaml:"name"`
	Folder  string   `yaml:"folder"`
	Signals []string `yaml:"signals"`
}

// AutoRule is one deterministic fast-path rule. Sender patterns are
// globs, subject patterns are substrings; when both are given they must
// both match.
type AutoRule struct {
	Name   string         `yaml:"name"`
	Match  AutoRuleMatch  `yaml:"match"`
	Action AutoRuleAction `yaml:"action"`
}

type AutoRuleMatch struct {
	Senders  []string `yaml:"senders"`
	Subjects []string `yaml:"subjects"`
}

type AutoRuleAction struct {
	Folder     string `yaml:"folder"`
	Priority   string `yaml:"priority"`
	ActionType string `yaml:"action_type"`
}

type KeyContact struct {
	Email string `yaml:"email"`
	Name  string `yaml:"name"`
	Note  string `yaml:"note"`
}

// SetDefaults fills unset fields with working defaults. Called after
// decode, before validation.
func (c *Config) SetDefaults() {
	if c.Models.Classifier == "" {
		c.Models.Classifier = "claude-sonnet-4-5"
	}
	if c.Models.Digest == "" {
		c.Models.Digest = c.Models.Classifier
	}
	if c.Models.Learner == "" {
		c.Models.Learner = c.Models.Classifier
	}
	if c.Models.RequestsPerMinute == 0 {
		c.Models.RequestsPerMinute = 50
	}
	if c.Models.MaxTokens == 0 {
		c.Models.MaxTokens = 1024
	}
	if c.Triage.IntervalMinutes == 0 {
		c.Triage.IntervalMinutes = 15
	}
	if c.Triage.LookbackHours == 0 {
		c.Triage.LookbackHours = 24
	}
	if c.Triage.InheritedConfidence == 0 {
		c.Triage.InheritedConfidence = 0.85
	}
	if c.Triage.MaxAttempts == 0 {
		c.Triage.MaxAttempts = 3
	}
	if c.Snippet.MaxLength == 0 {
		c.Snippet.MaxLength = 1000
	}
	if c.Snippet.ThreadContextMaxLength == 0 {
		c.Snippet.ThreadContextMaxLength = 500
	}
	if c.Aging.NeedsReplyWarningHours == 0 {
		c.Aging.NeedsReplyWarningHours = 24
	}
	if c.Aging.NeedsReplyCriticalHours == 0 {
		c.Aging.NeedsReplyCriticalHours = 72
	}
	if c.Aging.WaitingForNudgeHours == 0 {
		c.Aging.WaitingForNudgeHours = 48
	}
	if c.Aging.WaitingForEscalateHours == 0 {
		c.Aging.WaitingForEscalateHours = 120
	}
	if c.SuggestionQueue.ExpireAfterDays == 0 {
		c.SuggestionQueue.ExpireAfterDays = 7
	}
	if c.SuggestionQueue.AutoApproveConfidence == 0 {
		c.SuggestionQueue.AutoApproveConfidence = 0.90
	}
	if c.SuggestionQueue.AutoApproveDelayHours == 0 {
		c.SuggestionQueue.AutoApproveDelayHours = 2
	}
	if c.Learning.LookbackDays == 0 {
		c.Learning.LookbackDays = 14
	}
	if c.Learning.MinCorrectionsToUpdate == 0 {
		c.Learning.MinCorrectionsToUpdate = 5
	}
	if c.Learning.MaxPreferencesWords == 0 {
		c.Learning.MaxPreferencesWords = 500
	}
	if c.Digest.Delivery == "" {
		c.Digest.Delivery = "stdout"
	}
}

// Validate checks the configuration for values the engine cannot run
// with. It is called on every load, including the round-trip check
// after WriteSafely.
func (c *Config) Validate() error {
	var errs []error

	if c.SchemaVersion <= 0 {
		errs = append(errs, errors.New("schema_version must be set"))
	}
	if c.SchemaVersion > CurrentSchemaVersion {
		errs = append(errs, fmt.Errorf("schema_version %d is newer than supported version %d",
			c.SchemaVersion, CurrentSchemaVersion))
	}
	if c.Triage.IntervalMinutes < 1 {
		errs = append(errs, errors.New("triage.interval_minutes must be at least 1"))
	}
	if c.Triage.LookbackHours < 1 {
		errs = append(errs, errors.New("triage.lookback_hours must be at least 1"))
	}
	if c.Triage.InheritedConfidence < 0 || c.Triage.InheritedConfidence > 1 {
		errs = append(errs, errors.New("triage.inherited_confidence must be within [0, 1]"))
	}
	if c.Snippet.MaxLength < 1 {
		errs = append(errs, errors.New("snippet.max_length must be positive"))
	}
	if c.SuggestionQueue.AutoApproveConfidence < 0 || c.SuggestionQueue.AutoApproveConfidence > 1 {
		errs = append(errs, errors.New("suggestion_queue.auto_approve_confidence must be within [0, 1]"))
	}
	if c.SuggestionQueue.ExpireAfterDays < 1 {
		errs = append(errs, errors.New("suggestion_queue.expire_after_days must be at least 1"))
	}
	if c.Aging.NeedsReplyCriticalHours < c.Aging.NeedsReplyWarningHours {
		errs = append(errs, errors.New("aging.needs_reply_critical_hours must not be below the warning threshold"))
	}
	if c.Aging.WaitingForEscalateHours < c.Aging.WaitingForNudgeHours {
		errs = append(errs, errors.New("aging.waiting_for_escalate_hours must not be below the nudge threshold"))
	}
	if c.Digest.Delivery != "stdout" && c.Digest.Delivery != "file" {
		errs = append(errs, fmt.Errorf("digest.delivery must be stdout or file, got %q", c.Digest.Delivery))
	}
	if c.Digest.Delivery == "file" && c.Digest.FilePath == "" {
		errs = append(errs, errors.New("digest.file_path is required for file delivery"))
	}

	for i, rule := range c.AutoRules {
		if rule.Action.Folder == "" {
			errs = append(errs, fmt.Errorf("auto_rules[%d]: action.folder is required", i))
		}
	}

	return errors.Join(errs...)
}

// TriageInterval returns the cycle interval as a duration.
func (c *Config) TriageInterval() time.Duration {
	return time.Duration(c.Triage.IntervalMinutes) * time.Minute
}

// AutoApproveDelay returns the minimum suggestion age before
// auto-approval as a duration.
func (c *Config) AutoApproveDelay() time.Duration {
	return time.Duration(c.SuggestionQueue.AutoApproveDelayHours) * time.Hour
}

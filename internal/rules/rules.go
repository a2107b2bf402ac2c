package rules

import (
	"fmt"
	"strings"

	"email-triage/internal/config"
)

// Match is the result of a successful rule evaluation. Confidence is
// always 1.0 for rule hits; the reason names the rule and the pattern
// that fired, for the suggestion's reasoning field.
type Match struct {
	Rule        config.AutoRule
	MatchReason string
}

// Matcher evaluates an ordered rule list. Evaluation is deterministic:
// rules run in configuration order and the first match wins.
type Matcher struct {
	rules []config.AutoRule
}

// NewMatcher creates a matcher over the configured rules.
func NewMatcher(rules []config.AutoRule) *Matcher {
	return &Matcher{rules: rules}
}

// Evaluate returns the first matching rule for a sender/subject pair,
// or nil when no rule matches. A rule with both sender and subject
// patterns requires both to match; a rule with neither is
// misconfigured and skipped.
func (m *Matcher) Evaluate(senderEmail, subject string) *Match {
	for _, rule := range m.rules {
		hasSenders := len(rule.Match.Senders) > 0
		hasSubjects := len(rule.Match.Subjects) > 0
		if !hasSenders && !hasSubjects {
			continue
		}

		senderPattern, senderOK := matchSender(rule.Match.Senders, senderEmail)
		subjectPattern, subjectOK := matchSubject(rule.Match.Subjects, subject)

		if hasSenders && !senderOK {
			continue
		}
		if hasSubjects && !subjectOK {
			continue
		}

		return &Match{
			Rule:        rule,
			MatchReason: matchReason(rule, senderPattern, subjectPattern),
		}
	}
	return nil
}

// matchSender checks glob-style sender patterns, case-insensitively.
// Supported forms are exact addresses and * wildcards as in
// "*@example.com"; no regex.
func matchSender(patterns []string, senderEmail string) (string, bool) {
	sender := strings.ToLower(strings.TrimSpace(senderEmail))
	for _, pattern := range patterns {
		if globMatch(strings.ToLower(strings.TrimSpace(pattern)), sender) {
			return pattern, true
		}
	}
	return "", false
}

// matchSubject checks case-insensitive substring subject patterns.
func matchSubject(patterns []string, subject string) (string, bool) {
	lower := strings.ToLower(subject)
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return pattern, true
		}
	}
	return "", false
}

// globMatch matches a pattern with * wildcards against a value. The
// pattern is split on *; each literal segment must appear in order,
// with the first and last anchored when the pattern does not begin or
// end with a wildcard.
func globMatch(pattern, value string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	segments := strings.Split(pattern, "*")
	rest := value

	for i, segment := range segments {
		if segment == "" {
			continue
		}
		idx := strings.Index(rest, segment)
		if idx < 0 {
			return false
		}
		if i == 0 && idx != 0 {
			return false // anchored prefix
		}
		rest = rest[idx+len(segment):]
	}

	if last := segments[len(segments)-1]; last != "" && !strings.HasSuffix(value, last) {
		return false // anchored suffix
	}
	return true
}

func matchReason(rule config.AutoRule, senderPattern, subjectPattern string) string {
	name := rule.Name
	if name == "" {
		name = "auto-rule"
	}
	switch {
	case senderPattern != "" && subjectPattern != "":
		return fmt.Sprintf("%s: sender matched %q and subject matched %q", name, senderPattern, subjectPattern)
	case senderPattern != "":
		return fmt.Sprintf("%s: sender matched %q", name, senderPattern)
	default:
		return fmt.Sprintf("%s: subject matched %q", name, subjectPattern)
	}
}

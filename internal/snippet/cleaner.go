package snippet

import (
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// StepTimeout is the wall-clock bound on each regex step. Mail bodies
// are adversarial input; a pattern that stalls forfeits its step and
// the pipeline continues with the partial result.
const StepTimeout = 1 * time.Second

// Default output bounds: classification snippets and the shorter
// thread-context snippets.
const (
	DefaultMaxLength       = 1000
	ThreadContextMaxLength = 500
)

// StepError reports a cleaning step that timed out. It is non-fatal;
// Partial carries the text as of the last completed step.
type StepError struct {
	Step    string
	Partial string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("snippet cleaning step %q exceeded %s", e.Step, StepTimeout)
}

// All patterns here are linear: no nested quantifiers, no
// backreferences. The timeout guard is belt-and-braces for pathological
// inputs, not a license for catastrophic patterns.
var (
	htmlBlockPattern     = regexp.MustCompile(`(?is)<(script|style|head)[^>]*>.*?</(script|style|head)>`)
	htmlTagPattern       = regexp.MustCompile(`(?s)<[^>]*>`)
	htmlBreakPattern     = regexp.MustCompile(`(?i)<(br|/p|/div|/tr)[^>]*>`)
	forwardHeaderPattern = regexp.MustCompile(`(?im)^[-_ ]*(original message|forwarded message)[-_ ]*$`)
	replyHeaderPattern   = regexp.MustCompile(`(?im)^from:[^\n]*\n(sent|date):[^\n]*\n(to|cc|subject):[^\n]*`)
	replyMarkerPattern   = regexp.MustCompile(`(?im)^on .{0,200}wrote:\s*$`)
	quotedLinePattern    = regexp.MustCompile(`(?m)^>.*$`)
	signaturePattern     = regexp.MustCompile(`(?im)^(-- ?|__+|best regards,?|kind regards,?|regards,?|thanks,?|cheers,?|sent from my .{0,40})$`)
	disclaimerPattern    = regexp.MustCompile(`(?i)(this (e-?mail|message) (and any attachments )?(is|are|may be) (confidential|intended)|if you (are not|have received this .{0,40} in error)|privileged and confidential|do not (copy|distribute|disseminate))`)
	whitespacePattern    = regexp.MustCompile(`[ \t\r\f]+`)
	blankLinePattern     = regexp.MustCompile(`\n{2,}`)
)

// Cleaner normalizes a raw email body into a bounded, HTML-free
// snippet safe to embed in a prompt.
type Cleaner struct {
	maxLength int
	logger    *slog.Logger
}

// NewCleaner creates a cleaner bounding output to maxLength characters.
func NewCleaner(maxLength int, logger *slog.Logger) *Cleaner {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Cleaner{maxLength: maxLength, logger: logger}
}

// Clean runs the 6-step pipeline. The output is always at most
// maxLength characters, whatever the input does; step timeouts are
// logged and the partial result carries through.
func (c *Cleaner) Clean(body string) string {
	out, errs := c.CleanChecked(body)
	for _, err := range errs {
		c.logger.Warn("Snippet cleaning step timed out", "error", err)
	}
	return out
}

// CleanChecked is Clean with the per-step timeout errors surfaced for
// callers that record them.
func (c *Cleaner) CleanChecked(body string) (string, []error) {
	steps := []struct {
		name string
		fn   func(string) string
	}{
		{"html_to_text", htmlToText},
		{"strip_forward_headers", stripForwardHeaders},
		{"strip_quoted_text", stripQuotedText},
		{"strip_signature", stripSignature},
		{"strip_disclaimer", stripDisclaimer},
		{"normalize_whitespace", normalizeWhitespace},
	}

	var errs []error
	text := body
	for _, step := range steps {
		next, err := runBounded(step.name, step.fn, text)
		if err != nil {
			errs = append(errs, err)
			continue // keep the partial result from the prior step
		}
		text = next
	}

	// Truncation is pure string work and cannot time out; this is the
	// hard bound.
	text = truncate(text, c.maxLength)
	return text, errs
}

// runBounded executes one step on a worker goroutine with a wall-clock
// deadline. On timeout the input text is returned unchanged together
// with a StepError; the abandoned goroutine finishes on its own and its
// result is discarded.
func runBounded(name string, fn func(string) string, text string) (string, error) {
	done := make(chan string, 1)
	go func() {
		done <- fn(text)
	}()

	timer := time.NewTimer(StepTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out, nil
	case <-timer.C:
		return text, &StepError{Step: name, Partial: text}
	}
}

// Step 1: strip tags and decode entities. Block-level closers become
// newlines first so sentence boundaries survive tag removal.
func htmlToText(text string) string {
	if !strings.Contains(text, "<") {
		return html.UnescapeString(text)
	}
	text = htmlBlockPattern.ReplaceAllString(text, " ")
	text = htmlBreakPattern.ReplaceAllString(text, "\n")
	text = htmlTagPattern.ReplaceAllString(text, " ")
	return html.UnescapeString(text)
}

// Step 2: cut everything from a forwarded/reply header block onward.
func stripForwardHeaders(text string) string {
	if loc := forwardHeaderPattern.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}
	if loc := replyHeaderPattern.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}
	return text
}

// Step 3: cut below the first reply marker and drop any remaining
// quoted lines.
func stripQuotedText(text string) string {
	if loc := replyMarkerPattern.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}
	return quotedLinePattern.ReplaceAllString(text, "")
}

// Step 4: cut from a signature delimiter onward, but only once some
// body text precedes it so a bare "Thanks" email survives.
func stripSignature(text string) string {
	if loc := signaturePattern.FindStringIndex(text); loc != nil && loc[0] > 0 {
		if len(strings.TrimSpace(text[:loc[0]])) > 0 {
			text = text[:loc[0]]
		}
	}
	return text
}

// Step 5: cut from the first legal-footer marker onward.
func stripDisclaimer(text string) string {
	if loc := disclaimerPattern.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}
	return text
}

// Step 6a: collapse runs of whitespace, keeping single newlines as
// soft breaks.
func normalizeWhitespace(text string) string {
	text = whitespacePattern.ReplaceAllString(text, " ")
	text = blankLinePattern.ReplaceAllString(text, "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Step 6b: truncate to maxLength, preferring a nearby word boundary
// and never splitting a rune.
func truncate(text string, maxLength int) string {
	if len(text) <= maxLength {
		return text
	}
	cut := maxLength
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	text = text[:cut]
	if lastSpace := strings.LastIndexAny(text, " \n"); lastSpace > 0 && lastSpace > maxLength-80 {
		text = text[:lastSpace]
	}
	return strings.TrimSpace(text)
}

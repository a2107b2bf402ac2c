package thread

import (
	"encoding/base64"
	"fmt"
	"time"
	"unicode/utf8"

	"email-triage/internal/database"
)

// Sender-history concentration thresholds: a sender whose top folder
// holds at least ShareThreshold of MinEmails+ recent emails surfaces as
// an auto-rule candidate.
const (
	HistoryLimit   = 50
	MinEmails      = 10
	ShareThreshold = 0.90
)

// Defaults for context assembly.
const (
	DefaultMaxMessages    = 5
	DefaultSnippetLength  = 500
	conversationIndexHead = 22
	replyBlockSize        = 5
)

// EmailHistory is the store capability the builder reads conversations
// and sender history through.
type EmailHistory interface {
	RecentInConversation(conversationID string, before time.Time, limit int) ([]database.Email, error)
	SenderFolderDistribution(senderEmail string, limit int) (map[string]int, error)
}

// FolderInheritance is the store capability for finding the approved
// folder of an earlier message in the conversation.
type FolderInheritance interface {
	LatestApprovedFolderInConversation(conversationID string, before time.Time) (string, error)
}

// ContextMessage is one prior thread message prepared for prompt
// inclusion.
type ContextMessage struct {
	Subject     string    `json:"subject"`
	SenderEmail string    `json:"sender_email"`
	ReceivedAt  time.Time `json:"received_at"`
	Snippet     string    `json:"snippet"`
}

// SenderHistory summarizes where a sender's recent mail ended up.
type SenderHistory struct {
	Total             int            `json:"total"`
	Distribution      map[string]int `json:"distribution"`
	TopFolder         string         `json:"top_folder"`
	TopShare          float64        `json:"top_share"`
	AutoRuleCandidate bool           `json:"auto_rule_candidate"`
}

// Context is the assembled classification context for one email.
type Context struct {
	Depth           int              `json:"depth"`
	InheritedFolder string           `json:"inherited_folder,omitempty"`
	Sender          SenderHistory    `json:"sender"`
	Messages        []ContextMessage `json:"messages,omitempty"`
}

// Builder assembles classification context from the store.
type Builder struct {
	emails      EmailHistory
	suggestions FolderInheritance
	maxMessages int
	snippetMax  int
}

// NewBuilder creates a context builder. maxMessages bounds the thread
// messages included; snippetMax bounds each included snippet.
func NewBuilder(emails EmailHistory, suggestions FolderInheritance, maxMessages, snippetMax int) *Builder {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if snippetMax <= 0 {
		snippetMax = DefaultSnippetLength
	}
	return &Builder{
		emails:      emails,
		suggestions: suggestions,
		maxMessages: maxMessages,
		snippetMax:  snippetMax,
	}
}

// Build assembles the context for an email: thread depth from the
// conversation index, the inherited folder from the newest resolved
// predecessor, the sender's folder history, and up to maxMessages
// recent thread messages.
func (b *Builder) Build(e *database.Email) (*Context, error) {
	ctx := &Context{
		Depth: Depth(e.ConversationIndex),
	}

	if e.ConversationID != "" {
		inherited, err := b.suggestions.LatestApprovedFolderInConversation(e.ConversationID, e.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve inherited folder: %w", err)
		}
		ctx.InheritedFolder = inherited

		prior, err := b.emails.RecentInConversation(e.ConversationID, e.ReceivedAt, b.maxMessages)
		if err != nil {
			return nil, fmt.Errorf("failed to load thread messages: %w", err)
		}
		for _, msg := range prior {
			snippet := truncateAtRune(msg.Snippet, b.snippetMax)
			ctx.Messages = append(ctx.Messages, ContextMessage{
				Subject:     msg.Subject,
				SenderEmail: msg.SenderEmail,
				ReceivedAt:  msg.ReceivedAt,
				Snippet:     snippet,
			})
		}
	}

	history, err := b.SenderHistory(e.SenderEmail)
	if err != nil {
		return nil, err
	}
	ctx.Sender = *history

	return ctx, nil
}

// SenderHistory computes the folder distribution of the sender's most
// recent emails and flags concentrated senders as auto-rule
// candidates.
func (b *Builder) SenderHistory(senderEmail string) (*SenderHistory, error) {
	dist, err := b.emails.SenderFolderDistribution(senderEmail, HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load sender history: %w", err)
	}

	history := &SenderHistory{Distribution: dist}
	for folder, count := range dist {
		history.Total += count
		if count > 0 && (history.TopFolder == "" || count > dist[history.TopFolder]) {
			history.TopFolder = folder
		}
	}
	if history.Total > 0 && history.TopFolder != "" {
		history.TopShare = float64(dist[history.TopFolder]) / float64(history.Total)
	}
	history.AutoRuleCandidate = history.Total >= MinEmails && history.TopShare >= ShareThreshold

	return history, nil
}

// Depth decodes the reply depth from an opaque conversation index: the
// base64 payload has a 22-byte header and one 5-byte block per reply
// level. Unparseable or truncated indexes report depth 0.
func Depth(conversationIndex string) int {
	if conversationIndex == "" {
		return 0
	}

	raw, err := base64.StdEncoding.DecodeString(conversationIndex)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(conversationIndex)
		if err != nil {
			return 0
		}
	}

	if len(raw) <= conversationIndexHead {
		return 0
	}
	return (len(raw) - conversationIndexHead) / replyBlockSize
}

// truncateAtRune cuts s to at most max bytes without splitting a rune.
func truncateAtRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

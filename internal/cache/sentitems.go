package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"email-triage/internal/mail"
)

// SentItemsFetcher is the mail capability the cache refreshes from.
type SentItemsFetcher interface {
	GetSentItems(ctx context.Context, since time.Time) ([]mail.SentMessage, error)
}

// SentItemsCache holds the latest outbound reply time per conversation,
// so waiting-for resolution does not hit the mail store once per
// obligation. Safe for concurrent use.
type SentItemsCache struct {
	fetcher SentItemsFetcher
	logger  *slog.Logger

	mu          sync.RWMutex
	lastReply   map[string]time.Time
	refreshedAt time.Time
}

// NewSentItemsCache creates an empty cache; it is stale until the first
// Refresh.
func NewSentItemsCache(fetcher SentItemsFetcher, logger *slog.Logger) *SentItemsCache {
	return &SentItemsCache{
		fetcher:   fetcher,
		logger:    logger,
		lastReply: make(map[string]time.Time),
	}
}

// Refresh rebuilds the cache from messages sent within lookback. On
// fetch failure the prior contents stay usable and the staleness clock
// does not advance.
func (c *SentItemsCache) Refresh(ctx context.Context, lookback time.Duration) error {
	since := time.Now().Add(-lookback)
	sent, err := c.fetcher.GetSentItems(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to refresh sent items cache: %w", err)
	}

	latest := make(map[string]time.Time, len(sent))
	for _, msg := range sent {
		if msg.ConversationID == "" {
			continue
		}
		if msg.SentAt.After(latest[msg.ConversationID]) {
			latest[msg.ConversationID] = msg.SentAt
		}
	}

	c.mu.Lock()
	c.lastReply = latest
	c.refreshedAt = time.Now()
	c.mu.Unlock()

	c.logger.Debug("Sent items cache refreshed",
		"conversations", len(latest), "lookback", lookback)
	return nil
}

// LastReplyTime returns when the user last replied on the conversation.
func (c *SentItemsCache) LastReplyTime(conversationID string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.lastReply[conversationID]
	return t, ok
}

// HasRepliedSince reports whether the user sent a reply on the
// conversation at or after since.
func (c *SentItemsCache) HasRepliedSince(conversationID string, since time.Time) bool {
	t, ok := c.LastReplyTime(conversationID)
	return ok && !t.Before(since)
}

// IsStale reports whether the cache is older than maxAge (or never
// refreshed).
func (c *SentItemsCache) IsStale(maxAge time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt.IsZero() || time.Since(c.refreshedAt) > maxAge
}

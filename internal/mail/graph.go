package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"email-triage/internal/ratelimit"
)

const (
	graphBaseURL = "https://graph.microsoft.com/v1.0"

	// batchLimit is the provider's cap on requests per $batch call.
	batchLimit = 20

	messageSelect = "id,conversationId,conversationIndex,subject,from,receivedDateTime,body,parentFolderId,importance,isRead,flag"
)

// GraphClient is the Microsoft Graph implementation of Client. All
// requests authenticate through the token source, consume one ms_graph
// bucket token, and ask the provider for immutable message ids.
type GraphClient struct {
	httpClient *http.Client
	baseURL    string
	tokens     oauth2.TokenSource
	bucket     *ratelimit.Bucket
	logger     *slog.Logger

	mu        sync.Mutex
	folderIDs map[string]string
}

// NewGraphClient creates a Graph client authenticating via tokens.
func NewGraphClient(tokens oauth2.TokenSource, bucket *ratelimit.Bucket, logger *slog.Logger) *GraphClient {
	return &GraphClient{
		httpClient: &http.Client{Timeout: RequestTimeout},
		baseURL:    graphBaseURL,
		tokens:     tokens,
		bucket:     bucket,
		logger:     logger,
		folderIDs:  make(map[string]string),
	}
}

// SetBaseURL overrides the API endpoint, for tests.
func (c *GraphClient) SetBaseURL(base string) {
	c.baseURL = strings.TrimRight(base, "/")
}

type graphEmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphMessage struct {
	ID                string          `json:"id"`
	Removed           *struct{}       `json:"@removed,omitempty"`
	ConversationID    string          `json:"conversationId"`
	ConversationIndex string          `json:"conversationIndex"`
	Subject           string          `json:"subject"`
	From              *graphRecipient `json:"from"`
	ReceivedDateTime  time.Time       `json:"receivedDateTime"`
	SentDateTime      time.Time       `json:"sentDateTime"`
	Body              *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	ParentFolderID string `json:"parentFolderId"`
	Importance     string `json:"importance"`
	IsRead         bool   `json:"isRead"`
	Flag           *struct {
		FlagStatus string `json:"flagStatus"`
	} `json:"flag"`
}

func (m *graphMessage) toMessage() Message {
	msg := Message{
		ID:                m.ID,
		ConversationID:    m.ConversationID,
		ConversationIndex: m.ConversationIndex,
		Subject:           m.Subject,
		ReceivedAt:        m.ReceivedDateTime,
		FolderID:          m.ParentFolderID,
		Importance:        m.Importance,
		IsRead:            m.IsRead,
	}
	if m.From != nil {
		msg.SenderEmail = m.From.EmailAddress.Address
		msg.SenderName = m.From.EmailAddress.Name
	}
	if m.Body != nil {
		msg.Body = m.Body.Content
		msg.BodyContentType = m.Body.ContentType
	}
	if m.Flag != nil {
		msg.FlagStatus = m.Flag.FlagStatus
	}
	return msg
}

type graphPage struct {
	Value     []json.RawMessage `json:"value"`
	NextLink  string            `json:"@odata.nextLink"`
	DeltaLink string            `json:"@odata.deltaLink"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do performs one authenticated request and decodes the JSON response
// into out when non-nil.
func (c *GraphClient) do(ctx context.Context, method, rawURL string, body, out any) error {
	if err := c.bucket.Wait(ctx, 1); err != nil {
		return err
	}

	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("failed to acquire access token: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	token.SetAuthHeader(req)
	req.Header.Set("Prefer", `IdType="ImmutableId"`)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mail request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return translateStatus(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// translateStatus maps provider statuses onto the error kinds callers
// branch on.
func translateStatus(status int, body []byte) error {
	var ge graphError
	_ = json.Unmarshal(body, &ge)

	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, ge.Error.Message)
	case http.StatusPreconditionFailed, http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, ge.Error.Message)
	case http.StatusTooManyRequests:
		return &ratelimit.Error{
			Bucket: ratelimit.BucketMSGraph,
			Reason: "provider throttled the request",
		}
	}
	return &APIError{Status: status, ProviderCode: ge.Error.Code, Message: ge.Error.Message}
}

// GetDelta walks the delta feed to completion and returns the new
// resume token. The deltaToken is the provider's opaque delta link; an
// empty token enumerates the folder from scratch.
func (c *GraphClient) GetDelta(ctx context.Context, folderID, deltaToken string) (*DeltaResult, error) {
	next := deltaToken
	if next == "" {
		next = fmt.Sprintf("%s/me/mailFolders/%s/messages/delta?$select=%s",
			c.baseURL, url.PathEscape(folderID), messageSelect)
	}

	result := &DeltaResult{}
	for next != "" {
		var page graphPage
		if err := c.do(ctx, http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}

		for _, raw := range page.Value {
			var gm graphMessage
			if err := json.Unmarshal(raw, &gm); err != nil {
				return nil, fmt.Errorf("failed to decode delta entry: %w", err)
			}
			if gm.Removed != nil {
				result.Removed = append(result.Removed, gm.ID)
				continue
			}
			result.Messages = append(result.Messages, gm.toMessage())
		}

		if page.DeltaLink != "" {
			result.NextToken = page.DeltaLink
			break
		}
		next = page.NextLink
	}
	return result, nil
}

type graphFolder struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// GetFolderID resolves a display path, creating missing segments. IDs
// are cached per full path for the life of the client.
func (c *GraphClient) GetFolderID(ctx context.Context, path string) (string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", fmt.Errorf("empty folder path")
	}

	c.mu.Lock()
	if id, ok := c.folderIDs[path]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	segments := strings.Split(path, "/")
	parentID := ""
	for _, segment := range segments {
		id, err := c.resolveChild(ctx, parentID, segment)
		if err != nil {
			return "", err
		}
		parentID = id
	}

	c.mu.Lock()
	c.folderIDs[path] = parentID
	c.mu.Unlock()
	return parentID, nil
}

// resolveChild finds or creates a folder named name under parentID
// (top level when empty).
func (c *GraphClient) resolveChild(ctx context.Context, parentID, name string) (string, error) {
	listURL := fmt.Sprintf("%s/me/mailFolders?$top=200", c.baseURL)
	createURL := fmt.Sprintf("%s/me/mailFolders", c.baseURL)
	if parentID != "" {
		listURL = fmt.Sprintf("%s/me/mailFolders/%s/childFolders?$top=200", c.baseURL, url.PathEscape(parentID))
		createURL = fmt.Sprintf("%s/me/mailFolders/%s/childFolders", c.baseURL, url.PathEscape(parentID))
	}

	for listURL != "" {
		var page struct {
			Value    []graphFolder `json:"value"`
			NextLink string        `json:"@odata.nextLink"`
		}
		if err := c.do(ctx, http.MethodGet, listURL, nil, &page); err != nil {
			return "", err
		}
		for _, folder := range page.Value {
			if strings.EqualFold(folder.DisplayName, name) {
				return folder.ID, nil
			}
		}
		listURL = page.NextLink
	}

	var created graphFolder
	if err := c.do(ctx, http.MethodPost, createURL, map[string]string{"displayName": name}, &created); err != nil {
		return "", fmt.Errorf("failed to create folder %q: %w", name, err)
	}
	c.logger.Info("Created mail folder", "name", name)
	return created.ID, nil
}

type batchRequest struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Body    any               `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type batchResponse struct {
	Responses []struct {
		ID     string          `json:"id"`
		Status int             `json:"status"`
		Body   json.RawMessage `json:"body"`
	} `json:"responses"`
}

// BatchMove applies moves in provider-limit chunks. Each move's outcome
// is reported individually; a 2xx body carries the post-move message,
// whose id is surfaced as NewID when it changed.
func (c *GraphClient) BatchMove(ctx context.Context, moves []Move) ([]MoveResult, error) {
	results := make([]MoveResult, 0, len(moves))

	for start := 0; start < len(moves); start += batchLimit {
		end := start + batchLimit
		if end > len(moves) {
			end = len(moves)
		}
		chunk := moves[start:end]

		payload := struct {
			Requests []batchRequest `json:"requests"`
		}{}
		for i, mv := range chunk {
			payload.Requests = append(payload.Requests, batchRequest{
				ID:      fmt.Sprintf("%d", i),
				Method:  http.MethodPost,
				URL:     fmt.Sprintf("/me/messages/%s/move", mv.MessageID),
				Body:    map[string]string{"destinationId": mv.DestinationFolderID},
				Headers: map[string]string{"Content-Type": "application/json"},
			})
		}

		var resp batchResponse
		if err := c.do(ctx, http.MethodPost, c.baseURL+"/$batch", payload, &resp); err != nil {
			return nil, err
		}

		byID := make(map[string]int, len(chunk))
		for i := range chunk {
			byID[fmt.Sprintf("%d", i)] = i
		}
		chunkResults := make([]MoveResult, len(chunk))
		for i, mv := range chunk {
			chunkResults[i] = MoveResult{
				MessageID: mv.MessageID,
				Err:       &APIError{Status: 0, Message: "no response for batched move"},
			}
		}
		for _, r := range resp.Responses {
			idx, ok := byID[r.ID]
			if !ok {
				continue
			}
			mv := chunk[idx]
			if r.Status >= 400 {
				chunkResults[idx] = MoveResult{MessageID: mv.MessageID, Err: translateStatus(r.Status, r.Body)}
				continue
			}
			var moved graphMessage
			_ = json.Unmarshal(r.Body, &moved)
			result := MoveResult{MessageID: mv.MessageID}
			if moved.ID != "" && moved.ID != mv.MessageID {
				result.NewID = moved.ID
			}
			chunkResults[idx] = result
		}
		results = append(results, chunkResults...)
	}
	return results, nil
}

// GetSentItems pages through the sent folder for messages sent at or
// after since.
func (c *GraphClient) GetSentItems(ctx context.Context, since time.Time) ([]SentMessage, error) {
	filter := url.QueryEscape(fmt.Sprintf("sentDateTime ge %s", since.UTC().Format(time.RFC3339)))
	next := fmt.Sprintf("%s/me/mailFolders/sentitems/messages?$filter=%s&$select=id,conversationId,sentDateTime&$top=100",
		c.baseURL, filter)

	var sent []SentMessage
	for next != "" {
		var page struct {
			Value    []graphMessage `json:"value"`
			NextLink string         `json:"@odata.nextLink"`
		}
		if err := c.do(ctx, http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for _, gm := range page.Value {
			sent = append(sent, SentMessage{
				ID:             gm.ID,
				ConversationID: gm.ConversationID,
				SentAt:         gm.SentDateTime,
			})
		}
		next = page.NextLink
	}
	return sent, nil
}

// GetMessageImmutableID re-fetches a message under the immutable id
// preference and returns the id the provider reports.
func (c *GraphClient) GetMessageImmutableID(ctx context.Context, id string) (string, error) {
	var msg graphMessage
	fetchURL := fmt.Sprintf("%s/me/messages/%s?$select=id", c.baseURL, url.PathEscape(id))
	if err := c.do(ctx, http.MethodGet, fetchURL, nil, &msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// ListCategories returns the master category display names.
func (c *GraphClient) ListCategories(ctx context.Context) ([]string, error) {
	var page struct {
		Value []struct {
			DisplayName string `json:"displayName"`
		} `json:"value"`
	}
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/me/outlook/masterCategories", nil, &page); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(page.Value))
	for _, cat := range page.Value {
		names = append(names, cat.DisplayName)
	}
	return names, nil
}

// CreateCategory adds a category to the master list.
func (c *GraphClient) CreateCategory(ctx context.Context, name, color string) error {
	body := map[string]string{"displayName": name, "color": color}
	return c.do(ctx, http.MethodPost, c.baseURL+"/me/outlook/masterCategories", body, nil)
}

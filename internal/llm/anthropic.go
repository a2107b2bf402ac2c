package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"email-triage/internal/ratelimit"
)

const (
	maxAttempts    = 3
	initialBackoff = 2 * time.Second
)

// AnthropicClient is the production Client backed by the Anthropic
// Messages API. Each call consumes one token from the claude_api bucket
// before going on the wire.
type AnthropicClient struct {
	client anthropic.Client
	bucket *ratelimit.Bucket
	logger *slog.Logger
}

// NewAnthropicClient creates a client authenticating with apiKey. An
// empty apiKey falls back to the SDK's environment lookup.
func NewAnthropicClient(apiKey string, bucket *ratelimit.Bucket, logger *slog.Logger) *AnthropicClient {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		bucket: bucket,
		logger: logger,
	}
}

// CreateMessage sends one request, retrying transient failures with
// jittered exponential backoff. The call as a whole is bounded by
// RequestTimeout.
func (c *AnthropicClient) CreateMessage(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	params := buildParams(req)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.bucket.Wait(ctx, 1); err != nil {
			return nil, err
		}

		msg, err := c.client.Messages.New(ctx, params)
		if err == nil {
			return convertMessage(msg), nil
		}

		lastErr = translateError(err)
		if ctx.Err() != nil {
			return nil, lastErr
		}

		var apiErr *APIError
		if errors.As(lastErr, &apiErr) && !apiErr.Retryable() {
			return nil, lastErr
		}

		if attempt < maxAttempts {
			backoff := initialBackoff << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff / 2)))
			c.logger.Warn("LLM request failed, retrying",
				"attempt", attempt, "backoff", backoff, "error", lastErr)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, lastErr
			}
		}
	}
	return nil, lastErr
}

func buildParams(req *Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	for _, msg := range req.Messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range msg.Blocks {
			switch b.Type {
			case BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case BlockToolUse:
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, b.Input, b.Name))
			case BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		params.Messages = append(params.Messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(msg.Role),
			Content: blocks,
		})
	}

	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.InputSchema,
					Required:   tool.Required,
				},
			},
		})
	}

	if req.ForceTool != "" {
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: req.ForceTool},
		}
	}
	return params
}

func convertMessage(msg *anthropic.Message) *Response {
	resp := &Response{
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Blocks = append(resp.Blocks, Block{Type: BlockText, Text: v.Text})
		case anthropic.ToolUseBlock:
			resp.Blocks = append(resp.Blocks, Block{
				Type:  BlockToolUse,
				ID:    v.ID,
				Name:  v.Name,
				Input: json.RawMessage(v.JSON.Input.Raw()),
			})
		}
	}
	return resp
}

func translateError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &APIError{StatusCode: apiErr.StatusCode, Message: apiErr.Error()}
	}
	return err
}

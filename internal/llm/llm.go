package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RequestTimeout bounds a single model call, including provider-side
// queueing. Callers get a context error rather than an open-ended hang.
const RequestTimeout = 120 * time.Second

// Message roles on the wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Block types inside a message.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Tool declares a structured-output tool the model may call. InputSchema
// holds JSON-schema property definitions keyed by field name.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Required    []string
}

// Block is one content block in a message, in either direction. Which
// fields are set depends on Type: Text for text blocks, ID/Name/Input
// for tool_use, ToolUseID/Content/IsError for tool_result.
type Block struct {
	Type string

	Text string

	ID    string
	Name  string
	Input json.RawMessage

	ToolUseID string
	Content   string
	IsError   bool
}

// Message is one conversation turn.
type Message struct {
	Role   string
	Blocks []Block
}

// TextMessage builds a single-text-block message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Blocks: []Block{{Type: BlockText, Text: text}}}
}

// Request is a model invocation. ForceTool, when set, instructs the
// model that it must answer with that tool.
type Request struct {
	Model     string
	MaxTokens int
	System    string
	Messages  []Message
	Tools     []Tool
	ForceTool string
}

// Response is the model's reply plus the usage accounting the request
// log records.
type Response struct {
	Blocks       []Block
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Text concatenates the text blocks of the response.
func (r *Response) Text() string {
	var out string
	for _, b := range r.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolCall returns the first tool_use block with the given name, or nil.
func (r *Response) ToolCall(name string) *Block {
	for i := range r.Blocks {
		if r.Blocks[i].Type == BlockToolUse && r.Blocks[i].Name == name {
			return &r.Blocks[i]
		}
	}
	return nil
}

// Client is the capability the classification and digest paths depend
// on. Implementations own transport, authentication, rate limiting, and
// retries; callers own prompts and tool schemas.
type Client interface {
	CreateMessage(ctx context.Context, req *Request) (*Response, error)
}

// APIError is a provider-level failure with enough detail to decide on
// retries.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api error (status %d): %s", e.StatusCode, e.Message)
}

// Retryable reports whether the failure class is transient: rate
// limiting, provider overload, or server errors.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

package llm

import (
	"context"
	"errors"
	"fmt"
)

// MaxToolRounds bounds how many model turns a tool exchange may take
// before the session gives up. With a forced tool choice a single round
// is the normal case; the bound exists for models that answer in prose
// anyway.
const MaxToolRounds = 5

// ErrToolRoundsExhausted reports a session that never produced the
// expected tool call.
var ErrToolRoundsExhausted = errors.New("model did not call the expected tool")

// ToolResult is the outcome of one tool exchange: the call the model
// made plus the response it arrived in.
type ToolResult struct {
	Call     *Block
	Response *Response

	// Rounds is how many model turns the exchange took, for the
	// request log.
	Rounds int
}

// RunForTool drives a conversation until the model calls toolName. Each
// round that produces no matching tool_use gets the assistant's turn
// echoed back with a nudge to use the tool; after MaxToolRounds the
// session fails with ErrToolRoundsExhausted.
func RunForTool(ctx context.Context, client Client, req *Request, toolName string) (*ToolResult, error) {
	messages := make([]Message, len(req.Messages))
	copy(messages, req.Messages)

	for round := 1; round <= MaxToolRounds; round++ {
		attempt := *req
		attempt.Messages = messages
		attempt.ForceTool = toolName

		resp, err := client.CreateMessage(ctx, &attempt)
		if err != nil {
			return nil, err
		}

		if call := resp.ToolCall(toolName); call != nil {
			return &ToolResult{Call: call, Response: resp, Rounds: round}, nil
		}

		messages = append(messages,
			Message{Role: RoleAssistant, Blocks: resp.Blocks},
			TextMessage(RoleUser, fmt.Sprintf("Respond by calling the %s tool.", toolName)),
		)
	}
	return nil, ErrToolRoundsExhausted
}

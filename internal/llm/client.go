// Package llm defines the black-box chat-completion client the Agent
// Loop drives: a single request/response call (no streaming — progress
// is observed via task row updates, not an SSE channel), adapted from
// the teacher's channel-based Generate/Chunk shape.
package llm

import "context"

// Conversation message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single turn in the conversation sent to the model.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // set on assistant messages carrying native tool calls
	ToolCallID string     // set on tool role messages
	ToolName   string     // set on tool role messages
}

// ToolDefinition describes one entry in the Tool Registry as exposed to
// the model.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema
}

// ToolCall is the model's request to invoke a tool via its native
// tool-call channel (classification (a), §4.6).
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// Request is one LLM call: the full conversation plus available tools.
type Request struct {
	Messages []Message
	Tools    []ToolDefinition
}

// Response is the model's reply. Content holds the raw text the Agent
// Loop classifies into (b)-(f) when ToolCalls is empty.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Client is the Agent Loop's sole dependency on the model provider.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

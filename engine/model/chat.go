// Package model defines the chat-model boundary the AI check provider
// talks through, with adapters for Anthropic, OpenAI, and Google under
// subpackages.
package model

import "context"

// ChatModel is the unified chat interface over LLM providers.
//
// Implementations handle provider-specific authentication, convert the
// common Message format to the provider wire format, and respect context
// cancellation. They must be safe for concurrent use.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is one turn of an LLM conversation.
type Message struct {
	// Role is one of the Role* constants.
	Role string

	// Content is the message text.
	Content string
}

// Standard role constants, aligned with the conventions of the major
// providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool the model may call. Schema follows JSON
// Schema.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is a model request to invoke a tool.
type ToolCall struct {
	Name  string
	Input map[string]any
}

// ChatOut is a chat completion: text, tool calls, or both.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall

	// SessionID identifies the provider-side conversation when the
	// backend supports continuation; empty otherwise.
	SessionID string

	// TokensUsed is the total token count reported by the provider, zero
	// when unreported.
	TokensUsed int
}

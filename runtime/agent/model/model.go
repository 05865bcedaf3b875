// Package model defines the provider-agnostic streaming contract between the
// coordination runtime and LLM provider adapters. It normalizes chat messages,
// tool calls, and generation parameters so the orchestrator and agent runtime
// can drive any provider (OpenAI, Anthropic, Bedrock, etc.) through one
// interface. Adapters translate these types into provider-specific formats and
// are responsible for dropping unsupported options silently.
package model

import (
	"context"
	"errors"
)

type (
	// Backend is the capability every provider adapter must satisfy. A Backend
	// owns the translation between the normalized Request and the provider's
	// native API, including streaming. Backends must be safe for concurrent use
	// by multiple agents; per-call state belongs on the returned Streamer.
	Backend interface {
		// Stream issues one model turn and returns a Streamer yielding incremental
		// chunks. The produced sequence is finite and terminates with exactly one
		// ChunkTypeDone chunk, even on failure (an error chunk precedes done).
		// A ChunkTypeToolCalls chunk is terminal for the turn: after emitting one,
		// the backend emits done without further content. The caller executes the
		// tools and resumes with a new Stream call whose message list includes the
		// tool results.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental backend output. Successive calls to Recv
	// return Chunk values; after the done chunk has been delivered, Recv returns
	// io.EOF. Implementations must release underlying resources when Close is
	// invoked and must honor cancellation of the context passed to Stream by
	// terminating with an error chunk followed by done within a bounded grace
	// period.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream and releases provider resources.
		Close() error
	}

	// Role identifies the author of a conversation message.
	Role string

	// Message is one element of the ordered conversation history. The first
	// system message is the agent's prompt; the last message is the user turn the
	// agent is currently answering.
	Message struct {
		// Role is the message author: system, user, assistant, or tool.
		Role Role `json:"role"`
		// Content is the message text. Empty when the message only carries tool
		// calls or a tool result with no text.
		Content string `json:"content"`
		// ToolCalls lists the tool invocations requested by an assistant message.
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		// ToolCallID links a tool-role message back to the call it answers.
		ToolCallID string `json:"tool_call_id,omitempty"`
	}

	// ToolCall captures one tool invocation requested by the model. Arguments
	// are always carried as a serialized JSON string across component
	// boundaries, even when structurally a map, so every backend shares one
	// wire shape.
	ToolCall struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// ToolDefinition describes a tool schema passed to providers for function
	// calling. InputSchema is a JSON Schema object (typically map[string]any).
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema any
	}

	// Request captures the normalized parameters of a model turn. Adapters map
	// these to their native shape and silently drop options the provider does
	// not support.
	Request struct {
		// Model is the provider-specific model identifier. Empty selects the
		// adapter's configured default.
		Model string
		// Messages is the ordered conversation history for this turn.
		Messages []*Message
		// Tools lists the tool schemas exposed to the model. Workflow tool names
		// are reserved; see ValidateToolDefinitions.
		Tools []*ToolDefinition
		// Temperature controls sampling temperature. Zero uses the provider default.
		Temperature float64
		// MaxTokens caps completion tokens. Zero uses the provider default.
		MaxTokens int
		// EnableReasoning asks the provider to expose its internal thinking as
		// ChunkTypeReasoning chunks where supported.
		EnableReasoning bool
		// ReasoningBudget caps tokens allocated to reasoning output. Zero uses
		// the provider default.
		ReasoningBudget int
		// EnableWebSearch turns on provider-side web search where supported.
		EnableWebSearch bool
	}
)

// Conversation roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ErrStreamingUnsupported indicates the provider does not implement streaming
// for the requested model or parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// SystemMessage builds a system-role message.
func SystemMessage(text string) *Message {
	return &Message{Role: RoleSystem, Content: text}
}

// UserMessage builds a user-role message.
func UserMessage(text string) *Message {
	return &Message{Role: RoleUser, Content: text}
}

// AssistantMessage builds an assistant-role message.
func AssistantMessage(text string) *Message {
	return &Message{Role: RoleAssistant, Content: text}
}

// ToolResultMessage builds a tool-role message answering the given call.
func ToolResultMessage(callID, content string) *Message {
	return &Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

// CloneMessages returns a deep copy of the message list. Adapters and the
// compression layer mutate copies, never the caller's transcript.
func CloneMessages(msgs []*Message) []*Message {
	if msgs == nil {
		return nil
	}
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		c := *m
		if m.ToolCalls != nil {
			c.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
		}
		out = append(out, &c)
	}
	return out
}

package server

import (
	"strings"

	"github.com/google/uuid"
)

// OpenAI chat completion wire types, limited to the fields the adapter
// consumes and produces.
type (
	// ChatCompletionRequest is the POST /v1/chat/completions body.
	ChatCompletionRequest struct {
		Model         string          `json:"model"`
		Messages      []ChatMessage   `json:"messages"`
		Tools         []ChatToolParam `json:"tools,omitempty"`
		Stream        bool            `json:"stream,omitempty"`
		StreamOptions *StreamOptions  `json:"stream_options,omitempty"`
		Temperature   float64         `json:"temperature,omitempty"`
		MaxTokens     int             `json:"max_tokens,omitempty"`
	}

	// ChatMessage is one conversation message.
	ChatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// ChatToolParam declares a client tool in the request.
	ChatToolParam struct {
		Type     string       `json:"type"`
		Function ChatFunction `json:"function"`
	}

	// ChatFunction is the function declaration inside a tool parameter.
	ChatFunction struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Parameters  any    `json:"parameters,omitempty"`
	}

	// StreamOptions tunes streaming responses.
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage,omitempty"`
	}

	// ChatCompletion is the non-streaming response body.
	ChatCompletion struct {
		ID      string             `json:"id"`
		Object  string             `json:"object"`
		Created int64              `json:"created"`
		Model   string             `json:"model"`
		Choices []CompletionChoice `json:"choices"`
		Usage   *Usage             `json:"usage,omitempty"`
	}

	// CompletionChoice is one non-streaming choice.
	CompletionChoice struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}

	// ChatCompletionChunk is one streaming SSE data object.
	ChatCompletionChunk struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []ChunkChoice `json:"choices"`
		// Events carries coordination display events that have no OpenAI
		// equivalent (agent status, votes, restarts). Standard clients
		// ignore the extra field.
		Events []EventEnvelope `json:"massgen_events,omitempty"`
		Usage  *Usage          `json:"usage,omitempty"`
	}

	// ChunkChoice is one streaming choice delta.
	ChunkChoice struct {
		Index        int        `json:"index"`
		Delta        *ChatDelta `json:"delta"`
		FinishReason string     `json:"finish_reason,omitempty"`
	}

	// ChatDelta is the incremental message content.
	ChatDelta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}

	// EventEnvelope is a display event forwarded inside a chunk.
	EventEnvelope struct {
		Type      string `json:"type"`
		AgentID   string `json:"agent_id,omitempty"`
		Timestamp int64  `json:"timestamp"`
		Payload   any    `json:"payload,omitempty"`
	}

	// Usage reports token accounting. The coordination runtime does not
	// meter provider tokens, so the adapter reports zeros unless asked.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// errorResponse is the HTTP error body. Collisions is set only for
	// reserved tool-name collisions.
	errorResponse struct {
		Error      string   `json:"error"`
		Collisions []string `json:"collisions,omitempty"`
	}
)

// Model string prefixes recognized by the adapter.
const (
	modelPathPrefix  = "massgen/path:"
	modelModelPrefix = "massgen/model:"
)

// modelSelector is the decoded form of the request's model string.
type modelSelector struct {
	// ConfigPath loads an alternate configuration file when non-empty.
	ConfigPath string
	// ModelOverride replaces every agent's model when non-empty.
	ModelOverride string
}

// parseModelString decodes the massgen/ model-string extensions. Anything
// else selects the server's default configuration unchanged.
func parseModelString(s string) modelSelector {
	switch {
	case strings.HasPrefix(s, modelPathPrefix):
		return modelSelector{ConfigPath: strings.TrimPrefix(s, modelPathPrefix)}
	case strings.HasPrefix(s, modelModelPrefix):
		return modelSelector{ModelOverride: strings.TrimPrefix(s, modelModelPrefix)}
	default:
		return modelSelector{}
	}
}

// newCompletionID builds an OpenAI-style completion identifier.
func newCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// Package openai provides a model.Backend implementation backed by the OpenAI
// Chat Completions API. It translates normalized requests into streaming
// ChatCompletion calls using github.com/sashabaranov/go-openai and maps the
// incremental deltas back into the generic chunk union.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"massgen.dev/massgen/runtime/agent/model"
)

type (
	// ChatClient captures the subset of the go-openai client used by the
	// adapter. It is satisfied by *openai.Client so callers can pass either a
	// real client or a mock in tests.
	ChatClient interface {
		CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Client issues the chat completion calls. Required.
		Client ChatClient
		// DefaultModel is used when model.Request.Model is empty. Required.
		DefaultModel string
		// MaxTokens caps completions when a request does not specify MaxTokens.
		// Zero leaves the cap to the provider.
		MaxTokens int
		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Backend on top of OpenAI Chat Completions.
	Client struct {
		chat   ChatClient
		model  string
		maxTok int
		temp   float64
	}
)

// New builds an OpenAI-backed model backend from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai: client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{
		chat:   opts.Client,
		model:  opts.DefaultModel,
		maxTok: opts.MaxTokens,
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a backend using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Stream issues one streaming chat completion and adapts the deltas into
// model.Chunks. Tool call fragments are accumulated across deltas and emitted
// as a single tool_calls chunk at stream end.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	request, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	s, err := c.chat.CreateChatCompletionStream(ctx, *request)
	if err != nil {
		return nil, classify("chat.completions", err)
	}
	return &streamer{s: s}, nil
}

func (c *Client) encodeRequest(req model.Request) (*openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	return &openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: float32(temp),
		MaxTokens:   maxTokens,
		Tools:       encodeTools(req.Tools),
	}, nil
}

func encodeMessages(msgs []*model.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		case model.RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case model.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, call := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				})
			}
			out = append(out, msg)
		case model.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func encodeTools(defs []*model.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}
	return tools
}

// classify maps a go-openai error onto the stable provider error taxonomy so
// the retry and compression layers can react without knowing the SDK.
func classify(op string, err error) error {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return model.NewProviderError("openai", op, model.ProviderErrorKindUnavailable, err.Error(), true, err)
	}
	kind := model.ProviderErrorKindUnknown
	retryable := false
	switch {
	case isContextOverflow(apiErr):
		kind = model.ProviderErrorKindContextOverflow
	case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
		kind = model.ProviderErrorKindAuth
	case apiErr.HTTPStatusCode == 429:
		kind = model.ProviderErrorKindRateLimited
		retryable = true
	case apiErr.HTTPStatusCode >= 500:
		kind = model.ProviderErrorKindUnavailable
		retryable = true
	case apiErr.HTTPStatusCode == 400:
		kind = model.ProviderErrorKindInvalidRequest
	}
	return model.NewProviderError("openai", op, kind, apiErr.Message, retryable, err)
}

func isContextOverflow(apiErr *openai.APIError) bool {
	if code, ok := apiErr.Code.(string); ok && code == "context_length_exceeded" {
		return true
	}
	return strings.Contains(apiErr.Message, "maximum context length")
}

// streamer adapts an OpenAI chat completion stream to model.Streamer. It is
// pull-based: the SDK stream is already a blocking iterator, so no pump
// goroutine is needed.
type streamer struct {
	s      *openai.ChatCompletionStream
	queue  []model.Chunk
	calls  []toolCallBuffer
	closed bool
}

type toolCallBuffer struct {
	id   string
	name string
	args strings.Builder
}

func (s *streamer) Recv() (model.Chunk, error) {
	for {
		if len(s.queue) > 0 {
			c := s.queue[0]
			s.queue = s.queue[1:]
			return c, nil
		}
		if s.closed {
			return model.Chunk{}, io.EOF
		}
		resp, err := s.s.Recv()
		if err != nil {
			s.closed = true
			if errors.Is(err, io.EOF) {
				s.flush()
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return model.Chunk{}, err
			}
			perr := classify("chat.completions", err)
			s.queue = append(s.queue,
				model.ErrorChunk(perr.Error(), model.IsRetryable(perr)),
				model.DoneChunk(),
			)
			continue
		}
		s.handle(resp)
	}
}

func (s *streamer) handle(resp openai.ChatCompletionStreamResponse) {
	for _, choice := range resp.Choices {
		delta := choice.Delta
		if delta.Content != "" {
			s.queue = append(s.queue, model.ContentChunk(delta.Content))
		}
		for _, call := range delta.ToolCalls {
			s.bufferCall(call)
		}
	}
}

// bufferCall accumulates the streamed tool call fragments. OpenAI interleaves
// fragments by index; a fragment with an ID starts a new call.
func (s *streamer) bufferCall(call openai.ToolCall) {
	idx := len(s.calls) - 1
	if call.Index != nil {
		idx = *call.Index
	} else if call.ID != "" {
		idx = len(s.calls)
	}
	for len(s.calls) <= idx {
		s.calls = append(s.calls, toolCallBuffer{})
	}
	if idx < 0 {
		return
	}
	tb := &s.calls[idx]
	if call.ID != "" {
		tb.id = call.ID
	}
	if call.Function.Name != "" {
		tb.name = call.Function.Name
	}
	tb.args.WriteString(call.Function.Arguments)
}

// flush converts the buffered tool calls into the terminal tool_calls chunk
// and appends the done sentinel.
func (s *streamer) flush() {
	if len(s.calls) > 0 {
		calls := make([]model.ToolCall, 0, len(s.calls))
		for i := range s.calls {
			tb := &s.calls[i]
			if tb.name == "" {
				continue
			}
			args := tb.args.String()
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			calls = append(calls, model.ToolCall{ID: tb.id, Name: tb.name, Arguments: args})
		}
		if len(calls) > 0 {
			s.queue = append(s.queue, model.ToolCallsChunk(calls...))
		}
		s.calls = nil
	}
	s.queue = append(s.queue, model.DoneChunk())
}

func (s *streamer) Close() error {
	s.closed = true
	if s.s == nil {
		return nil
	}
	return s.s.Close()
}

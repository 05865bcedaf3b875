// Package anthropic provides a model.Backend implementation backed by the
// Anthropic Claude Messages API. It translates normalized requests into
// streaming Messages calls using github.com/anthropics/anthropic-sdk-go and
// maps the event stream (text, thinking, tool use) back into the generic
// chunk union.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"massgen.dev/massgen/runtime/agent/model"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// model.Request.Model is empty. Required.
		DefaultModel string
		// MaxTokens sets the completion cap when a request does not specify
		// MaxTokens. Anthropic requires a positive cap on every call.
		MaxTokens int
		// Temperature is used when a request does not specify Temperature.
		Temperature float64
		// ThinkingBudget is the default thinking token budget applied when a
		// request enables reasoning without a budget. Anthropic requires at
		// least 1024.
		ThinkingBudget int
	}

	// Client implements model.Backend on top of Anthropic Claude Messages.
	Client struct {
		msg    MessagesClient
		model  string
		maxTok int
		temp   float64
		think  int
	}
)

const defaultMaxTokens = 8192

// New builds an Anthropic-backed model backend from the provided Messages
// client and options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{
		msg:    msg,
		model:  opts.DefaultModel,
		maxTok: maxTok,
		temp:   opts.Temperature,
		think:  opts.ThinkingBudget,
	}, nil
}

// NewFromAPIKey constructs a backend using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Stream invokes Messages.NewStreaming and adapts the incremental events into
// model.Chunks.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	s := c.msg.NewStreaming(ctx, *params)
	if err := s.Err(); err != nil {
		return nil, classify("messages.new", err)
	}
	return newStreamer(ctx, s), nil
}

func (c *Client) encodeRequest(req model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	if req.EnableReasoning {
		budget := req.ReasoningBudget
		if budget <= 0 {
			budget = c.think
		}
		if budget < 1024 {
			return nil, fmt.Errorf("anthropic: thinking budget %d must be >= 1024", budget)
		}
		if budget >= maxTokens {
			return nil, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", budget, maxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(budget))
	}
	return &params, nil
}

// encodeMessages splits the history into the Anthropic conversation and the
// system blocks. Tool-role messages become user-role tool_result blocks, as
// the Messages API requires.
func encodeMessages(msgs []*model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, 1)

	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case model.RoleUser:
			if m.Content == "" {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				if call.Name == "" {
					return nil, nil, errors.New("anthropic: tool call missing name")
				}
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, json.RawMessage(call.Arguments), call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case model.RoleTool:
			conversation = append(conversation, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []*model.ToolDefinition) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		u := sdk.ToolUnionParamOfTool(toolInputSchema(def.InputSchema), def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools
}

func toolInputSchema(schema any) sdk.ToolInputSchemaParam {
	m, ok := schema.(map[string]any)
	if !ok {
		data, err := json.Marshal(schema)
		if err != nil {
			return sdk.ToolInputSchemaParam{}
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return sdk.ToolInputSchemaParam{}
		}
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}
}

// classify maps an Anthropic SDK error onto the stable provider error
// taxonomy. The message is parsed out of the raw error payload; the SDK's
// formatted error string is not usable without the original HTTP exchange.
func classify(op string, err error) error {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return model.NewProviderError("anthropic", op, model.ProviderErrorKindUnavailable, err.Error(), true, err)
	}
	message := errorMessage(apiErr)
	kind := model.ProviderErrorKindUnknown
	retryable := false
	switch {
	case apiErr.StatusCode == 400 && strings.Contains(message, "prompt is too long"):
		kind = model.ProviderErrorKindContextOverflow
	case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
		kind = model.ProviderErrorKindAuth
	case apiErr.StatusCode == 429:
		kind = model.ProviderErrorKindRateLimited
		retryable = true
	case apiErr.StatusCode >= 500:
		kind = model.ProviderErrorKindUnavailable
		retryable = true
	case apiErr.StatusCode == 400:
		kind = model.ProviderErrorKindInvalidRequest
	}
	return model.NewProviderError("anthropic", op, kind, message, retryable, err)
}

func errorMessage(apiErr *sdk.Error) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if raw := apiErr.RawJSON(); raw != "" {
		if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
			return payload.Error.Message
		}
	}
	return fmt.Sprintf("anthropic request failed with status %d", apiErr.StatusCode)
}

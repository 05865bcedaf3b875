// Package bedrock provides a model.Backend implementation backed by the AWS
// Bedrock Converse API. It splits system from conversational messages, encodes
// tool schemas into Bedrock's ToolConfiguration, and adapts ConverseStream
// events back into the generic chunk union.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"massgen.dev/massgen/runtime/agent/model"
)

const providerName = "bedrock"

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client used
	// by the adapter. It matches *bedrockruntime.Client so callers can pass
	// either the real client or a mock in tests.
	RuntimeClient interface {
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// Runtime provides access to the Bedrock runtime. Required.
		Runtime RuntimeClient
		// DefaultModel is the model identifier used when model.Request.Model
		// is empty. Required.
		DefaultModel string
		// MaxTokens sets the completion cap when a request does not specify
		// MaxTokens. Zero omits the cap so Bedrock uses its own default.
		MaxTokens int
		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Backend on top of AWS Bedrock Converse.
	Client struct {
		runtime RuntimeClient
		model   string
		maxTok  int
		temp    float64
	}
)

// New builds a Bedrock-backed model backend from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	return &Client{
		runtime: opts.Runtime,
		model:   opts.DefaultModel,
		maxTok:  opts.MaxTokens,
		temp:    opts.Temperature,
	}, nil
}

// Stream invokes ConverseStream and adapts the event stream into model.Chunks.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	input, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, classify("converse_stream", err)
	}
	s := out.GetStream()
	if s == nil {
		return nil, errors.New("bedrock: stream output missing event stream")
	}
	return newStreamer(ctx, s), nil
}

func (c *Client) encodeRequest(req model.Request) (*bedrockruntime.ConverseStreamInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	if cfg, err := encodeTools(req.Tools); err != nil {
		return nil, err
	} else if cfg != nil {
		input.ToolConfig = cfg
	}
	if cfg := c.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input, nil
}

func (c *Client) inferenceConfig(req model.Request) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := req.MaxTokens
	if tokens <= 0 {
		tokens = c.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(float32(temp))
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

// encodeMessages splits the history into Bedrock conversation messages and
// system blocks. Tool-role messages become user-role tool_result blocks.
func encodeMessages(msgs []*model.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	system := make([]brtypes.SystemContentBlock, 0, 1)

	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
		case model.RoleUser:
			if m.Content == "" {
				continue
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case model.RoleAssistant:
			blocks := make([]brtypes.ContentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, call := range m.ToolCalls {
				block, err := encodeToolUse(call)
				if err != nil {
					return nil, nil, err
				}
				blocks = append(blocks, block)
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: blocks,
			})
		case model.RoleTool:
			conversation = append(conversation, brtypes.Message{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{
					Value: brtypes.ToolResultBlock{
						ToolUseId: aws.String(m.ToolCallID),
						Content: []brtypes.ToolResultContentBlock{
							&brtypes.ToolResultContentBlockMemberText{Value: m.Content},
						},
					},
				}},
			})
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeToolUse(call model.ToolCall) (brtypes.ContentBlock, error) {
	if call.Name == "" {
		return nil, errors.New("bedrock: tool call missing name")
	}
	var input any
	args := call.Arguments
	if args == "" {
		args = "{}"
	}
	if err := json.Unmarshal([]byte(args), &input); err != nil {
		return nil, fmt.Errorf("bedrock: tool call %q arguments: %w", call.Name, err)
	}
	return &brtypes.ContentBlockMemberToolUse{
		Value: brtypes.ToolUseBlock{
			ToolUseId: aws.String(call.ID),
			Name:      aws.String(call.Name),
			Input:     document.NewLazyDocument(input),
		},
	}, nil
}

func encodeTools(defs []*model.ToolDefinition) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		spec := brtypes.ToolSpecification{
			Name: aws.String(def.Name),
		}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		if def.InputSchema != nil {
			spec.InputSchema = &brtypes.ToolInputSchemaMemberJson{
				Value: document.NewLazyDocument(def.InputSchema),
			}
		}
		tools = append(tools, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(tools) == 0 {
		return nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: tools}, nil
}

// classify maps an AWS SDK error onto the stable provider error taxonomy.
// Throttling is detected both by provider error code and by HTTP status.
func classify(op string, err error) error {
	var (
		status int
		msg    = err.Error()
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		msg = apiErr.ErrorMessage()
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return model.NewProviderError(providerName, op, model.ProviderErrorKindRateLimited, msg, true, err)
		case "ValidationException":
			// Context overflow surfaces as a validation error mentioning the
			// input token ceiling.
			if containsOverflowMarker(msg) {
				return model.NewProviderError(providerName, op, model.ProviderErrorKindContextOverflow, msg, false, err)
			}
			return model.NewProviderError(providerName, op, model.ProviderErrorKindInvalidRequest, msg, false, err)
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	kind := model.ProviderErrorKindUnknown
	retryable := false
	switch {
	case status == http.StatusBadRequest:
		kind = model.ProviderErrorKindInvalidRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = model.ProviderErrorKindAuth
	case status == http.StatusTooManyRequests:
		kind = model.ProviderErrorKindRateLimited
		retryable = true
	case status >= http.StatusInternalServerError:
		kind = model.ProviderErrorKindUnavailable
		retryable = true
	}
	return model.NewProviderError(providerName, op, kind, msg, retryable, err)
}

func containsOverflowMarker(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"too many input tokens", "input is too long", "maximum input length"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

package openai

import (
	"errors"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"massgen.dev/massgen/runtime/agent/model"
)

func intptr(i int) *int { return &i }

func TestEncodeMessagesRoundTripsRolesAndToolPlumbing(t *testing.T) {
	msgs := []*model.Message{
		model.SystemMessage("you are helpful"),
		model.UserMessage("hi"),
		{
			Role:    model.RoleAssistant,
			Content: "let me check",
			ToolCalls: []model.ToolCall{
				{ID: "call-1", Name: "lookup", Arguments: `{"q":"hi"}`},
			},
		},
		model.ToolResultMessage("call-1", "found it"),
	}

	out, err := encodeMessages(msgs)
	require.NoError(t, err)
	require.Len(t, out, 4)
	require.Equal(t, openai.ChatMessageRoleSystem, out[0].Role)
	require.Equal(t, openai.ChatMessageRoleAssistant, out[2].Role)
	require.Len(t, out[2].ToolCalls, 1)
	require.Equal(t, "lookup", out[2].ToolCalls[0].Function.Name)
	require.Equal(t, `{"q":"hi"}`, out[2].ToolCalls[0].Function.Arguments)
	require.Equal(t, openai.ChatMessageRoleTool, out[3].Role)
	require.Equal(t, "call-1", out[3].ToolCallID)
}

func TestEncodeMessagesRejectsUnknownRole(t *testing.T) {
	_, err := encodeMessages([]*model.Message{{Role: "oracle", Content: "?"}})
	require.ErrorContains(t, err, "unsupported message role")
}

func TestEncodeRequestAppliesDefaults(t *testing.T) {
	c, err := New(Options{Client: &openai.Client{}, DefaultModel: "gpt-4o", MaxTokens: 256, Temperature: 0.3})
	require.NoError(t, err)

	req, err := c.encodeRequest(model.Request{Messages: []*model.Message{model.UserMessage("hi")}})
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", req.Model)
	require.Equal(t, 256, req.MaxTokens)
	require.InDelta(t, 0.3, float64(req.Temperature), 1e-6)

	req, err = c.encodeRequest(model.Request{
		Model:       "gpt-4o-mini",
		Messages:    []*model.Message{model.UserMessage("hi")},
		MaxTokens:   64,
		Temperature: 0.9,
	})
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", req.Model)
	require.Equal(t, 64, req.MaxTokens)
	require.InDelta(t, 0.9, float64(req.Temperature), 1e-6)
}

func TestClassifyMapsAPIErrors(t *testing.T) {
	cases := []struct {
		name      string
		err       *openai.APIError
		kind      model.ProviderErrorKind
		retryable bool
	}{
		{
			name: "context overflow by code",
			err:  &openai.APIError{HTTPStatusCode: http.StatusBadRequest, Code: "context_length_exceeded", Message: "too long"},
			kind: model.ProviderErrorKindContextOverflow,
		},
		{
			name: "context overflow by message",
			err:  &openai.APIError{HTTPStatusCode: http.StatusBadRequest, Message: "This model's maximum context length is 128000 tokens"},
			kind: model.ProviderErrorKindContextOverflow,
		},
		{
			name:      "rate limited",
			err:       &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "slow down"},
			kind:      model.ProviderErrorKindRateLimited,
			retryable: true,
		},
		{
			name:      "server error",
			err:       &openai.APIError{HTTPStatusCode: http.StatusBadGateway, Message: "upstream"},
			kind:      model.ProviderErrorKindUnavailable,
			retryable: true,
		},
		{
			name: "bad request",
			err:  &openai.APIError{HTTPStatusCode: http.StatusBadRequest, Message: "missing field"},
			kind: model.ProviderErrorKindInvalidRequest,
		},
		{
			name: "auth",
			err:  &openai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "bad key"},
			kind: model.ProviderErrorKindAuth,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify("chat.completions", tc.err)
			var pe *model.ProviderError
			require.ErrorAs(t, err, &pe)
			require.Equal(t, tc.kind, pe.Kind())
			require.Equal(t, tc.retryable, pe.Retryable())
			require.Equal(t, "openai", pe.Provider())
		})
	}

	err := classify("chat.completions", errors.New("connection refused"))
	require.True(t, model.IsRetryable(err))
}

func TestStreamerAccumulatesToolCallFragments(t *testing.T) {
	s := &streamer{}
	s.handle(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{
				ToolCalls: []openai.ToolCall{{
					Index:    intptr(0),
					ID:       "call-1",
					Function: openai.FunctionCall{Name: "lookup", Arguments: `{"q":`},
				}},
			},
		}},
	})
	s.handle(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{
				ToolCalls: []openai.ToolCall{{
					Index:    intptr(0),
					Function: openai.FunctionCall{Arguments: `"hi"}`},
				}},
			},
		}},
	})
	s.flush()

	require.Len(t, s.queue, 2)
	require.Equal(t, model.ChunkTypeToolCalls, s.queue[0].Type)
	require.Equal(t, []model.ToolCall{{ID: "call-1", Name: "lookup", Arguments: `{"q":"hi"}`}}, s.queue[0].ToolCalls)
	require.Equal(t, model.ChunkTypeDone, s.queue[1].Type)
}

func TestStreamerFlushWithoutCallsEmitsDoneOnly(t *testing.T) {
	s := &streamer{}
	s.handle(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{Content: "hello"},
		}},
	})
	s.flush()

	require.Len(t, s.queue, 2)
	require.Equal(t, model.ChunkTypeContent, s.queue[0].Type)
	require.Equal(t, "hello", s.queue[0].Text)
	require.Equal(t, model.ChunkTypeDone, s.queue[1].Type)
}

package anthropic

import (
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/require"

	"massgen.dev/massgen/runtime/agent/model"
)

func event(t *testing.T, raw string) sdk.MessageStreamEventUnion {
	t.Helper()
	var ev sdk.MessageStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	return ev
}

func collectChunks(t *testing.T, events ...sdk.MessageStreamEventUnion) []model.Chunk {
	t.Helper()
	var out []model.Chunk
	p := &processor{
		emit:  func(c model.Chunk) error { out = append(out, c); return nil },
		tools: make(map[int]*toolBuffer),
	}
	for _, ev := range events {
		require.NoError(t, p.handle(ev))
	}
	return out
}

func TestProcessorTextThinkingAndToolCall(t *testing.T) {
	chunks := collectChunks(t,
		event(t, `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`),
		event(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`),
		event(t, `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"lookup"}}`),
		event(t, `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`),
		event(t, `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"hi\"}"}}`),
		event(t, `{"type":"content_block_stop","index":1}`),
		event(t, `{"type":"message_stop"}`),
	)

	require.Len(t, chunks, 4)
	require.Equal(t, model.ReasoningChunk("hmm"), chunks[0])
	require.Equal(t, model.ContentChunk("hello"), chunks[1])
	require.Equal(t, model.ChunkTypeToolCalls, chunks[2].Type)
	require.Equal(t, []model.ToolCall{{ID: "t1", Name: "lookup", Arguments: `{"q":"hi"}`}}, chunks[2].ToolCalls)
	require.Equal(t, model.ChunkTypeDone, chunks[3].Type)
}

func TestProcessorToolCallWithoutArgumentsDefaultsToEmptyObject(t *testing.T) {
	chunks := collectChunks(t,
		event(t, `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"ping"}}`),
		event(t, `{"type":"content_block_stop","index":0}`),
		event(t, `{"type":"message_stop"}`),
	)

	require.Len(t, chunks, 2)
	require.Equal(t, "{}", chunks[0].ToolCalls[0].Arguments)
	require.Equal(t, model.ChunkTypeDone, chunks[1].Type)
}

func TestProcessorRejectsToolUseWithoutID(t *testing.T) {
	p := &processor{
		emit:  func(model.Chunk) error { return nil },
		tools: make(map[int]*toolBuffer),
	}
	err := p.handle(event(t, `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"","name":""}}`))
	require.ErrorContains(t, err, "missing id or name")
}

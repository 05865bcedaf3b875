package model

import (
	"encoding/json"
	"fmt"
)

type (
	// ChunkType tags the variants of the Chunk union.
	ChunkType string

	// Chunk is the single event type exchanged between every backend and the
	// orchestrator. It is a tagged union: Type selects the variant and fields
	// not applicable to the variant are omitted from the wire shape.
	//
	// Chunks are ordered per stream; across streams ordering is only anchored
	// at stream start and at the done sentinel.
	Chunk struct {
		// Type selects the union variant.
		Type ChunkType `json:"type"`
		// Text carries the fragment for content, reasoning, and tool_result
		// variants. Concatenating all content fragments of one turn yields the
		// full assistant text.
		Text string `json:"text,omitempty"`
		// ToolCalls carries the batched tool invocations ending a turn.
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		// ToolCallID links a tool_result chunk to its originating call.
		ToolCallID string `json:"tool_call_id,omitempty"`
		// Compression carries the compression_status payload.
		Compression *CompressionUpdate `json:"compression,omitempty"`
		// Status carries an informational code that is not part of the transcript.
		Status string `json:"status,omitempty"`
		// Error carries the failure message for error chunks.
		Error string `json:"error,omitempty"`
		// Retryable reports whether retrying the turn may succeed.
		Retryable bool `json:"retryable,omitempty"`
	}

	// CompressionStage enumerates the phases of the reactive compression
	// sub-protocol surfaced through compression_status chunks.
	CompressionStage string

	// CompressionUpdate is the payload of a compression_status chunk. The
	// update is purely observational: it does not change the transcript the
	// orchestrator observes, only the history the backend sends the provider.
	CompressionUpdate struct {
		// Stage is the protocol phase: compressing, compressed, or failed.
		Stage CompressionStage `json:"stage"`
		// Kept is the number of trailing user/assistant pairs preserved verbatim.
		Kept int `json:"kept,omitempty"`
		// Ratio is the post-compression token estimate over the context window.
		Ratio float64 `json:"ratio,omitempty"`
		// Reason explains a failed stage.
		Reason string `json:"reason,omitempty"`
	}
)

// Chunk union variants.
const (
	ChunkTypeContent           ChunkType = "content"
	ChunkTypeReasoning         ChunkType = "reasoning"
	ChunkTypeToolCalls         ChunkType = "tool_calls"
	ChunkTypeToolResult        ChunkType = "tool_result"
	ChunkTypeCompressionStatus ChunkType = "compression_status"
	ChunkTypeStatus            ChunkType = "status"
	ChunkTypeError             ChunkType = "error"
	ChunkTypeDone              ChunkType = "done"
)

// Compression stages.
const (
	CompressionCompressing CompressionStage = "compressing"
	CompressionCompressed  CompressionStage = "compressed"
	CompressionFailed      CompressionStage = "failed"
)

// ContentChunk builds a content chunk carrying a visible assistant fragment.
func ContentChunk(text string) Chunk {
	return Chunk{Type: ChunkTypeContent, Text: text}
}

// ReasoningChunk builds a reasoning chunk carrying a thinking fragment.
func ReasoningChunk(text string) Chunk {
	return Chunk{Type: ChunkTypeReasoning, Text: text}
}

// ToolCallsChunk builds the terminal tool_calls chunk for a turn.
func ToolCallsChunk(calls ...ToolCall) Chunk {
	return Chunk{Type: ChunkTypeToolCalls, ToolCalls: calls}
}

// ToolResultChunk builds a tool_result chunk answering the given call.
func ToolResultChunk(callID, text string) Chunk {
	return Chunk{Type: ChunkTypeToolResult, ToolCallID: callID, Text: text}
}

// StatusChunk builds an informational status chunk.
func StatusChunk(code string) Chunk {
	return Chunk{Type: ChunkTypeStatus, Status: code}
}

// ErrorChunk builds an error chunk. Retryable reports whether the caller may
// retry the turn without changing the request.
func ErrorChunk(msg string, retryable bool) Chunk {
	return Chunk{Type: ChunkTypeError, Error: msg, Retryable: retryable}
}

// DoneChunk builds the stream-terminating sentinel.
func DoneChunk() Chunk {
	return Chunk{Type: ChunkTypeDone}
}

// CompressionChunk builds a compression_status chunk for the given stage.
func CompressionChunk(update CompressionUpdate) Chunk {
	return Chunk{Type: ChunkTypeCompressionStatus, Compression: &update}
}

// MarshalChunk serializes the chunk to its canonical wire shape. The encoding
// is deterministic: serialize, parse, serialize yields the same bytes.
func MarshalChunk(c Chunk) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("model: marshal chunk: %w", err)
	}
	return b, nil
}

// ParseChunk parses a chunk from its wire shape and validates the type tag.
func ParseChunk(data []byte) (Chunk, error) {
	var c Chunk
	if err := json.Unmarshal(data, &c); err != nil {
		return Chunk{}, fmt.Errorf("model: parse chunk: %w", err)
	}
	switch c.Type {
	case ChunkTypeContent, ChunkTypeReasoning, ChunkTypeToolCalls, ChunkTypeToolResult,
		ChunkTypeCompressionStatus, ChunkTypeStatus, ChunkTypeError, ChunkTypeDone:
		return c, nil
	default:
		return Chunk{}, fmt.Errorf("model: parse chunk: unknown type %q", c.Type)
	}
}

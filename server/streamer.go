package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"massgen.dev/massgen/runtime/agent/stream"
)

// finalAnswerChunkSize is the rune count per content chunk when the final
// answer is streamed progressively.
const finalAnswerChunkSize = 100

// sseStreamer adapts the display event port to OpenAI SSE framing. It
// implements stream.Sink: coordination events are forwarded as empty-delta
// chunks carrying massgen_events, and the final answer is re-streamed as
// content deltas. Raw per-agent chunks are dropped; with several agents
// streaming in parallel their interleaved deltas would corrupt the single
// completion stream, so the canonical content is the selected answer.
type sseStreamer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	id      string
	model   string
	created int64

	sentRole bool
	closed   bool
}

func newSSEStreamer(w http.ResponseWriter, modelName string) (*sseStreamer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("server: response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseStreamer{
		w:       w,
		flusher: flusher,
		id:      newCompletionID(),
		model:   modelName,
		created: time.Now().Unix(),
	}, nil
}

// Send implements stream.Sink.
func (s *sseStreamer) Send(_ context.Context, ev stream.Event) error {
	switch ev.Type() {
	case stream.EventAgentChunk:
		return nil
	case stream.EventFinalAnswer:
		if fa, ok := ev.(*stream.FinalAnswer); ok {
			s.writeContentChunked(fa.Content)
			return nil
		}
		return nil
	default:
		s.writeEventChunk(ev)
		return nil
	}
}

// Close implements stream.Sink. The HTTP handler owns the terminal framing.
func (s *sseStreamer) Close(context.Context) error { return nil }

func (s *sseStreamer) writeContentChunked(content string) {
	runes := []rune(content)
	for i := 0; i < len(runes); i += finalAnswerChunkSize {
		end := i + finalAnswerChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		s.writeContent(string(runes[i:end]))
	}
}

func (s *sseStreamer) writeContent(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk := s.newChunk()
	chunk.Choices[0].Delta.Content = content
	s.writeLocked(chunk)
}

func (s *sseStreamer) writeEventChunk(ev stream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk := s.newChunk()
	chunk.Events = []EventEnvelope{{
		Type:      string(ev.Type()),
		AgentID:   ev.AgentID(),
		Timestamp: time.Now().Unix(),
		Payload:   ev.Payload(),
	}}
	s.writeLocked(chunk)
}

// writeError surfaces a run failure as a terminal content chunk.
func (s *sseStreamer) writeError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk := s.newChunk()
	chunk.Choices[0].Delta.Content = "\n\n[Error: " + message + "]"
	chunk.Choices[0].FinishReason = "stop"
	s.writeLocked(chunk)
}

// writeFinal emits the finish_reason chunk, then the [DONE] sentinel.
func (s *sseStreamer) writeFinal(includeUsage bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	chunk := s.newChunk()
	chunk.Choices[0].FinishReason = "stop"
	if includeUsage {
		chunk.Usage = &Usage{}
	}
	s.writeLocked(chunk)
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

// writeDone emits only the [DONE] sentinel, used after writeError.
func (s *sseStreamer) writeDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

// newChunk builds a chunk skeleton; the first one carries the assistant
// role. Callers hold mu.
func (s *sseStreamer) newChunk() ChatCompletionChunk {
	delta := &ChatDelta{}
	if !s.sentRole {
		delta.Role = "assistant"
		s.sentRole = true
	}
	return ChatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta}},
	}
}

func (s *sseStreamer) writeLocked(chunk ChatCompletionChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}

package compress

import (
	"context"
	"io"
	"strings"
	"sync"

	"massgen.dev/massgen/runtime/agent/model"
)

type (
	// Buffer is the streaming buffer each backend owns: a running transcript
	// of the content and reasoning it has produced, kept for recovery when the
	// provider rejects a request mid-conversation. The buffer survives
	// compression and is discarded on a successful done chunk.
	Buffer struct {
		mu    sync.Mutex
		parts []string
	}

	// backend wraps a provider Backend with the compression sub-protocol.
	backend struct {
		next model.Backend
		comp *Compressor
		buf  Buffer
	}

	// wrappedStreamer replays the compression status chunks ahead of the
	// provider stream and records content into the streaming buffer.
	wrappedStreamer struct {
		pending []model.Chunk
		inner   model.Streamer
		buf     *Buffer
	}

	// staticStreamer yields a fixed chunk sequence. Used when compression
	// fails and the turn must surface an error without a provider call.
	staticStreamer struct {
		chunks []model.Chunk
	}
)

// Wrap layers the compression sub-protocol over a provider backend.
// Proactively, histories crossing the threshold are compressed before the
// provider call; reactively, a context-overflow rejection triggers one
// compress-and-retry. Status is surfaced through compression_status chunks
// ahead of the provider output.
func Wrap(next model.Backend, comp *Compressor) model.Backend {
	return &backend{next: next, comp: comp}
}

// Stream implements model.Backend.
func (b *backend) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	var prefix []model.Chunk
	msgs := req.Messages

	if b.comp.ShouldCompress(msgs) {
		prefix = append(prefix, model.CompressionChunk(model.CompressionUpdate{Stage: model.CompressionCompressing}))
		res, err := b.comp.Compress(ctx, msgs)
		if err != nil {
			return failedStream(prefix, err), nil
		}
		prefix = append(prefix, model.CompressionChunk(model.CompressionUpdate{
			Stage: model.CompressionCompressed,
			Kept:  res.Kept,
			Ratio: res.Ratio,
		}))
		msgs = res.Messages
	}

	req.Messages = msgs
	inner, err := b.next.Stream(ctx, req)
	if err != nil && model.IsContextOverflow(err) {
		prefix = append(prefix, model.CompressionChunk(model.CompressionUpdate{Stage: model.CompressionCompressing}))
		res, cerr := b.comp.Compress(ctx, msgs)
		if cerr != nil {
			return failedStream(prefix, cerr), nil
		}
		prefix = append(prefix, model.CompressionChunk(model.CompressionUpdate{
			Stage: model.CompressionCompressed,
			Kept:  res.Kept,
			Ratio: res.Ratio,
		}))
		req.Messages = res.Messages
		inner, err = b.next.Stream(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return &wrappedStreamer{pending: prefix, inner: inner, buf: &b.buf}, nil
}

// failedStream builds the terminal sequence for an unrecoverable compression
// failure: the failed status, a non-retryable error, and done.
func failedStream(prefix []model.Chunk, err error) model.Streamer {
	chunks := append(prefix,
		model.CompressionChunk(model.CompressionUpdate{Stage: model.CompressionFailed, Reason: err.Error()}),
		model.ErrorChunk(err.Error(), false),
		model.DoneChunk(),
	)
	return &staticStreamer{chunks: chunks}
}

// Recv returns the pending status chunks first, then delegates to the
// provider stream, recording content and reasoning into the buffer.
func (s *wrappedStreamer) Recv() (model.Chunk, error) {
	if len(s.pending) > 0 {
		c := s.pending[0]
		s.pending = s.pending[1:]
		return c, nil
	}
	c, err := s.inner.Recv()
	if err != nil {
		return c, err
	}
	switch c.Type {
	case model.ChunkTypeContent, model.ChunkTypeReasoning:
		s.buf.Append(c.Text)
	case model.ChunkTypeDone:
		s.buf.Reset()
	}
	return c, nil
}

// Close closes the provider stream.
func (s *wrappedStreamer) Close() error {
	return s.inner.Close()
}

// Recv pops the next fixed chunk, then reports io.EOF.
func (s *staticStreamer) Recv() (model.Chunk, error) {
	if len(s.chunks) == 0 {
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

// Close is a no-op.
func (s *staticStreamer) Close() error { return nil }

// Append records a content or reasoning fragment.
func (b *Buffer) Append(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parts = append(b.parts, text)
}

// Transcript returns the accumulated partial output.
func (b *Buffer) Transcript() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.parts, "")
}

// Reset discards the accumulated output.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parts = nil
}

package anthropic

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"massgen.dev/massgen/runtime/agent/model"
)

// streamer adapts an Anthropic Messages event stream to model.Streamer. A
// pump goroutine drains the SSE stream and converts events into chunks; Recv
// reads from the channel.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan model.Chunk, 32),
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			if err := s.err(); err != nil {
				return model.Chunk{}, err
			}
			return model.Chunk{}, io.EOF
		}
		return chunk, nil
	case <-s.ctx.Done():
		return model.Chunk{}, s.ctx.Err()
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	p := &processor{emit: s.emit, tools: make(map[int]*toolBuffer)}
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
				// A mid-stream provider failure still terminates the chunk
				// sequence with error then done.
				perr := classify("messages.stream", err)
				_ = s.emit(model.ErrorChunk(perr.Error(), model.IsRetryable(perr)))
				_ = s.emit(model.DoneChunk())
			} else if !p.finished {
				_ = s.emit(model.DoneChunk())
			}
			return
		}
		if err := p.handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *streamer) emit(c model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- c:
		return nil
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// processor converts Anthropic streaming events into chunks. Tool use blocks
// arrive as a start event carrying id and name followed by JSON fragments;
// they are buffered per block index and emitted as one tool_calls chunk at
// message stop.
type processor struct {
	emit     func(model.Chunk) error
	tools    map[int]*toolBuffer
	calls    []model.ToolCall
	finished bool
}

type toolBuffer struct {
	id        string
	name      string
	fragments strings.Builder
}

func (p *processor) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if tu.ID == "" || tu.Name == "" {
				return errors.New("anthropic: tool use block missing id or name")
			}
			p.tools[int(ev.Index)] = &toolBuffer{id: tu.ID, name: tu.Name}
		}
		return nil
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return p.emit(model.ContentChunk(delta.Text))
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			return p.emit(model.ReasoningChunk(delta.Thinking))
		case sdk.InputJSONDelta:
			if tb := p.tools[int(ev.Index)]; tb != nil {
				tb.fragments.WriteString(delta.PartialJSON)
			}
			return nil
		default:
			return nil
		}
	case sdk.ContentBlockStopEvent:
		if tb := p.tools[int(ev.Index)]; tb != nil {
			delete(p.tools, int(ev.Index))
			args := tb.fragments.String()
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			p.calls = append(p.calls, model.ToolCall{ID: tb.id, Name: tb.name, Arguments: args})
		}
		return nil
	case sdk.MessageStopEvent:
		if len(p.calls) > 0 {
			if err := p.emit(model.ToolCallsChunk(p.calls...)); err != nil {
				return err
			}
			p.calls = nil
		}
		p.finished = true
		return p.emit(model.DoneChunk())
	default:
		return nil
	}
}

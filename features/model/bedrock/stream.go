package bedrock

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"massgen.dev/massgen/runtime/agent/model"
)

// streamer adapts a Bedrock ConverseStream event stream to model.Streamer. A
// pump goroutine drains the event channel and converts events into chunks.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream) model.Streamer {
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
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() { _ = s.stream.Close() }()

	p := &processor{emit: s.emit, tools: make(map[int]*toolBuffer)}
	events := s.stream.Events()

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
					perr := classify("converse_stream", err)
					_ = s.emit(model.ErrorChunk(perr.Error(), model.IsRetryable(perr)))
					_ = s.emit(model.DoneChunk())
				} else if !p.finished {
					_ = s.emit(model.DoneChunk())
				}
				return
			}
			if err := p.handle(event); err != nil {
				s.setErr(err)
				return
			}
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

// processor converts Bedrock streaming events into chunks. Tool use blocks
// arrive as a start event carrying id and name followed by input fragments;
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

func (p *processor) handle(event brtypes.ConverseStreamOutput) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx := contentIndex(ev.Value.ContentBlockIndex)
		if tu, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			tb := &toolBuffer{}
			if tu.Value.ToolUseId != nil {
				tb.id = *tu.Value.ToolUseId
			}
			if tu.Value.Name != nil {
				tb.name = *tu.Value.Name
			}
			p.tools[idx] = tb
		}
		return nil
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx := contentIndex(ev.Value.ContentBlockIndex)
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return p.emit(model.ContentChunk(delta.Value))
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			if text, ok := delta.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok && text.Value != "" {
				return p.emit(model.ReasoningChunk(text.Value))
			}
			return nil
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if tb := p.tools[idx]; tb != nil && delta.Value.Input != nil {
				tb.fragments.WriteString(*delta.Value.Input)
			}
			return nil
		default:
			return nil
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx := contentIndex(ev.Value.ContentBlockIndex)
		if tb := p.tools[idx]; tb != nil {
			delete(p.tools, idx)
			if tb.name == "" {
				return errors.New("bedrock: tool use block missing name")
			}
			args := tb.fragments.String()
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			p.calls = append(p.calls, model.ToolCall{ID: tb.id, Name: tb.name, Arguments: args})
		}
		return nil
	case *brtypes.ConverseStreamOutputMemberMessageStop:
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

func contentIndex(idx *int32) int {
	if idx == nil {
		return 0
	}
	return int(*idx)
}

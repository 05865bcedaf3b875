package runtime

import (
	"context"
	"fmt"
	"io"

	"massgen.dev/massgen/runtime/agent/broadcast"
	"massgen.dev/massgen/runtime/agent/model"
)

// Run executes one turn: stream, tool loop, continuation streams, until
// the model finishes without tool calls. The returned streamer yields the
// chunks the orchestrator routes to display and state; it always
// terminates with exactly one done chunk. Only one run may be open at a
// time per agent.
func (a *Agent) Run(ctx context.Context, messages []*model.Message) (model.Streamer, error) {
	if !a.setRunning(true) {
		return nil, ErrRunInFlight
	}
	ctx, stop := context.WithCancel(ctx)
	out := make(chan model.Chunk, 16)
	go func() {
		defer close(out)
		defer a.setRunning(false)
		defer stop()
		a.loop(ctx, model.CloneMessages(messages), out)
	}()
	return &chunkStream{ch: out, stop: stop}, nil
}

// turn is what one backend stream produced.
type turn struct {
	text  string
	calls []model.ToolCall
	// failed is set when the backend surfaced an error chunk; the loop
	// stops without a continuation.
	failed bool
}

func (a *Agent) loop(ctx context.Context, msgs []*model.Message, out chan<- model.Chunk) {
	token := a.token()
	for {
		if reason, ok := a.cancelledSince(token); ok {
			a.finishCancelled(ctx, out, reason)
			return
		}
		msgs = append(msgs, a.broadcastMessages()...)

		req := a.params
		req.Messages = msgs
		req.Tools = a.turnTools()
		turnCtx, turnCancel := context.WithCancel(ctx)
		a.setTurnCancel(turnCancel)
		s, err := a.backend.Stream(turnCtx, req)
		if err != nil {
			a.setTurnCancel(nil)
			turnCancel()
			if reason, cancelled := a.cancelledSince(token); cancelled {
				a.finishCancelled(ctx, out, reason)
				return
			}
			a.logger.Error(ctx, "backend stream failed", "agent", a.id, "err", err)
			emit(ctx, out, model.ErrorChunk(err.Error(), model.IsRetryable(err)))
			emit(ctx, out, model.DoneChunk())
			return
		}
		t, ok := a.forward(ctx, s, out, token)
		_ = s.Close()
		a.setTurnCancel(nil)
		turnCancel()
		if !ok {
			return
		}
		if t.failed || len(t.calls) == 0 {
			emit(ctx, out, model.DoneChunk())
			return
		}

		msgs = append(msgs, &model.Message{Role: model.RoleAssistant, Content: t.text, ToolCalls: t.calls})
		for _, call := range t.calls {
			if reason, cancelled := a.cancelledSince(token); cancelled {
				a.finishCancelled(ctx, out, reason)
				return
			}
			msgs = append(msgs, a.execTool(ctx, call, out)...)
		}
	}
}

// forward relays the backend stream to the consumer, retaining the text
// and tool calls needed for the continuation. It swallows the backend's
// own done sentinel: the loop emits the single terminating done itself.
// Returns ok=false when the run was cancelled (trailer already emitted).
func (a *Agent) forward(ctx context.Context, s model.Streamer, out chan<- model.Chunk, token int) (turn, bool) {
	var t turn
	for {
		c, err := s.Recv()
		// Checked after Recv so a chunk arriving post-cancel is dropped,
		// never forwarded.
		if reason, cancelled := a.cancelledSince(token); cancelled {
			a.finishCancelled(ctx, out, reason)
			return t, false
		}
		if err == io.EOF {
			return t, true
		}
		if err != nil {
			emit(ctx, out, model.ErrorChunk(err.Error(), model.IsRetryable(err)))
			t.failed = true
			return t, true
		}
		switch c.Type {
		case model.ChunkTypeDone:
			return t, true
		case model.ChunkTypeContent:
			t.text += c.Text
		case model.ChunkTypeToolCalls:
			t.calls = append(t.calls, c.ToolCalls...)
		case model.ChunkTypeError:
			t.failed = true
		}
		if !emit(ctx, out, c) {
			return t, false
		}
	}
}

// finishCancelled emits the cancellation trailer mandated by the restart
// protocol: error{retryable=true} then done.
func (a *Agent) finishCancelled(ctx context.Context, out chan<- model.Chunk, reason string) {
	a.logger.Info(ctx, "run cancelled", "agent", a.id, "reason", reason)
	emit(ctx, out, model.ErrorChunk(reason, true))
	emit(ctx, out, model.DoneChunk())
}

// broadcastMessages drains the queue into synthetic user messages, in
// delivery order.
func (a *Agent) broadcastMessages() []*model.Message {
	queued := a.drainQueue()
	msgs := make([]*model.Message, 0, len(queued))
	for _, req := range queued {
		msgs = append(msgs, model.UserMessage(broadcastPrompt(req)))
	}
	return msgs
}

func broadcastPrompt(req broadcast.Request) string {
	return fmt.Sprintf("Question from agent %s: %s\n\nAnswer with the respond_to_broadcast tool, request_id %q.",
		req.SenderID, req.Question, req.ID)
}

func emit(ctx context.Context, out chan<- model.Chunk, c model.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// chunkStream adapts the pump channel to model.Streamer.
type chunkStream struct {
	ch   <-chan model.Chunk
	stop context.CancelFunc
}

func (s *chunkStream) Recv() (model.Chunk, error) {
	c, ok := <-s.ch
	if !ok {
		return model.Chunk{}, io.EOF
	}
	return c, nil
}

func (s *chunkStream) Close() error {
	s.stop()
	return nil
}

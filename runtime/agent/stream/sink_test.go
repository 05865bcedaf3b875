package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"massgen.dev/massgen/runtime/agent/model"
)

type failingSink struct{ err error }

func (f failingSink) Send(context.Context, Event) error { return f.err }
func (f failingSink) Close(context.Context) error       { return nil }

func TestBufferSinkPreservesOrder(t *testing.T) {
	sink := NewBufferSink()
	ctx := context.Background()

	require.NoError(t, sink.Send(ctx, NewAgentChunk("a1", model.ContentChunk("x"))))
	require.NoError(t, sink.Send(ctx, NewAgentStatus("a1", "answered")))
	require.NoError(t, sink.Send(ctx, NewFinalAnswer("a1", "x", 2)))

	events := sink.Events()
	require.Len(t, events, 3)
	require.Equal(t, EventAgentChunk, events[0].Type())
	require.Equal(t, EventAgentStatus, events[1].Type())
	require.Equal(t, EventFinalAnswer, events[2].Type())
}

func TestBufferSinkDropsAfterClose(t *testing.T) {
	sink := NewBufferSink()
	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, NewNotice("first")))
	require.NoError(t, sink.Close(ctx))
	require.NoError(t, sink.Send(ctx, NewNotice("late")))
	require.Len(t, sink.Events(), 1)
}

func TestMultiSinkStopsAtFirstError(t *testing.T) {
	buf := NewBufferSink()
	boom := errors.New("boom")
	sink := NewMultiSink(buf, failingSink{err: boom}, NewBufferSink())

	err := sink.Send(context.Background(), NewNotice("n"))
	require.ErrorIs(t, err, boom)
	require.Len(t, buf.Events(), 1)
}

func TestEventAccessors(t *testing.T) {
	ev := NewVoteCast("a1", "a2", "better")
	require.Equal(t, EventVoteCast, ev.Type())
	require.Equal(t, "a1", ev.AgentID())
	require.Equal(t, "a2", ev.TargetID)

	chunk := NewAgentChunk("a1", model.DoneChunk())
	require.Equal(t, model.ChunkTypeDone, chunk.Chunk.Type)
	require.Equal(t, model.DoneChunk(), chunk.Payload())
}

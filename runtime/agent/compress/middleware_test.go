package compress

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"massgen.dev/massgen/runtime/agent/model"
)

type fakeBackend struct {
	calls    int
	failWith error
	seen     []model.Request
}

func (f *fakeBackend) Stream(_ context.Context, req model.Request) (model.Streamer, error) {
	f.calls++
	f.seen = append(f.seen, req)
	if f.failWith != nil && f.calls == 1 {
		err := f.failWith
		return nil, err
	}
	return &staticStreamer{chunks: []model.Chunk{
		model.ContentChunk("Hi"),
		model.DoneChunk(),
	}}, nil
}

func drain(t *testing.T, s model.Streamer) []model.Chunk {
	t.Helper()
	var out []model.Chunk
	for {
		c, err := s.Recv()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, c)
	}
}

// Proactive trigger: context window 1000, threshold 0.5, outgoing history
// around 800 estimated tokens. The stream must open with compressing and
// compressed (kept=2, ratio under the 0.2 target) before normal content.
func TestProactiveCompressionChunkOrder(t *testing.T) {
	comp, err := New(Options{ContextWindow: 1000})
	require.NoError(t, err)
	next := &fakeBackend{}
	b := Wrap(next, comp)

	msgs := []*model.Message{
		model.UserMessage(strings.Repeat("x", 1550)),
		model.AssistantMessage(strings.Repeat("y", 1550)),
		model.UserMessage("hi"),
		model.AssistantMessage("hello"),
		model.UserMessage("ok"),
		model.AssistantMessage("fine"),
	}
	require.GreaterOrEqual(t, EstimateTokens(msgs), 500)

	s, err := b.Stream(context.Background(), model.Request{Messages: msgs})
	require.NoError(t, err)
	chunks := drain(t, s)

	require.Equal(t, model.ChunkTypeCompressionStatus, chunks[0].Type)
	require.Equal(t, model.CompressionCompressing, chunks[0].Compression.Stage)
	require.Equal(t, model.ChunkTypeCompressionStatus, chunks[1].Type)
	require.Equal(t, model.CompressionCompressed, chunks[1].Compression.Stage)
	require.Equal(t, 2, chunks[1].Compression.Kept)
	require.LessOrEqual(t, chunks[1].Compression.Ratio, 0.2)
	require.Equal(t, model.ChunkTypeContent, chunks[2].Type)
	require.Equal(t, "Hi", chunks[2].Text)
	require.Equal(t, model.ChunkTypeDone, chunks[3].Type)

	// The provider saw the compressed history, not the original one.
	require.Equal(t, 1, next.calls)
	require.Less(t, EstimateTokens(next.seen[0].Messages), EstimateTokens(msgs))
}

func TestReactiveCompressionRetriesOnce(t *testing.T) {
	comp, err := New(Options{ContextWindow: 100000})
	require.NoError(t, err)
	overflow := model.NewProviderError("fake", "stream", model.ProviderErrorKindContextOverflow, "too long", false, nil)
	next := &fakeBackend{failWith: overflow}
	b := Wrap(next, comp)

	msgs := []*model.Message{
		model.UserMessage("q1"),
		model.AssistantMessage("a1"),
		model.UserMessage("q2"),
		model.AssistantMessage("a2"),
		model.UserMessage("q3"),
	}
	s, err := b.Stream(context.Background(), model.Request{Messages: msgs})
	require.NoError(t, err)
	chunks := drain(t, s)

	require.Equal(t, 2, next.calls)
	require.Equal(t, model.CompressionCompressing, chunks[0].Compression.Stage)
	require.Equal(t, model.CompressionCompressed, chunks[1].Compression.Stage)
	require.Equal(t, model.ChunkTypeContent, chunks[2].Type)
}

func TestCompressionFailureSurfacesNonRetryableError(t *testing.T) {
	comp, err := New(Options{ContextWindow: 10})
	require.NoError(t, err)
	next := &fakeBackend{}
	b := Wrap(next, comp)

	msgs := []*model.Message{
		model.UserMessage(strings.Repeat("x", 4000)),
		model.AssistantMessage(strings.Repeat("y", 4000)),
	}
	s, err := b.Stream(context.Background(), model.Request{Messages: msgs})
	require.NoError(t, err)
	chunks := drain(t, s)

	require.Zero(t, next.calls)
	last := chunks[len(chunks)-1]
	require.Equal(t, model.ChunkTypeDone, last.Type)
	errChunk := chunks[len(chunks)-2]
	require.Equal(t, model.ChunkTypeError, errChunk.Type)
	require.False(t, errChunk.Retryable)
	failed := chunks[len(chunks)-3]
	require.Equal(t, model.CompressionFailed, failed.Compression.Stage)
}

func TestBufferAccumulatesUntilDone(t *testing.T) {
	comp, err := New(Options{ContextWindow: 100000})
	require.NoError(t, err)
	next := &fakeBackend{}
	b := Wrap(next, comp)

	s, err := b.Stream(context.Background(), model.Request{Messages: []*model.Message{model.UserMessage("hi")}})
	require.NoError(t, err)

	c, err := s.Recv()
	require.NoError(t, err)
	require.Equal(t, "Hi", c.Text)
	require.Equal(t, "Hi", b.(*backend).buf.Transcript())
	_, err = s.Recv() // done resets the buffer
	require.NoError(t, err)
	require.Empty(t, b.(*backend).buf.Transcript())
}

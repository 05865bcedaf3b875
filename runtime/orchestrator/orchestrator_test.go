package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"massgen.dev/massgen/runtime/agent/model"
	"massgen.dev/massgen/runtime/agent/stream"
)

// scriptTurn is one backend stream. A gated turn parks until its gate
// closes (or the turn context is cancelled), then serves its chunks; turns
// with no gate serve immediately; parked turns only ever end by
// cancellation. Gates let tests choreograph cross-agent orderings without
// racing the scheduler.
type scriptTurn struct {
	gate   <-chan struct{}
	parked bool
	chunks []model.Chunk
}

func say(text string) scriptTurn {
	return scriptTurn{chunks: []model.Chunk{model.ContentChunk(text), model.DoneChunk()}}
}

func answer(content string) []model.Chunk {
	return []model.Chunk{
		model.ToolCallsChunk(model.ToolCall{ID: "c-answer", Name: model.ToolNewAnswer,
			Arguments: fmt.Sprintf(`{"content":%q}`, content)}),
		model.DoneChunk(),
	}
}

func vote(target string) []model.Chunk {
	return []model.Chunk{
		model.ToolCallsChunk(model.ToolCall{ID: "c-vote", Name: model.ToolVote,
			Arguments: fmt.Sprintf(`{"target_id":%q,"reason":"best"}`, target)}),
		model.DoneChunk(),
	}
}

func gated(gate <-chan struct{}, chunks []model.Chunk) scriptTurn {
	return scriptTurn{gate: gate, chunks: chunks}
}

func parked() scriptTurn { return scriptTurn{parked: true} }

// scriptBackend replays one scripted turn per Stream call, then defaults
// to an immediate done. It records every request it saw.
type scriptBackend struct {
	mu    sync.Mutex
	turns []scriptTurn
	seen  []model.Request
}

func (b *scriptBackend) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen = append(b.seen, req)
	if len(b.turns) == 0 {
		return &scriptStream{ctx: ctx, chunks: []model.Chunk{model.DoneChunk()}}, nil
	}
	turn := b.turns[0]
	b.turns = b.turns[1:]
	return &scriptStream{ctx: ctx, gate: turn.gate, parked: turn.parked, chunks: turn.chunks}, nil
}

func (b *scriptBackend) requests() []model.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Request, len(b.seen))
	copy(out, b.seen)
	return out
}

func (b *scriptBackend) streamed() bool { return len(b.requests()) > 0 }

type scriptStream struct {
	ctx    context.Context
	gate   <-chan struct{}
	parked bool
	opened bool
	chunks []model.Chunk
	pos    int
}

func (s *scriptStream) Recv() (model.Chunk, error) {
	if s.parked {
		<-s.ctx.Done()
		return model.Chunk{}, s.ctx.Err()
	}
	if s.gate != nil && !s.opened {
		select {
		case <-s.gate:
			s.opened = true
		case <-s.ctx.Done():
			return model.Chunk{}, s.ctx.Err()
		}
	}
	if s.pos >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *scriptStream) Close() error { return nil }

func newOrchestrator(t *testing.T, cfg Config, backends map[string]*scriptBackend) (*Orchestrator, *stream.BufferSink) {
	t.Helper()
	sink := stream.NewBufferSink()
	agents := make(map[string]AgentSpec, len(backends))
	for id, b := range backends {
		agents[id] = AgentSpec{Backend: b}
	}
	o, err := New(Options{Agents: agents, Config: cfg, Display: sink})
	require.NoError(t, err)
	return o, sink
}

// closeWhen closes gate once cond holds. Polling keeps the choreography
// independent of goroutine scheduling.
func closeWhen(t *testing.T, gate chan<- struct{}, cond func() bool) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if cond() {
				close(gate)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func (o *Orchestrator) answered(t *testing.T, id string) func() bool {
	t.Helper()
	return func() bool {
		st, err := o.State(id)
		return err == nil && st.AnswerCount > 0
	}
}

// A single agent answers directly; the final answer is its content and no
// votes are needed.
func TestSingleAgentPassThrough(t *testing.T) {
	o, sink := newOrchestrator(t, Config{}, map[string]*scriptBackend{
		"a1": {turns: []scriptTurn{say("Hi")}},
	})

	res, err := o.Run(context.Background(), "Hello")
	require.NoError(t, err)
	require.Equal(t, "a1", res.AgentID)
	require.Equal(t, "Hi", res.Content)
	require.False(t, res.Converged)

	var contents []string
	for _, ev := range sink.Events() {
		if chunk, ok := ev.(*stream.AgentChunk); ok && chunk.Chunk.Type == model.ChunkTypeContent {
			contents = append(contents, chunk.Chunk.Text)
		}
	}
	require.Equal(t, []string{"Hi"}, contents)
}

// Two agents, both answers on file, both vote for b; with sensitivity
// 0.5 the vote converges on b and the final answer is b's.
func TestTwoAgentVote(t *testing.T) {
	bothStreamed := make(chan struct{})
	aAnswered := make(chan struct{})
	bAnswered := make(chan struct{})

	// Answer and vote turns repeat so a turn consumed by a mid-restart
	// cancellation is retried on the next run.
	a := &scriptBackend{turns: []scriptTurn{
		gated(bothStreamed, answer("foo")),
		gated(bAnswered, vote("b")),
		gated(bAnswered, vote("b")),
		gated(bAnswered, vote("b")),
	}}
	b := &scriptBackend{turns: []scriptTurn{
		gated(aAnswered, answer("bar")),
		gated(aAnswered, answer("bar")),
		gated(bAnswered, vote("b")),
		gated(bAnswered, vote("b")),
	}}
	o, sink := newOrchestrator(t, Config{VotingSensitivity: 0.5},
		map[string]*scriptBackend{"a": a, "b": b})

	closeWhen(t, bothStreamed, func() bool { return a.streamed() && b.streamed() })
	closeWhen(t, aAnswered, o.answered(t, "a"))
	closeWhen(t, bAnswered, o.answered(t, "b"))

	res, err := o.Run(context.Background(), "solve it")
	require.NoError(t, err)
	require.True(t, res.Converged)
	require.Equal(t, "b", res.AgentID)
	require.Equal(t, "bar", res.Content)
	require.Equal(t, 2, res.Votes)

	votesCast := 0
	for _, ev := range sink.Events() {
		if ev.Type() == stream.EventVoteCast {
			votesCast++
		}
	}
	require.GreaterOrEqual(t, votesCast, 2)
}

// A peer answer cancels the in-flight run; the restart priming turn
// carries the answer on file.
func TestRestartPrimingIncludesPeerAnswers(t *testing.T) {
	bStreamed := make(chan struct{})
	a := &scriptBackend{turns: []scriptTurn{
		gated(bStreamed, answer("foo")),
		parked(),
	}}
	b := &scriptBackend{turns: []scriptTurn{parked(), parked()}}
	o, _ := newOrchestrator(t, Config{}, map[string]*scriptBackend{"a": a, "b": b})

	closeWhen(t, bStreamed, b.streamed)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			st, err := o.State("b")
			if err == nil && st.Restarts >= 1 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	res, err := o.Run(ctx, "solve it")
	require.NoError(t, err)
	require.Equal(t, "a", res.AgentID)
	require.Equal(t, "foo", res.Content)

	reqs := b.requests()
	require.GreaterOrEqual(t, len(reqs), 2)
	priming := reqs[1].Messages[len(reqs[1].Messages)-1].Content
	require.Contains(t, priming, "Other agents have submitted answers")
	require.Contains(t, priming, "foo")

	st, err := o.State("b")
	require.NoError(t, err)
	require.Equal(t, 1, st.Restarts)
}

func TestPostEvaluationRefinesAnswer(t *testing.T) {
	a := &scriptBackend{turns: []scriptTurn{
		{chunks: answer("draft")},
		{chunks: vote("a")},
		say("polished"), // consumed by the post-evaluation turn
	}}
	o, _ := newOrchestrator(t, Config{PostEvaluation: true}, map[string]*scriptBackend{"a": a})

	res, err := o.Run(context.Background(), "write it")
	require.NoError(t, err)
	require.True(t, res.Converged)
	require.Equal(t, "polished", res.Content)

	reqs := a.requests()
	prompt := reqs[len(reqs)-1].Messages[0].Content
	require.Contains(t, prompt, "write it")
	require.Contains(t, prompt, "draft")
}

// A user cancel mid-run falls back to the most recent answer on file.
func TestUserCancelFallsBackToLatestAnswer(t *testing.T) {
	a := &scriptBackend{turns: []scriptTurn{
		{chunks: answer("partial")},
		parked(),
		parked(),
	}}
	b := &scriptBackend{turns: []scriptTurn{parked(), parked(), parked()}}
	o, _ := newOrchestrator(t, Config{}, map[string]*scriptBackend{"a": a, "b": b})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) && !o.answered(t, "a")() {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	res, err := o.Run(ctx, "solve it")
	require.NoError(t, err)
	require.False(t, res.Converged)
	require.Equal(t, "a", res.AgentID)
	require.Equal(t, "partial", res.Content)
}

func TestNewAnswerEnforcesCapAndNovelty(t *testing.T) {
	o, _ := newOrchestrator(t, Config{MaxNewAnswers: 2}, map[string]*scriptBackend{"a": {}, "b": {}})
	ctx := context.Background()

	_, err := o.NewAnswer(ctx, "a", "answer one")
	require.NoError(t, err)

	// Same text modulo whitespace and case is not novel.
	_, err = o.NewAnswer(ctx, "a", "  Answer   ONE ")
	require.ErrorContains(t, err, "not novel")

	_, err = o.NewAnswer(ctx, "a", "answer two")
	require.NoError(t, err)

	_, err = o.NewAnswer(ctx, "a", "answer three")
	require.ErrorContains(t, err, "limit")

	st, err := o.State("a")
	require.NoError(t, err)
	require.Equal(t, 2, st.AnswerCount)
	require.Equal(t, "answer two", st.CurrentAnswer.Content)
}

func TestVoteRequiresAnswerOnFile(t *testing.T) {
	o, _ := newOrchestrator(t, Config{}, map[string]*scriptBackend{"a": {}, "b": {}})
	ctx := context.Background()

	_, err := o.Vote(ctx, "a", "b", "looks good")
	require.ErrorContains(t, err, "no answer on file")
	_, err = o.Vote(ctx, "a", "ghost", "")
	require.ErrorContains(t, err, "unknown target")

	_, err = o.NewAnswer(ctx, "b", "the answer")
	require.NoError(t, err)
	_, err = o.Vote(ctx, "a", "b", "looks good")
	require.NoError(t, err)

	st, err := o.State("a")
	require.NoError(t, err)
	require.Equal(t, StatusVoting, st.Status)
	require.Equal(t, "b", st.Vote.TargetID)
}

// Tie-break: equal vote counts resolve to the most recent answer.
func TestLeaderTieBreaksByNewestAnswer(t *testing.T) {
	o, _ := newOrchestrator(t, Config{}, map[string]*scriptBackend{
		"a": {}, "b": {}, "c": {}, "d": {},
	})
	ctx := context.Background()

	_, err := o.NewAnswer(ctx, "a", "first answer")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = o.NewAnswer(ctx, "b", "second answer")
	require.NoError(t, err)

	_, err = o.Vote(ctx, "c", "a", "")
	require.NoError(t, err)
	_, err = o.Vote(ctx, "d", "b", "")
	require.NoError(t, err)

	o.mu.Lock()
	winner, votes := o.leaderLocked()
	o.mu.Unlock()
	require.Equal(t, "b", winner)
	require.Equal(t, 1, votes)
}

// Property: answer_count never decreases and never exceeds the cap, for
// arbitrary submission sequences.
func TestMonotoneAnswerCountProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100

	properties := gopter.NewProperties(params)
	properties.Property("answer count is monotone and capped", prop.ForAll(
		func(texts []string, maxAnswers int) bool {
			o, _ := newOrchestrator(t, Config{MaxNewAnswers: maxAnswers},
				map[string]*scriptBackend{"a": {}, "b": {}})
			prev := 0
			for i, text := range texts {
				_, _ = o.NewAnswer(context.Background(), "a", fmt.Sprintf("%s-%d", text, i%2))
				st, err := o.State("a")
				if err != nil {
					return false
				}
				if st.AnswerCount < prev || st.AnswerCount > maxAnswers {
					return false
				}
				prev = st.AnswerCount
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(1, 4),
	))
	properties.TestingRun(t)
}

// If a single agent holds strictly more votes than any other, it is the
// selected winner.
func TestConvergenceSelectsStrictMajority(t *testing.T) {
	bothStreamed := make(chan struct{})
	aAnswered := make(chan struct{})

	a := &scriptBackend{turns: []scriptTurn{
		gated(bothStreamed, answer("plan A")),
		gated(aAnswered, vote("a")),
		gated(aAnswered, vote("a")),
	}}
	b := &scriptBackend{turns: []scriptTurn{
		gated(aAnswered, vote("a")),
		gated(aAnswered, vote("a")),
	}}
	o, _ := newOrchestrator(t, Config{}, map[string]*scriptBackend{"a": a, "b": b})

	closeWhen(t, bothStreamed, func() bool { return a.streamed() && b.streamed() })
	closeWhen(t, aAnswered, o.answered(t, "a"))

	res, err := o.Run(context.Background(), "decide")
	require.NoError(t, err)
	require.True(t, res.Converged)
	require.Equal(t, "a", res.AgentID)
	require.Equal(t, "plan A", res.Content)
	require.Equal(t, 2, res.Votes)
}

func TestRunRejectsConcurrentInvocation(t *testing.T) {
	a := &scriptBackend{turns: []scriptTurn{parked()}}
	o, _ := newOrchestrator(t, Config{}, map[string]*scriptBackend{"a": a})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Run(ctx, "long job")
	}()

	// Wait until the first run is demonstrably in flight before probing.
	require.Eventually(t, a.streamed, time.Second, time.Millisecond)
	_, err := o.Run(context.Background(), "second")
	require.ErrorIs(t, err, ErrRunInFlight)

	cancel()
	<-done
}

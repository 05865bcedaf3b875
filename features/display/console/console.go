// Package console renders coordination display events as human-readable
// terminal output. It is the sink behind the CLI's run command.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"massgen.dev/massgen/runtime/agent/model"
	"massgen.dev/massgen/runtime/agent/stream"
)

type (
	// Options configures the console sink.
	Options struct {
		// Writer receives the rendered output. Defaults to os.Stdout.
		Writer io.Writer
		// ShowChunks streams raw per-agent content deltas as they arrive.
		// Off by default; with several agents the interleaving is noisy.
		ShowChunks bool
	}

	// Sink renders display events as terminal lines. Safe for concurrent
	// Send calls.
	Sink struct {
		mu         sync.Mutex
		w          io.Writer
		showChunks bool
		// lastAgent tracks whose content is mid-line so agent switches get
		// a fresh prefixed line.
		lastAgent string
		midLine   bool
	}
)

// New constructs a console sink.
func New(opts Options) *Sink {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	return &Sink{w: w, showChunks: opts.ShowChunks}
}

// Send implements stream.Sink.
func (s *Sink) Send(_ context.Context, ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e := ev.(type) {
	case *stream.AgentChunk:
		s.renderChunk(e)
	case *stream.AgentStatus:
		s.line("· %s is %s", e.AgentID(), e.Status)
	case *stream.AnswerSubmitted:
		s.line("✔ %s submitted answer #%d", e.AgentID(), e.Count)
	case *stream.VoteCast:
		s.line("➤ %s voted for %s: %s", e.AgentID(), e.TargetID, e.Reason)
	case *stream.AgentRestarted:
		s.line("↻ %s restarted (%d): %s", e.AgentID(), e.Restarts, e.Reason)
	case *stream.BroadcastPosted:
		s.line("? %s asks: %s", e.AgentID(), e.Question)
	case *stream.Notice:
		s.line("— %s", e.Text)
	case *stream.AgentError:
		s.line("✖ %s failed: %s", e.AgentID(), e.Message)
	case *stream.FinalAnswer:
		s.line("")
		s.line("=== final answer (from %s, %d votes) ===", e.WinnerID, e.Votes)
		fmt.Fprintln(s.w, e.Content)
	default:
		s.line("%s %v", string(ev.Type()), ev.Payload())
	}
	return nil
}

// Close implements stream.Sink.
func (s *Sink) Close(context.Context) error { return nil }

func (s *Sink) renderChunk(e *stream.AgentChunk) {
	if !s.showChunks {
		return
	}
	switch e.Chunk.Type {
	case model.ChunkTypeContent:
		if e.AgentID() != s.lastAgent || !s.midLine {
			s.breakLine()
			fmt.Fprintf(s.w, "%s> ", e.AgentID())
			s.lastAgent = e.AgentID()
		}
		fmt.Fprint(s.w, e.Chunk.Text)
		s.midLine = true
	case model.ChunkTypeCompressionStatus:
		if e.Chunk.Compression != nil {
			s.line("… %s compression %s", e.AgentID(), e.Chunk.Compression.Stage)
		}
	case model.ChunkTypeDone:
		s.breakLine()
	}
}

// line writes one formatted line, closing any open content line first.
func (s *Sink) line(format string, args ...any) {
	s.breakLine()
	fmt.Fprintf(s.w, format+"\n", args...)
}

func (s *Sink) breakLine() {
	if s.midLine {
		fmt.Fprintln(s.w)
		s.midLine = false
	}
}
